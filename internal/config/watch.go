package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle absorbs the burst of events editors produce for one save.
const settle = 100 * time.Millisecond

// Watch reloads path whenever it is written and hands every config that
// loads and validates to fn. Broken edits are logged and skipped. Watch
// blocks until ctx is done.
//
// The directory is watched rather than the file so editors that replace
// the file by rename keep triggering reloads.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(settle)
			}
		case <-pending:
			pending = nil
			cfg, err := Load(abs)
			if err != nil {
				log.Warnf("reload %s: %v", path, err)
				continue
			}
			log.Infof("reloaded %s", path)
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}
