// Package logging configures the go-log subsystem loggers used across shrive.
package logging

import (
	"fmt"
	"os"
	"strings"

	golog "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/config"
)

// Subsystems are the logger names shrive packages register.
var Subsystems = []string{
	"realtime", "storage", "invite", "confessor", "priest",
	"signaling", "call", "chat", "rendezvous", "app", "config", "tracing",
}

// Setup applies format, level and per-subsystem levels.
func Setup(cfg config.Log) error {
	lvl, err := golog.LevelFromString(levelOrInfo(cfg.Level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	sub := make(map[string]golog.LogLevel, len(cfg.Subsystems))
	for name, l := range cfg.Subsystems {
		sl, err := golog.LevelFromString(l)
		if err != nil {
			return fmt.Errorf("log level for %s: %w", name, err)
		}
		sub[name] = sl
	}

	golog.SetupLogging(golog.Config{
		Format:          format(cfg.Format),
		Stderr:          true,
		Level:           lvl,
		SubsystemLevels: sub,
	})
	return nil
}

// SetLevel changes one subsystem at runtime.
func SetLevel(subsystem, level string) error {
	return golog.SetLogLevel(subsystem, level)
}

func format(f string) golog.LogFormat {
	switch strings.ToLower(f) {
	case "json":
		return golog.JSONOutput
	case "plain":
		return golog.PlaintextOutput
	case "color":
		return golog.ColorizedOutput
	}
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return golog.ColorizedOutput
	}
	return golog.PlaintextOutput
}

func levelOrInfo(l string) string {
	if strings.TrimSpace(l) == "" {
		return "info"
	}
	return l
}
