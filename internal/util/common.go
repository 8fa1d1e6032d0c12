package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultFetchTimeout   = 5 * time.Second
	DefaultConnectTimeout = 3 * time.Second
	ShortTimeout          = 2 * time.Second
)

// ResolvePath joins base and rel unless rel is absolute, in which case the
// cleaned rel is returned. filepath.Join("a", "/b") would give "a/b".
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateKey trims an identifier that will be used as a tree path segment.
// Slashes, dots-only and control characters are refused.
func ValidateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is empty")
	}
	if key == "." || key == ".." {
		return "", errors.New("key must not be '.' or '..'")
	}
	if strings.ContainsAny(key, "/\\#$[]") {
		return "", errors.New("key must not contain '/', '\\', '#', '$', '[' or ']'")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", errors.New("key must not contain control characters")
		}
	}
	return key, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// NowMillis is the wall clock in milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
