package realtime

import (
	"fmt"
	"strings"

	"github.com/petervdpas/shrive/internal/apperr"
	"github.com/petervdpas/shrive/internal/util"
)

// ValidatePath checks a slash separated tree path. The empty path is the root.
func ValidatePath(p string) error {
	if p == "" {
		return nil
	}
	for _, seg := range strings.Split(p, "/") {
		key, err := util.ValidateKey(seg)
		if err != nil {
			return apperr.Validationf("path", "%q: %v", p, err)
		}
		if key != seg {
			return apperr.Validationf("path", "%q: segment %q has surrounding spaces", p, seg)
		}
	}
	return nil
}

// Join builds a path from segments, skipping empty ones.
func Join(segs ...string) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// Parent returns the path without its last segment.
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Base returns the last segment of p.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// related reports whether a write at one path can change the value at the other.
func related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// under reports whether p equals prefix or lies beneath it.
func under(p, prefix string) bool {
	return prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/")
}

func mustWritable(op, p string) error {
	if p == "" {
		return apperr.Validationf(op, "cannot write the root")
	}
	if err := ValidatePath(p); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
