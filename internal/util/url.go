package util

import (
	"net/url"
	"strings"
)

// NormalizeURL trims whitespace and trailing slashes and defaults the
// scheme to http.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return strings.TrimRight(raw, "/")
}

// WebSocketURL turns an http(s) base URL into the ws(s) URL of path.
func WebSocketURL(base, path string) (string, error) {
	u, err := url.Parse(NormalizeURL(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
