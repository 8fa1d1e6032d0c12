package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/shrive/internal/config"
)

// PromptInteractive walks through the settings `shrive init` asks for. An
// invalid result falls back to the defaults.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Shrive interactive setup")
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.DisplayName = askString(in, w, "Display name (empty=anonymous)", cfg.Identity.DisplayName)
	cfg.Identity.Email = askString(in, w, "Account email (required for priests)", cfg.Identity.Email)

	if askBool(in, w, "Run the hub from this folder", false) {
		cfg.Hub.Bind = askString(in, w, "Hub bind address", cfg.Hub.Bind)
		cfg.Hub.Port = askInt(in, w, "Hub port", cfg.Hub.Port)
		cfg.Hub.AdminPassword = askString(in, w, "Admin password (empty=no admin API)", cfg.Hub.AdminPassword)
		cfg.Paths.DataDir = askString(in, w, "Data directory", cfg.Paths.DataDir)
	}
	cfg.Hub.URL = askString(in, w, "Hub URL", cfg.Hub.URL)

	cfg.Invitation.TimeoutSec = askInt(in, w, "Invitation timeout seconds", cfg.Invitation.TimeoutSec)
	if askBool(in, w, "Use a TURN server", len(cfg.Call.TURNURLs) > 0) {
		cfg.Call.TURNURLs = []string{askString(in, w, "TURN URL", firstOr(cfg.Call.TURNURLs, "turn:"))}
		cfg.Call.TURNUsername = askString(in, w, "TURN username", cfg.Call.TURNUsername)
		cfg.Call.TURNCredential = askString(in, w, "TURN credential", cfg.Call.TURNCredential)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
