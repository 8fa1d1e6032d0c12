package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/shrive/internal/util"
)

var log = logging.Logger("config")

// FileName is the config file looked up in the working directory.
const FileName = "shrive.json"

type Config struct {
	Identity   Identity   `json:"identity"`
	Paths      Paths      `json:"paths"`
	Hub        Hub        `json:"hub"`
	Invitation Invitation `json:"invitation"`
	Call       Call       `json:"call"`
	Log        Log        `json:"log"`
	Tracing    Tracing    `json:"tracing"`
}

type Identity struct {
	DisplayName string `json:"display_name" env:"SHRIVE_DISPLAY_NAME"`
	Email       string `json:"email"        env:"SHRIVE_EMAIL"`
}

type Paths struct {
	// Hub data directory. Empty keeps the hub's profile store in memory.
	DataDir string `json:"data_dir" env:"SHRIVE_DATA_DIR"`
}

type Hub struct {
	// Bind address for `shrive server`. "127.0.0.1" keeps it local.
	Bind string `json:"bind" env:"SHRIVE_HUB_BIND"`
	Port int    `json:"port" env:"SHRIVE_HUB_PORT"`

	// Base URL clients use to reach the hub, e.g. http://10.0.0.5:8787.
	URL string `json:"url" env:"SHRIVE_HUB_URL"`

	// Password for /api/admin (HTTP Basic Auth, user "admin"). Empty
	// disables the admin routes.
	AdminPassword string `json:"admin_password" env:"SHRIVE_ADMIN_PASSWORD"`
}

type Invitation struct {
	TimeoutSec         int    `json:"timeout_seconds"      env:"SHRIVE_INVITATION_TIMEOUT"`
	DefaultDisplayName string `json:"default_display_name" env:"SHRIVE_DEFAULT_DISPLAY_NAME"`
}

// Timeout is the invitation timeout as a duration.
func (i Invitation) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

type Call struct {
	STUNURLs               []string `json:"stun_urls"                env:"SHRIVE_STUN_URLS"       envSeparator:","`
	TURNURLs               []string `json:"turn_urls"                env:"SHRIVE_TURN_URLS"       envSeparator:","`
	TURNUsername           string   `json:"turn_username"            env:"SHRIVE_TURN_USERNAME"`
	TURNCredential         string   `json:"turn_credential"          env:"SHRIVE_TURN_CREDENTIAL"`
	ICEDisconnectedSeconds int      `json:"ice_disconnected_seconds"`
	ICEFailedSeconds       int      `json:"ice_failed_seconds"`
}

type Log struct {
	Level string `json:"level"  env:"SHRIVE_LOG_LEVEL"`
	// color, json or plain
	Format string `json:"format" env:"SHRIVE_LOG_FORMAT"`
	// Per-subsystem overrides, e.g. {"call": "debug"}.
	Subsystems map[string]string `json:"subsystems"`
}

type Tracing struct {
	Enabled      bool    `json:"enabled"       env:"SHRIVE_TRACING_ENABLED"`
	UseStdout    bool    `json:"use_stdout"    env:"SHRIVE_TRACING_STDOUT"`
	OTLPEndpoint string  `json:"otlp_endpoint" env:"SHRIVE_OTLP_ENDPOINT"`
	SampleRate   float64 `json:"sample_rate"   env:"SHRIVE_TRACING_SAMPLE_RATE"`
	ServiceName  string  `json:"service_name"`
}

func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: "data",
		},
		Hub: Hub{
			Bind: "127.0.0.1",
			Port: 8787,
			URL:  "http://127.0.0.1:8787",
		},
		Invitation: Invitation{
			TimeoutSec:         30,
			DefaultDisplayName: "Anonymous Confessor",
		},
		Call: Call{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			ICEDisconnectedSeconds: 5,
			ICEFailedSeconds:       25,
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
		Tracing: Tracing{
			OTLPEndpoint: "http://localhost:4318/v1/traces",
			SampleRate:   1.0,
			ServiceName:  "shrive",
		},
	}
}

func (c *Config) Validate() error {
	// Hub
	if c.Hub.Port <= 0 || c.Hub.Port > 65535 {
		return errors.New("hub.port must be 1..65535")
	}
	if b := strings.TrimSpace(c.Hub.Bind); b != "" && net.ParseIP(b) == nil {
		return errors.New("hub.bind must be a valid IP address")
	}
	if err := validateHubURL(c.Hub.URL); err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}

	// Invitation
	if c.Invitation.TimeoutSec < 1 || c.Invitation.TimeoutSec > 600 {
		return errors.New("invitation.timeout_seconds must be 1..600")
	}
	if strings.TrimSpace(c.Invitation.DefaultDisplayName) == "" {
		return errors.New("invitation.default_display_name is required")
	}

	// Call
	for _, u := range c.Call.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("call.stun_urls: %q is not a stun: url", u)
		}
	}
	for _, u := range c.Call.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("call.turn_urls: %q is not a turn: url", u)
		}
	}
	if len(c.Call.TURNURLs) > 0 && c.Call.TURNUsername == "" {
		return errors.New("call.turn_username is required when turn_urls are set")
	}
	if c.Call.ICEDisconnectedSeconds < 0 || c.Call.ICEFailedSeconds < 0 {
		return errors.New("call.ice_*_seconds must be >= 0")
	}
	if c.Call.ICEFailedSeconds > 0 && c.Call.ICEFailedSeconds < c.Call.ICEDisconnectedSeconds {
		return errors.New("call.ice_failed_seconds must be >= call.ice_disconnected_seconds")
	}

	// Log
	switch c.Log.Format {
	case "", "color", "json", "plain":
	default:
		return errors.New("log.format must be color, json or plain")
	}
	if _, err := logging.LevelFromString(levelOrInfo(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for sys, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", sys, err)
		}
	}

	// Tracing
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New("tracing.sample_rate must be 0..1")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return errors.New("tracing.service_name is required when tracing is enabled")
	}

	return nil
}

func levelOrInfo(l string) string {
	if strings.TrimSpace(l) == "" {
		return "info"
	}
	return l
}

func validateHubURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	return nil
}

// Load reads path on top of the defaults, applies SHRIVE_* overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays SHRIVE_* environment variables. Unset variables leave
// the file values alone.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, false, err
	}
	log.Infof("wrote default config to %s", path)
	return cfg, true, nil
}
