// Package config loads the runtime's configuration from environment
// variables layered over a TOML file. Environment values always win;
// credentials come from the environment only and are never written to
// disk.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	DataDir  string
	LogLevel string

	Twitch   TwitchConfig
	OBS      OBSConfig
	IronMON  IronMONConfig
	Rainwave RainwaveConfig
}

type TwitchConfig struct {
	ClientID     string
	ClientSecret string
	UserID       string
}

func (c TwitchConfig) Credentialed() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

type OBSConfig struct {
	URL string
}

type IronMONConfig struct {
	ListenAddr string
}

type RainwaveConfig struct {
	Enabled      bool
	BaseURL      string
	APIKey       string
	UserID       string
	PollInterval time.Duration
}

func (c RainwaveConfig) Credentialed() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.UserID) != ""
}

// fileConfig mirrors the shape of config.toml for BurntSushi/toml
// unmarshaling. Every field is optional; env vars always win.
type fileConfig struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
	OBS      struct {
		URL string `toml:"url"`
	} `toml:"obs"`
	IronMON struct {
		ListenAddr string `toml:"listen_addr"`
	} `toml:"ironmon"`
	Rainwave struct {
		Enabled      *bool  `toml:"enabled"`
		BaseURL      string `toml:"base_url"`
		PollInterval string `toml:"poll_interval"`
	} `toml:"rainwave"`
}

const defaultConfigContent = `# landale-bridge configuration
# All values shown are defaults. Uncomment and edit to customize.
# Credentials are read from environment variables only, never from
# this file.

# log_level = "info"

[obs]
# url = "ws://localhost:4455"

[ironmon]
# listen_addr = "127.0.0.1:9191"

[rainwave]
# enabled = true
# base_url = "https://rainwave.cc/api4"
# poll_interval = "10s"
`

// Load resolves Config from the environment and, if present, a
// config.toml file under the resolved data directory.
func Load() Config {
	cfg := Config{
		DataDir:  resolveDataDir(),
		LogLevel: "info",
		OBS:      OBSConfig{URL: "ws://localhost:4455"},
		IronMON:  IronMONConfig{ListenAddr: "127.0.0.1:9191"},
		Rainwave: RainwaveConfig{
			Enabled:      true,
			BaseURL:      "https://rainwave.cc/api4",
			PollInterval: 10 * time.Second,
		},
	}

	configPath := filepath.Join(cfg.DataDir, "config.toml")
	ensureDefaultConfig(configPath)

	var file fileConfig
	if _, err := toml.DecodeFile(configPath, &file); err == nil {
		applyFile(&cfg, file)
	}

	applyEnv(&cfg)
	return cfg
}

func resolveDataDir() string {
	if v := strings.TrimSpace(os.Getenv("LANDALE_DATA_DIR")); v != "" {
		return v
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".landale-bridge")
	}
	return filepath.Join(os.TempDir(), "landale-bridge")
}

func ensureDefaultConfig(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.MkdirAll(filepath.Dir(path), 0o700)
		_ = os.WriteFile(path, []byte(defaultConfigContent), 0o600)
	}
}

func applyFile(cfg *Config, file fileConfig) {
	if v := strings.TrimSpace(file.DataDir); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(file.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(file.OBS.URL); v != "" {
		cfg.OBS.URL = v
	}
	if v := strings.TrimSpace(file.IronMON.ListenAddr); v != "" {
		cfg.IronMON.ListenAddr = v
	}
	if file.Rainwave.Enabled != nil {
		cfg.Rainwave.Enabled = *file.Rainwave.Enabled
	}
	if v := strings.TrimSpace(file.Rainwave.BaseURL); v != "" {
		cfg.Rainwave.BaseURL = v
	}
	if v := strings.TrimSpace(file.Rainwave.PollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rainwave.PollInterval = d
		}
	}
}

func applyEnv(cfg *Config) {
	cfg.Twitch.ClientID = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID"))
	cfg.Twitch.ClientSecret = strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET"))
	cfg.Twitch.UserID = strings.TrimSpace(os.Getenv("TWITCH_USER_ID"))

	if v := strings.TrimSpace(os.Getenv("OBS_WEBSOCKET_URL")); v != "" {
		cfg.OBS.URL = v
	}

	cfg.Rainwave.APIKey = strings.TrimSpace(os.Getenv("RAINWAVE_API_KEY"))
	cfg.Rainwave.UserID = strings.TrimSpace(os.Getenv("RAINWAVE_USER_ID"))
	if !cfg.Rainwave.Credentialed() {
		cfg.Rainwave.Enabled = false
	}

	if v := strings.TrimSpace(os.Getenv("LANDALE_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}
