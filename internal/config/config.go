package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the server configuration file (~/.webtextd/config.toml).
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`

	Auth AuthConfig `toml:"auth"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	Secret          string `toml:"secret"`
	AccessTTLHours  int    `toml:"access_ttl_hours"`
	RefreshTTLHours int    `toml:"refresh_ttl_hours"`
}

// Default returns a config with usable defaults. The signing secret has no
// default and must come from the file or WEBTEXT_SECRET.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr: ":8425",
		DataDir:    filepath.Join(home, ".webtextd"),
		Auth: AuthConfig{
			AccessTTLHours:  24,
			RefreshTTLHours: 24 * 30,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".webtextd", "config.toml")
}

// Load reads config from the given path, layering file values over defaults.
// A missing file is not an error; the environment can still supply the secret.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if env := os.Getenv("WEBTEXT_SECRET"); env != "" {
		cfg.Auth.Secret = env
	}
	if cfg.Auth.Secret == "" {
		return nil, fmt.Errorf("no signing secret: set auth.secret in %s or WEBTEXT_SECRET", path)
	}
	return cfg, nil
}

// DBPath returns the server database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "webtext.db")
}

// AttachmentDir returns the directory for uploaded attachment files.
func (c *Config) AttachmentDir() string {
	return filepath.Join(c.DataDir, "attachments")
}

// LogPath returns the server log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "logs", "webtextd.log")
}

// AccessTTL returns the access token lifetime.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.Auth.AccessTTLHours) * time.Hour
}

// RefreshTTL returns the refresh token lifetime.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.Auth.RefreshTTLHours) * time.Hour
}
