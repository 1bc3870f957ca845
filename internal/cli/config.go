package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variables the CLI reads, e.g.
// SESSIONKIT_SERVER_URL overrides server.url.
const envPrefix = "SESSIONKIT_"

// Config holds everything the CLI needs to build a session manager.
type Config struct {
	Server struct {
		// URL is the auth backend base URL.
		URL string `koanf:"url"`
	} `koanf:"server"`

	State struct {
		// Path is the SQLite session database file, shared by every
		// sessionctl process on this machine.
		Path string `koanf:"path"`

		// Secret enables at-rest encryption of the persisted session
		// when non-empty.
		Secret string `koanf:"secret"`
	} `koanf:"state"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`

	Refresh struct {
		// LeadDivisor sets the proactive refresh margin to 1/n of the
		// token lifetime.
		LeadDivisor int `koanf:"lead_divisor"`

		// MaxAttempts caps consecutive network-failed refreshes.
		MaxAttempts int `koanf:"max_attempts"`
	} `koanf:"refresh"`
}

// LoadConfig reads configuration from an optional YAML file and then the
// environment (env wins). Defaults are applied for anything left unset.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Sections are single words, so only the first underscore separates
	// section from leaf; the rest belong to the leaf key itself
	// (SESSIONKIT_REFRESH_LEAD_DIVISOR -> refresh.lead_divisor).
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Server.URL == "" {
		return Config{}, fmt.Errorf("server.url is required (or set %sSERVER_URL)", envPrefix)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.State.Path == "" {
		cfg.State.Path = defaultStatePath()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Refresh.LeadDivisor == 0 {
		cfg.Refresh.LeadDivisor = 5
	}
	if cfg.Refresh.MaxAttempts == 0 {
		cfg.Refresh.MaxAttempts = 5
	}
}

func defaultStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "sessionkit.db"
	}
	return dir + "/sessionkit/state.db"
}
