// Package config loads bridge configuration from a YAML file with
// MCBRIDGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HomeserverConfig points at the chat network's homeserver.
type HomeserverConfig struct {
	URL    string `mapstructure:"url"`
	Domain string `mapstructure:"domain"`
}

// AppServiceConfig configures the inbound appservice listener.
type AppServiceConfig struct {
	// Registration is the path of the appservice registration YAML.
	Registration string `mapstructure:"registration"`
	// Listen is the address the transaction listener binds to.
	Listen string `mapstructure:"listen"`
}

// BridgeConfig holds orchestration settings.
type BridgeConfig struct {
	AliasPrefix      string        `mapstructure:"alias_prefix"`
	UserPrefix       string        `mapstructure:"user_prefix"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ProfileTTL       time.Duration `mapstructure:"profile_ttl"`
	// PlayerAvatarURL is a format string receiving the undashed player UUID.
	PlayerAvatarURL string `mapstructure:"player_avatar_url"`
	// DryRun logs outbound game chat instead of sending it.
	DryRun bool `mapstructure:"dry_run"`
}

// RelayConfig addresses the server-side chat relay plugin.
type RelayConfig struct {
	Port  int    `mapstructure:"port"`
	Path  string `mapstructure:"path"`
	Token string `mapstructure:"token"`
}

// MojangConfig addresses the identity directory.
type MojangConfig struct {
	SessionURL string        `mapstructure:"session_url"`
	APIURL     string        `mapstructure:"api_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects the binding store backend.
type StoreConfig struct {
	// Backend is one of memory, redis, postgres, sqlite.
	Backend     string `mapstructure:"backend"`
	RedisURL    string `mapstructure:"redis_url"`
	DatabaseURL string `mapstructure:"database_url"`
	SQLitePath  string `mapstructure:"sqlite_path"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
	Caller  bool   `mapstructure:"caller"`
}

// Config is the top-level bridge configuration.
type Config struct {
	Homeserver HomeserverConfig `mapstructure:"homeserver"`
	AppService AppServiceConfig `mapstructure:"appservice"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Mojang     MojangConfig     `mapstructure:"mojang"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate reports every violated invariant at once.
func (c Config) Validate() error {
	var errs []string
	if u, err := url.Parse(c.Homeserver.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("homeserver.url must be an absolute URL, got %q", c.Homeserver.URL))
	}
	if strings.TrimSpace(c.Homeserver.Domain) == "" {
		errs = append(errs, "homeserver.domain must not be empty")
	}
	if strings.TrimSpace(c.AppService.Registration) == "" {
		errs = append(errs, "appservice.registration must not be empty")
	}
	if strings.TrimSpace(c.AppService.Listen) == "" {
		errs = append(errs, "appservice.listen must not be empty")
	}
	if err := validateBridge(c.Bridge); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 1-65535, got %d", c.Relay.Port))
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		errs = append(errs, fmt.Sprintf("relay.path must start with '/', got %q", c.Relay.Path))
	}
	if err := validateStore(c.Store); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBridge(b BridgeConfig) error {
	var errs []string
	if strings.ContainsAny(b.AliasPrefix, " :#") || b.AliasPrefix == "" {
		errs = append(errs, fmt.Sprintf("bridge.alias_prefix is invalid: %q", b.AliasPrefix))
	}
	if strings.ContainsAny(b.UserPrefix, " :@") || b.UserPrefix == "" {
		errs = append(errs, fmt.Sprintf("bridge.user_prefix is invalid: %q", b.UserPrefix))
	}
	if b.RetryInterval <= 0 {
		errs = append(errs, "bridge.retry_interval must be positive")
	}
	if b.ProbeTimeout <= 0 {
		errs = append(errs, "bridge.probe_timeout must be positive")
	}
	if b.HandshakeTimeout <= 0 {
		errs = append(errs, "bridge.handshake_timeout must be positive")
	}
	if b.ProfileTTL <= 0 {
		errs = append(errs, "bridge.profile_ttl must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateStore(s StoreConfig) error {
	switch s.Backend {
	case "memory":
		return nil
	case "redis":
		if strings.TrimSpace(s.RedisURL) == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	case "postgres":
		if strings.TrimSpace(s.DatabaseURL) == "" {
			return errors.New("store.database_url is required for the postgres backend")
		}
	case "sqlite":
		if strings.TrimSpace(s.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of [memory, redis, postgres, sqlite], got %q", s.Backend)
	}
	return nil
}

// Load reads path, applies MCBRIDGE_* overrides and validates the result.
// An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MCBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already populated Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("homeserver.url", "http://localhost:8008")
	v.SetDefault("homeserver.domain", "localhost")

	v.SetDefault("appservice.registration", "minecraft-registration.yaml")
	v.SetDefault("appservice.listen", "0.0.0.0:9000")

	v.SetDefault("bridge.alias_prefix", "_mc")
	v.SetDefault("bridge.user_prefix", "_mc")
	v.SetDefault("bridge.retry_interval", "60s")
	v.SetDefault("bridge.probe_timeout", "3s")
	v.SetDefault("bridge.handshake_timeout", "10s")
	v.SetDefault("bridge.profile_ttl", "4h")
	v.SetDefault("bridge.player_avatar_url", "https://crafatar.com/renders/head/%s")
	v.SetDefault("bridge.dry_run", false)

	v.SetDefault("relay.port", 8082)
	v.SetDefault("relay.path", "/bridge")
	v.SetDefault("relay.token", "")

	v.SetDefault("mojang.session_url", "https://sessionserver.mojang.com")
	v.SetDefault("mojang.api_url", "https://api.mojang.com")
	v.SetDefault("mojang.timeout", "5s")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "rooms.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "legacy")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", "logs/minecraft.log")
	v.SetDefault("logging.caller", false)
}
