package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "MYDOCMOST"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "mydocmost.db"
	defaultLogLevel       = "info"
	defaultAPITokenTTL    = 30 * time.Minute
	defaultCollabTTL      = 12 * time.Hour
	defaultSaveDebounceMS = 2000
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	DatabasePath   string
	LogLevel       string
	APITokenTTL    time.Duration
	CollabTokenTTL time.Duration
	SaveDebounce   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.api_token_ttl_s", int64(defaultAPITokenTTL/time.Second))
	configViper.SetDefault("auth.collab_token_ttl_s", int64(defaultCollabTTL/time.Second))
	configViper.SetDefault("collab.save_debounce_ms", defaultSaveDebounceMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		APITokenTTL:    time.Duration(configViper.GetInt64("auth.api_token_ttl_s")) * time.Second,
		CollabTokenTTL: time.Duration(configViper.GetInt64("auth.collab_token_ttl_s")) * time.Second,
		SaveDebounce:   time.Duration(configViper.GetInt64("collab.save_debounce_ms")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.APITokenTTL <= 0 {
		return fmt.Errorf("auth.api_token_ttl_s must be positive")
	}
	if c.CollabTokenTTL <= 0 {
		return fmt.Errorf("auth.collab_token_ttl_s must be positive")
	}
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("collab.save_debounce_ms must be positive")
	}
	return nil
}
