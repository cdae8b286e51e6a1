package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CHIME"
	defaultHTTPAddress    = "0.0.0.0:4000"
	defaultDatabasePath   = "chime.db"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 7 * 24 * time.Hour
	defaultSessionSweep   = time.Hour
	defaultAllowedOrigin  = "http://localhost:3000"
	defaultGoogleJWKSURL  = "https://www.googleapis.com/oauth2/v3/certs"
	defaultPushRelayURL   = "https://exp.host/--/api/v2"
	defaultGoogleCallback = "http://localhost:4000/api/auth/google/callback"
)

// AppConfig captures runtime configuration for the reminder API server.
type AppConfig struct {
	HTTPAddress          string
	SigningSecret        string
	TokenTTL             time.Duration
	SessionSweepInterval time.Duration
	DatabasePath         string
	LogLevel             string
	AllowedOrigin        string
	PushRelayURL         string
	PushAccessToken      string
	PushFallbackTokens   []string
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleJWKSURL        string
	GoogleCallbackURL    string
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
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	configViper.SetDefault("auth.session_sweep_interval", defaultSessionSweep.String())
	configViper.SetDefault("cors.allowed_origin", defaultAllowedOrigin)
	configViper.SetDefault("push.relay_url", defaultPushRelayURL)
	configViper.SetDefault("push.fallback_tokens", "")
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("google.callback_url", defaultGoogleCallback)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenTTL:             configViper.GetDuration("auth.token_ttl"),
		SessionSweepInterval: configViper.GetDuration("auth.session_sweep_interval"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		AllowedOrigin:        configViper.GetString("cors.allowed_origin"),
		PushRelayURL:         configViper.GetString("push.relay_url"),
		PushAccessToken:      configViper.GetString("push.access_token"),
		PushFallbackTokens:   splitTokenList(configViper.GetString("push.fallback_tokens")),
		GoogleClientID:       configViper.GetString("google.client_id"),
		GoogleClientSecret:   configViper.GetString("google.client_secret"),
		GoogleJWKSURL:        configViper.GetString("google.jwks_url"),
		GoogleCallbackURL:    configViper.GetString("google.callback_url"),
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
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("auth.session_sweep_interval must be positive")
	}
	return nil
}

// splitTokenList parses the comma-separated fallback push-token list.
func splitTokenList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		tokens = append(tokens, trimmed)
	}
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}
