// Package config loads and validates server configuration from the
// environment. Configuration errors are fatal at startup; nothing here is
// reloadable at runtime.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OAuthProvider holds the client credentials for one OAuth provider.
// A provider with an empty ClientID is disabled.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Enabled reports whether the provider is configured.
func (p OAuthProvider) Enabled() bool { return p.ClientID != "" }

// Config is the fully resolved server configuration.
type Config struct {
	HTTPAddr    string
	DatabaseURL string

	JWTSecret  []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	AdminUsername string
	AdminPassword string

	Google OAuthProvider
	GitHub OAuthProvider

	CORSOrigins []string

	LogLevel  string // debug|info|warn|error|silent
	LogFormat string // json|simple|detailed
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envSeconds(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer of seconds, got %q", k, v)
	}
	return time.Duration(n) * time.Second, nil
}

// decodeSecret accepts hex, base64, or raw secrets and requires >= 32 bytes.
func decodeSecret(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) >= 32 {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) >= 32 {
		return b, nil
	}
	if len(s) >= 32 {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("JWT_SECRET must decode to at least 32 bytes")
}

// Load reads configuration from the environment. It returns an error for any
// missing or malformed required value; main treats that as a fatal exit.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:    env("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		AdminUsername: env("ADMIN_USERNAME", "admin"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),

		LogLevel:  env("LOG_LEVEL", "info"),
		LogFormat: env("LOG_FORMAT", "json"),
	}

	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}

	rawSecret := os.Getenv("JWT_SECRET")
	if rawSecret == "" {
		return cfg, fmt.Errorf("JWT_SECRET is required")
	}
	secret, err := decodeSecret(rawSecret)
	if err != nil {
		return cfg, err
	}
	cfg.JWTSecret = secret

	if cfg.AccessTTL, err = envSeconds("JWT_ACCESS_TTL_SECONDS", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.RefreshTTL, err = envSeconds("JWT_REFRESH_TTL_SECONDS", 30*24*time.Hour); err != nil {
		return cfg, err
	}

	cfg.Google = OAuthProvider{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("GOOGLE_REDIRECT_URI"),
	}
	cfg.GitHub = OAuthProvider{
		ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		RedirectURI:  os.Getenv("GITHUB_REDIRECT_URI"),
	}

	if origins := os.Getenv("CORS_ORIGIN"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "silent":
	default:
		return cfg, fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error|silent, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "simple", "detailed":
	default:
		return cfg, fmt.Errorf("LOG_FORMAT must be one of json|simple|detailed, got %q", cfg.LogFormat)
	}

	return cfg, nil
}
