// Package config reads process configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// OAuthClient holds the credentials of one OAuth application.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Configured reports whether both client id and secret are set.
func (c OAuthClient) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	BusyCacheTTL  time.Duration

	ProviderTimeout time.Duration
	SyncCron        string

	Google         OAuthClient
	GoogleEndpoint string

	Microsoft       OAuthClient
	MicrosoftTenant string
	GraphBaseURL    string

	Zoom        OAuthClient
	ZoomBaseURL string

	CalDAVEndpoint string
}

// Load reads .env (when present) and then the environment. Variables already set in the
// environment win over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	c := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "text"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SyncCron: getenv("SYNC_CRON", "0 */15 * * * *"),

		Google: OAuthClient{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),
		},
		GoogleEndpoint: os.Getenv("GOOGLE_API_ENDPOINT"),

		Microsoft: OAuthClient{
			ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("MICROSOFT_REDIRECT_URL"),
		},
		MicrosoftTenant: getenv("MICROSOFT_TENANT", "common"),
		GraphBaseURL:    os.Getenv("GRAPH_BASE_URL"),

		Zoom: OAuthClient{
			ClientID:     os.Getenv("ZOOM_CLIENT_ID"),
			ClientSecret: os.Getenv("ZOOM_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("ZOOM_REDIRECT_URL"),
		},
		ZoomBaseURL: os.Getenv("ZOOM_BASE_URL"),

		CalDAVEndpoint: os.Getenv("CALDAV_ENDPOINT"),
	}

	var err error
	if c.BusyCacheTTL, err = duration("BUSY_CACHE_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.ProviderTimeout, err = duration("PROVIDER_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &c.RedisDB); err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
	}
	return c, nil
}

// RequireDatabase fails when DATABASE_URL is not set.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable not set")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, v)
	}
	return d, nil
}
