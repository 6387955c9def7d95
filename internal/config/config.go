package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	HomeURL              string
	AppSiteURL           string
	Multisite            bool
	ClientID             string
	ClientSecret         string
	Endpoint             string
	RESTNamespace        string
	RESTBase             string
	Scopes               []string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	NodeID               int64
	RefreshInterval      time.Duration
	RefreshThreshold     time.Duration
	NonceTTL             time.Duration
	ProviderTimeout      time.Duration
	RelayTimeout         time.Duration
	CapabilityTokenTTL   time.Duration
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	clientID := strings.TrimSpace(os.Getenv("INSTAGRAM_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("INSTAGRAM_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("INSTAGRAM_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("INSTAGRAM_CLIENT_SECRET is required")
	}
	homeURL := strings.TrimRight(strings.TrimSpace(os.Getenv("HOME_URL")), "/")
	if homeURL == "" {
		return Config{}, fmt.Errorf("HOME_URL is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		HomeURL:              homeURL,
		AppSiteURL:           strings.TrimRight(strings.TrimSpace(os.Getenv("INSTAGRAM_APP_SITE_URL")), "/"),
		Multisite:            getBool("MULTISITE", false),
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		Endpoint:             getEnv("INSTAGRAM_ENDPOINT", "instagram"),
		RESTNamespace:        getEnv("REST_NAMESPACE", "innocode/v1"),
		RESTBase:             getEnv("REST_BASE", "instagram"),
		Scopes:               getList("INSTAGRAM_SCOPES", []string{"user_profile", "user_media"}),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		NodeID:               int64(getInt("NODE_ID", 1)),
		RefreshInterval:      getDuration("REFRESH_INTERVAL", 24*time.Hour),
		RefreshThreshold:     getDuration("REFRESH_THRESHOLD", 72*time.Hour),
		NonceTTL:             getDuration("NONCE_TTL", 24*time.Hour),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		RelayTimeout:         getDuration("RELAY_TIMEOUT", 5*time.Second),
		CapabilityTokenTTL:   getDuration("CAPABILITY_TOKEN_TTL", time.Hour),
		ServiceName:          getEnv("SERVICE_NAME", "instagram-connect"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", nil),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.Endpoint = strings.Trim(cfg.Endpoint, "/"); cfg.Endpoint == "" {
		return Config{}, fmt.Errorf("INSTAGRAM_ENDPOINT must not be empty")
	}

	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 72 * time.Hour
	}

	return cfg, nil
}

// IsAppSite reports whether this node is the designated relay.
func (c Config) IsAppSite() bool {
	return c.AppSiteURL != "" && strings.EqualFold(c.AppSiteURL, c.HomeURL)
}

// HasAppSite reports whether a relay is configured at all.
func (c Config) HasAppSite() bool {
	return c.AppSiteURL != ""
}

// RESTPath returns the path of a REST route under the configured namespace.
func (c Config) RESTPath(route string) string {
	return "/wp-json/" + strings.Trim(c.RESTNamespace, "/") + "/" + strings.Trim(c.RESTBase, "/") + "/" + strings.TrimLeft(route, "/")
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
