package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-driven configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Token signing. The two secrets must differ so an access token can
	// never pass refresh verification.
	JWTAccessSecret  string
	JWTRefreshSecret string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// Object store for the shared session bundle.
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// Bootstrap operator-root account, created on first start when no
	// operator-root exists.
	RootEmail    string
	RootPassword string

	// Optional ip-api-style geolocation provider. Empty disables lookups.
	GeoProviderURL string

	CORSOrigins []string

	// OTel tracing (opt-in).
	OTelEnabled  bool
	OTelEndpoint string
}

// LoadConfig reads the environment and validates it.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("SESSIONDESK_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("SESSIONDESK_LOG_LEVEL", "info"),
		DBDSN:      getEnv("SESSIONDESK_DB_DSN", "file:/data/sessiondesk.sqlite"),

		JWTAccessSecret:  getEnv("SESSIONDESK_JWT_ACCESS_SECRET", ""),
		JWTRefreshSecret: getEnv("SESSIONDESK_JWT_REFRESH_SECRET", ""),
		AccessTokenTTL:   getEnvDuration("SESSIONDESK_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:  getEnvDuration("SESSIONDESK_REFRESH_TOKEN_TTL", 7*24*time.Hour),

		S3Endpoint:  getEnv("SESSIONDESK_S3_ENDPOINT", ""),
		S3Region:    getEnv("SESSIONDESK_S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("SESSIONDESK_S3_BUCKET", ""),
		S3AccessKey: getEnv("SESSIONDESK_S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("SESSIONDESK_S3_SECRET_KEY", ""),

		RootEmail:    getEnv("SESSIONDESK_ROOT_EMAIL", ""),
		RootPassword: getEnv("SESSIONDESK_ROOT_PASSWORD", ""),

		GeoProviderURL: getEnv("SESSIONDESK_GEO_PROVIDER_URL", ""),

		CORSOrigins: getEnvStringSlice("SESSIONDESK_CORS_ORIGINS", nil),

		OTelEnabled:  getEnvBool("SESSIONDESK_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("SESSIONDESK_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("SESSIONDESK_JWT_ACCESS_SECRET is required")
	}
	if c.JWTRefreshSecret == "" {
		return fmt.Errorf("SESSIONDESK_JWT_REFRESH_SECRET is required")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("access and refresh JWT secrets must differ")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("SESSIONDESK_S3_BUCKET is required")
	}
	if c.S3AccessKey == "" || c.S3SecretKey == "" {
		return fmt.Errorf("SESSIONDESK_S3_ACCESS_KEY and SESSIONDESK_S3_SECRET_KEY are required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.RootEmail != "" && c.RootPassword == "" {
		return fmt.Errorf("SESSIONDESK_ROOT_PASSWORD is required when SESSIONDESK_ROOT_EMAIL is set")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
