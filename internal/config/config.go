// Package config provides configuration loading for the control plane.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the control plane.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Public base URL of this control plane, handed to sandboxes as their
	// callback target.
	PublicURL string

	// Persistence
	DatabaseDir string

	// Provisioning API (sandbox create/snapshot/restore/health)
	ProvisionerURL        string
	ProvisionerSigningKey string
	ProvisionerTokenTTL   time.Duration

	// Platform auth (JWTs issued by the outer platform, validated via JWKS)
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string

	// Participant OAuth token sealing key (32 bytes, hex encoded)
	TokenSealKey []byte

	// Completion notification endpoint (HMAC-signed callbacks)
	NotifyURL    string
	NotifySecret string

	// External adapters
	HostingAPIURL       string
	HostingClientID     string
	HostingClientSecret string
	HostingAppToken     string
	TrackerAPIURL       string
	BlobStoreURL        string
	BlobToken           string

	// Sandbox lifecycle timings
	InactivityTimeout time.Duration
	ViewerExtension   time.Duration
	HeartbeatInterval time.Duration
	SpawnCooldown     time.Duration
	BreakerWindow     time.Duration
	BreakerThreshold  int
	SubscribeTimeout  time.Duration
	PushTimeout       time.Duration
	ElementTimeout    time.Duration
	TokenExpiryBuffer time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("CONTROL_PLANE_PORT", 8080),
		Host:           getEnv("CONTROL_PLANE_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),
		PublicURL:      getEnv("PUBLIC_URL", ""),

		DatabaseDir: getEnv("DATABASE_DIR", "/var/lib/control-plane"),

		ProvisionerURL:        getEnv("PROVISIONER_URL", ""),
		ProvisionerSigningKey: getEnv("PROVISIONER_SIGNING_KEY", ""),
		ProvisionerTokenTTL:   getEnvDuration("PROVISIONER_TOKEN_TTL", 60*time.Second),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "session-control-plane"),

		NotifyURL:    getEnv("NOTIFY_URL", ""),
		NotifySecret: getEnv("NOTIFY_SECRET", ""),

		HostingAPIURL:       getEnv("HOSTING_API_URL", "https://api.github.com"),
		HostingClientID:     getEnv("HOSTING_CLIENT_ID", ""),
		HostingClientSecret: getEnv("HOSTING_CLIENT_SECRET", ""),
		HostingAppToken:     getEnv("HOSTING_APP_TOKEN", ""),
		TrackerAPIURL:       getEnv("TRACKER_API_URL", "https://api.linear.app/graphql"),
		BlobStoreURL:        getEnv("BLOB_STORE_URL", ""),
		BlobToken:           getEnv("BLOB_TOKEN", ""),

		InactivityTimeout: getEnvDuration("INACTIVITY_TIMEOUT", 10*time.Minute),
		ViewerExtension:   getEnvDuration("VIEWER_EXTENSION", 5*time.Minute),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		SpawnCooldown:     getEnvDuration("SPAWN_COOLDOWN", 30*time.Second),
		BreakerWindow:     getEnvDuration("BREAKER_WINDOW", 5*time.Minute),
		BreakerThreshold:  getEnvInt("BREAKER_THRESHOLD", 3),
		SubscribeTimeout:  getEnvDuration("SUBSCRIBE_TIMEOUT", 30*time.Second),
		PushTimeout:       getEnvDuration("PUSH_TIMEOUT", 180*time.Second),
		ElementTimeout:    getEnvDuration("ELEMENT_TIMEOUT", 15*time.Second),
		TokenExpiryBuffer: getEnvDuration("TOKEN_EXPIRY_BUFFER", 60*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
	}

	// Required fields fail closed: a control plane without provisioning
	// credentials or a notification secret must not start.
	if cfg.ProvisionerURL == "" {
		return nil, fmt.Errorf("PROVISIONER_URL is required")
	}
	if cfg.ProvisionerSigningKey == "" {
		return nil, fmt.Errorf("PROVISIONER_SIGNING_KEY is required")
	}
	if cfg.NotifyURL != "" && cfg.NotifySecret == "" {
		return nil, fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URL is set")
	}

	sealKeyHex := getEnv("TOKEN_SEAL_KEY", "")
	if sealKeyHex == "" {
		return nil, fmt.Errorf("TOKEN_SEAL_KEY is required")
	}
	sealKey, err := hex.DecodeString(sealKeyHex)
	if err != nil {
		return nil, fmt.Errorf("TOKEN_SEAL_KEY must be hex encoded: %w", err)
	}
	if len(sealKey) != 32 {
		return nil, fmt.Errorf("TOKEN_SEAL_KEY must decode to 32 bytes, got %d", len(sealKey))
	}
	cfg.TokenSealKey = sealKey

	// Derive the JWKS endpoint from the issuer when only the issuer is set.
	if cfg.JWKSEndpoint == "" && cfg.JWTIssuer != "" {
		cfg.JWKSEndpoint = strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
