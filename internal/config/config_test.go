package config

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"
)

// setRequired populates the minimum environment Load needs to succeed.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PROVISIONER_URL", "https://provisioner.example.com")
	t.Setenv("PROVISIONER_SIGNING_KEY", "signing-key")
	t.Setenv("TOKEN_SEAL_KEY", hex.EncodeToString(make([]byte, 32)))
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Host != "0.0.0.0" {
		t.Fatalf("server defaults = %d %q", cfg.Port, cfg.Host)
	}
	if cfg.InactivityTimeout != 10*time.Minute || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("lifecycle defaults = %v %v", cfg.InactivityTimeout, cfg.HeartbeatInterval)
	}
	if cfg.BreakerThreshold != 3 || cfg.BreakerWindow != 5*time.Minute {
		t.Fatalf("breaker defaults = %d %v", cfg.BreakerThreshold, cfg.BreakerWindow)
	}
	if len(cfg.TokenSealKey) != 32 {
		t.Fatalf("seal key length = %d", len(cfg.TokenSealKey))
	}
}

func TestLoadRequiredFieldsFailClosed(t *testing.T) {
	cases := []struct {
		name  string
		unset string
	}{
		{"provisioner url", "PROVISIONER_URL"},
		{"signing key", "PROVISIONER_SIGNING_KEY"},
		{"seal key", "TOKEN_SEAL_KEY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tc.unset, "")
			if _, err := Load(); err == nil {
				t.Fatalf("Load succeeded without %s", tc.unset)
			}
		})
	}
}

func TestLoadSealKeyValidation(t *testing.T) {
	setRequired(t)

	t.Setenv("TOKEN_SEAL_KEY", "not-hex")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "hex") {
		t.Fatalf("non-hex seal key: err = %v", err)
	}

	t.Setenv("TOKEN_SEAL_KEY", hex.EncodeToString(make([]byte, 16)))
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Fatalf("short seal key: err = %v", err)
	}
}

func TestLoadNotifySecretRequiredWithURL(t *testing.T) {
	setRequired(t)
	t.Setenv("NOTIFY_URL", "https://hooks.example.com/complete")
	if _, err := Load(); err == nil {
		t.Fatal("NOTIFY_URL without NOTIFY_SECRET accepted")
	}
	t.Setenv("NOTIFY_SECRET", "s3cret")
	if _, err := Load(); err != nil {
		t.Fatalf("Load with notify pair: %v", err)
	}
}

func TestLoadDerivesJWKSFromIssuer(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_ISSUER", "https://auth.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWKSEndpoint != "https://auth.example.com/.well-known/jwks.json" {
		t.Fatalf("derived jwks = %q", cfg.JWKSEndpoint)
	}

	t.Setenv("JWKS_ENDPOINT", "https://auth.example.com/custom/jwks")
	cfg, _ = Load()
	if cfg.JWKSEndpoint != "https://auth.example.com/custom/jwks" {
		t.Fatalf("explicit jwks overridden: %q", cfg.JWKSEndpoint)
	}
}

func TestLoadOverridesAndOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("CONTROL_PLANE_PORT", "9090")
	t.Setenv("INACTIVITY_TIMEOUT", "2m")
	t.Setenv("ALLOWED_ORIGINS", " https://app.example.com , https://*.preview.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.InactivityTimeout != 2*time.Minute {
		t.Fatalf("inactivity = %v", cfg.InactivityTimeout)
	}
	want := []string{"https://app.example.com", "https://*.preview.example.com"}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != want[0] || cfg.AllowedOrigins[1] != want[1] {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadIgnoresMalformedOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CONTROL_PLANE_PORT", "not-a-number")
	t.Setenv("HEARTBEAT_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("malformed overrides not ignored: %d %v", cfg.Port, cfg.HeartbeatInterval)
	}
}
