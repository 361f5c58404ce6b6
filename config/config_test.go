package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PrimaryProvider != "anthropic" {
		t.Errorf("Expected default primary anthropic, got %s", cfg.PrimaryProvider)
	}
	if cfg.QuotaBackend != "memory" {
		t.Errorf("Expected default quota backend memory, got %s", cfg.QuotaBackend)
	}
}

func TestLoad_MissingPrimaryKeyRejected(t *testing.T) {
	// A deployment without the primary provider's key must fail at startup,
	// not on the first request.
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for missing primary API key")
	}
	if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("Expected error to name ANTHROPIC_API_KEY, got %v", err)
	}
}

func TestLoad_MissingFallbackKeyRejected(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("FALLBACK_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Expected error for missing fallback API key")
	}
	if !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("Expected error to name OPENAI_API_KEY, got %v", err)
	}
}

func TestLoad_UnknownProviderRejected(t *testing.T) {
	t.Setenv("PRIMARY_PROVIDER", "mistral")

	if _, err := Load(); err == nil {
		t.Fatal("Expected error for unknown primary provider")
	}
}

func TestLoad_QuotaLimits(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("MAX_REQUESTS_ANTHROPIC", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.QuotaLimits["anthropic"] != 25 {
		t.Errorf("Expected anthropic limit 25, got %d", cfg.QuotaLimits["anthropic"])
	}
	if cfg.QuotaLimits["openai"] != 0 {
		t.Errorf("Expected openai limit 0 (unlimited), got %d", cfg.QuotaLimits["openai"])
	}
}
