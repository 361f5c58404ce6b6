package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Providers the relay knows how to build. Quota limits are read per name.
var KnownProviders = []string{"anthropic", "openai", "gemini"}

type Config struct {
	// Server
	Port string // default: 8080

	// Routing
	PrimaryProvider  string // default: anthropic
	FallbackProvider string // empty disables fallback

	// Providers
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// Quota
	QuotaBackend string           // "memory" or "redis"
	QuotaLimits  map[string]int64 // per provider, 0 = unlimited

	// Cache / limiter backend
	RedisAddr string

	// Usage accounting (empty disables)
	PostgresDSN string

	// Rate limiting, tokens per minute per identity (0 disables)
	RateLimitTPM int64

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PrimaryProvider:      getEnv("PRIMARY_PROVIDER", "anthropic"),
		FallbackProvider:     os.Getenv("FALLBACK_PROVIDER"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		QuotaBackend:         getEnv("QUOTA_BACKEND", "memory"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	cfg.QuotaLimits = make(map[string]int64, len(KnownProviders))
	for _, name := range KnownProviders {
		key := "MAX_REQUESTS_" + strings.ToUpper(name)
		limit, err := getEnvInt64(key, 0)
		if err != nil {
			return nil, err
		}
		if limit < 0 {
			return nil, fmt.Errorf("%s must not be negative", key)
		}
		cfg.QuotaLimits[name] = limit
	}

	tpm, err := getEnvInt64("RATE_LIMIT_TPM", 0)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitTPM = tpm

	// Validation
	if !knownProvider(cfg.PrimaryProvider) {
		return nil, fmt.Errorf("unknown PRIMARY_PROVIDER %q", cfg.PrimaryProvider)
	}
	if cfg.FallbackProvider != "" && !knownProvider(cfg.FallbackProvider) {
		return nil, fmt.Errorf("unknown FALLBACK_PROVIDER %q", cfg.FallbackProvider)
	}
	if cfg.FallbackProvider == cfg.PrimaryProvider && cfg.FallbackProvider != "" {
		return nil, fmt.Errorf("FALLBACK_PROVIDER must differ from PRIMARY_PROVIDER")
	}
	if cfg.ProviderAPIKey(cfg.PrimaryProvider) == "" {
		return nil, fmt.Errorf("%s is required for PRIMARY_PROVIDER %q", apiKeyEnv(cfg.PrimaryProvider), cfg.PrimaryProvider)
	}
	if cfg.FallbackProvider != "" && cfg.ProviderAPIKey(cfg.FallbackProvider) == "" {
		return nil, fmt.Errorf("%s is required for FALLBACK_PROVIDER %q", apiKeyEnv(cfg.FallbackProvider), cfg.FallbackProvider)
	}
	if cfg.QuotaBackend != "memory" && cfg.QuotaBackend != "redis" {
		return nil, fmt.Errorf("QUOTA_BACKEND must be \"memory\" or \"redis\", got %q", cfg.QuotaBackend)
	}
	if cfg.QuotaBackend == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when QUOTA_BACKEND=redis")
	}
	if cfg.RateLimitTPM > 0 && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_TPM is set")
	}

	return cfg, nil
}

// ProviderAPIKey returns the API key configured for a provider name, or an
// empty string for unknown names.
func (c *Config) ProviderAPIKey(name string) string {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

func apiKeyEnv(name string) string {
	return strings.ToUpper(name) + "_API_KEY"
}

func knownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
