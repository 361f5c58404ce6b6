package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/trananhvu/chat-relay/config"
	"github.com/trananhvu/chat-relay/internal/provider"
	"github.com/trananhvu/chat-relay/internal/provider/anthropic"
	"github.com/trananhvu/chat-relay/internal/provider/gemini"
	"github.com/trananhvu/chat-relay/internal/provider/openai"
	"github.com/trananhvu/chat-relay/internal/quota"
	"github.com/trananhvu/chat-relay/internal/relay"
	"github.com/trananhvu/chat-relay/internal/telemetry"
	"github.com/trananhvu/chat-relay/internal/usage"
	"github.com/trananhvu/chat-relay/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.Setup("chat-relay", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Connect Redis when the quota backend or the rate limiter needs it
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
	}

	// 4. Quota tracker
	var quotaStore quota.Store
	if cfg.QuotaBackend == "redis" {
		quotaStore = quota.NewRedisStore(rdb)
	} else {
		quotaStore = quota.NewMemoryStore()
	}
	tracker := quota.NewTracker(quotaStore, cfg.QuotaLimits)

	// 5. Optional usage accounting via PostgreSQL
	var usageStore usage.Store
	var usageWriter *usage.Writer
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		usageStore = usage.NewPostgresStore(pool)
		usageWriter = usage.NewWriter(usageStore, 256)
		defer usageWriter.Close()
	}

	// 6. Optional per-identity rate limiter
	var limiter *ratelimit.Limiter
	if cfg.RateLimitTPM > 0 {
		limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitTPM)
	}

	// 7. Providers
	providers := []provider.Provider{
		anthropic.New(cfg.AnthropicAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		gemini.New(cfg.GeminiAPIKey),
	}

	// 8. Router + handler
	router, err := relay.NewRouter(providers, cfg.PrimaryProvider, cfg.FallbackProvider, tracker)
	if err != nil {
		log.Fatalf("failed to init router: %v", err)
	}

	tracer := otel.GetTracerProvider().Tracer("chat-relay")
	handler := relay.NewHandler(router, usageStore, usageWriter, limiter, tracer)

	// 9. Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"OPTIONS", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"chat-relay"}`))
	})

	r.Post("/", handler.HandleChat)
	r.Options("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/usage", handler.HandleUsage)

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("chat-relay starting on port %s (primary=%s fallback=%s quota=%s)",
			cfg.Port, cfg.PrimaryProvider, cfg.FallbackProvider, cfg.QuotaBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
