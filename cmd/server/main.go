package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/blendguard/safety-vault/internal/api"
	"github.com/blendguard/safety-vault/internal/auth"
	"github.com/blendguard/safety-vault/internal/config"
	"github.com/blendguard/safety-vault/internal/events"
	"github.com/blendguard/safety-vault/internal/logging"
	"github.com/blendguard/safety-vault/internal/metrics"
	"github.com/blendguard/safety-vault/internal/model"
	"github.com/blendguard/safety-vault/internal/oracle"
	"github.com/blendguard/safety-vault/internal/risk"
	"github.com/blendguard/safety-vault/internal/store"
	"github.com/blendguard/safety-vault/internal/vault"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("safety-vault failed", "err", err)
		stop()
		os.Exit(1)
	}
	fmt.Println("safety-vault stopped")
}

// run starts the service and blocks until ctx is done or the server fails.
// Everything opened here is closed before it returns.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			defer rdb.Close()
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		if err := st.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		slog.Info("seed applied", "file", cfg.SeedFile, "pools", len(seed.Pools), "accounts", len(seed.Accounts))
	}

	// --- Position oracle ---
	var posOracle vault.PositionOracle
	switch strings.ToLower(cfg.OracleMode) {
	case config.OracleStatic:
		posOracle = oracle.NewStatic()
		slog.Warn("using static demo oracle")
	default:
		posOracle = oracle.NewLedger(st, oracle.RatioValuator{
			LiquidationThreshold: model.BasisPoints(cfg.LiquidationThresholdBps),
		})
	}

	// --- Event fan-out ---
	wsHub := events.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}

	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer np.Close()
		publishers = append(publishers, np)
		slog.Info("NATS publishing enabled", "subject", cfg.NATSSubject)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka connection failed: %w", err)
		}
		defer kp.Close()
		publishers = append(publishers, kp)
		slog.Info("Kafka publishing enabled", "topic", cfg.KafkaTopic)
	}

	// --- Executor ---
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return fmt.Errorf("invalid SNOWFLAKE_NODE: %w", err)
	}
	gate := risk.NewGate(model.BasisPoints(cfg.RiskThresholdBps))
	executor := vault.NewExecutor(vault.PrincipalAuthorizer{}, posOracle, st, gate,
		vault.WithPublisher(publishers),
		vault.WithIDNode(node),
	)

	if cfg.JWTSecret == "" {
		slog.Warn("JWT_SECRET not set, bearer tokens will be rejected")
	}
	tokens := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	var links *auth.Deeplinks
	if cfg.DeeplinkSecret != "" {
		links = auth.NewDeeplinks(cfg.DeeplinkSecret)
	}
	vaultSvc := api.NewService(executor, st, posOracle, tokens, links,
		api.WithRiskAlerts(gate, publishers),
	)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"safety-vault"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of protection batches and risk alerts.
		r.Get("/ws", wsHub.HandleWS)
		vaultSvc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("safety-vault listening", "port", cfg.Port, "info", executor.Info())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down safety-vault...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
