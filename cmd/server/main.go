package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/faktora/pool-engine/internal/accrual"
	"github.com/faktora/pool-engine/internal/audit"
	"github.com/faktora/pool-engine/internal/config"
	"github.com/faktora/pool-engine/internal/exposure"
	"github.com/faktora/pool-engine/internal/funding"
	"github.com/faktora/pool-engine/internal/metrics"
	"github.com/faktora/pool-engine/internal/settlement"
	"github.com/faktora/pool-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.TTL.String())
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Exposure limits ---
	limiter := exposure.NewLimiter(
		decimal.NewFromFloat(cfg.Limits.MaxPerPool),
		decimal.NewFromFloat(cfg.Limits.MaxAggregate),
	)

	// --- Settlement collaborator ---
	settler := settlement.WithTimeout(settlement.NewSimulated(), cfg.Settlement.Timeout)

	// --- Audit sink ---
	sink := audit.NewLogSink(logger, 1024)
	defer sink.Close()

	// --- WebSocket hub ---
	wsHub := funding.NewWSHub()
	go wsHub.Run()

	// --- Funding service ---
	fundingSvc := funding.NewService(st, limiter, settler, sink, wsHub)

	// --- Accrual scheduler ---
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	scheduler := accrual.NewScheduler(st, cfg.Accrual.Interval, cfg.Accrual.MinGap, sink, wsHub, logger)
	go scheduler.Run(schedCtx)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"pool-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time pool events.
		r.Get("/ws", wsHub.HandleWS)

		// Pool registry.
		r.Get("/pools", fundingSvc.ListPools)
		r.Post("/pools", fundingSvc.CreatePool)
		r.Get("/pools/{tenorDays}", fundingSvc.GetPool)
		r.Get("/pools/{tenorDays}/snapshots", fundingSvc.GetPoolSnapshots)
		r.Get("/pools/{tenorDays}/ledger", fundingSvc.GetPoolLedger)

		// Position lifecycle.
		r.Post("/allocations", fundingSvc.Allocate)
		r.Post("/repayments", fundingSvc.CreditRepayment)
		r.Post("/redemptions", fundingSvc.Redeem)

		// Position queries.
		r.Get("/positions/{positionID}", fundingSvc.GetPosition)
		r.Get("/positions/{positionID}/ledger", fundingSvc.GetPositionLedger)
		r.Get("/funders/{funderID}/positions", fundingSvc.GetFunderPositions)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("pool-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down pool-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("pool-engine stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
