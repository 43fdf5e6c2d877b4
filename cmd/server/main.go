package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/glucose-engine/internal/config"
	"github.com/atmx/glucose-engine/internal/metrics"
	"github.com/atmx/glucose-engine/internal/simulation"
	"github.com/atmx/glucose-engine/internal/store"
	"github.com/atmx/glucose-engine/migrations"
)

func main() {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			slog.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)

	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Result archive, and Redis read-through cache if configured ---
	var archive store.ResultArchive = store.NewMemoryArchive(cfg.ResultTTL)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		archive = store.NewRedisArchive(rdb, cfg.ResultTTL)
		slog.Info("Redis cache and result archive enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Catalog seed ---
	seed, err := store.LoadSeed(cfg.InsulinSeedPath)
	if err != nil {
		slog.Error("insulin seed failed", "err", err)
		os.Exit(1)
	}
	if cfg.GlucoseUnit != "" {
		seed.GlucoseUnit = cfg.GlucoseUnit
	}
	created, err := seed.Apply(ctx, st, time.Now().UTC())
	if err != nil {
		slog.Error("insulin seed failed", "err", err)
		os.Exit(1)
	}
	slog.Info("insulin catalog seeded", "created", created, "entries", len(seed.InsulinTypes))

	// --- WebSocket hub ---
	wsHub := simulation.NewWSHub()
	go wsHub.Run(ctx)

	// --- Simulation service ---
	simSvc := simulation.NewService(st, archive, wsHub, simulation.ServiceConfig{
		Defaults:   cfg.Defaults(),
		SessionTTL: cfg.ResultTTL,
	})

	// --- Archive janitor ---
	go func() {
		ticker := time.NewTicker(cfg.ArchivePurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := simSvc.PurgeExpired(ctx)
				if err != nil {
					slog.Warn("archive purge failed", "err", err)
					continue
				}
				if n > 0 {
					slog.Info("archive purged", "records", n)
				}
			}
		}
	}()

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
		w.Write([]byte(`{"status":"ok","service":"glucose-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for simulation completion events.
		r.Get("/ws", wsHub.HandleWS)

		// Insulin-type catalog.
		r.Get("/insulin-types", simSvc.ListInsulinTypes)
		r.Post("/insulin-types", simSvc.CreateInsulinType)
		r.Get("/insulin-types/{id}", simSvc.GetInsulinType)
		r.Put("/insulin-types/{id}", simSvc.UpdateInsulinType)
		r.Post("/insulin-types/{id}/retire", simSvc.RetireInsulinType)
		r.Post("/insulin-types/{id}/unretire", simSvc.UnretireInsulinType)
		r.Delete("/insulin-types/{id}", simSvc.PurgeInsulinType)

		// Parameter seeding from the patient directory.
		r.Get("/patients/{patientID}/parameters", simSvc.GetParameters)
		r.Post("/patients/{patientID}/observations", simSvc.RecordObservation)

		// Display settings.
		r.Get("/settings/glucose-unit", simSvc.GetGlucoseUnit)
		r.Put("/settings/glucose-unit", simSvc.SetGlucoseUnit)

		// Simulation runs.
		r.Post("/simulations", simSvc.RunSimulation)
		r.Get("/simulations/{sessionID}", simSvc.GetSimulation)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("glucose-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down glucose-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("glucose-engine stopped")
}
