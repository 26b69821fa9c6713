// Package main runs the marketplace API server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/freshloop/marketplace/internal/app"
	"github.com/freshloop/marketplace/internal/app/httpapi"
	"github.com/freshloop/marketplace/internal/app/services/trades"
	"github.com/freshloop/marketplace/internal/app/storage/postgres"
	"github.com/freshloop/marketplace/internal/config"
	"github.com/freshloop/marketplace/internal/platform/migrations"
	"github.com/freshloop/marketplace/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", "", "Optional .env file to load before reading configuration")
	flag.Parse()

	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("marketplace").Fatalf("load config: %v", err)
	}

	log := logger.New(cfg.Logging).WithField("service", "marketplace")

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := sqlx.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping database: %v", err)
		}
		if err := migrations.Up(db.DB); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
		store := postgres.New(db)
		stores = app.Stores{
			Participants: store,
			Ingredients:  store,
			Sales:        store,
			Trades:       store,
		}
		defer db.Close()
		log.Info("using postgres store")
	} else {
		log.Warn("no database DSN configured; using in-memory store")
	}

	application, err := app.New(stores, app.Options{
		Trade: trades.Config{
			ToleranceMeters: cfg.Trade.ToleranceMeters,
			GraceWindow:     cfg.Trade.GraceWindow,
		},
		SweepInterval: cfg.Trade.SweepInterval,
	}, log)
	if err != nil {
		log.Fatalf("build application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}

	handler, err := httpapi.NewHandler(application, httpapi.Config{
		AuditMax:  cfg.HTTP.AuditMax,
		AuditFile: cfg.HTTP.AuditFile,
		RateLimit: float64(cfg.HTTP.RateLimit),
		RateBurst: cfg.HTTP.RateBurst,
	})
	if err != nil {
		log.Fatalf("build http handler: %v", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("marketplace API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application stop")
	}

	log.Info("stopped")
}
