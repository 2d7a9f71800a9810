package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"datawell.app/cloud/handlers"
	"datawell.app/cloud/internal/config"
	"datawell.app/cloud/internal/logger"
	"datawell.app/cloud/internal/session"
	"datawell.app/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
		})
		if err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer store.Close()

	tracker := session.NewTracker(store, cfg.DeductionInterval, cfg.SessionIdleTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tracker.Run(ctx)

	server := handlers.NewServer(cfg, store, tracker, version)

	logger.Info("DataWell Cloud API starting", map[string]interface{}{
		"version":            version,
		"port":               cfg.Port,
		"deduction_interval": cfg.DeductionInterval.String(),
		"idle_timeout":       cfg.SessionIdleTimeout.String(),
	})

	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
