package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/icetrack-labs/icetrack-go/internal/importer"
	"github.com/icetrack-labs/icetrack-go/internal/mirror"
	"github.com/icetrack-labs/icetrack-go/internal/platform/auth"
	"github.com/icetrack-labs/icetrack-go/internal/platform/env"
	"github.com/icetrack-labs/icetrack-go/internal/platform/httpserver"
	"github.com/icetrack-labs/icetrack-go/internal/platform/objectstore"
	platformpg "github.com/icetrack-labs/icetrack-go/internal/platform/postgres"
	repopg "github.com/icetrack-labs/icetrack-go/internal/repo/postgres"
	"github.com/icetrack-labs/icetrack-go/internal/workflow"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("DASHBOARD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("DASHBOARD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	adminPassword, err := env.Require("DASHBOARD_ADMIN_PASSWORD")
	if err != nil {
		logger.Error("missing admin password", "error", err)
		os.Exit(2)
	}
	sessionSecret, err := env.Require("DASHBOARD_SESSION_SECRET")
	if err != nil {
		logger.Error("missing session secret", "error", err)
		os.Exit(2)
	}
	sessionTTL, err := env.Duration("DASHBOARD_SESSION_TTL", 12*time.Hour)
	if err != nil {
		logger.Error("invalid session ttl", "error", err)
		os.Exit(2)
	}
	allowLegacy, err := env.Bool("DASHBOARD_ALLOW_LEGACY_SESSION", false)
	if err != nil {
		logger.Error("invalid legacy session flag", "error", err)
		os.Exit(2)
	}

	dbCfg, err := platformpg.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := platformpg.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store := repopg.NewRunStore(db)

	mirrorCfg, err := mirror.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid mirror config", "error", err)
		os.Exit(2)
	}
	var syncer *mirror.Syncer
	if mirrorCfg.Enabled() {
		client, err := mirror.NewContentsClient(mirrorCfg)
		if err != nil {
			logger.Error("mirror client init failed", "error", err)
			os.Exit(2)
		}
		var archiver mirror.Archiver
		archiveCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid archive config", "error", err)
			os.Exit(2)
		}
		if archiveCfg.Enabled() {
			archiveClient, err := objectstore.NewMinIOClient(archiveCfg)
			if err != nil {
				logger.Error("archive client init failed", "error", err)
				os.Exit(2)
			}
			startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = objectstore.EnsureBucket(startupCtx, archiveClient, archiveCfg)
			cancel()
			if err != nil {
				logger.Error("archive bucket unavailable", "error", err)
				os.Exit(1)
			}
			archiver = mirror.NewSnapshotArchive(archiveClient, archiveCfg.Bucket)
		}
		syncer = mirror.NewSyncer(logger, client, store, archiver, mirrorCfg)
		syncer.Start(ctx)
	} else {
		logger.Info("mirror synchronization disabled (no token configured)")
	}

	var pusher workflow.Pusher
	if syncer != nil {
		pusher = syncer
	}
	machine := workflow.New(store, pusher)

	// Optional one-time bootstrap from the legacy export.
	if eventsFile := env.String("IMPORT_EVENTS_FILE", ""); eventsFile != "" {
		aliases, err := importer.LoadAliases(env.String("IMPORT_STATUS_ALIASES", ""))
		if err != nil {
			logger.Error("invalid status alias table", "error", err)
			os.Exit(2)
		}
		report, err := importer.NewLoader(logger, store, aliases).LoadFile(ctx, eventsFile)
		if err != nil {
			logger.Error("bootstrap import failed", "error", err)
			os.Exit(1)
		}
		logger.Info("bootstrap import complete",
			"total", report.Total,
			"imported", report.Imported,
			"skipped", report.Skipped,
			"defaulted", report.Defaulted,
			"incomplete", report.Incomplete,
		)
	}

	guard := auth.Guard{
		Logger:        logger,
		SessionSecret: sessionSecret,
		AllowLegacy:   allowLegacy,
	}

	api := newDashboardAPI(logger, db, store, machine, pusher, adminPassword, sessionSecret, sessionTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("dashboard"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(
		"dashboard",
		httpserver.ReadinessCheck{
			Name: "database",
			Check: func(ctx context.Context) error {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return db.PingContext(pingCtx)
			},
		},
	))
	api.register(mux, guard)

	handler := httpserver.Wrap(logger, mux)
	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "dashboard",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
