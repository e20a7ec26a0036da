package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/icetrack-labs/icetrack-go/internal/importer"
	"github.com/icetrack-labs/icetrack-go/internal/platform/env"
	platformpg "github.com/icetrack-labs/icetrack-go/internal/platform/postgres"
	repopg "github.com/icetrack-labs/icetrack-go/internal/repo/postgres"
)

// One-shot bootstrap: seeds the canonical store from the legacy
// events.json export, then exits.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventsFile := env.String("IMPORT_EVENTS_FILE", "events.json")

	aliases, err := importer.LoadAliases(env.String("IMPORT_STATUS_ALIASES", ""))
	if err != nil {
		logger.Error("invalid status alias table", "error", err)
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

	report, err := importer.NewLoader(logger, store, aliases).LoadFile(ctx, eventsFile)
	if err != nil {
		logger.Error("import failed", "error", err)
		os.Exit(1)
	}

	logger.Info("import complete",
		"total", report.Total,
		"imported", report.Imported,
		"skipped", report.Skipped,
		"defaulted", report.Defaulted,
		"incomplete", report.Incomplete,
	)
}
