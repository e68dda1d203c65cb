package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/botwatchd/botwatch/store"
	_ "modernc.org/sqlite"
)

var (
	version = "master"
	commit  = "latest"
	date    = "n/a"
)

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, errSettings := loadAndValidateSettings()
	if errSettings != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", errSettings)

		return 1
	}

	logCloser := MustCreateLogger(settings)
	defer logCloser()

	slog.Info("Starting botwatch",
		slog.String("version", version), slog.String("commit", commit), slog.String("date", date))

	database, errDB := store.Open(ctx, settings.DBPath(), true)
	if errDB != nil {
		slog.Error("Failed to open database", errAttr(errDB))

		return 1
	}

	querier := store.New(database)

	defer func() {
		if errClose := querier.Close(); errClose != nil {
			slog.Error("Failed to close database", errAttr(errClose))
		}
	}()

	source, errSource := newDataSource(settings)
	if errSource != nil {
		slog.Warn("Reputation lookups disabled", errAttr(errSource))
		source = nil
	}

	detector := newDetector(settings, newSession(settings), source, querier)

	if errStart := detector.Start(ctx); errStart != nil && !errors.Is(errStart, context.Canceled) {
		slog.Error("Detector exited", errAttr(errStart))

		return 1
	}

	slog.Info("Shutting down")

	return 0
}

func main() {
	os.Exit(run())
}
