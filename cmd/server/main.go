// Package main provides the entry point for the OCR chunk worker server
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/arke-institute/ocr-worker/domain/chunk"
	"github.com/arke-institute/ocr-worker/domain/health"
	"github.com/arke-institute/ocr-worker/internal/config"
	"github.com/arke-institute/ocr-worker/internal/database"
	"github.com/arke-institute/ocr-worker/internal/migrate"
	"github.com/arke-institute/ocr-worker/internal/server"
	"github.com/arke-institute/ocr-worker/pkg/arke"
	"github.com/arke-institute/ocr-worker/pkg/logger"
	"github.com/arke-institute/ocr-worker/pkg/ocr"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,

		// External clients
		arke.Module,
		ocr.Module,

		// Domain modules
		health.Module,
		chunk.Module,
	).Run()
}
