// Package logger provides the shared slog setup for the service.
//
// Production (GO_ENV=production) logs JSON to stdout; everything else uses
// the text handler. LOG_LEVEL selects the minimum level (default info).
package logger

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/fx"
)

// Module provides the logger as an fx module
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
)

// NewLogger creates the process-wide slog.Logger from environment settings
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("GO_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// Scope returns the standard scope attribute used to tag a component's logs
func Scope(name string) slog.Attr {
	return slog.String("scope", name)
}

// Error returns the standard error attribute
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}
