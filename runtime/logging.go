package runtime

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger the way every pipeline service
// does: JSON to stdout, level from the LOG_LEVEL environment variable,
// tagged with the service name.
func NewLogger(serviceName string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", serviceName)
}
