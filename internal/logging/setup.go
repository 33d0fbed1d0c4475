package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/pawciobiel/dyson/internal/config"
)

// Setup builds the process logger from the logging section and installs it as the slog default.
func Setup(logConfig *config.LoggingConfig) *slog.Logger {
	return SetupWriter(logConfig, os.Stdout)
}

func SetupWriter(logConfig *config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(logConfig.Level),
	}

	var handler slog.Handler
	switch logConfig.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component derives the logger a subsystem writes through.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// InitTestLogging installs a quiet default logger; DEBUG=1 turns on debug output.
func InitTestLogging() *slog.Logger {
	level := "error"
	if os.Getenv("DEBUG") == "1" {
		level = "debug"
	}

	return Setup(&config.LoggingConfig{
		Level:  level,
		Format: "text",
	})
}
