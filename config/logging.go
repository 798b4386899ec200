package config

import (
	"log/slog"
	"os"
	"strings"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs the default slog handler at the given level
// (DEBUG, INFO, WARN or ERROR). Unknown values fall back to INFO.
func ConfigureLogging(level string) {
	logLevel.Set(ParseLogLevel(level))

	opts := &slog.HandlerOptions{Level: logLevel}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}
