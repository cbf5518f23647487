package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"attache/internal/config"
)

const (
	logLevelEnvKey  = "ATTACHE_LOG_LEVEL"
	logFormatEnvKey = "ATTACHE_LOG_FORMAT"
)

// logSource names where the effective log level came from.
type logSource string

const (
	logFromFlag    logSource = "flag"
	logFromEnv     logSource = "env"
	logFromConfig  logSource = "config"
	logFromDefault logSource = "default"
)

// logOutput is where CLI logs go; tests swap it.
var logOutput io.Writer = os.Stderr

// configureLoggerForCLI installs the default logger. An invalid --log-level
// is an error; an invalid env or config value falls back to the default
// level and returns a warning for the user instead.
func configureLoggerForCLI(flagLevel, configLevel string) (string, error) {
	var warnings []string

	envLevel := os.Getenv(logLevelEnvKey)
	raw, source := selectedLogLevel(flagLevel, envLevel, configLevel)
	level, err := parseLogLevel(raw)
	if err != nil {
		switch source {
		case logFromFlag:
			return "", fmt.Errorf("invalid --log-level %q", flagLevel)
		case logFromEnv:
			warnings = append(warnings, fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, config.DefaultLogLevel))
		case logFromConfig:
			warnings = append(warnings, fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", configLevel, config.DefaultLogLevel))
		}
		level, _ = parseLogLevel(config.DefaultLogLevel)
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv(logFormatEnvKey)))
	switch format {
	case "", "text", "json":
	default:
		warnings = append(warnings, fmt.Sprintf("warning: invalid %s=%q; using text", logFormatEnvKey, format))
		format = "text"
	}

	slog.SetDefault(newLogger(logOutput, level, format))
	return strings.Join(warnings, "\n"), nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, logSource) {
	candidates := []struct {
		raw    string
		source logSource
	}{
		{flagLevel, logFromFlag},
		{envLevel, logFromEnv},
		{configLevel, logFromConfig},
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.raw) != "" {
			return c.raw, c.source
		}
	}
	return "", logFromDefault
}

// parseLogLevel accepts slog level names, "warning" and numeric levels.
func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	switch {
	case value == "":
		return slog.LevelInfo, nil
	case strings.EqualFold(value, "warning"):
		return slog.LevelWarn, nil
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// newLogger builds the CLI logger. Workers under a supervisor usually want
// format "json"; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("app", "attache")
}
