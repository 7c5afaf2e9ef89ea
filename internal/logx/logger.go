// Package logx configures structured logging for the daemon: slog handlers
// writing to stdout and/or a rotated logfile, plus request-id plumbing and the
// gin access-log middleware.
package logx

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment knobs. A desktop daemon mostly logs to a file the user can
// attach to bug reports; stdout is the default so `sandboxd` run by hand stays
// observable.
const (
	envLevel      = "SANDBOXD_LOG_LEVEL"       // debug|info|warn|error
	envFormat     = "SANDBOXD_LOG_FORMAT"      // json|text
	envOutput     = "SANDBOXD_LOG_OUTPUT"      // stdout|file|stdout,file
	envFile       = "SANDBOXD_LOG_FILE"        // logfile path
	envMaxSizeMB  = "SANDBOXD_LOG_MAX_SIZE_MB" // rotate threshold
	envMaxBackups = "SANDBOXD_LOG_MAX_BACKUPS"
	envMaxAgeDays = "SANDBOXD_LOG_MAX_AGE_DAYS"

	defaultFile       = "./logs/sandboxd.log"
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

// Init installs the process-wide default logger and returns it together with
// a closer that flushes the logfile rotator.
func Init(serviceName string) (*slog.Logger, func() error, error) {
	writer, closer, err := openWriter()
	if err != nil {
		return nil, nil, err
	}

	options := &slog.HandlerOptions{Level: levelFromEnv()}
	var handler slog.Handler
	if strings.EqualFold(envOr(envFormat, "json"), "text") {
		handler = slog.NewTextHandler(writer, options)
	} else {
		handler = slog.NewJSONHandler(writer, options)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger, closer, nil
}

func openWriter() (io.Writer, func() error, error) {
	output := strings.ToLower(envOr(envOutput, "stdout"))
	toStdout := strings.Contains(output, "stdout")
	toFile := strings.Contains(output, "file")
	if !toStdout && !toFile {
		toStdout = true
	}

	noop := func() error { return nil }

	var writers []io.Writer
	closer := noop
	if toStdout {
		writers = append(writers, os.Stdout)
	}
	if toFile {
		path := envOr(envFile, defaultFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    envIntOr(envMaxSizeMB, defaultMaxSizeMB),
			MaxBackups: envIntOr(envMaxBackups, defaultMaxBackups),
			MaxAge:     envIntOr(envMaxAgeDays, defaultMaxAgeDays),
			Compress:   true,
		}
		writers = append(writers, rotator)
		closer = rotator.Close
	}

	if len(writers) == 1 {
		return writers[0], closer, nil
	}
	return io.MultiWriter(writers...), closer, nil
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(envOr(envLevel, "info")) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
