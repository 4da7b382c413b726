package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger returns a JSON logger on stdout. When logFile is set, records
// are also appended to that file. The cleanup function closes the file.
func SetupLogger(debug bool, logFile string) (*slog.Logger, func() error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(stdoutHandler)
		logger.Error("Failed to open log file, logging to stdout only.", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}
	return NewFanoutLogger(level, os.Stdout, file), file.Close
}

// NewFanoutLogger writes the same JSON records to every writer.
func NewFanoutLogger(level slog.Level, writers ...io.Writer) *slog.Logger {
	handlers := make([]slog.Handler, 0, len(writers))
	for _, w := range writers {
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
