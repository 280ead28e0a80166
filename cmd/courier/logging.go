package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/glimte/courier/config"
	"github.com/natefinch/lumberjack"
)

const (
	logMaxSizeMB  = 50
	logMaxAgeDays = 7
	logMaxBackups = 5
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// newLogger logs text to stderr, or JSON to a rolling file when LOG_FILE is set
func newLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nopCloser{os.Stderr}, nil
	}

	sink := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    logMaxSizeMB,
		MaxAge:     logMaxAgeDays,
		MaxBackups: logMaxBackups,
		LocalTime:  true,
	}
	return slog.New(slog.NewJSONHandler(sink, opts)), sink, nil
}
