// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the engine's components.
//
// It wraps log/slog with a small layered design: stderr by default, an
// optional file sink, and per-component child loggers created with
// With("component", name). No logger in this package ever receives
// transaction payload bytes — only IDs, session keys, counts, and error
// kinds are logged.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Level is the engine's own level enum, converted to slog.Level at the
// handler boundary so callers never need to import log/slog directly.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level's name, or "UNKNOWN" for an out-of-range value.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a case-insensitive level name, defaulting to LevelInfo
// for an unrecognized value.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures New. A zero-value Config logs Debug+ (the zero Level is
// LevelDebug) to stderr as text.
type Config struct {
	// Level sets the minimum level; messages below it are discarded.
	Level Level
	// LogFile, if set, additionally writes JSON-formatted logs to this
	// path, creating its parent directory if needed.
	LogFile string
	// Service names the process in every log entry's "service" attribute.
	Service string
	// JSON selects JSON output for stderr; file output is always JSON.
	JSON bool
}

// Logger is a thin handle around *slog.Logger, kept distinct so call sites
// depend on this package rather than on log/slog directly.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Default returns a Logger at LevelInfo writing text to stderr, with no
// service attribute.
func Default() *Logger {
	return New(Config{Level: LevelInfo})
}

// New constructs a Logger per cfg. stderr output follows cfg.JSON; a file
// sink, if configured, is always JSON since it's meant for machine
// processing.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlog()}

	var handlers []slog.Handler
	if cfg.JSON {
		handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
	}

	var closer io.Closer
	if cfg.LogFile != "" {
		if f, err := openLogFile(cfg.LogFile); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, opts))
			closer = f
		}
	}

	logger := slog.New(fanoutHandler{handlers: handlers})
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return &Logger{Logger: logger, closer: closer}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
}

// With returns a child Logger that attaches "component" = name (and any
// further key/value pairs) to every subsequent log entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), closer: l.closer}
}

// Close releases the file sink, if one was opened. Safe to call on a
// Logger with no file sink.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// fanoutHandler dispatches every record to each of its handlers, so stderr
// and an optional file sink can use independent formats.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: out}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		out[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: out}
}
