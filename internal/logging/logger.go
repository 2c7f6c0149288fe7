// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package logging provides the zerolog-based logging facade for Shiori.
//
// All packages log through this facade instead of owning loggers:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("component", "scheduler").Msg("tick")
//
// Component loggers carry a default field:
//
//	log := logging.With().Str("component", "poller").Logger()
//
// Always terminate chains with .Msg() or .Send(); an unterminated chain
// is silently dropped by zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string

	// Format is json (production) or console (development).
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer
}

var (
	log zerolog.Logger
	mu  sync.RWMutex
)

//nolint:gochecknoinits // logging must work before explicit Init()
func init() {
	initLogger(Config{})
}

// Init configures the global logger. Safe to call more than once;
// later calls reconfigure.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	initLogger(cfg)
}

func initLogger(cfg Config) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetLogger replaces the global logger. Intended for tests.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// With creates a child logger context with additional default fields.
func With() zerolog.Context {
	mu.RLock()
	defer mu.RUnlock()
	return log.With()
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Debug()
}

// Info starts an info-level event.
func Info() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Info()
}

// Warn starts a warn-level event.
func Warn() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Warn()
}

// Error starts an error-level event.
func Error() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Error()
}

// Fatal starts a fatal-level event; os.Exit(1) follows the message.
func Fatal() *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Fatal()
}

// Err starts an error-level event with the error attached.
func Err(err error) *zerolog.Event {
	mu.RLock()
	defer mu.RUnlock()
	return log.Err(err)
}

// NewTestLogger returns a logger writing to w, for capturing output in
// tests.
func NewTestLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
