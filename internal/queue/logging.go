// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
)

// watermillLogger adapts Watermill's LoggerAdapter onto zerolog so the
// router and pub/sub internals log through the same sink as the rest
// of the engine.
type watermillLogger struct {
	log zerolog.Logger
}

// NewWatermillLogger returns a LoggerAdapter backed by the global
// zerolog logger.
func NewWatermillLogger() watermill.LoggerAdapter {
	return &watermillLogger{log: logging.With().Str("component", "queue").Logger()}
}

func (l *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.log.Error().Err(err), fields).Msg(msg)
}

func (l *watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.log.Info(), fields).Msg(msg)
}

func (l *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.log.Debug(), fields).Msg(msg)
}

func (l *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.log.Trace(), fields).Msg(msg)
}

func (l *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := l.log.With()
	for k, v := range fields {
		child = child.Interface(k, v)
	}
	return &watermillLogger{log: child.Logger()}
}

func (l *watermillLogger) event(ev *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	return ev
}
