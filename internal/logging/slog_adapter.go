// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package logging

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// SlogHandler implements slog.Handler on top of zerolog so that
// libraries requiring slog (sutureslog in particular) log through the
// same sink as everything else.
type SlogHandler struct {
	logger zerolog.Logger
	attrs  []slog.Attr
	groups []string
}

// NewSlogHandler wraps the global zerolog logger.
func NewSlogHandler() *SlogHandler {
	return &SlogHandler{logger: Logger()}
}

// Enabled reports whether records at the given level are handled.
func (h *SlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.logger.GetLevel() <= slogToZerologLevel(level)
}

// Handle converts one slog record into a zerolog event.
//
//nolint:gocritic // slog.Record is passed by value per slog.Handler
func (h *SlogHandler) Handle(_ context.Context, record slog.Record) error {
	var event *zerolog.Event
	switch record.Level {
	case slog.LevelDebug:
		event = h.logger.Debug()
	case slog.LevelWarn:
		event = h.logger.Warn()
	case slog.LevelError:
		event = h.logger.Error()
	default:
		event = h.logger.Info()
	}

	for _, attr := range h.attrs {
		event = addAttr(event, attr, h.groups)
	}
	record.Attrs(func(attr slog.Attr) bool {
		event = addAttr(event, attr, h.groups)
		return true
	})

	event.Msg(record.Message)
	return nil
}

// WithAttrs returns a handler carrying the extra attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{logger: h.logger, attrs: merged, groups: h.groups}
}

// WithGroup returns a handler scoping keys under name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &SlogHandler{logger: h.logger, attrs: h.attrs, groups: groups}
}

func addAttr(event *zerolog.Event, attr slog.Attr, groups []string) *zerolog.Event {
	key := attr.Key
	for _, g := range groups {
		key = g + "." + key
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		return event.Str(key, attr.Value.String())
	case slog.KindInt64:
		return event.Int64(key, attr.Value.Int64())
	case slog.KindUint64:
		return event.Uint64(key, attr.Value.Uint64())
	case slog.KindFloat64:
		return event.Float64(key, attr.Value.Float64())
	case slog.KindBool:
		return event.Bool(key, attr.Value.Bool())
	case slog.KindDuration:
		return event.Dur(key, attr.Value.Duration())
	case slog.KindTime:
		return event.Time(key, attr.Value.Time())
	case slog.KindGroup:
		for _, ga := range attr.Value.Group() {
			event = addAttr(event, ga, append(groups, attr.Key))
		}
		return event
	default:
		return event.Interface(key, attr.Value.Any())
	}
}

func slogToZerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel
	case level < slog.LevelWarn:
		return zerolog.InfoLevel
	case level < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// NewSlogLogger returns an slog.Logger backed by the global zerolog
// logger, for handing to suture's event hook.
func NewSlogLogger() *slog.Logger {
	return slog.New(NewSlogHandler())
}
