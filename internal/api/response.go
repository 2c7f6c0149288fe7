// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/middleware"
)

// APIResponse is the envelope every ops endpoint responds with.
type APIResponse struct {
	// Success indicates whether the request was handled.
	Success bool `json:"success"`

	// Data carries the payload; null on error.
	Data interface{} `json:"data,omitempty"`

	// Error carries failure details; null on success.
	Error *APIError `json:"error,omitempty"`

	// Meta carries response metadata.
	Meta *APIMeta `json:"meta,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	// Code is machine-readable.
	Code string `json:"code"`

	// Message is human-readable.
	Message string `json:"message"`

	// Details carries optional structured context, such as field
	// validation errors.
	Details interface{} `json:"details,omitempty"`
}

// APIMeta is per-response metadata.
type APIMeta struct {
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// Error codes used by the ops API.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDatabaseError      = "DATABASE_ERROR"
)

// ResponseWriter writes enveloped responses for one request.
type ResponseWriter struct {
	w         http.ResponseWriter
	r         *http.Request
	startTime time.Time
}

// NewResponseWriter creates a response writer bound to one request.
func NewResponseWriter(w http.ResponseWriter, r *http.Request) *ResponseWriter {
	return &ResponseWriter{w: w, r: r, startTime: time.Now()}
}

func (rw *ResponseWriter) meta() *APIMeta {
	return &APIMeta{
		RequestID:  middleware.GetRequestID(rw.r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(rw.startTime).Milliseconds(),
	}
}

// Success writes a 200 with data.
func (rw *ResponseWriter) Success(data interface{}) {
	rw.SuccessStatus(http.StatusOK, data)
}

// SuccessStatus writes a success envelope with an explicit status,
// for endpoints that answer 202 on accepted-but-asynchronous work.
func (rw *ResponseWriter) SuccessStatus(statusCode int, data interface{}) {
	rw.writeJSON(statusCode, APIResponse{
		Success: true,
		Data:    data,
		Meta:    rw.meta(),
	})
}

// Error writes an error envelope.
func (rw *ResponseWriter) Error(statusCode int, code, message string) {
	rw.ErrorWithDetails(statusCode, code, message, nil)
}

// ErrorWithDetails writes an error envelope with structured context.
func (rw *ResponseWriter) ErrorWithDetails(statusCode int, code, message string, details interface{}) {
	rw.writeJSON(statusCode, APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Meta: rw.meta(),
	})
}

// BadRequest writes a 400.
func (rw *ResponseWriter) BadRequest(message string) {
	rw.Error(http.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationError writes a 400 with field details.
func (rw *ResponseWriter) ValidationError(message string, details interface{}) {
	rw.ErrorWithDetails(http.StatusBadRequest, ErrCodeValidationFailed, message, details)
}

// NotFound writes a 404.
func (rw *ResponseWriter) NotFound(message string) {
	rw.Error(http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict writes a 409.
func (rw *ResponseWriter) Conflict(message string) {
	rw.Error(http.StatusConflict, ErrCodeConflict, message)
}

// InternalError writes a 500.
func (rw *ResponseWriter) InternalError(message string) {
	rw.Error(http.StatusInternalServerError, ErrCodeInternalError, message)
}

// DatabaseError logs the cause and writes a 500 without leaking it.
func (rw *ResponseWriter) DatabaseError(err error) {
	logging.Error().Err(err).Str("path", rw.r.URL.Path).Msg("Database error")
	rw.Error(http.StatusInternalServerError, ErrCodeDatabaseError, "a database error occurred")
}

// ServiceUnavailable writes a 503.
func (rw *ResponseWriter) ServiceUnavailable(message string, details interface{}) {
	rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message, details)
}

func (rw *ResponseWriter) writeJSON(statusCode int, response APIResponse) {
	rw.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.w.WriteHeader(statusCode)
	if err := json.NewEncoder(rw.w).Encode(response); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
