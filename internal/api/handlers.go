// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"

	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/store"
)

// maxBodyBytes bounds request bodies on the ops surface.
const maxBodyBytes = 64 * 1024

// defaultPageLimit and maxPageLimit bound list endpoints.
const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// handleReadyz runs every registered dependency check plus the store
// ping. Any failure answers 503 with the per-check breakdown.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	checks := map[string]string{}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	if !healthy {
		rw.ServiceUnavailable("not ready", checks)
		return
	}
	rw.Success(map[string]interface{}{"status": "ready", "checks": checks})
}

// searchRequest is the POST /v1/search body.
type searchRequest struct {
	Query string `json:"query" validate:"required,min=1,max=512"`
	// UserID feeds the unique-user heat signal. Optional; anonymous
	// searches still count toward total volume.
	UserID string `json:"user_id" validate:"omitempty,max=128"`
}

// searchResponse reports the gate's decision.
type searchResponse struct {
	Enqueued      bool   `json:"enqueued"`
	Reason        string `json:"reason"`
	NormalizedKey string `json:"normalized_key,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.gate == nil {
		rw.ServiceUnavailable("search intake not available", nil)
		return
	}

	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		rw.ValidationError("invalid search request", validationDetails(err))
		return
	}

	decision, err := s.gate.RecordSearch(r.Context(), req.Query, req.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("Search intake failed")
		rw.InternalError("search intake failed")
		return
	}

	status := http.StatusOK
	if decision.Enqueued {
		status = http.StatusAccepted
	}
	rw.SuccessStatus(status, searchResponse{
		Enqueued:      decision.Enqueued,
		Reason:        string(decision.Reason),
		NormalizedKey: decision.NormalizedKey,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.depths == nil {
		rw.ServiceUnavailable("queue inspector not available", nil)
		return
	}

	depths, err := s.depths.All(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Queue depth read failed")
		rw.InternalError("queue depth read failed")
		return
	}
	rw.Success(map[string][]queue.Depth{"queues": depths})
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	afterID, err := queryInt64(r, "after", 0)
	if err != nil {
		rw.BadRequest("after must be an integer")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	series, err := s.store.ListSeries(r.Context(), afterID, limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	var nextAfter int64
	if len(series) == limit {
		nextAfter = series[len(series)-1].ID
	}
	rw.Success(map[string]interface{}{
		"series":     series,
		"next_after": nextAfter,
	})
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	seriesID, ok := pathID(rw, r, "seriesID")
	if !ok {
		return
	}

	series, err := s.store.GetSeries(r.Context(), seriesID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("series not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	sources, err := s.store.ListSeriesSources(r.Context(), seriesID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(map[string]interface{}{
		"series":  series,
		"sources": sources,
	})
}

// chapterEntry flattens one logical chapter with its source evidence,
// trust-ordered.
type chapterEntry struct {
	Chapter models.LogicalChapter  `json:"chapter"`
	Sources []models.ChapterSource `json:"sources"`
}

func (s *Server) handleListChapters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	seriesID, ok := pathID(rw, r, "seriesID")
	if !ok {
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	if _, err := s.store.GetSeries(r.Context(), seriesID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("series not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	chapters, sources, err := s.store.ListChapters(r.Context(), seriesID, limit)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	entries := make([]chapterEntry, 0, len(chapters))
	for _, ch := range chapters {
		entries = append(entries, chapterEntry{
			Chapter: ch,
			Sources: sources[ch.ID],
		})
	}
	rw.Success(map[string][]chapterEntry{"chapters": entries})
}

// handleForcePoll enqueues an immediate poll for one series source.
// Disabled sources and Tier C series are refused; force-polling must
// not resurrect work the classifier or failure handling retired.
func (s *Server) handleForcePoll(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.scheduler == nil {
		rw.ServiceUnavailable("scheduler not available", nil)
		return
	}

	sourceID, ok := pathID(rw, r, "sourceID")
	if !ok {
		return
	}

	src, err := s.store.GetSeriesSource(r.Context(), sourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("series source not found")
			return
		}
		rw.DatabaseError(err)
		return
	}
	if src.Status == models.SourceDisabled {
		rw.Conflict("source is disabled")
		return
	}

	series, err := s.store.GetSeries(r.Context(), src.SeriesID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if series.CatalogTier == models.TierC {
		rw.Conflict("series is tier C and not polled")
		return
	}

	if err := s.scheduler.ForcePoll(r.Context(), src.SeriesID, src.ID); err != nil {
		s.log.Error().Err(err).Int64("series_source_id", src.ID).Msg("Force poll failed")
		rw.InternalError("enqueue failed")
		return
	}

	s.log.Info().
		Int64("series_id", src.SeriesID).
		Int64("series_source_id", src.ID).
		Msg("Admin poll enqueued")
	rw.SuccessStatus(http.StatusAccepted, map[string]interface{}{
		"series_id":        src.SeriesID,
		"series_source_id": src.ID,
		"enqueued_at":      time.Now().UTC(),
	})
}

// handleCancelSeriesJobs purges queued poll jobs for a series.
// In-flight jobs finish; only waiting work is removed.
func (s *Server) handleCancelSeriesJobs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if s.canceller == nil {
		rw.ServiceUnavailable("job cancellation not available", nil)
		return
	}

	seriesID, ok := pathID(rw, r, "seriesID")
	if !ok {
		return
	}

	if _, err := s.store.GetSeries(r.Context(), seriesID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rw.NotFound("series not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	removed, err := s.canceller.CancelSeries(r.Context(), seriesID)
	if err != nil {
		s.log.Error().Err(err).Int64("series_id", seriesID).Msg("Job cancellation failed")
		rw.InternalError("cancellation failed")
		return
	}

	rw.Success(map[string]interface{}{
		"series_id": seriesID,
		"removed":   removed,
	})
}

// decodeJSON reads a bounded request body into dst, rejecting
// trailing garbage.
func decodeJSON(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

// validationDetails flattens validator errors to field -> constraint.
func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}

func pathID(rw *ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		rw.BadRequest(param + " must be a positive integer")
		return 0, false
	}
	return id, true
}

func queryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, nil
}
