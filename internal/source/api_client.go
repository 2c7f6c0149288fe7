// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mkojima/shiori/internal/models"
)

// APIClientConfig configures one structured-API source.
type APIClientConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// Timeout bounds one HTTP round trip. Distinct from and larger
	// than the rate-limit acquisition timeout.
	Timeout time.Duration
}

// APIClient fetches chapter listings from a JSON API source.
type APIClient struct {
	cfg    APIClientConfig
	client *http.Client
}

// apiChapter is the wire shape of one chapter entry.
type apiChapter struct {
	Number          string     `json:"number"`
	Title           string     `json:"title"`
	URL             string     `json:"url"`
	ID              *string    `json:"id"`
	Language        string     `json:"language"`
	ScanlationGroup string     `json:"group"`
	PublishedAt     *time.Time `json:"published_at"`
}

type apiChapterList struct {
	Chapters []apiChapter `json:"chapters"`
}

type apiSearchResult struct {
	Results []SeriesHit `json:"results"`
}

// NewAPIClient creates a client for one API source.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source %s: empty base url", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &APIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Client.
func (c *APIClient) Name() string { return c.cfg.Name }

// Kind implements Client.
func (c *APIClient) Kind() Kind { return KindAPI }

// Fetch implements Client.
func (c *APIClient) Fetch(ctx context.Context, ref Ref) ([]models.ChapterReport, error) {
	endpoint := fmt.Sprintf("%s/series/%s/chapters", c.cfg.BaseURL, url.PathEscape(ref.ExternalID))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var list apiChapterList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: decode chapter list: %v", ErrTransient, err)
	}

	reports := make([]models.ChapterReport, 0, len(list.Chapters))
	for _, ch := range list.Chapters {
		reports = append(reports, models.ChapterReport{
			ChapterNumber:   ch.Number,
			Title:           ch.Title,
			URL:             ch.URL,
			SourceChapterID: ch.ID,
			Language:        ch.Language,
			ScanlationGroup: ch.ScanlationGroup,
			PublishedAt:     ch.PublishedAt,
		})
	}
	return reports, nil
}

// Search implements Searcher.
func (c *APIClient) Search(ctx context.Context, query string) ([]SeriesHit, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s", c.cfg.BaseURL, url.QueryEscape(query))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var res apiSearchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: decode search result: %v", ErrTransient, err)
	}
	return res.Results, nil
}

func (c *APIClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := classifyStatus(c.cfg.Name, resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}
	return body, nil
}

// classifyStatus folds an HTTP status into the error taxonomy. Shared
// by both client families.
func classifyStatus(sourceName string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s returned %d", ErrNotFound, sourceName, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{Source: sourceName, RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusProxyAuthRequired:
		return fmt.Errorf("%w: %s returned %d", ErrProxyBlocked, sourceName, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrTransient, sourceName, resp.StatusCode)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
