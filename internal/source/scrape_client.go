// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mkojima/shiori/internal/models"
)

// ScrapeClientConfig configures one HTML-scraped source.
type ScrapeClientConfig struct {
	Name    string
	BaseURL string
	// ChapterAttr is the data attribute the site puts on chapter links.
	// Defaults to "data-chapter".
	ChapterAttr string
	// UserAgent identifies us politely; scraped sources ban generic
	// Go user agents quickly.
	UserAgent string
	Timeout   time.Duration
}

// ScrapeClient fetches a chapter listing page and extracts reports
// from anchor tags. Scraped sources expose no stable chapter ids, so
// SourceChapterID is always nil - reconciliation never depends on it.
type ScrapeClient struct {
	cfg    ScrapeClientConfig
	client *http.Client
}

// NewScrapeClient creates a client for one scraped source.
func NewScrapeClient(cfg ScrapeClientConfig) (*ScrapeClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source %s: empty base url", cfg.Name)
	}
	if cfg.ChapterAttr == "" {
		cfg.ChapterAttr = "data-chapter"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "shiori/1.0 (+https://github.com/mkojima/shiori)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &ScrapeClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name implements Client.
func (c *ScrapeClient) Name() string { return c.cfg.Name }

// Kind implements Client.
func (c *ScrapeClient) Kind() Kind { return KindScraped }

// Fetch implements Client.
func (c *ScrapeClient) Fetch(ctx context.Context, ref Ref) ([]models.ChapterReport, error) {
	pageURL := ref.URL
	if pageURL == "" {
		pageURL = fmt.Sprintf("%s/series/%s", c.cfg.BaseURL, url.PathEscape(ref.ExternalID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyNetErr(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := classifyStatus(c.cfg.Name, resp); err != nil {
		return nil, err
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrTransient, err)
	}

	return c.extract(doc, pageURL), nil
}

// extract walks the DOM collecting anchors that carry the chapter
// attribute. The anchor text becomes the chapter title; hrefs are
// resolved against the page URL.
func (c *ScrapeClient) extract(doc *html.Node, pageURL string) []models.ChapterReport {
	base, _ := url.Parse(pageURL)
	var reports []models.ChapterReport

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			if report, ok := c.anchorReport(n, base); ok {
				reports = append(reports, report)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return reports
}

func (c *ScrapeClient) anchorReport(n *html.Node, base *url.URL) (models.ChapterReport, bool) {
	var number, href, lang, group string
	for _, attr := range n.Attr {
		switch attr.Key {
		case c.cfg.ChapterAttr:
			number = strings.TrimSpace(attr.Val)
		case "href":
			href = attr.Val
		case "data-lang":
			lang = strings.TrimSpace(attr.Val)
		case "data-group":
			group = strings.TrimSpace(attr.Val)
		}
	}
	if number == "" || href == "" {
		return models.ChapterReport{}, false
	}

	link := href
	if base != nil {
		if u, err := base.Parse(href); err == nil {
			link = u.String()
		}
	}

	return models.ChapterReport{
		ChapterNumber:   number,
		Title:           strings.TrimSpace(textContent(n)),
		URL:             link,
		Language:        lang,
		ScanlationGroup: group,
	}, true
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
