// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package search

import (
	"regexp"
	"strings"

	"github.com/kljensen/snowball"
	"github.com/kljensen/snowball/english"
)

var nonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeQuery folds a raw user query into the stable key that all
// demand accounting and deduplication hangs off. "One Piece 1105",
// "one-piece 1105!!" and "ONE PIECE 1105" must collapse to the same
// key or the crawl-storm gate falls apart.
//
// Pipeline: lowercase, strip non-alphanumerics, drop stop words, stem,
// dedupe tokens, join with '-'. Digit-only tokens (chapter numbers)
// skip stop-word and stemming treatment.
func NormalizeQuery(raw string) string {
	clean := nonAlphaNum.ReplaceAllString(strings.ToLower(raw), " ")
	tokens := strings.Fields(clean)

	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))

	for _, w := range tokens {
		if isDigits(w) {
			if _, dup := seen[w]; !dup {
				seen[w] = struct{}{}
				out = append(out, w)
			}
			continue
		}

		if english.IsStopWord(w) {
			continue
		}

		stem, err := snowball.Stem(w, "english", false)
		if err != nil || stem == "" {
			stem = w
		}
		if _, dup := seen[stem]; !dup {
			seen[stem] = struct{}{}
			out = append(out, stem)
		}
	}

	return strings.Join(out, "-")
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
