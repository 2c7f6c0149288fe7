// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package chapter

import (
	"errors"
	"regexp"
	"strings"
)

// ErrEmptyChapterNumber is returned when a report carries a chapter
// designator that normalizes to nothing.
var ErrEmptyChapterNumber = errors.New("empty chapter number")

var (
	// numberPattern matches a plain decimal chapter number after prefix
	// stripping: "7", "007", "1105.5", "1105.50".
	numberPattern = regexp.MustCompile(`^[0-9]+(?:[.,][0-9]+)?$`)

	// prefixPattern strips the common designator prefixes sources put in
	// front of the number: "Chapter 12", "Ch. 12", "#12".
	prefixPattern = regexp.MustCompile(`^(?:chapter|chap|ch|ep|episode)\b[.\s]*|^#`)

	// slugSeparators collapses runs of whitespace and punctuation that
	// separate words in non-numeric designators.
	slugSeparators = regexp.MustCompile(`[^a-z0-9]+`)

	digitsOnly = regexp.MustCompile(`^[0-9]+$`)
)

// Normalize converts a raw chapter designator into its canonical key.
//
// Numeric designators become canonical decimal strings: leading zeros
// stripped, trailing fractional zeros stripped, comma decimals folded
// to dots. Arithmetic is done on the digit strings, never through a
// float, so keys with many integer digits round-trip exactly.
//
// Non-numeric designators ("Extra 1", "omake") become lowercase slugs
// in a key space that is disjoint from numeric keys: a slug that would
// read as a bare integer is prefixed so it can never merge with a
// numeric chapter, however similar the text.
func Normalize(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrEmptyChapterNumber
	}

	candidate := strings.TrimSpace(prefixPattern.ReplaceAllString(s, ""))
	if numberPattern.MatchString(candidate) {
		return canonicalNumber(candidate), nil
	}

	slug := strings.Trim(slugSeparators.ReplaceAllString(s, "-"), "-")
	if slug == "" {
		return "", ErrEmptyChapterNumber
	}
	if digitsOnly.MatchString(slug) {
		// Designators like "7!" slugify to bare digits. Keep them out
		// of the numeric key space.
		slug = "x-" + slug
	}
	return slug, nil
}

// IsNumericKey reports whether a canonical key lives in the numeric
// key space.
func IsNumericKey(key string) bool {
	return numberPattern.MatchString(key)
}

// canonicalNumber reduces a matched decimal string to canonical form.
func canonicalNumber(s string) string {
	s = strings.ReplaceAll(s, ",", ".")

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}

	intPart = strings.TrimLeft(intPart, "0")
	if intPart == "" {
		intPart = "0"
	}
	fracPart = strings.TrimRight(fracPart, "0")

	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
