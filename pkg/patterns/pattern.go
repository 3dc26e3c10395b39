// Package patterns classifies opaque provider errors as rate limits using
// a priority-ordered registry of literal and regex patterns.
package patterns

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern matches error text either as a case-insensitive literal substring
// or as a compiled regular expression tested verbatim.
type Pattern struct {
	literal string
	re      *regexp.Regexp
}

// Literal builds a case-insensitive substring pattern.
func Literal(s string) Pattern {
	return Pattern{literal: strings.ToLower(s)}
}

// Regex compiles a regular expression pattern. The expression is applied
// verbatim to the lowercased searchable text.
func Regex(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

// MustRegex is Regex that panics on a bad expression. For package defaults
// and literal test fixtures only.
func MustRegex(expr string) Pattern {
	p, err := Regex(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches reports whether the pattern matches the lowercased text.
func (p Pattern) Matches(text string) bool {
	if p.re != nil {
		return p.re.MatchString(text)
	}
	if p.literal == "" {
		return false
	}
	return strings.Contains(text, p.literal)
}

// String renders the pattern for logs and introspection.
func (p Pattern) String() string {
	if p.re != nil {
		return "regex:" + p.re.String()
	}
	return "literal:" + p.literal
}

// ErrorPattern is a named, prioritized group of patterns. Higher priority
// is consulted first; the first matching group wins.
type ErrorPattern struct {
	Name     string
	Provider string // informational; empty means provider-agnostic
	Patterns []Pattern
	Priority int
}

func (ep ErrorPattern) matches(text string) bool {
	for _, p := range ep.Patterns {
		if p.Matches(text) {
			return true
		}
	}
	return false
}
