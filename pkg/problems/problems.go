// Package problems builds RFC 7807 problem documents for protocol
// failures surfaced over the HTTP facade.
package problems

import (
	"os"
	"strings"
)

// Doc is an application/problem+json body.
type Doc struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// New assembles a problem document for the given slug.
func New(slug, title, detail string, status int) Doc {
	return Doc{Type: Type(slug), Title: title, Detail: detail, Status: status}
}

// Base returns the base URL for problem type identifiers, from
// PROBLEM_BASE_URL, then BASE_PUBLIC_URL + "/problems", then a fallback.
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }
