// Package extract isolates generated Pine Script from surrounding prose.
// All functions are pure.
package extract

import (
	"regexp"
	"strings"
)

var (
	fenceRe   = regexp.MustCompile("(?i)```(?:pinescript|pine)?[ \t]*\r?\n?([\\s\\S]*?)```")
	versionRe = regexp.MustCompile(`//@version=\d+[\s\S]*`)
	declRe    = regexp.MustCompile(`(?:indicator|strategy)\s*\(\s*["']([^"']+)["']`)
	unsafeRe  = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// DefaultFilename is used when no declaration name can be derived.
const DefaultFilename = "pinescript.pine"

// Script returns the code portion of an assistant response. Priority:
// fenced code block, then the suffix starting at a //@version marker,
// then the input unchanged.
func Script(content string) string {
	if content == "" {
		return content
	}
	if m := fenceRe.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := versionRe.FindString(content); m != "" {
		return strings.TrimSpace(m)
	}
	return content
}

// Filename derives a safe .pine filename from the script's indicator or
// strategy declaration, falling back to DefaultFilename.
func Filename(code string) string {
	m := declRe.FindStringSubmatch(code)
	if m == nil {
		return DefaultFilename
	}
	return unsafeRe.ReplaceAllString(m[1], "_") + ".pine"
}
