// Package models defines the domain types for Gebo.
package models

import (
	"strings"
	"time"
)

// Note is a full note: Markdown content keyed by an opaque id.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteSummary is a lightweight representation returned by list operations.
type NoteSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteFileInfo describes a note file on disk, as reported by the vault.
type NoteFileInfo struct {
	ID        string
	Checksum  string
	SizeBytes int64
	ModTime   time.Time
}

// PreviewMaxChars bounds the preview text shown on note cards.
const PreviewMaxChars = 200

// Preview derives the card preview from a note body. Line breaks are
// preserved so Markdown blocks (headings, lists, quotes) still render;
// leading empty lines are skipped.
func Preview(body string) string {
	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimRight(line, " \t\r")
		if b.Len() == 0 && strings.TrimSpace(trimmed) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(trimmed)
		if b.Len() > PreviewMaxChars {
			break
		}
	}
	out := b.String()
	if len(out) > PreviewMaxChars {
		out = out[:PreviewMaxChars-3] + "..."
	}
	return out
}

// TitleFromBody derives a display title from the first non-empty line,
// stripping a leading Markdown heading marker. Used when a note arrives
// without index metadata (e.g. an external edit picked up by the watcher).
func TitleFromBody(body string) string {
	for _, line := range strings.Split(body, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		t = strings.TrimSpace(strings.TrimLeft(t, "#"))
		if t == "" {
			continue
		}
		if len(t) > 80 {
			t = t[:80]
		}
		return t
	}
	return "Untitled"
}
