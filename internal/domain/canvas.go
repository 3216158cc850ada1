// Package domain defines the core data model for the sync engine. This file
// covers canvases: named, line-structured text documents edited wholesale or
// through line-addressed patches.
package domain

import (
	"strings"
	"time"
)

// Canvas is one collaboratively edited document. Content is transported as a
// single joined string and edited locally as a line array; SyncLines and
// SyncContent keep the two representations consistent after every mutation.
type Canvas struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Lines     []string  `json:"-"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SyncLines re-derives the line array from Content. An empty document yields
// an empty slice, not a single empty line.
func (c *Canvas) SyncLines() {
	if c.Content == "" {
		c.Lines = []string{}
		return
	}
	c.Lines = strings.Split(c.Content, "\n")
}

// SyncContent re-joins the line array into Content.
func (c *Canvas) SyncContent() {
	c.Content = strings.Join(c.Lines, "\n")
}

// LineUpdate is one line-addressed partial edit. LineNumber has no single
// authoritative base in the observed protocol; consumers probe both the
// 0-based and 1-based interpretations. OldContent, when present, is the
// producer's view of the line being replaced and drives fuzzy relocation
// when line numbers have drifted.
type LineUpdate struct {
	LineNumber int    `json:"lineNumber"`
	OldContent string `json:"oldContent,omitempty"`
	NewContent string `json:"newContent"`
}

// CanvasPatch is an unordered batch of line updates addressed to one canvas.
type CanvasPatch struct {
	CanvasID string       `json:"canvasId"`
	Updates  []LineUpdate `json:"updates"`
}

// CanvasVersion is one entry in a canvas's bounded undo history.
type CanvasVersion struct {
	Title   string    `json:"title,omitempty"`
	Content string    `json:"content"`
	SavedAt time.Time `json:"savedAt"`
}
