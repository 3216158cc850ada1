package canvas

import "github.com/openwidget/chat-sync-core/internal/domain"

// Line-range operations act on the active canvas. Bounds are validated up
// front and violations returned as errors: a bad range is programmer error,
// not environment failure.

// UpdateRange replaces lines [start, end] (inclusive) with replacement.
func (e *Engine) UpdateRange(start, end int, replacement []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.canvases[e.activeID]
	if !ok {
		return ErrNoActiveCanvas
	}
	if start < 0 || end < start || end >= len(c.Lines) {
		return ErrInvalidRange
	}
	lines := make([]string, 0, len(c.Lines)-(end-start+1)+len(replacement))
	lines = append(lines, c.Lines[:start]...)
	lines = append(lines, replacement...)
	lines = append(lines, c.Lines[end+1:]...)
	e.commitLocked(c, lines)
	return nil
}

// InsertAt inserts line before index; index == len appends.
func (e *Engine) InsertAt(index int, line string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.canvases[e.activeID]
	if !ok {
		return ErrNoActiveCanvas
	}
	if index < 0 || index > len(c.Lines) {
		return ErrInvalidRange
	}
	lines := make([]string, 0, len(c.Lines)+1)
	lines = append(lines, c.Lines[:index]...)
	lines = append(lines, line)
	lines = append(lines, c.Lines[index:]...)
	e.commitLocked(c, lines)
	return nil
}

// DeleteRange removes lines [start, end] (inclusive).
func (e *Engine) DeleteRange(start, end int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.canvases[e.activeID]
	if !ok {
		return ErrNoActiveCanvas
	}
	if start < 0 || end < start || end >= len(c.Lines) {
		return ErrInvalidRange
	}
	lines := make([]string, 0, len(c.Lines)-(end-start+1))
	lines = append(lines, c.Lines[:start]...)
	lines = append(lines, c.Lines[end+1:]...)
	e.commitLocked(c, lines)
	return nil
}

// commitLocked installs the new line array on c, keeping both
// representations consistent, and persists. Caller holds mu.
func (e *Engine) commitLocked(c *domain.Canvas, lines []string) {
	c.Lines = lines
	c.SyncContent()
	c.UpdatedAt = e.clock.Now()
	e.recordVersionLocked(c.ID)
	e.persistLocked()
}
