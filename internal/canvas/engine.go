// Package canvas implements the Canvas Patch Engine: a set of named,
// line-structured documents mutated wholesale (authoritative fetch, live
// replace) or through line-addressed partial patches from the live channel.
//
// Patches are produced against a server-side view of the document that may
// already have drifted from local state, so the engine spends increasing
// effort locating each edit (exact index, off-by-one index, windowed fuzzy
// match, append, clamped overwrite) before giving up, and always applies
// something rather than discarding the edit. Applying at an exact index
// blindly would silently corrupt unrelated lines.
package canvas

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/metrics"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// Contract-violation errors. These indicate programmer error and are
// returned to the caller, unlike transient persistence faults which are
// logged and absorbed.
var (
	// ErrCanvasNotFound is returned when an operation names an unknown canvas id.
	ErrCanvasNotFound = errors.New("canvas not found")
	// ErrNoActiveCanvas is returned by line-range operations when no canvas is selected.
	ErrNoActiveCanvas = errors.New("no active canvas")
	// ErrInvalidRange is returned for out-of-bounds line ranges.
	ErrInvalidRange = errors.New("invalid line range")
)

// Options configures an Engine. Zero fields get usable defaults.
type Options struct {
	Logger       zerolog.Logger
	Snapshots    snapshot.Store // nil: in-memory only
	Clock        sched.Clock    // nil: system clock
	Debounce     *sched.Debouncer
	Metrics      *metrics.Set // nil: unregistered set
	HistoryDepth int          // versions kept per canvas; < 0: none, 0: default 10
	SearchRadius int          // fuzzy-match window; <= 0: 5
}

// Engine holds the canvas set for one session. All methods are safe for
// concurrent use.
type Engine struct {
	log    zerolog.Logger
	snaps  snapshot.Store
	deb    *sched.Debouncer
	clock  sched.Clock
	met    *metrics.Set
	depth  int
	radius int

	mu       sync.Mutex
	order    []string
	canvases map[string]*domain.Canvas
	activeID string
	history  map[string][]domain.CanvasVersion
}

// New constructs an Engine from opts.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = sched.System()
	}
	if opts.Debounce == nil {
		opts.Debounce = sched.NewDebouncer(opts.Clock, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.HistoryDepth == 0 {
		opts.HistoryDepth = 10
	}
	if opts.SearchRadius <= 0 {
		opts.SearchRadius = 5
	}
	return &Engine{
		log:      opts.Logger.With().Str("component", "canvas").Logger(),
		snaps:    opts.Snapshots,
		deb:      opts.Debounce,
		clock:    opts.Clock,
		met:      opts.Metrics,
		depth:    opts.HistoryDepth,
		radius:   opts.SearchRadius,
		canvases: make(map[string]*domain.Canvas),
		history:  make(map[string][]domain.CanvasVersion),
	}
}

// LoadAll replaces the full canvas set from an authoritative fetch. The
// active selection survives when its id is still present; otherwise the
// first canvas is selected only if nothing was selected before.
func (e *Engine) LoadAll(canvases []domain.Canvas) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.order = e.order[:0]
	e.canvases = make(map[string]*domain.Canvas, len(canvases))
	for i := range canvases {
		c := canvases[i]
		c.SyncLines()
		e.order = append(e.order, c.ID)
		e.canvases[c.ID] = &c
	}
	if _, ok := e.canvases[e.activeID]; !ok {
		e.activeID = ""
		if len(e.order) > 0 {
			e.activeID = e.order[0]
		}
	}
	e.persistLocked()
}

// Add appends a new canvas. The first canvas added becomes active.
func (e *Engine) Add(c domain.Canvas) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c.SyncLines()
	if _, ok := e.canvases[c.ID]; !ok {
		e.order = append(e.order, c.ID)
	}
	e.canvases[c.ID] = &c
	if e.activeID == "" {
		e.activeID = c.ID
	}
	e.recordVersionLocked(c.ID)
	e.persistLocked()
}

// Replace upserts a canvas wholesale from a live replace event.
func (e *Engine) Replace(c domain.Canvas) {
	e.Add(c)
}

// SwitchActive changes the active selection. Unknown ids are a contract
// violation.
func (e *Engine) SwitchActive(canvasID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.canvases[canvasID]; !ok {
		return ErrCanvasNotFound
	}
	e.activeID = canvasID
	return nil
}

// ApplyLivePatch applies a batch of line updates to canvasID. Updates are
// processed in descending line order so earlier edits cannot shift the
// indices of later ones in the same batch. Individual unmatched updates
// degrade through the fallback chain; only an unknown canvas id fails.
func (e *Engine) ApplyLivePatch(canvasID string, updates []domain.LineUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.canvases[canvasID]
	if !ok {
		return ErrCanvasNotFound
	}

	ordered := append([]domain.LineUpdate(nil), updates...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].LineNumber > ordered[j-1].LineNumber; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, u := range ordered {
		e.applyLine(c, u)
	}
	c.SyncContent()
	c.UpdatedAt = e.clock.Now()
	e.recordVersionLocked(canvasID)
	e.persistLocked()
	return nil
}

// applyLine locates and applies one update. Caller holds mu.
func (e *Engine) applyLine(c *domain.Canvas, u domain.LineUpdate) {
	lines := c.Lines

	// The protocol has no authoritative line-number base; probe the 0-based
	// interpretation first, then 1-based.
	if idx := u.LineNumber; idx >= 0 && idx < len(lines) &&
		(u.OldContent == "" || lines[idx] == u.OldContent) {
		c.Lines[idx] = u.NewContent
		e.met.CanvasPatches.WithLabelValues("exact").Inc()
		return
	}
	if idx := u.LineNumber - 1; u.OldContent != "" && idx >= 0 && idx < len(lines) &&
		lines[idx] == u.OldContent {
		c.Lines[idx] = u.NewContent
		e.met.CanvasPatches.WithLabelValues("offset").Inc()
		return
	}

	if u.OldContent != "" {
		if idx, ok := e.searchWindow(lines, u); ok {
			c.Lines[idx] = u.NewContent
			e.met.CanvasPatches.WithLabelValues("window").Inc()
			return
		}
	}

	if u.LineNumber == len(lines) {
		c.Lines = append(c.Lines, u.NewContent)
		e.met.CanvasPatches.WithLabelValues("append").Inc()
		return
	}

	// Last resort: clamp to the nearest valid index and overwrite. Never
	// fail the batch for one unmatched update.
	if len(c.Lines) == 0 {
		c.Lines = append(c.Lines, u.NewContent)
	} else {
		idx := len(c.Lines) - 1
		if u.LineNumber < 0 {
			idx = 0
		}
		c.Lines[idx] = u.NewContent
	}
	e.met.CanvasPatches.WithLabelValues("clamp").Inc()
	e.log.Warn().
		Str("canvas", c.ID).
		Int("line", u.LineNumber).
		Int("lines", len(c.Lines)).
		Msg("unmatched line update clamped")
}

// searchWindow scans ±radius lines around both base interpretations for the
// update's old content: exact match first, then trimmed, then substring
// containment for old content long enough to be distinctive.
func (e *Engine) searchWindow(lines []string, u domain.LineUpdate) (int, bool) {
	lo := u.LineNumber - 1 - e.radius
	hi := u.LineNumber + e.radius
	if lo < 0 {
		lo = 0
	}
	if hi > len(lines)-1 {
		hi = len(lines) - 1
	}
	for i := lo; i <= hi; i++ {
		if lines[i] == u.OldContent {
			return i, true
		}
	}
	trimmed := strings.TrimSpace(u.OldContent)
	for i := lo; i <= hi; i++ {
		if strings.TrimSpace(lines[i]) == trimmed {
			return i, true
		}
	}
	if len(u.OldContent) > 10 {
		for i := lo; i <= hi; i++ {
			if strings.Contains(lines[i], u.OldContent) {
				return i, true
			}
		}
	}
	return 0, false
}

// Canvas returns a copy of the canvas with the given id.
func (e *Engine) Canvas(canvasID string) (domain.Canvas, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.canvases[canvasID]
	if !ok {
		return domain.Canvas{}, false
	}
	return copyCanvas(c), true
}

// Canvases returns copies of all canvases in insertion order.
func (e *Engine) Canvases() []domain.Canvas {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Canvas, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, copyCanvas(e.canvases[id]))
	}
	return out
}

// Active returns the active canvas, if any. Single-canvas consumers observe
// the engine exclusively through this derived view.
func (e *Engine) Active() (domain.Canvas, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.canvases[e.activeID]
	if !ok {
		return domain.Canvas{}, false
	}
	return copyCanvas(c), true
}

// ActiveID returns the active canvas id ("" when none).
func (e *Engine) ActiveID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeID
}

func copyCanvas(c *domain.Canvas) domain.Canvas {
	out := *c
	out.Lines = append([]string(nil), c.Lines...)
	return out
}
