package canvas

import (
	"encoding/json"
	"errors"

	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// ErrVersionNotFound is returned when a restore names a version index
// outside the stored history.
var ErrVersionNotFound = errors.New("canvas version not found")

func canvasKey() string                 { return "canvases" }
func historyKey(canvasID string) string { return "canvas-history:" + canvasID }

// recordVersionLocked appends the canvas's current content to its bounded,
// most-recent-first history, skipping byte-identical repeats. History
// persistence is debounced so bursts of line patches coalesce into one
// write. Caller holds mu.
func (e *Engine) recordVersionLocked(canvasID string) {
	if e.depth < 0 {
		return
	}
	c, ok := e.canvases[canvasID]
	if !ok {
		return
	}
	versions := e.history[canvasID]
	if len(versions) > 0 && versions[0].Content == c.Content {
		return
	}
	versions = append([]domain.CanvasVersion{{
		Title:   c.Title,
		Content: c.Content,
		SavedAt: e.clock.Now(),
	}}, versions...)
	if len(versions) > e.depth {
		versions = versions[:e.depth]
	}
	e.history[canvasID] = versions
	e.persistHistoryLocked(canvasID)
}

// Versions returns a copy of the canvas's history, most recent first.
func (e *Engine) Versions(canvasID string) []domain.CanvasVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.CanvasVersion(nil), e.history[canvasID]...)
}

// RestoreVersion re-installs the version at index (0 = most recent) as the
// canvas's current content. Versions newer than the restored one are
// discarded and the restored snapshot is re-stamped as current.
func (e *Engine) RestoreVersion(canvasID string, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.canvases[canvasID]
	if !ok {
		return ErrCanvasNotFound
	}
	versions := e.history[canvasID]
	if index < 0 || index >= len(versions) {
		return ErrVersionNotFound
	}
	restored := versions[index]
	c.Content = restored.Content
	if restored.Title != "" {
		c.Title = restored.Title
	}
	c.SyncLines()
	c.UpdatedAt = e.clock.Now()

	restored.SavedAt = e.clock.Now()
	e.history[canvasID] = append([]domain.CanvasVersion{restored}, versions[index+1:]...)
	e.persistHistoryLocked(canvasID)
	e.persistLocked()
	return nil
}

// persistedSet is the stored shape of the canvas collection.
type persistedSet struct {
	ActiveID string          `json:"activeId,omitempty"`
	Canvases []domain.Canvas `json:"canvases"`
}

// persistLocked schedules a debounced write of the canvas set. Caller holds mu.
func (e *Engine) persistLocked() {
	if e.snaps == nil {
		return
	}
	set := persistedSet{ActiveID: e.activeID}
	for _, id := range e.order {
		set.Canvases = append(set.Canvases, copyCanvas(e.canvases[id]))
	}
	e.deb.Trigger(canvasKey(), func() {
		data, err := json.Marshal(set)
		if err != nil {
			e.met.SnapshotFailures.Inc()
			e.log.Error().Err(err).Msg("encode canvas set")
			return
		}
		if err := e.snaps.Set(canvasKey(), string(data)); err != nil {
			e.met.SnapshotFailures.Inc()
			e.log.Warn().Err(err).Msg("write canvas set")
			return
		}
		e.met.SnapshotWrites.Inc()
	})
}

// persistHistoryLocked schedules a debounced write of one canvas's version
// history. Caller holds mu.
func (e *Engine) persistHistoryLocked(canvasID string) {
	if e.snaps == nil {
		return
	}
	versions := append([]domain.CanvasVersion(nil), e.history[canvasID]...)
	key := historyKey(canvasID)
	e.deb.Trigger(key, func() {
		data, err := json.Marshal(versions)
		if err != nil {
			e.met.SnapshotFailures.Inc()
			e.log.Error().Err(err).Str("canvas", canvasID).Msg("encode canvas history")
			return
		}
		if err := e.snaps.Set(key, string(data)); err != nil {
			e.met.SnapshotFailures.Inc()
			e.log.Warn().Err(err).Str("canvas", canvasID).Msg("write canvas history")
			return
		}
		e.met.SnapshotWrites.Inc()
	})
}

// Restore loads the persisted canvas set and per-canvas histories back into
// the engine, treating corrupt data as absent.
func (e *Engine) Restore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snaps == nil {
		return false
	}
	raw, err := e.snaps.Get(canvasKey())
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			e.met.SnapshotFailures.Inc()
			e.log.Warn().Err(err).Msg("read canvas set")
		}
		return false
	}
	var set persistedSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		e.log.Warn().Err(err).Msg("corrupt canvas set, discarding")
		if err := e.snaps.Remove(canvasKey()); err != nil {
			e.met.SnapshotFailures.Inc()
		}
		return false
	}
	e.order = e.order[:0]
	e.canvases = make(map[string]*domain.Canvas, len(set.Canvases))
	for i := range set.Canvases {
		c := set.Canvases[i]
		c.SyncLines()
		e.order = append(e.order, c.ID)
		e.canvases[c.ID] = &c
		if raw, err := e.snaps.Get(historyKey(c.ID)); err == nil {
			var versions []domain.CanvasVersion
			if json.Unmarshal([]byte(raw), &versions) == nil {
				e.history[c.ID] = versions
			}
		}
	}
	e.activeID = set.ActiveID
	if _, ok := e.canvases[e.activeID]; !ok {
		e.activeID = ""
		if len(e.order) > 0 {
			e.activeID = e.order[0]
		}
	}
	return true
}
