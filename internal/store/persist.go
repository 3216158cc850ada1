package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// chatSnapshot is the persisted shape of one conversation.
type chatSnapshot struct {
	ConversationID string           `json:"conversationId"`
	Title          string           `json:"title,omitempty"`
	Messages       []domain.Message `json:"messages"`
	Suggestions    []string         `json:"suggestions,omitempty"`
	Starters       []string         `json:"starters,omitempty"`
	SavedAt        time.Time        `json:"savedAt"`
}

func chatKey(conversationID string) string { return "chat:" + conversationID }

// persistLocked schedules a debounced snapshot write for the held
// conversation. Bursts of mutations coalesce into the trailing write; the
// closure captures a copy of the state at scheduling time, and the last
// scheduled copy wins. Caller holds mu.
func (s *Store) persistLocked() {
	if s.snaps == nil || s.conversationID == "" {
		return
	}
	snap := chatSnapshot{
		ConversationID: s.conversationID,
		Title:          s.title,
		Messages:       append([]domain.Message(nil), s.messages...),
		Suggestions:    append([]string(nil), s.suggestions...),
		Starters:       append([]string(nil), s.starters...),
		SavedAt:        s.clock.Now(),
	}
	key := chatKey(snap.ConversationID)
	s.deb.Trigger(key, func() {
		data, err := json.Marshal(snap)
		if err != nil {
			s.met.SnapshotFailures.Inc()
			s.log.Error().Err(err).Str("key", key).Msg("encode snapshot")
			return
		}
		if err := s.snaps.Set(key, string(data)); err != nil {
			s.met.SnapshotFailures.Inc()
			s.log.Warn().Err(err).Str("key", key).Msg("write snapshot")
			return
		}
		s.met.SnapshotWrites.Inc()
	})
}

// Load synchronously restores conversationID's snapshot into the store,
// before any network fetch, so a warm cache renders instantly while a
// background refresh reconciles. It reports whether a snapshot was found.
// Corrupt snapshots are treated as absent and their key removed.
func (s *Store) Load(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = conversationID
	s.messages = nil
	s.title = ""
	s.suggestions = nil
	s.starters = nil

	if s.snaps == nil {
		return false
	}
	raw, err := s.snaps.Get(chatKey(conversationID))
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			s.met.SnapshotFailures.Inc()
			s.log.Warn().Err(err).Str("conversation", conversationID).Msg("read snapshot")
		}
		return false
	}
	var snap chatSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("corrupt snapshot, discarding")
		if err := s.snaps.Remove(chatKey(conversationID)); err != nil {
			s.met.SnapshotFailures.Inc()
		}
		return false
	}
	s.messages = s.finalize(snap.Messages)
	s.title = snap.Title
	s.suggestions = snap.Suggestions
	s.starters = snap.Starters
	return true
}
