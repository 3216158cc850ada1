// Package store implements the Message Store: the canonical, deduplicated,
// ordered message log plus session metadata (title, suggestions, starters,
// loading flag) for the active conversation. Every mutation goes through the
// dedup policy, keeps the log ascending by creation time, enforces the size
// cap with FIFO eviction, and schedules a debounced snapshot write.
//
// Merges are idempotent: replaying the same batch or event leaves the log
// unchanged, which is what makes racing API-response and push delivery of
// the same message converge to a single entry.
package store

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/dedup"
	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/metrics"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// Options configures a Store. Zero fields get usable defaults.
type Options struct {
	Logger    zerolog.Logger
	Snapshots snapshot.Store // nil: in-memory only
	Clock     sched.Clock    // nil: system clock
	Policy    dedup.Policy   // zero: dedup.Default()
	Cap       int            // <= 0: 50
	Debounce  *sched.Debouncer
	Metrics   *metrics.Set // nil: unregistered set
	User      domain.User  // zero: anonymous
}

// Store holds the state of one conversation. All methods are safe for
// concurrent use; interleaved event sources (push, fetch, user actions)
// serialize on the internal mutex.
type Store struct {
	log    zerolog.Logger
	snaps  snapshot.Store
	deb    *sched.Debouncer
	clock  sched.Clock
	policy dedup.Policy
	cap    int
	met    *metrics.Set

	mu             sync.Mutex
	user           domain.User
	conversationID string
	messages       []domain.Message
	title          string
	suggestions    []string
	starters       []string
	loading        bool
}

// New constructs a Store from opts.
func New(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = sched.System()
	}
	if opts.Policy == (dedup.Policy{}) {
		opts.Policy = dedup.Default()
	}
	if opts.Cap <= 0 {
		opts.Cap = 50
	}
	if opts.Debounce == nil {
		opts.Debounce = sched.NewDebouncer(opts.Clock, 0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.User == (domain.User{}) {
		opts.User = domain.AnonymousUser()
	}
	return &Store{
		log:    opts.Logger.With().Str("component", "store").Logger(),
		snaps:  opts.Snapshots,
		deb:    opts.Debounce,
		clock:  opts.Clock,
		policy: opts.Policy,
		cap:    opts.Cap,
		met:    opts.Metrics,
		user:   opts.User,
	}
}

// SetMessages bulk-replaces or merges a batch for conversationID.
//
// Semantics:
//   - reset true: unconditional replace (conversation switch, explicit
//     history refetch).
//   - batch for a different conversation than currently held: treated as the
//     new conversation's content (switch).
//   - otherwise: merge. Non-temporary incoming messages replace temporary
//     placeholders with the same text and author (the IsSent flag survives
//     if either copy had it); placeholders without a counterpart are kept;
//     held messages absent from the batch are kept so pushes that raced the
//     fetch are not lost.
//
// The result is sorted ascending by CreatedAt and truncated to the cap.
func (s *Store) SetMessages(conversationID string, msgs []domain.Message, reset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switching := s.conversationID != "" && s.conversationID != conversationID
	if reset || switching || s.conversationID == "" {
		s.conversationID = conversationID
		s.messages = s.finalize(msgs)
		s.persistLocked()
		return
	}
	s.messages = s.finalize(s.merge(msgs))
	s.persistLocked()
}

// merge folds the incoming batch over the held log. Caller holds mu.
func (s *Store) merge(incoming []domain.Message) []domain.Message {
	byID := make(map[string]int, len(incoming))
	merged := make([]domain.Message, len(incoming))
	copy(merged, incoming)
	for i, m := range merged {
		byID[m.ID] = i
	}

	for _, held := range s.messages {
		if i, ok := byID[held.ID]; ok {
			if held.IsSent {
				merged[i].IsSent = true
			}
			continue
		}
		if held.Temporary() {
			if i := matchPlaceholder(held, merged); i >= 0 {
				if held.IsSent {
					merged[i].IsSent = true
				}
				s.met.PlaceholderReplacements.Inc()
				continue
			}
		}
		merged = append(merged, held)
	}
	return merged
}

// matchPlaceholder finds the non-temporary counterpart of a local
// placeholder in batch, or -1.
func matchPlaceholder(placeholder domain.Message, batch []domain.Message) int {
	for i, m := range batch {
		if m.Temporary() {
			continue
		}
		if dedup.SameText(m.Text, placeholder.Text) && sameDisplayAuthor(m.Author, placeholder.Author) {
			return i
		}
	}
	return -1
}

func sameDisplayAuthor(a, b *domain.Author) bool {
	if a.Anonymous() && b.Anonymous() {
		return true
	}
	return a != nil && b != nil && a.ID == b.ID
}

// AddMessage admits a single message through the dedup policy. It reports
// whether the log changed (admitted or replaced).
func (s *Store) AddMessage(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.IsSent = m.IsSentFor(s.user)
	d := s.policy.Evaluate(m, s.messages)
	switch d.Op {
	case dedup.Reject:
		scope := "remote"
		if m.Temporary() {
			scope = "local"
		}
		s.met.DuplicatesSuppressed.WithLabelValues(scope).Inc()
		s.log.Debug().Str("id", m.ID).Str("scope", scope).Msg("duplicate suppressed")
		return false
	case dedup.Replace:
		if d.CarrySent {
			m.IsSent = true
		}
		s.messages[d.Index] = m
		s.met.PlaceholderReplacements.Inc()
	default:
		s.messages = append(s.messages, m)
		s.met.MessagesAdmitted.Inc()
	}
	s.messages = s.finalize(s.messages)
	s.persistLocked()
	return true
}

// UpdateMessage replaces the held message with the same id, preserving
// fields the update leaves unset, or appends when the id is unknown. It is
// never rejected as a duplicate.
func (s *Store) UpdateMessage(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, held := range s.messages {
		if held.ID != m.ID {
			continue
		}
		if m.Text == "" {
			m.Text = held.Text
		}
		if m.Author == nil {
			m.Author = held.Author
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = held.CreatedAt
		}
		if m.ConversationID == "" {
			m.ConversationID = held.ConversationID
		}
		m.IsSent = m.IsSentFor(s.user)
		s.messages[i] = m
		s.messages = s.finalize(s.messages)
		s.persistLocked()
		return
	}
	m.IsSent = m.IsSentFor(s.user)
	s.messages = s.finalize(append(s.messages, m))
	s.persistLocked()
}

// ResetChat clears the log and metadata for conversationID and removes its
// persisted snapshot.
func (s *Store) ResetChat(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deb.Cancel(chatKey(conversationID))
	if s.snaps != nil {
		if err := s.snaps.Remove(chatKey(conversationID)); err != nil {
			s.met.SnapshotFailures.Inc()
			s.log.Warn().Err(err).Str("conversation", conversationID).Msg("remove snapshot")
		}
	}
	if s.conversationID == conversationID {
		s.conversationID = ""
		s.messages = nil
		s.title = ""
		s.suggestions = nil
		s.starters = nil
		s.loading = false
	}
}

// UpdateTitle sets the conversation title.
func (s *Store) UpdateTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	s.persistLocked()
}

// UpdateSuggestions sets the reply suggestions.
func (s *Store) UpdateSuggestions(suggestions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = append([]string(nil), suggestions...)
	s.persistLocked()
}

// UpdateStarters sets the conversation starters.
func (s *Store) UpdateStarters(starters []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starters = append([]string(nil), starters...)
	s.persistLocked()
}

// SetLoading sets the in-flight flag. Metadata only; never persisted.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// SetUser replaces the current-user identity (identity upgrade) and
// recomputes attribution for the held log.
func (s *Store) SetUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
	for i := range s.messages {
		s.messages[i].IsSent = s.messages[i].IsSentFor(u)
	}
	s.persistLocked()
}

// User returns the current-user identity.
func (s *Store) User() domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// finalize sorts ascending by CreatedAt and enforces the cap, evicting from
// the head. Caller holds mu.
func (s *Store) finalize(msgs []domain.Message) []domain.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	if over := len(msgs) - s.cap; over > 0 {
		s.met.MessagesEvicted.Add(float64(over))
		msgs = append([]domain.Message(nil), msgs[over:]...)
	}
	return msgs
}

// Messages returns a copy of the log.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.messages...)
}

// Len returns the log length.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ConversationID returns the conversation the store currently holds.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Title returns the conversation title.
func (s *Store) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// Suggestions returns a copy of the reply suggestions.
func (s *Store) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.suggestions...)
}

// Starters returns a copy of the conversation starters.
func (s *Store) Starters() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.starters...)
}

// Loading returns the in-flight flag.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}
