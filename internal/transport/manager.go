package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/metrics"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// identityKey is the snapshot key the session identity persists under.
const identityKey = "identity"

// errRejoin signals that the read loop closed the connection on purpose
// (identity upgrade) and the manager should reconnect immediately so the
// new identity rides the next handshake.
var errRejoin = errors.New("transport: rejoin with upgraded identity")

// MessageStore is the slice of the message store the manager routes into.
type MessageStore interface {
	Len() int
	AddMessage(m domain.Message) bool
	UpdateSuggestions(suggestions []string)
	UpdateStarters(starters []string)
	SetUser(u domain.User)
}

// CanvasSink is the slice of the canvas engine the manager routes into.
type CanvasSink interface {
	Replace(c domain.Canvas)
	ApplyLivePatch(canvasID string, updates []domain.LineUpdate) error
}

// Options configures a Manager.
type Options struct {
	Logger    zerolog.Logger
	Dialer    Dialer
	Endpoint  string
	Store     MessageStore
	Canvas    CanvasSink
	Snapshots snapshot.Store // nil: identity not persisted
	Clock     sched.Clock    // nil: system clock
	Metrics   *metrics.Set   // nil: unregistered set

	// MaxReconnects bounds dial attempts before the failed state; <= 0: 5.
	MaxReconnects int
	// ReconnectInterval seeds the exponential backoff; <= 0: 1s.
	ReconnectInterval time.Duration
	// TypingDebounce is the decay window for typing indicators; <= 0: 500ms.
	TypingDebounce time.Duration

	// OnStatus observes status transitions. Optional.
	OnStatus func(Status)
	// OnRefetch triggers a history refetch; fired at most once per
	// conversation, on the first successful connect with an empty log.
	OnRefetch func(conversationID string)
}

// Manager owns at most one live channel at a time. Switching conversations
// fully tears the previous channel down (stopping event routing, closing
// the transport, clearing the handle) before a new dial starts, so orphaned
// sockets can never double-deliver.
type Manager struct {
	log    zerolog.Logger
	dialer Dialer
	opts   Options
	deb    *sched.Debouncer
	clock  sched.Clock
	met    *metrics.Set

	mu             sync.Mutex
	gen            int
	conversationID string
	user           domain.User
	ch             Channel
	cancel         context.CancelFunc
	status         Status
	refetched      map[string]bool
	typing         map[string]string
	tool           *domain.ToolActivity
}

// NewManager constructs a Manager and restores any persisted identity.
func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = sched.System()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 500 * time.Millisecond
	}
	m := &Manager{
		log:       opts.Logger.With().Str("component", "transport").Logger(),
		dialer:    opts.Dialer,
		opts:      opts,
		deb:       sched.NewDebouncer(opts.Clock, opts.TypingDebounce),
		clock:     opts.Clock,
		met:       opts.Metrics,
		user:      domain.AnonymousUser(),
		status:    StatusDisconnected,
		refetched: make(map[string]bool),
		typing:    make(map[string]string),
	}
	m.restoreIdentity()
	return m
}

// restoreIdentity loads the persisted session identity, if any.
func (m *Manager) restoreIdentity() {
	if m.opts.Snapshots == nil {
		return
	}
	raw, err := m.opts.Snapshots.Get(identityKey)
	if err != nil {
		return
	}
	var u domain.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		m.log.Warn().Err(err).Msg("corrupt persisted identity, discarding")
		_ = m.opts.Snapshots.Remove(identityKey)
		return
	}
	m.user = u
	if m.opts.Store != nil {
		m.opts.Store.SetUser(u)
	}
}

// SetConversation binds the manager to a conversation identity, tearing
// down any previous connection first. An empty id (or a manager without an
// endpoint) forces disconnected and prevents dialing.
func (m *Manager) SetConversation(conversationID string) {
	m.mu.Lock()
	m.teardownLocked()
	m.conversationID = conversationID
	if conversationID == "" || m.opts.Endpoint == "" || m.dialer == nil {
		m.mu.Unlock()
		m.transition(StatusDisconnected)
		return
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.transition(StatusConnecting)
	go m.run(ctx, gen, conversationID)
}

// Close tears down the live connection and stops event routing. Safe to
// call repeatedly.
func (m *Manager) Close() {
	m.mu.Lock()
	m.teardownLocked()
	m.conversationID = ""
	m.mu.Unlock()
	m.transition(StatusDisconnected)
}

// teardownLocked cancels the routing loop before closing the transport, in
// that order, then clears the handle so later re-entry never observes a
// stale connection. Caller holds mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.ch != nil {
		if err := m.ch.Close(); err != nil {
			m.log.Debug().Err(err).Msg("close channel")
		}
		m.ch = nil
	}
	for k := range m.typing {
		m.deb.Cancel("typing:" + k)
		delete(m.typing, k)
	}
	m.tool = nil
}

// run dials, joins, and routes until the generation is superseded or the
// reconnect budget is exhausted.
func (m *Manager) run(ctx context.Context, gen int, conversationID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.ReconnectInterval
	attempts := 0

	for {
		if ctx.Err() != nil || m.stale(gen) {
			return
		}
		ch, err := m.dialer.Dial(ctx, m.opts.Endpoint)
		if err == nil {
			if err = ch.Join(conversationID, m.User()); err != nil {
				_ = ch.Close()
			}
		}
		if err != nil {
			attempts++
			m.met.ReconnectAttempts.Inc()
			m.log.Warn().Err(err).Int("attempt", attempts).Msg("connect failed")
			if m.stale(gen) {
				return
			}
			if attempts >= m.opts.MaxReconnects {
				m.transition(StatusFailed)
				m.log.Error().Str("conversation", conversationID).Msg("reconnect budget exhausted")
				return
			}
			m.transition(StatusReconnecting)
			if !m.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			_ = ch.Close()
			return
		}
		m.ch = ch
		refetch := m.opts.Store != nil && m.opts.Store.Len() == 0 && !m.refetched[conversationID]
		if refetch {
			m.refetched[conversationID] = true
		}
		m.mu.Unlock()

		m.transition(StatusConnected)
		m.met.Connects.Inc()
		if refetch && m.opts.OnRefetch != nil {
			m.opts.OnRefetch(conversationID)
		}
		attempts = 0
		bo.Reset()

		err = m.readLoop(gen, conversationID, ch)
		if ctx.Err() != nil || m.stale(gen) {
			return
		}
		m.mu.Lock()
		m.ch = nil
		m.mu.Unlock()
		if errors.Is(err, errRejoin) {
			continue
		}
		m.log.Warn().Err(err).Msg("connection lost")
		m.transition(StatusError)
	}
}

// sleep waits d on the injected clock; it reports false when ctx was
// canceled first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-done:
		return true
	}
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen != m.gen
}

// readLoop routes inbound events until the channel errors or an identity
// upgrade forces a rejoin.
func (m *Manager) readLoop(gen int, conversationID string, ch Channel) error {
	for {
		ev, err := ch.Receive()
		if err != nil {
			return err
		}
		if m.stale(gen) {
			return nil
		}
		if rejoin := m.route(conversationID, ev); rejoin {
			_ = ch.Close()
			return errRejoin
		}
	}
}

// route dispatches one decoded event. It reports whether the connection
// must be re-established (identity upgrade).
func (m *Manager) route(conversationID string, ev domain.Event) bool {
	if ev.ConversationID != "" && ev.ConversationID != conversationID {
		m.log.Debug().
			Str("event", string(ev.Kind)).
			Str("conversation", ev.ConversationID).
			Msg("dropping event for inactive conversation")
		return false
	}
	m.met.EventsRouted.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case domain.EventNewMessage:
		if ev.Message != nil && m.opts.Store != nil {
			m.opts.Store.AddMessage(*ev.Message)
		}
	case domain.EventTyping:
		if ev.Typing != nil {
			m.setTyping(*ev.Typing)
		}
	case domain.EventSuggestions:
		if m.opts.Store != nil {
			m.opts.Store.UpdateSuggestions(ev.Suggestions)
		}
	case domain.EventStarters:
		if m.opts.Store != nil {
			m.opts.Store.UpdateStarters(ev.Starters)
		}
	case domain.EventToolActivity:
		m.mu.Lock()
		m.tool = ev.Tool
		m.mu.Unlock()
	case domain.EventIdentity:
		if ev.Identity != nil {
			return m.upgradeIdentity(*ev.Identity)
		}
	case domain.EventCanvasReplace:
		if ev.Canvas != nil && m.opts.Canvas != nil {
			m.opts.Canvas.Replace(*ev.Canvas)
		}
	case domain.EventCanvasPatch:
		if ev.Patch != nil && m.opts.Canvas != nil {
			if err := m.opts.Canvas.ApplyLivePatch(ev.Patch.CanvasID, ev.Patch.Updates); err != nil {
				m.log.Warn().Err(err).Str("canvas", ev.Patch.CanvasID).Msg("apply live patch")
			}
		}
	}
	return false
}

// setTyping refreshes the debounced per-user typing set: true adds or
// re-arms the decay timer, false removes immediately.
func (m *Manager) setTyping(t domain.TypingState) {
	key := "typing:" + t.UserID
	m.mu.Lock()
	if t.IsTyping {
		m.typing[t.UserID] = t.Name
		m.mu.Unlock()
		m.deb.Trigger(key, func() {
			m.mu.Lock()
			delete(m.typing, t.UserID)
			m.mu.Unlock()
		})
		return
	}
	delete(m.typing, t.UserID)
	m.mu.Unlock()
	m.deb.Cancel(key)
}

// upgradeIdentity replaces the session identity with the resolved upgrade
// and persists it; the caller then closes the channel so the next handshake
// carries the new identity. Incomplete payloads revert to anonymous and
// clear the persisted copy.
func (m *Manager) upgradeIdentity(iu domain.IdentityUpgrade) bool {
	if !iu.Complete() {
		m.log.Warn().Msg("incomplete identity upgrade, reverting to anonymous")
		anon := domain.AnonymousUser()
		m.mu.Lock()
		m.user = anon
		m.mu.Unlock()
		if m.opts.Snapshots != nil {
			_ = m.opts.Snapshots.Remove(identityKey)
		}
		if m.opts.Store != nil {
			m.opts.Store.SetUser(anon)
		}
		return false
	}
	u := iu.Resolve()
	u.Anonymous = false
	m.mu.Lock()
	m.user = u
	m.mu.Unlock()
	if m.opts.Snapshots != nil {
		if data, err := json.Marshal(u); err == nil {
			if err := m.opts.Snapshots.Set(identityKey, string(data)); err != nil {
				m.log.Warn().Err(err).Msg("persist identity")
			}
		}
	}
	if m.opts.Store != nil {
		m.opts.Store.SetUser(u)
	}
	m.log.Info().Str("user", u.ID).Msg("identity upgraded, reconnecting")
	return true
}

// transition publishes a status change.
func (m *Manager) transition(st Status) {
	m.mu.Lock()
	if m.status == st {
		m.mu.Unlock()
		return
	}
	m.status = st
	cb := m.opts.OnStatus
	m.mu.Unlock()
	m.log.Debug().Stringer("status", st).Msg("status change")
	if cb != nil {
		cb(st)
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ConversationID returns the bound conversation ("" when idle).
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// User returns the current session identity.
func (m *Manager) User() domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// TypingUsers returns the ids of users currently typing, sorted for stable
// rendering.
func (m *Manager) TypingUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.typing))
	for id := range m.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ToolActivity returns the most recent tool-activity event, if any.
func (m *Manager) ToolActivity() *domain.ToolActivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tool == nil {
		return nil
	}
	t := *m.tool
	return &t
}
