package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
)

// fakeChannel is a scriptable Channel: tests push events into it and close it
// to simulate a dropped connection.
type fakeChannel struct {
	mu     sync.Mutex
	conv   string
	user   domain.User
	events chan domain.Event
	closed chan struct{}
	once   sync.Once
	joinCh chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan domain.Event, 16),
		closed: make(chan struct{}),
		joinCh: make(chan struct{}, 4),
	}
}

func (c *fakeChannel) Join(conversationID string, u domain.User) error {
	c.mu.Lock()
	c.conv = conversationID
	c.user = u
	c.mu.Unlock()
	select {
	case c.joinCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeChannel) Receive() (domain.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return domain.Event{}, errors.New("channel closed")
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) joinedConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv
}

func (c *fakeChannel) joinedUser() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

// fakeDialer hands out queued channels in order and fails once the queue is
// drained.
type fakeDialer struct {
	mu    sync.Mutex
	queue []*fakeChannel
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("dial refused")
	}
	ch := d.queue[0]
	d.queue = d.queue[1:]
	return ch, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeStore struct {
	mu          sync.Mutex
	length      int
	added       []domain.Message
	suggestions []string
	starters    []string
	users       []domain.User
}

func (s *fakeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

func (s *fakeStore) AddMessage(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, m)
	return true
}

func (s *fakeStore) UpdateSuggestions(suggestions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = suggestions
}

func (s *fakeStore) UpdateStarters(starters []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starters = starters
}

func (s *fakeStore) SetUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, u)
}

func (s *fakeStore) addedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.added))
	for _, m := range s.added {
		out = append(out, m.ID)
	}
	return out
}

func (s *fakeStore) lastUser() (domain.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) == 0 {
		return domain.User{}, false
	}
	return s.users[len(s.users)-1], true
}

type fakeCanvas struct {
	mu       sync.Mutex
	replaced []domain.Canvas
	patches  []domain.CanvasPatch
}

func (c *fakeCanvas) Replace(cv domain.Canvas) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, cv)
}

func (c *fakeCanvas) ApplyLivePatch(canvasID string, updates []domain.LineUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches = append(c.patches, domain.CanvasPatch{CanvasID: canvasID, Updates: updates})
	return nil
}

// statusLog records transitions from OnStatus so tests can block on them.
type statusLog struct {
	ch chan Status
}

func newStatusLog() *statusLog {
	return &statusLog{ch: make(chan Status, 32)}
}

func (s *statusLog) cb(st Status) { s.ch <- st }

// wait consumes transitions until want is observed.
func (s *statusLog) wait(t *testing.T, want Status) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-s.ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSetConversation_EmptyIDStaysDisconnected(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(Options{
		Logger:   zerolog.Nop(),
		Dialer:   dialer,
		Endpoint: "wss://example.test/sync",
	})
	defer m.Close()

	m.SetConversation("")
	if m.Status() != StatusDisconnected {
		t.Fatalf("Status = %v; want Disconnected", m.Status())
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("dials = %d; want 0", dialer.dialCount())
	}
}

func TestConnect_JoinsAndRefetchesOnce(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	dialer := &fakeDialer{queue: []*fakeChannel{ch1, ch2}}
	store := &fakeStore{}
	statuses := newStatusLog()
	refetches := make(chan string, 4)

	m := NewManager(Options{
		Logger:            zerolog.Nop(),
		Dialer:            dialer,
		Endpoint:          "wss://example.test/sync",
		Store:             store,
		ReconnectInterval: time.Millisecond,
		OnStatus:          statuses.cb,
		OnRefetch:         func(id string) { refetches <- id },
	})
	defer m.Close()

	m.SetConversation("c1")
	statuses.wait(t, StatusConnected)

	if got := ch1.joinedConversation(); got != "c1" {
		t.Fatalf("joined conversation = %q; want c1", got)
	}
	select {
	case id := <-refetches:
		if id != "c1" {
			t.Fatalf("refetch for %q; want c1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no refetch on first connect with empty log")
	}

	// Drop the connection: the manager reconnects but must not refetch the
	// same conversation twice.
	ch1.Close()
	statuses.wait(t, StatusError)
	statuses.wait(t, StatusConnected)
	waitSignal(t, ch2.joinCh, "rejoin after drop")

	select {
	case id := <-refetches:
		t.Fatalf("unexpected second refetch for %q", id)
	default:
	}
}

func TestSetConversation_SwitchClosesPreviousChannel(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	dialer := &fakeDialer{queue: []*fakeChannel{ch1, ch2}}
	statuses := newStatusLog()

	m := NewManager(Options{
		Logger:            zerolog.Nop(),
		Dialer:            dialer,
		Endpoint:          "wss://example.test/sync",
		ReconnectInterval: time.Millisecond,
		OnStatus:          statuses.cb,
	})
	defer m.Close()

	m.SetConversation("c1")
	waitSignal(t, ch1.joinCh, "first join")

	m.SetConversation("c2")
	waitSignal(t, ch2.joinCh, "second join")

	if !ch1.isClosed() {
		t.Fatal("previous channel left open after switch")
	}
	if got := ch2.joinedConversation(); got != "c2" {
		t.Fatalf("joined conversation = %q; want c2", got)
	}
	if m.ConversationID() != "c2" {
		t.Fatalf("ConversationID = %q; want c2", m.ConversationID())
	}
}

func TestRun_ReconnectBudgetExhausted(t *testing.T) {
	dialer := &fakeDialer{} // empty queue: every dial fails
	statuses := newStatusLog()

	m := NewManager(Options{
		Logger:            zerolog.Nop(),
		Dialer:            dialer,
		Endpoint:          "wss://example.test/sync",
		MaxReconnects:     3,
		ReconnectInterval: time.Millisecond,
		OnStatus:          statuses.cb,
	})
	defer m.Close()

	m.SetConversation("c1")
	statuses.wait(t, StatusFailed)

	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("dials = %d; want 3", got)
	}
}

func TestIdentityUpgrade_RejoinCarriesNewIdentity(t *testing.T) {
	ch1 := newFakeChannel()
	ch2 := newFakeChannel()
	dialer := &fakeDialer{queue: []*fakeChannel{ch1, ch2}}
	store := &fakeStore{}
	snaps := snapshot.NewMemory()
	statuses := newStatusLog()

	m := NewManager(Options{
		Logger:            zerolog.Nop(),
		Dialer:            dialer,
		Endpoint:          "wss://example.test/sync",
		Store:             store,
		Snapshots:         snaps,
		ReconnectInterval: time.Millisecond,
		OnStatus:          statuses.cb,
	})
	defer m.Close()

	m.SetConversation("c1")
	waitSignal(t, ch1.joinCh, "first join")
	if u := ch1.joinedUser(); !u.Anonymous {
		t.Fatalf("first join user = %+v; want anonymous", u)
	}

	ch1.events <- domain.Event{
		Kind:     domain.EventIdentity,
		Identity: &domain.IdentityUpgrade{User: domain.User{ID: "u9", Email: "nine@example.com"}},
	}
	waitSignal(t, ch2.joinCh, "rejoin after upgrade")

	u := ch2.joinedUser()
	if u.ID != "u9" || u.Anonymous {
		t.Fatalf("rejoin user = %+v; want upgraded u9", u)
	}
	if !ch1.isClosed() {
		t.Fatal("pre-upgrade channel left open")
	}
	raw, err := snaps.Get("identity")
	if err != nil || !strings.Contains(raw, "u9") {
		t.Fatalf("persisted identity = %q, %v", raw, err)
	}
	if got, ok := store.lastUser(); !ok || got.ID != "u9" {
		t.Fatalf("store user = %+v, %v; want u9", got, ok)
	}
}

func TestRoute_DropsForeignConversation(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(Options{Logger: zerolog.Nop(), Store: store})

	m.route("c1", domain.Event{
		Kind:           domain.EventNewMessage,
		ConversationID: "c2",
		Message:        &domain.Message{ID: "srv-1", ConversationID: "c2"},
	})
	if ids := store.addedIDs(); len(ids) != 0 {
		t.Fatalf("foreign message routed: %v", ids)
	}
}

func TestRoute_DispatchesByKind(t *testing.T) {
	store := &fakeStore{}
	canvas := &fakeCanvas{}
	m := NewManager(Options{Logger: zerolog.Nop(), Store: store, Canvas: canvas})

	m.route("c1", domain.Event{
		Kind:           domain.EventNewMessage,
		ConversationID: "c1",
		Message:        &domain.Message{ID: "srv-1"},
	})
	m.route("c1", domain.Event{Kind: domain.EventSuggestions, Suggestions: []string{"a", "b"}})
	m.route("c1", domain.Event{Kind: domain.EventStarters, Starters: []string{"hi"}})
	m.route("c1", domain.Event{Kind: domain.EventToolActivity, Tool: &domain.ToolActivity{Tool: "search", Status: "running"}})
	m.route("c1", domain.Event{Kind: domain.EventCanvasReplace, Canvas: &domain.Canvas{ID: "cv1", Content: "a"}})
	m.route("c1", domain.Event{
		Kind:  domain.EventCanvasPatch,
		Patch: &domain.CanvasPatch{CanvasID: "cv1", Updates: []domain.LineUpdate{{LineNumber: 0, NewContent: "b"}}},
	})

	if ids := store.addedIDs(); len(ids) != 1 || ids[0] != "srv-1" {
		t.Fatalf("added = %v", ids)
	}
	store.mu.Lock()
	if len(store.suggestions) != 2 || len(store.starters) != 1 {
		t.Fatalf("suggestions = %v, starters = %v", store.suggestions, store.starters)
	}
	store.mu.Unlock()
	if ta := m.ToolActivity(); ta == nil || ta.Tool != "search" {
		t.Fatalf("ToolActivity = %+v", ta)
	}
	canvas.mu.Lock()
	defer canvas.mu.Unlock()
	if len(canvas.replaced) != 1 || canvas.replaced[0].ID != "cv1" {
		t.Fatalf("replaced = %+v", canvas.replaced)
	}
	if len(canvas.patches) != 1 || canvas.patches[0].CanvasID != "cv1" {
		t.Fatalf("patches = %+v", canvas.patches)
	}
}

func TestTyping_DebouncedDecay(t *testing.T) {
	clock := sched.NewSimClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(Options{
		Logger:         zerolog.Nop(),
		Clock:          clock,
		TypingDebounce: 500 * time.Millisecond,
	})

	m.setTyping(domain.TypingState{UserID: "u1", Name: "One", IsTyping: true})
	m.setTyping(domain.TypingState{UserID: "u2", Name: "Two", IsTyping: true})
	if got := m.TypingUsers(); len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("TypingUsers = %v; want sorted [u1 u2]", got)
	}

	// A repeat signal re-arms the decay timer.
	clock.Advance(400 * time.Millisecond)
	m.setTyping(domain.TypingState{UserID: "u1", IsTyping: true})
	clock.Advance(400 * time.Millisecond)
	if got := m.TypingUsers(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("TypingUsers = %v; want [u1] after u2 decayed", got)
	}

	clock.Advance(100 * time.Millisecond)
	if got := m.TypingUsers(); len(got) != 0 {
		t.Fatalf("TypingUsers = %v; want empty after decay", got)
	}

	// An explicit stop removes immediately.
	m.setTyping(domain.TypingState{UserID: "u3", IsTyping: true})
	m.setTyping(domain.TypingState{UserID: "u3", IsTyping: false})
	if got := m.TypingUsers(); len(got) != 0 {
		t.Fatalf("TypingUsers = %v; want empty after explicit stop", got)
	}
}

func TestUpgradeIdentity_IncompleteRevertsToAnonymous(t *testing.T) {
	store := &fakeStore{}
	snaps := snapshot.NewMemory()
	if err := snaps.Set("identity", `{"id":"u1","email":"one@example.com"}`); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Options{Logger: zerolog.Nop(), Store: store, Snapshots: snaps})
	if m.User().ID != "u1" {
		t.Fatalf("restored user = %+v; want u1", m.User())
	}

	if rejoin := m.upgradeIdentity(domain.IdentityUpgrade{User: domain.User{ID: "u2"}}); rejoin {
		t.Fatal("incomplete upgrade requested a rejoin")
	}
	if !m.User().Anonymous {
		t.Fatalf("user = %+v; want anonymous after incomplete upgrade", m.User())
	}
	if _, err := snaps.Get("identity"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("persisted identity not cleared: %v", err)
	}
	if got, ok := store.lastUser(); !ok || !got.Anonymous {
		t.Fatalf("store user = %+v, %v; want anonymous", got, ok)
	}
}

func TestNewManager_CorruptIdentityDiscarded(t *testing.T) {
	snaps := snapshot.NewMemory()
	if err := snaps.Set("identity", "{not json"); err != nil {
		t.Fatal(err)
	}

	m := NewManager(Options{Logger: zerolog.Nop(), Snapshots: snaps})
	if !m.User().Anonymous {
		t.Fatalf("user = %+v; want anonymous", m.User())
	}
	if _, err := snaps.Get("identity"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("corrupt identity not removed: %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	ch1 := newFakeChannel()
	dialer := &fakeDialer{queue: []*fakeChannel{ch1}}
	statuses := newStatusLog()

	m := NewManager(Options{
		Logger:            zerolog.Nop(),
		Dialer:            dialer,
		Endpoint:          "wss://example.test/sync",
		ReconnectInterval: time.Millisecond,
		OnStatus:          statuses.cb,
	})

	m.SetConversation("c1")
	statuses.wait(t, StatusConnected)

	m.Close()
	m.Close()
	if m.Status() != StatusDisconnected {
		t.Fatalf("Status = %v; want Disconnected", m.Status())
	}
	if !ch1.isClosed() {
		t.Fatal("channel left open after Close")
	}
	if m.ConversationID() != "" {
		t.Fatalf("ConversationID = %q; want empty", m.ConversationID())
	}
}
