// Package session composes the message store, canvas engine, and transport
// manager into the single surface a UI layer drives: conversation selection,
// optimistic send, history refresh, and reset/logout. The heavy lifting
// lives in the composed components; the controller contributes conversation
// switching semantics (warm-cache load, cancellation of stale fetches) and
// the history-fetch throttle.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openwidget/chat-sync-core/internal/canvas"
	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
	"github.com/openwidget/chat-sync-core/internal/store"
	"github.com/openwidget/chat-sync-core/internal/transport"
)

// ErrRateLimited is surfaced when a history refresh is throttled. The
// loading flag is cleared and the held log left untouched; the UI may show
// the condition to the user.
var ErrRateLimited = errors.New("session: history fetch rate limited")

// HistoryResult is the history API response the controller consumes: the
// ordered message list plus the server's view of the current user for this
// conversation (keeps IsSent computation consistent with the server).
type HistoryResult struct {
	Messages []domain.Message
	User     *domain.User
}

// HistoryFetcher is the request/response history API. Implementations own
// endpoints, authentication, and wire format; non-2xx and non-JSON bodies
// must surface as errors, not panics.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) (HistoryResult, error)
}

// Sender is the outbound send API. The request carries the recent message
// window plus the new message; the response echo is optional since the push
// channel is the source of truth for id reconciliation.
type Sender interface {
	SendMessage(ctx context.Context, conversationID string, window []domain.Message, m domain.Message) error
}

// Options configures a Controller.
type Options struct {
	Logger    zerolog.Logger
	Store     *store.Store
	Canvas    *canvas.Engine
	Manager   *transport.Manager
	History   HistoryFetcher
	Sender    Sender
	Snapshots snapshot.Store
	Clock     sched.Clock

	// HistoryRPS / HistoryBurst throttle refetches; RPS <= 0 disables the
	// throttle.
	HistoryRPS   float64
	HistoryBurst int

	// SendWindow is how many recent messages accompany a send; <= 0: 10.
	SendWindow int
}

// Controller drives one widget session.
type Controller struct {
	log     zerolog.Logger
	store   *store.Store
	canvas  *canvas.Engine
	manager *transport.Manager
	history HistoryFetcher
	sender  Sender
	snaps   snapshot.Store
	clock   sched.Clock
	limiter *rate.Limiter
	window  int
}

// New constructs a Controller from opts.
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = sched.System()
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = 10
	}
	var limiter *rate.Limiter
	if opts.HistoryRPS > 0 {
		burst := opts.HistoryBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.HistoryRPS), burst)
	}
	return &Controller{
		log:     opts.Logger.With().Str("component", "session").Logger(),
		store:   opts.Store,
		canvas:  opts.Canvas,
		manager: opts.Manager,
		history: opts.History,
		sender:  opts.Sender,
		snaps:   opts.Snapshots,
		clock:   opts.Clock,
		limiter: limiter,
		window:  opts.SendWindow,
	}
}

// Select switches the session to conversationID: the persisted snapshot is
// loaded synchronously so a warm cache renders instantly, the live channel
// is rebound (tearing the previous one down), and a background-style
// refresh reconciles against the history API.
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	warm := c.store.Load(conversationID)
	c.canvas.Restore()
	c.manager.SetConversation(conversationID)
	c.log.Info().Str("conversation", conversationID).Bool("warm", warm).Msg("conversation selected")
	return c.Refresh(ctx, conversationID)
}

// Refresh fetches history for conversationID and merges it into the store.
// A result arriving after the session moved on to another conversation is
// discarded, preventing cross-conversation message leakage. Throttled
// refreshes return ErrRateLimited with the log untouched.
func (c *Controller) Refresh(ctx context.Context, conversationID string) error {
	if c.history == nil {
		return nil
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.store.SetLoading(false)
		c.log.Warn().Str("conversation", conversationID).Msg("history fetch throttled")
		return ErrRateLimited
	}
	c.store.SetLoading(true)
	res, err := c.history.FetchHistory(ctx, conversationID)

	// The conversation may have changed while the fetch was in flight.
	if c.store.ConversationID() != conversationID {
		c.log.Debug().Str("conversation", conversationID).Msg("discarding stale history result")
		return nil
	}
	c.store.SetLoading(false)
	if err != nil {
		c.log.Warn().Err(err).Str("conversation", conversationID).Msg("history fetch failed")
		return nil
	}
	if res.User != nil {
		c.store.SetUser(*res.User)
	}
	c.store.SetMessages(conversationID, res.Messages, false)
	return nil
}

// Send appends an optimistic message to the log and dispatches it. The
// network call is fire-and-forget: failures are logged, and reconciliation
// with the server copy happens through the push channel.
func (c *Controller) Send(ctx context.Context, text string) (domain.Message, error) {
	conversationID := c.store.ConversationID()
	if conversationID == "" {
		return domain.Message{}, fmt.Errorf("session: no conversation selected")
	}
	window := c.store.Messages()
	if len(window) > c.window {
		window = window[len(window)-c.window:]
	}
	m := domain.Message{
		ID:             domain.NewTempID(),
		ConversationID: conversationID,
		Text:           text,
		CreatedAt:      c.clock.Now(),
		LocallyCreated: true,
		Author:         c.store.User().AsAuthor(),
	}
	if !c.store.AddMessage(m) {
		// Rapid duplicate submission; nothing to dispatch.
		return m, nil
	}
	if c.sender != nil {
		go func() {
			if err := c.sender.SendMessage(ctx, conversationID, window, m); err != nil {
				c.log.Warn().Err(err).Str("conversation", conversationID).Msg("send failed")
			}
		}()
	}
	return m, nil
}

// Reset clears the active conversation's state and persisted snapshot and
// disconnects the live channel.
func (c *Controller) Reset() {
	conversationID := c.store.ConversationID()
	c.manager.Close()
	if conversationID != "" {
		c.store.ResetChat(conversationID)
	}
}

// Logout resets the conversation and reverts the session identity to
// anonymous, clearing the persisted copy.
func (c *Controller) Logout() {
	c.Reset()
	if c.snaps != nil {
		if err := c.snaps.Remove("identity"); err != nil {
			c.log.Warn().Err(err).Msg("clear persisted identity")
		}
	}
	c.store.SetUser(domain.AnonymousUser())
}
