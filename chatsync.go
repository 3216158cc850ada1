// Package chatsync is the client-side synchronization core of a real-time
// chat widget. It keeps a local view of a conversation consistent across
// three concurrent, unreliable sources — a request/response history API, a
// push-based live channel, and locally persisted state — while the user
// composes messages and collaborates on shared canvas documents.
//
// The package wires three components together:
//
//   - the message store: an ordered, deduplicated, size-bounded log with
//     idempotent merging and debounced persistence;
//   - the transport session manager: the lifecycle of the single live
//     connection per conversation, with bounded reconnection;
//   - the canvas patch engine: line-addressed partial edits with fuzzy
//     fallback matching when line numbers have drifted.
//
// Embedders supply the history/send API clients and receive a Session
// exposing the composed surface.
package chatsync

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/canvas"
	"github.com/openwidget/chat-sync-core/internal/config"
	"github.com/openwidget/chat-sync-core/internal/dedup"
	"github.com/openwidget/chat-sync-core/internal/metrics"
	"github.com/openwidget/chat-sync-core/internal/sched"
	"github.com/openwidget/chat-sync-core/internal/session"
	"github.com/openwidget/chat-sync-core/internal/snapshot"
	"github.com/openwidget/chat-sync-core/internal/store"
	"github.com/openwidget/chat-sync-core/internal/transport"
)

// Deps are the external collaborators a Session needs. History and Sender
// own HTTP plumbing, endpoints, and authentication; Dialer defaults to the
// WebSocket dialer when nil.
type Deps struct {
	Logger     zerolog.Logger
	History    session.HistoryFetcher
	Sender     session.Sender
	Dialer     transport.Dialer
	Registerer prometheus.Registerer // nil: metrics not exported
	Clock      sched.Clock           // nil: system clock
	Snapshots  snapshot.Store        // nil: built from cfg.SnapshotBackend
}

// Session is one composed widget session.
type Session struct {
	Store      *store.Store
	Canvas     *canvas.Engine
	Manager    *transport.Manager
	Controller *session.Controller
}

// New builds a Session from cfg and deps.
func New(cfg config.Config, deps Deps) (*Session, error) {
	clock := deps.Clock
	if clock == nil {
		clock = sched.System()
	}
	met := metrics.New(deps.Registerer)

	snaps := deps.Snapshots
	if snaps == nil {
		var err error
		if snaps, err = openSnapshots(cfg); err != nil {
			return nil, fmt.Errorf("chatsync: open snapshot store: %w", err)
		}
	}

	st := store.New(store.Options{
		Logger:    deps.Logger,
		Snapshots: snaps,
		Clock:     clock,
		Policy: dedup.Policy{
			LocalWindow:  cfg.LocalDupWindow,
			RemoteWindow: cfg.RemoteDupWindow,
		},
		Cap:      cfg.MessageCap,
		Debounce: sched.NewDebouncer(clock, cfg.PersistDebounce),
		Metrics:  met,
	})
	cv := canvas.New(canvas.Options{
		Logger:       deps.Logger,
		Snapshots:    snaps,
		Clock:        clock,
		Debounce:     sched.NewDebouncer(clock, cfg.PersistDebounce),
		Metrics:      met,
		HistoryDepth: cfg.CanvasHistoryDepth,
		SearchRadius: cfg.CanvasSearchRadius,
	})

	dialer := deps.Dialer
	if dialer == nil {
		dialer = &transport.WSDialer{Logger: deps.Logger}
	}

	// The refetch hook closes over the controller, which is built after the
	// manager; no connection can exist before New returns.
	var ctrl *session.Controller
	mgr := transport.NewManager(transport.Options{
		Logger:            deps.Logger,
		Dialer:            dialer,
		Endpoint:          cfg.Endpoint,
		Store:             st,
		Canvas:            cv,
		Snapshots:         snaps,
		Clock:             clock,
		Metrics:           met,
		MaxReconnects:     cfg.MaxReconnects,
		ReconnectInterval: cfg.ReconnectInterval,
		TypingDebounce:    cfg.TypingDebounce,
		OnRefetch: func(conversationID string) {
			if ctrl != nil {
				_ = ctrl.Refresh(context.Background(), conversationID)
			}
		},
	})

	ctrl = session.New(session.Options{
		Logger:       deps.Logger,
		Store:        st,
		Canvas:       cv,
		Manager:      mgr,
		History:      deps.History,
		Sender:       deps.Sender,
		Snapshots:    snaps,
		Clock:        clock,
		HistoryRPS:   cfg.HistoryRPS,
		HistoryBurst: cfg.HistoryBurst,
	})

	return &Session{Store: st, Canvas: cv, Manager: mgr, Controller: ctrl}, nil
}

// openSnapshots builds the configured snapshot backend.
func openSnapshots(cfg config.Config) (snapshot.Store, error) {
	switch cfg.SnapshotBackend {
	case config.BackendSQLite:
		return snapshot.OpenSQLite(cfg.DBPath)
	case config.BackendRedis:
		return snapshot.OpenRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
	default:
		return snapshot.NewMemory(), nil
	}
}
