package chatsync

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openwidget/chat-sync-core/internal/config"
	"github.com/openwidget/chat-sync-core/internal/domain"
	"github.com/openwidget/chat-sync-core/internal/session"
	"github.com/openwidget/chat-sync-core/internal/transport"
)

type stubHistory struct {
	msgs []domain.Message
}

func (h *stubHistory) FetchHistory(ctx context.Context, conversationID string) (session.HistoryResult, error) {
	return session.HistoryResult{Messages: h.msgs}, nil
}

func baseConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func TestNew_WiresSessionWithMemoryBackend(t *testing.T) {
	history := &stubHistory{msgs: []domain.Message{
		{ID: "srv-1", ConversationID: "c1", Text: "hello"},
	}}

	s, err := New(baseConfig(), Deps{
		Logger:  zerolog.Nop(),
		History: history,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Store == nil || s.Canvas == nil || s.Manager == nil || s.Controller == nil {
		t.Fatalf("incomplete session: %+v", s)
	}
	if s.Manager.Status() != transport.StatusDisconnected {
		t.Fatalf("Status = %v; want Disconnected before any selection", s.Manager.Status())
	}

	// No endpoint configured: selection loads history but never dials.
	if err := s.Controller.Select(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if s.Store.Len() != 1 {
		t.Fatalf("Len = %d; want 1", s.Store.Len())
	}
	if s.Manager.Status() != transport.StatusDisconnected {
		t.Fatalf("Status = %v; want Disconnected without an endpoint", s.Manager.Status())
	}
}

func TestNew_MetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(baseConfig(), Deps{Logger: zerolog.Nop(), Registerer: reg}); err != nil {
		t.Fatalf("New: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("no collectors registered")
	}
}
