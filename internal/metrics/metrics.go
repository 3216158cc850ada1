// Package metrics exposes Prometheus instrumentation for the sync engine.
// Collectors are created against an injected Registerer instead of the
// default registry, so embedders control exposure and tests can assert on
// isolated registries. Label sets are kept small and closed to bound
// cardinality:
//
//   - scope:    local | remote (which suppression window fired)
//   - strategy: exact | offset | window | append | clamp (patch match path)
//   - kind:     live-channel event kind
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every collector the engine records into.
type Set struct {
	// MessagesAdmitted counts messages appended to the log.
	MessagesAdmitted prometheus.Counter
	// DuplicatesSuppressed counts rejected duplicates by suppression scope.
	DuplicatesSuppressed *prometheus.CounterVec
	// PlaceholderReplacements counts optimistic placeholders reconciled
	// with their server copy.
	PlaceholderReplacements prometheus.Counter
	// MessagesEvicted counts messages dropped by the log cap.
	MessagesEvicted prometheus.Counter

	// SnapshotWrites / SnapshotFailures count persistence outcomes.
	SnapshotWrites   prometheus.Counter
	SnapshotFailures prometheus.Counter

	// CanvasPatches counts applied line updates by match strategy.
	CanvasPatches *prometheus.CounterVec

	// Connects counts successful live-channel connections.
	Connects prometheus.Counter
	// ReconnectAttempts counts dial retries after a failure.
	ReconnectAttempts prometheus.Counter
	// EventsRouted counts inbound live events by kind.
	EventsRouted *prometheus.CounterVec
}

// New builds the collector set registered against reg. A nil reg yields
// unregistered (but fully functional) collectors, which keeps the engine
// usable without any metrics pipeline.
func New(reg prometheus.Registerer) *Set {
	f := promauto.With(reg)
	return &Set{
		MessagesAdmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_admitted_total",
			Help: "Total messages appended to the local log.",
		}),
		DuplicatesSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_duplicates_suppressed_total",
			Help: "Total candidate messages rejected as duplicates.",
		}, []string{"scope"}),
		PlaceholderReplacements: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_placeholder_replacements_total",
			Help: "Total optimistic placeholders replaced by their server copy.",
		}),
		MessagesEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_evicted_total",
			Help: "Total messages evicted by the log size cap.",
		}),
		SnapshotWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_snapshot_writes_total",
			Help: "Total snapshot store writes.",
		}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_snapshot_failures_total",
			Help: "Total snapshot store operations that failed and were degraded to in-memory.",
		}),
		CanvasPatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_canvas_patches_total",
			Help: "Total canvas line updates applied, by match strategy.",
		}, []string{"strategy"}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_connects_total",
			Help: "Total successful live-channel connections.",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Total live-channel reconnect attempts.",
		}),
		EventsRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_routed_total",
			Help: "Total inbound live-channel events routed, by kind.",
		}, []string{"kind"}),
	}
}
