// Package dedup implements the admission policy that keeps the message log
// convergent under duplicated and reordered delivery. It is pure: given a
// candidate message and the current log it returns a decision, never
// performing I/O or mutating either input.
//
// The policy covers three hazards:
//   - the same event arriving through both the history API and the push
//     channel (suppressed by a cross-channel time window),
//   - an optimistic local placeholder later echoed back with its permanent
//     server id (reconciled by in-place replacement),
//   - rapid duplicate local submissions, e.g. a double-clicked send button
//     (suppressed by a short local window).
package dedup

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/openwidget/chat-sync-core/internal/domain"
)

// Op is the action the store must take for a candidate.
type Op int

const (
	// Admit appends the candidate to the log.
	Admit Op = iota
	// Reject drops the candidate; the log is already converged.
	Reject
	// Replace splices the candidate over the log entry at Decision.Index,
	// reconciling an optimistic placeholder with its server copy.
	Replace
)

// Decision is the policy verdict. Index is meaningful only for Replace.
// CarrySent is set when the replaced placeholder had IsSent and the flag
// must survive onto the candidate.
type Decision struct {
	Op        Op
	Index     int
	CarrySent bool
}

// Policy holds the suppression windows. The defaults (500 ms local, 10 s
// cross-channel) are empirically chosen and configurable, not invariants.
type Policy struct {
	// LocalWindow suppresses a locally created twin submitted within it.
	LocalWindow time.Duration
	// RemoteWindow suppresses a remote twin delivered within it, covering
	// simultaneous API-response and push delivery of the same event.
	RemoteWindow time.Duration
}

// Default returns the policy with the observed production windows.
func Default() Policy {
	return Policy{LocalWindow: 500 * time.Millisecond, RemoteWindow: 10 * time.Second}
}

// Evaluate decides how the store should treat candidate against log.
func (p Policy) Evaluate(candidate domain.Message, log []domain.Message) Decision {
	for _, m := range log {
		if m.ID == candidate.ID {
			return Decision{Op: Reject}
		}
	}

	if !candidate.Temporary() {
		// A remote arrival first reconciles any optimistic placeholder.
		for i, m := range log {
			if !m.Temporary() {
				continue
			}
			if SameText(m.Text, candidate.Text) && compatibleAuthors(m.Author, candidate.Author) {
				return Decision{Op: Replace, Index: i, CarrySent: m.IsSent || candidate.IsSent}
			}
		}
		// Then checks for a remote twin inside the cross-channel window.
		for _, m := range log {
			if m.Temporary() {
				continue
			}
			if SameText(m.Text, candidate.Text) && sameAuthor(m.Author, candidate.Author) &&
				within(m.CreatedAt, candidate.CreatedAt, p.RemoteWindow) {
				return Decision{Op: Reject}
			}
		}
		return Decision{Op: Admit}
	}

	// Locally created candidates only guard against rapid resubmission.
	for _, m := range log {
		if !m.Temporary() {
			continue
		}
		if SameText(m.Text, candidate.Text) && sameAuthor(m.Author, candidate.Author) &&
			within(m.CreatedAt, candidate.CreatedAt, p.LocalWindow) {
			return Decision{Op: Reject}
		}
	}
	return Decision{Op: Admit}
}

// SameText compares message bodies after whitespace trimming and NFC
// normalization, so composed and decomposed encodings of the same text are
// treated as duplicates.
func SameText(a, b string) bool {
	return norm.NFC.String(strings.TrimSpace(a)) == norm.NFC.String(strings.TrimSpace(b))
}

// sameAuthor is strict identity: matching ids, or both anonymous.
func sameAuthor(a, b *domain.Author) bool {
	if a.Anonymous() && b.Anonymous() {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.ID == b.ID
}

// compatibleAuthors decides whether a remote candidate may replace a local
// placeholder: exact id match, both anonymous, or the candidate is not the
// synthetic "ai" author while the placeholder is anonymous (a server may
// re-attribute an anonymous send to the resolved visitor identity).
func compatibleAuthors(local, candidate *domain.Author) bool {
	if sameAuthor(local, candidate) {
		return true
	}
	if local.Anonymous() && candidate != nil && candidate.ID != domain.SyntheticAIID {
		return true
	}
	return false
}

func within(a, b time.Time, window time.Duration) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}
