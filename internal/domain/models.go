// Package domain defines the core data model shared by the message store,
// the canvas patch engine, and the transport session manager: messages and
// their authors, the current-user identity, canvases, and the tagged union
// of live-channel events.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role classifies a message author.
type Role string

const (
	// RoleUser marks a human participant.
	RoleUser Role = "user"
	// RoleAgent marks a human operator answering on behalf of the widget owner.
	RoleAgent Role = "agent"
	// RoleBot marks an automated responder. Bot messages are never attributed
	// to the local user regardless of id or email overlap.
	RoleBot Role = "bot"
)

// TempIDPrefix tags locally generated message ids so they are distinguishable
// from server-issued ones. A message carrying this prefix is an optimistic
// placeholder pending reconciliation with its server copy.
const TempIDPrefix = "temp-"

// AnonymousID is the reserved author/user id for visitors that have not yet
// been identified.
const AnonymousID = "anonymous"

// SyntheticAIID is the reserved author id some backends attach to generated
// replies. It never matches a local optimistic placeholder.
const SyntheticAIID = "ai"

// NewTempID returns a fresh temporary message id.
func NewTempID() string { return TempIDPrefix + uuid.NewString() }

// Author describes who produced a message.
//
// Fields:
//   - ID: opaque author identifier; may be AnonymousID or SyntheticAIID.
//   - Email / Name: optional display attributes.
//   - Role: user, agent, or bot.
type Author struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// Anonymous reports whether the author is the anonymous placeholder identity
// (or carries no id at all).
func (a *Author) Anonymous() bool {
	return a == nil || a.ID == "" || a.ID == AnonymousID
}

// Message is one entry in a conversation log.
//
// Fields:
//   - ID: server-issued id, or a TempIDPrefix-tagged local id.
//   - ConversationID: owning conversation.
//   - Text: message body.
//   - CreatedAt / UpdatedAt: timestamps; the log is kept ascending by CreatedAt.
//   - LocallyCreated: true for optimistic messages not yet confirmed remotely.
//   - Author: identity descriptor; nil for system-less payloads.
//   - IsSent: derived attribution flag, recomputed on admission (see IsSentFor).
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
	LocallyCreated bool      `json:"locallyCreated,omitempty"`
	Author         *Author   `json:"author,omitempty"`
	IsSent         bool      `json:"isSent,omitempty"`
}

// Temporary reports whether the message is an optimistic local placeholder,
// either by origin flag or by id prefix.
func (m Message) Temporary() bool {
	return m.LocallyCreated || strings.HasPrefix(m.ID, TempIDPrefix)
}

// IsSentFor computes the derived attribution flag for a message against the
// given current user. Bot authorship always wins: a bot message is never
// "sent" even when its id or email collides with the local user.
func (m Message) IsSentFor(u User) bool {
	if m.Author != nil && m.Author.Role == RoleBot {
		return false
	}
	if m.Author.Anonymous() {
		return true
	}
	return m.Author.ID == u.ID || (m.Author.Email != "" && m.Author.Email == u.Email)
}

// User is the identity of the local participant for one widget session.
// There is no process-wide singleton; each session constructs and threads
// its own value.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	Role      Role   `json:"role,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// AnonymousUser returns the identity used before any identity upgrade.
func AnonymousUser() User {
	return User{ID: AnonymousID, Role: RoleUser, Anonymous: true}
}

// AsAuthor converts the user into the author descriptor stamped onto
// optimistic messages.
func (u User) AsAuthor() *Author {
	return &Author{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}
