// Package domain defines the core data model for the sync engine. This file
// declares the closed set of live-channel events and their decoder. Payloads
// are validated and shaped here, at the transport boundary, so downstream
// consumers switch over a tagged union instead of duck-typing raw frames.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// EventKind discriminates live-channel events.
type EventKind string

const (
	EventNewMessage    EventKind = "message"
	EventTyping        EventKind = "typing"
	EventSuggestions   EventKind = "suggestions"
	EventStarters      EventKind = "starters"
	EventIdentity      EventKind = "identity"
	EventToolActivity  EventKind = "tool_activity"
	EventCanvasReplace EventKind = "canvas_replace"
	EventCanvasPatch   EventKind = "canvas_patch"
)

// ErrUnknownEvent is returned when a frame carries a type outside the closed
// event vocabulary.
var ErrUnknownEvent = errors.New("domain: unknown event type")

// TypingState reports whether a remote participant is composing.
type TypingState struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ToolActivity describes a long-running tool invocation surfaced in the UI.
type ToolActivity struct {
	Tool   string `json:"tool"`
	Status string `json:"status,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// IdentityUpgrade replaces the anonymous session identity with an
// authenticated one. Token, when present, is a bearer token whose claims may
// backfill missing display attributes.
type IdentityUpgrade struct {
	User  User   `json:"user"`
	Token string `json:"token,omitempty"`
}

// Complete reports whether the upgrade, after token backfill, carries
// enough identity to replace the anonymous user. Incomplete upgrades revert
// the session to anonymous.
func (iu IdentityUpgrade) Complete() bool {
	u := iu.Resolve()
	return u.ID != "" && u.ID != AnonymousID && u.Email != ""
}

// Resolve returns the effective user, backfilling empty fields from the
// token's claims when one is attached. The token is parsed without signature
// verification: the client only lifts display attributes from it, the server
// remains the authority.
func (iu IdentityUpgrade) Resolve() User {
	u := iu.User
	if iu.Token == "" {
		return u
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(iu.Token, claims); err != nil {
		return u
	}
	if u.ID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			u.ID = sub
		}
	}
	if u.Email == "" {
		if v, ok := claims["email"].(string); ok {
			u.Email = v
		}
	}
	if u.Name == "" {
		if v, ok := claims["name"].(string); ok {
			u.Name = v
		}
	}
	return u
}

// Event is the decoded tagged union. Kind selects exactly one payload field;
// all other payload pointers are nil.
type Event struct {
	Kind           EventKind
	ConversationID string

	Message     *Message
	Typing      *TypingState
	Suggestions []string
	Starters    []string
	Identity    *IdentityUpgrade
	Tool        *ToolActivity
	Canvas      *Canvas
	Patch       *CanvasPatch
}

// envelope is the wire shape of every live-channel frame.
type envelope struct {
	Type           EventKind       `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
}

// DecodeEvent parses one raw frame into an Event. Unknown types return
// ErrUnknownEvent; malformed payloads return a decode error. Both are
// handled (logged and dropped) by the transport layer, never propagated.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("domain: decode envelope: %w", err)
	}
	ev := Event{Kind: env.Type, ConversationID: env.ConversationID}

	switch env.Type {
	case EventNewMessage:
		ev.Message = &Message{}
		if err := unmarshalPayload(env, ev.Message); err != nil {
			return Event{}, err
		}
		if ev.Message.ConversationID == "" {
			ev.Message.ConversationID = env.ConversationID
		}
	case EventTyping:
		ev.Typing = &TypingState{}
		if err := unmarshalPayload(env, ev.Typing); err != nil {
			return Event{}, err
		}
	case EventSuggestions:
		if err := unmarshalPayload(env, &ev.Suggestions); err != nil {
			return Event{}, err
		}
	case EventStarters:
		if err := unmarshalPayload(env, &ev.Starters); err != nil {
			return Event{}, err
		}
	case EventIdentity:
		ev.Identity = &IdentityUpgrade{}
		if err := unmarshalPayload(env, ev.Identity); err != nil {
			return Event{}, err
		}
	case EventToolActivity:
		ev.Tool = &ToolActivity{}
		if err := unmarshalPayload(env, ev.Tool); err != nil {
			return Event{}, err
		}
	case EventCanvasReplace:
		ev.Canvas = &Canvas{}
		if err := unmarshalPayload(env, ev.Canvas); err != nil {
			return Event{}, err
		}
		ev.Canvas.SyncLines()
	case EventCanvasPatch:
		ev.Patch = &CanvasPatch{}
		if err := unmarshalPayload(env, ev.Patch); err != nil {
			return Event{}, err
		}
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	return ev, nil
}

func unmarshalPayload(env envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("domain: event %q: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("domain: event %q: decode payload: %w", env.Type, err)
	}
	return nil
}
