package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Scope is a chat routing category.
type Scope string

const (
	ScopeWaiting  Scope = "waiting"
	ScopeMain     Scope = "main"
	ScopeBreakout Scope = "breakout"
	ScopeObserver Scope = "observer"
)

// ParseScope rejects anything outside the closed scope set.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeWaiting, ScopeMain, ScopeBreakout, ScopeObserver:
		return Scope(s), true
	}
	return "", false
}

// MessageType is group (whole scope) or dm (two identities).
type MessageType string

const (
	MessageGroup MessageType = "group"
	MessageDM    MessageType = "dm"
)

// ParseMessageType defaults an empty type to group.
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(s) {
	case "", MessageGroup:
		return MessageGroup, true
	case MessageDM:
		return MessageDM, true
	}
	return "", false
}

// ChatParty is the sender or recipient of a chat message.
type ChatParty struct {
	Email  string     `json:"email"`
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Name   string     `json:"name,omitempty"`
	Role   Role       `json:"role"`
}

// Attachment references an externally stored file.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
}

// ChatMessage is one message in one scope. To is set iff Type is dm.
type ChatMessage struct {
	ID            string       `json:"id"`
	LiveSessionID uuid.UUID    `json:"live_session_id"`
	SessionID     uuid.UUID    `json:"session_id"`
	Scope         Scope        `json:"scope"`
	BreakoutIndex *int         `json:"breakout_index,omitempty"`
	Type          MessageType  `json:"type"`
	From          ChatParty    `json:"from"`
	To            *ChatParty   `json:"to,omitempty"`
	Text          string       `json:"text"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	TS            time.Time    `json:"ts"`
}

// ScopeKey identifies one ordered chat stream: (session, scope[, breakout index]).
type ScopeKey struct {
	SessionID     uuid.UUID
	Scope         Scope
	BreakoutIndex int
}

func (k ScopeKey) String() string {
	if k.Scope == ScopeBreakout {
		return fmt.Sprintf("%s:%s:%d", k.SessionID, k.Scope, k.BreakoutIndex)
	}
	return fmt.Sprintf("%s:%s", k.SessionID, k.Scope)
}

// Key returns the ordering key of the message.
func (m *ChatMessage) Key() ScopeKey {
	k := ScopeKey{SessionID: m.SessionID, Scope: m.Scope}
	if m.Scope == ScopeBreakout && m.BreakoutIndex != nil {
		k.BreakoutIndex = *m.BreakoutIndex
	}
	return k
}

// Involves reports whether a dm was sent from or to email.
func (m *ChatMessage) Involves(email string) bool {
	if m.From.Email == email {
		return true
	}
	return m.To != nil && m.To.Email == email
}
