package models

import (
	"time"
)

// ConversationMode distinguishes single-agent from group conversations.
type ConversationMode string

// Conversation modes.
const (
	ModeSingle ConversationMode = "single"
	ModeGroup  ConversationMode = "group"
)

// TerminationCause records why a conversation's turn loop stopped.
type TerminationCause string

// Termination causes.
const (
	TerminationNone       TerminationCause = ""
	TerminationMarkerSeen TerminationCause = "marker_seen"
	TerminationMaxTurns   TerminationCause = "max_turns"
	TerminationCancelled  TerminationCause = "cancelled"
	TerminationPaused     TerminationCause = "paused"
)

// Conversation is the orchestrator-owned state of one dialogue. The message
// log is append-only; the orchestrator owns the conversation for the
// request's duration and nothing else mutates it.
type Conversation struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Context     map[string]any   `json:"context,omitempty"`
	Messages    []Message        `json:"messages"`
	Mode        ConversationMode `json:"mode"`
	TurnCount   int              `json:"turn_count"`
	Termination TerminationCause `json:"termination,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
}

// NewConversation creates a conversation seeded with the user's message.
func NewConversation(id, userID, message string, context map[string]any) *Conversation {
	return &Conversation{
		ID:        id,
		UserID:    userID,
		Context:   context,
		Messages:  []Message{NewUserMessage(message)},
		StartedAt: time.Now(),
	}
}

// Append adds a message to the log. Messages are immutable once appended.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// LastMessage returns the most recent message, or a zero Message when the
// log is empty.
func (c *Conversation) LastMessage() Message {
	if len(c.Messages) == 0 {
		return Message{}
	}
	return c.Messages[len(c.Messages)-1]
}

// Recent returns up to n most recent messages, oldest first.
func (c *Conversation) Recent(n int) []Message {
	if n <= 0 || len(c.Messages) == 0 {
		return nil
	}
	if len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

// ContextString returns the string value of a context key, or "" when the
// key is absent or not a string. The orchestrator only reads a small set of
// well-known keys (target_agent, enable_safety, risk fields); everything
// else in the bag is opaque.
func (c *Conversation) ContextString(key string) string {
	if c.Context == nil {
		return ""
	}
	if v, ok := c.Context[key].(string); ok {
		return v
	}
	return ""
}
