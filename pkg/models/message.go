// Package models defines the shared conversation data model: messages,
// conversations, stream events, and orchestration results. Cross-component
// references are by identifier only; these types carry no pointers into
// other components' state.
package models

import "time"

// MessageKind identifies the kind of a conversation message.
type MessageKind string

// Message kinds.
const (
	MessageKindText       MessageKind = "text"
	MessageKindToolCall   MessageKind = "tool_call"
	MessageKindToolResult MessageKind = "tool_result"
	MessageKindHandoff    MessageKind = "handoff"
)

// UserSource is the Source value for messages authored by the end user
// rather than an agent.
const UserSource = "user"

// Message is a single entry in a conversation's message log.
// Immutable once appended.
type Message struct {
	Source    string      `json:"source"` // agent id or UserSource
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewUserMessage builds a text message sourced from the end user.
func NewUserMessage(content string) Message {
	return Message{
		Source:    UserSource,
		Kind:      MessageKindText,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAgentMessage builds a message sourced from the given agent.
func NewAgentMessage(agentID string, kind MessageKind, content string) Message {
	return Message{
		Source:    agentID,
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
	}
}
