package models

import "time"

// StreamEventKind identifies the normalized event taxonomy emitted by the
// streaming multiplexer. Every upstream chunk is mapped onto one of these.
type StreamEventKind string

// Stream event kinds.
const (
	StreamEventText       StreamEventKind = "text"
	StreamEventToolCall   StreamEventKind = "tool_call"
	StreamEventToolResult StreamEventKind = "tool_result"
	StreamEventHandoff    StreamEventKind = "handoff"
	StreamEventMessage    StreamEventKind = "message"
	StreamEventError      StreamEventKind = "error"
	StreamEventStatus     StreamEventKind = "status"
	StreamEventHeartbeat  StreamEventKind = "heartbeat"
	StreamEventFinal      StreamEventKind = "final"
)

// StreamEvent is the canonical event delivered to stream consumers.
// Exactly one final event is emitted per successful stream; at most one
// error event per failed stream; never both.
type StreamEvent struct {
	ChunkID   string          `json:"chunk_id"`
	SessionID string          `json:"session_id"`
	Agent     string          `json:"agent"`
	Kind      StreamEventKind `json:"kind"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}
