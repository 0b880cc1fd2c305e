// Package llm defines the model-provider contract consumed by the
// orchestrator. Providers are external collaborators; this package only
// fixes the streaming chunk taxonomy and the invocation signature.
package llm

import (
	"context"

	"github.com/colloquy-ai/colloquy/pkg/models"
)

// ModelClient is the interface to an LLM provider. Implementations wrap
// whatever SDK or wire protocol the provider speaks and expose a
// channel-based streaming API.
type ModelClient interface {
	// Invoke sends a transcript to the model backing the named agent and
	// returns a stream of chunks. The returned channel is closed when the
	// stream completes. Provider errors are delivered as ErrorChunk values;
	// the channel is closed after the first ErrorChunk.
	Invoke(ctx context.Context, input *InvokeInput) (<-chan Chunk, error)

	// Close releases any underlying connections.
	Close() error
}

// InvokeInput is one model invocation: the agent identity, its system
// prompt, the running transcript, and the tools it may call.
type InvokeInput struct {
	ConversationID string
	AgentID        string
	Model          string
	SystemPrompt   string
	Transcript     []models.Message
	Tools          []ToolDefinition // nil = no tools
	Stream         bool
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	// ParametersSchema is a JSON Schema document.
	ParametersSchema string
}

// Tool is a bound, invocable tool.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

// Chunk types.
const (
	ChunkTypeText       ChunkType = "text"
	ChunkTypeToolCall   ChunkType = "tool_call"
	ChunkTypeToolResult ChunkType = "tool_result"
	ChunkTypeHandoff    ChunkType = "handoff"
	ChunkTypeMessage    ChunkType = "message"
	ChunkTypeStatus     ChunkType = "status"
	ChunkTypeUsage      ChunkType = "usage"
	ChunkTypeError      ChunkType = "error"
)

// TextChunk is a delta of the model's text response.
type TextChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct {
	CallID    string
	Name      string
	Arguments string // JSON
}

// ToolResultChunk carries the result of an executed tool call.
type ToolResultChunk struct {
	CallID  string
	Name    string
	Content string
}

// HandoffChunk signals the model wants to hand the conversation to another
// agent.
type HandoffChunk struct{ Target string }

// MessageChunk carries a complete message produced mid-stream (providers
// that batch instead of streaming deltas).
type MessageChunk struct {
	Role    string
	Content string
}

// StatusChunk carries provider status lines (queued, thinking, ...).
type StatusChunk struct{ Status string }

// UsageChunk reports token consumption for this invocation.
type UsageChunk struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ErrorChunk signals an error from the provider.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType       { return ChunkTypeText }
func (c *ToolCallChunk) chunkType() ChunkType   { return ChunkTypeToolCall }
func (c *ToolResultChunk) chunkType() ChunkType { return ChunkTypeToolResult }
func (c *HandoffChunk) chunkType() ChunkType    { return ChunkTypeHandoff }
func (c *MessageChunk) chunkType() ChunkType    { return ChunkTypeMessage }
func (c *StatusChunk) chunkType() ChunkType     { return ChunkTypeStatus }
func (c *UsageChunk) chunkType() ChunkType      { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType      { return ChunkTypeError }
