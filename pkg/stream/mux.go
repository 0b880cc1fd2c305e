// Package stream normalizes per-agent model event streams into the uniform
// StreamEvent taxonomy, with bounded buffering, adaptive backpressure, and
// heartbeats. This is the only component that sleeps deliberately.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/models"
)

// Config tunes the multiplexer.
type Config struct {
	// WindowSize is the buffer occupancy above which adaptive delay kicks
	// in.
	WindowSize int
	// MaxBufferSize is the hard ceiling on buffered events per stream.
	MaxBufferSize int
	// HeartbeatInterval is how often heartbeat events are emitted while the
	// stream is open.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:        10,
		MaxBufferSize:     50,
		HeartbeatInterval: 30 * time.Second,
	}
}

// maxAdaptiveDelay caps the backpressure pause inserted between emissions.
const maxAdaptiveDelay = 100 * time.Millisecond

// toolCallState tracks an in-flight tool call until its result arrives.
type toolCallState struct {
	Name        string
	Arguments   string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Mux converts upstream model chunks into normalized StreamEvents.
// Stateless across streams; one Consume call owns one stream.
type Mux struct {
	config Config
	logger *slog.Logger
}

// NewMux creates a multiplexer. Zero config fields fall back to defaults.
func NewMux(config Config) *Mux {
	def := DefaultConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.MaxBufferSize <= 0 {
		config.MaxBufferSize = def.MaxBufferSize
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Mux{
		config: config,
		logger: slog.With("component", "stream_mux"),
	}
}

// Config returns the mux tuning after defaulting.
func (m *Mux) Config() Config { return m.config }

// StreamResult summarizes a drained stream. Populated by Drain and carried
// in the final event's metadata.
type StreamResult struct {
	TotalEvents  int
	FinalMessage string
	ToolsUsed    []string
	Status       string // "completed", "error", or "cancelled"
	Err          error
}

// Consume normalizes upstream into a StreamEvent channel. The returned
// channel is closed after exactly one final event (success) or one error
// event (failure or cancellation); never both. Cancelling ctx propagates
// to the producer via the shared context and surfaces here as one error
// event.
func (m *Mux) Consume(ctx context.Context, sessionID, agentID string, upstream <-chan llm.Chunk) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, m.config.MaxBufferSize)
	go m.pump(ctx, sessionID, agentID, upstream, out)
	return out
}

func (m *Mux) pump(ctx context.Context, sessionID, agentID string, upstream <-chan llm.Chunk, out chan models.StreamEvent) {
	defer close(out)

	heartbeat := time.NewTicker(m.config.HeartbeatInterval)
	defer heartbeat.Stop()

	var (
		textParts strings.Builder
		toolCalls = make(map[string]*toolCallState)
		toolOrder []string
		totalSent int
	)

	emit := func(kind models.StreamEventKind, content string, metadata map[string]any) bool {
		// Adaptive backpressure: past the window, pace emission in
		// proportion to buffer occupancy.
		if buffered := len(out); buffered > m.config.WindowSize {
			delay := time.Duration(float64(maxAdaptiveDelay) * float64(buffered) / float64(m.config.MaxBufferSize))
			if delay > maxAdaptiveDelay {
				delay = maxAdaptiveDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}

		event := models.StreamEvent{
			ChunkID:   uuid.New().String(),
			SessionID: sessionID,
			Agent:     agentID,
			Kind:      kind,
			Content:   content,
			Timestamp: time.Now(),
			Metadata:  metadata,
		}
		select {
		case out <- event:
			totalSent++
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(message string) {
		// At most one error event per failed stream, and no final after it.
		event := models.StreamEvent{
			ChunkID:   uuid.New().String(),
			SessionID: sessionID,
			Agent:     agentID,
			Kind:      models.StreamEventError,
			Timestamp: time.Now(),
			Metadata:  map[string]any{"message": message},
		}
		select {
		case out <- event:
		default:
			m.logger.Warn("Dropping error event into full buffer",
				"session_id", sessionID, "agent", agentID)
		}
	}

	for {
		select {
		case <-ctx.Done():
			fail("stream cancelled: " + ctx.Err().Error())
			return

		case <-heartbeat.C:
			if !emit(models.StreamEventHeartbeat, "", nil) {
				fail("stream cancelled: " + ctx.Err().Error())
				return
			}

		case chunk, ok := <-upstream:
			if !ok {
				// Upstream complete: exactly one final event. Cancellation
				// racing the close still gets its one terminal event.
				if !emit(models.StreamEventFinal, textParts.String(), map[string]any{
					"total_events":  totalSent,
					"final_message": textParts.String(),
					"tools_used":    toolOrder,
					"status":        "completed",
				}) {
					fail("stream cancelled: " + ctx.Err().Error())
				}
				return
			}

			switch c := chunk.(type) {
			case *llm.TextChunk:
				if c.Content == "" {
					continue // empty text chunks are dropped
				}
				textParts.WriteString(c.Content)
				if !emit(models.StreamEventText, c.Content, nil) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.ToolCallChunk:
				toolCalls[c.CallID] = &toolCallState{
					Name:      c.Name,
					Arguments: c.Arguments,
					StartedAt: time.Now(),
				}
				toolOrder = append(toolOrder, c.Name)
				if !emit(models.StreamEventToolCall, c.Name, map[string]any{
					"tool_call_id": c.CallID,
					"arguments":    c.Arguments,
				}) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.ToolResultChunk:
				metadata := map[string]any{"tool_call_id": c.CallID}
				if state, ok := toolCalls[c.CallID]; ok {
					state.CompletedAt = time.Now()
					metadata["tool"] = state.Name
					metadata["duration_ms"] = state.CompletedAt.Sub(state.StartedAt).Milliseconds()
				}
				if !emit(models.StreamEventToolResult, c.Content, metadata) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.HandoffChunk:
				if !emit(models.StreamEventHandoff, c.Target, nil) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.MessageChunk:
				textParts.WriteString(c.Content)
				if !emit(models.StreamEventMessage, c.Content, map[string]any{"role": c.Role}) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.StatusChunk:
				if !emit(models.StreamEventStatus, c.Status, nil) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.UsageChunk:
				// Usage is accounting, not content; surfaced in metadata
				// only.
				if !emit(models.StreamEventStatus, "usage", map[string]any{
					"prompt_tokens":     c.PromptTokens,
					"completion_tokens": c.CompletionTokens,
					"total_tokens":      c.TotalTokens,
				}) {
					fail("stream cancelled: " + ctx.Err().Error())
					return
				}

			case *llm.ErrorChunk:
				fail(c.Message)
				return
			}
		}
	}
}

// Drain consumes an entire event stream, returning the aggregate and the
// events observed. Used by callers that want the final text rather than
// incremental delivery.
func Drain(events <-chan models.StreamEvent) (*StreamResult, []models.StreamEvent) {
	result := &StreamResult{Status: "completed"}
	var seen []models.StreamEvent
	var text strings.Builder

	for event := range events {
		seen = append(seen, event)
		switch event.Kind {
		case models.StreamEventText, models.StreamEventMessage:
			text.WriteString(event.Content)
		case models.StreamEventToolCall:
			result.ToolsUsed = append(result.ToolsUsed, event.Content)
		case models.StreamEventError:
			result.Status = "error"
			if msg, ok := event.Metadata["message"].(string); ok {
				result.Err = &StreamError{Message: msg}
			}
		case models.StreamEventFinal:
			if msg, ok := event.Metadata["final_message"].(string); ok && msg != "" {
				text.Reset()
				text.WriteString(msg)
			}
		}
	}

	result.FinalMessage = text.String()
	result.TotalEvents = len(seen)
	return result, seen
}

// StreamError is the terminal error carried by a failed stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }
