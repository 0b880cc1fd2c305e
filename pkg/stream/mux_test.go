package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/models"
)

func collect(t *testing.T, events <-chan models.StreamEvent) []models.StreamEvent {
	t.Helper()
	var out []models.StreamEvent
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func feed(chunks ...llm.Chunk) <-chan llm.Chunk {
	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func kinds(events []models.StreamEvent) []models.StreamEventKind {
	out := make([]models.StreamEventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestConsumeNormalizesChunks(t *testing.T) {
	m := NewMux(Config{})

	events := collect(t, m.Consume(context.Background(), "s1", "amy", feed(
		&llm.TextChunk{Content: "The answer "},
		&llm.TextChunk{Content: ""}, // dropped
		&llm.TextChunk{Content: "is 42."},
		&llm.ToolCallChunk{CallID: "t1", Name: "lookup", Arguments: `{"q":"x"}`},
		&llm.ToolResultChunk{CallID: "t1", Name: "lookup", Content: "found"},
		&llm.HandoffChunk{Target: "ben"},
		&llm.StatusChunk{Status: "thinking"},
		&llm.UsageChunk{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	)))

	assert.Equal(t, []models.StreamEventKind{
		models.StreamEventText,
		models.StreamEventText,
		models.StreamEventToolCall,
		models.StreamEventToolResult,
		models.StreamEventHandoff,
		models.StreamEventStatus,
		models.StreamEventStatus,
		models.StreamEventFinal,
	}, kinds(events))

	toolCall := events[2]
	assert.Equal(t, "lookup", toolCall.Content)
	assert.Equal(t, "t1", toolCall.Metadata["tool_call_id"])
	assert.Equal(t, `{"q":"x"}`, toolCall.Metadata["arguments"])

	toolResult := events[3]
	assert.Equal(t, "found", toolResult.Content)
	assert.Equal(t, "lookup", toolResult.Metadata["tool"])

	usage := events[6]
	assert.Equal(t, "usage", usage.Content)
	assert.Equal(t, 10, usage.Metadata["prompt_tokens"])
	assert.Equal(t, 5, usage.Metadata["completion_tokens"])

	final := events[len(events)-1]
	assert.Equal(t, "The answer is 42.", final.Content)
	assert.Equal(t, "The answer is 42.", final.Metadata["final_message"])
	assert.Equal(t, "completed", final.Metadata["status"])
	assert.Equal(t, []string{"lookup"}, final.Metadata["tools_used"])

	for _, e := range events {
		assert.Equal(t, "s1", e.SessionID)
		assert.Equal(t, "amy", e.Agent)
		assert.NotEmpty(t, e.ChunkID)
	}
}

func TestConsumeExactlyOneTerminalEvent(t *testing.T) {
	m := NewMux(Config{})

	tests := []struct {
		name   string
		chunks []llm.Chunk
		want   models.StreamEventKind
	}{
		{"empty stream still finalizes", nil, models.StreamEventFinal},
		{"text then close", []llm.Chunk{&llm.TextChunk{Content: "hi"}}, models.StreamEventFinal},
		{
			"error chunk terminates without final",
			[]llm.Chunk{&llm.TextChunk{Content: "partial"}, &llm.ErrorChunk{Message: "rate limited"}},
			models.StreamEventError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, m.Consume(context.Background(), "s1", "amy", feed(tt.chunks...)))

			finals, errors := 0, 0
			for _, e := range events {
				switch e.Kind {
				case models.StreamEventFinal:
					finals++
				case models.StreamEventError:
					errors++
				}
			}
			if tt.want == models.StreamEventFinal {
				assert.Equal(t, 1, finals)
				assert.Zero(t, errors)
			} else {
				assert.Equal(t, 1, errors)
				assert.Zero(t, finals)
			}
			assert.Equal(t, tt.want, events[len(events)-1].Kind)
		})
	}
}

func TestConsumeErrorCarriesMessage(t *testing.T) {
	m := NewMux(Config{})
	events := collect(t, m.Consume(context.Background(), "s1", "amy", feed(
		&llm.ErrorChunk{Message: "rate limited", Code: "429"},
	)))

	require.Len(t, events, 1)
	assert.Equal(t, models.StreamEventError, events[0].Kind)
	assert.Equal(t, "rate limited", events[0].Metadata["message"])
}

func TestConsumeCancellation(t *testing.T) {
	m := NewMux(Config{})
	ctx, cancel := context.WithCancel(context.Background())

	upstream := make(chan llm.Chunk) // never closed, never written
	out := m.Consume(ctx, "s1", "amy", upstream)
	cancel()

	events := collect(t, out)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.StreamEventError, last.Kind)
	assert.Contains(t, last.Metadata["message"], "cancelled")
}

func TestConsumeCancelledDuringFinalEmitsError(t *testing.T) {
	m := NewMux(Config{WindowSize: 2, MaxBufferSize: 4, HeartbeatInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upstream := make(chan llm.Chunk)
	out := m.Consume(ctx, "s1", "amy", upstream)

	// Fill past the window with no reader so the final event waits out a
	// backpressure delay; cancel during that wait.
	upstream <- &llm.TextChunk{Content: "a"}
	upstream <- &llm.TextChunk{Content: "b"}
	upstream <- &llm.TextChunk{Content: "c"}
	close(upstream)
	time.Sleep(10 * time.Millisecond)
	cancel()

	events := collect(t, out)
	require.NotEmpty(t, events)
	assert.Equal(t, models.StreamEventError, events[len(events)-1].Kind)

	terminals := 0
	for _, e := range events {
		if e.Kind == models.StreamEventFinal || e.Kind == models.StreamEventError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestConsumeHeartbeat(t *testing.T) {
	m := NewMux(Config{HeartbeatInterval: 10 * time.Millisecond})

	upstream := make(chan llm.Chunk)
	out := m.Consume(context.Background(), "s1", "amy", upstream)

	select {
	case event := <-out:
		assert.Equal(t, models.StreamEventHeartbeat, event.Kind)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat emitted")
	}
	close(upstream)
	collect(t, out)
}

func TestDrainAggregates(t *testing.T) {
	m := NewMux(Config{})
	result, seen := Drain(m.Consume(context.Background(), "s1", "amy", feed(
		&llm.TextChunk{Content: "hello "},
		&llm.ToolCallChunk{CallID: "t1", Name: "search", Arguments: "{}"},
		&llm.ToolResultChunk{CallID: "t1", Name: "search", Content: "results"},
		&llm.TextChunk{Content: "world"},
	)))

	assert.Equal(t, "hello world", result.FinalMessage)
	assert.Equal(t, []string{"search"}, result.ToolsUsed)
	assert.Equal(t, "completed", result.Status)
	assert.NoError(t, result.Err)
	assert.Equal(t, len(seen), result.TotalEvents)
}

func TestDrainError(t *testing.T) {
	m := NewMux(Config{})
	result, _ := Drain(m.Consume(context.Background(), "s1", "amy", feed(
		&llm.ErrorChunk{Message: "provider down"},
	)))

	assert.Equal(t, "error", result.Status)
	require.Error(t, result.Err)
	assert.Equal(t, "provider down", result.Err.Error())
}

func TestNewMuxDefaults(t *testing.T) {
	m := NewMux(Config{})
	cfg := m.Config()
	assert.Equal(t, DefaultConfig(), cfg)

	m = NewMux(Config{WindowSize: 5})
	assert.Equal(t, 5, m.Config().WindowSize)
	assert.Equal(t, DefaultConfig().MaxBufferSize, m.Config().MaxBufferSize)
}
