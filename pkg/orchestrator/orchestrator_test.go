package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-ai/colloquy/pkg/agent"
	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/costs"
	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/models"
	"github.com/colloquy-ai/colloquy/pkg/pause"
	"github.com/colloquy-ai/colloquy/pkg/resilience"
	"github.com/colloquy-ai/colloquy/pkg/safety"
)

// scriptedClient replays a per-invocation chunk script.
type scriptedClient struct {
	mu     sync.Mutex
	calls  int
	script func(call int, in *llm.InvokeInput) []llm.Chunk
}

func (c *scriptedClient) Invoke(_ context.Context, in *llm.InvokeInput) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()

	chunks := c.script(call, in)
	ch := make(chan llm.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) Close() error { return nil }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	orch      *Orchestrator
	approvals *approval.Store
	pauses    *pause.Manager
	tracker   *costs.Tracker
	breaker   *resilience.CircuitBreaker
}

// newHarness wires an orchestrator over the in-memory store with agents
// loaded from generated definitions.
func newHarness(t *testing.T, config Config, client llm.ModelClient, guardian safety.Guardian, defs map[string]string) *harness {
	t.Helper()

	dir := t.TempDir()
	for file, content := range defs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
	registry, err := agent.Load(dir, client, nil)
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	approvals := approval.NewStore(store, nil, nil, nil)
	pauses := pause.NewManager(store, approvals)
	approvals.SetResumer(pauses)

	tracker := costs.NewTracker(nil)
	breaker := resilience.NewCircuitBreaker("test", resilience.BreakerConfig{FailureThreshold: 3})

	orch := New(config, Deps{
		Registry:  registry,
		Breaker:   breaker,
		Tracker:   tracker,
		Approvals: approvals,
		Pauses:    pauses,
		Guardian:  guardian,
	})
	return &harness{orch: orch, approvals: approvals, pauses: pauses, tracker: tracker, breaker: breaker}
}

func soloAgent() map[string]string {
	return map[string]string{"analyst.yaml": `
name: analyst
model: gpt-4o
system_prompt: You answer financial questions.
keywords: [revenue, profit]
expertise_domains: [finance]
`}
}

func pairAgents() map[string]string {
	return map[string]string{
		"amy.yaml": "name: amy\nmodel: gpt-4o\nsystem_prompt: You collaborate.",
		"ben.yaml": "name: ben\nmodel: gpt-4o\nsystem_prompt: You collaborate.",
	}
}

func textTurn(content string, promptTokens int) []llm.Chunk {
	return []llm.Chunk{
		&llm.TextChunk{Content: content},
		&llm.UsageChunk{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
}

func TestOrchestrateSingleAgentByTarget(t *testing.T) {
	client := &scriptedClient{script: func(call int, in *llm.InvokeInput) []llm.Chunk {
		return textTurn("Q3 revenue was $10M.", 2000)
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "What was Q3 revenue?",
		UserID:         "u1",
		ConversationID: "c1",
		Context:        map[string]any{"target_agent": "analyst"},
	})

	assert.Empty(t, result.Error)
	assert.Equal(t, models.RoutingSingleAgent, result.Routing)
	assert.Equal(t, "Q3 revenue was $10M.", result.Response)
	assert.Equal(t, []string{"analyst"}, result.AgentsUsed)
	assert.Equal(t, 1, result.TurnCount)
	assert.Equal(t, "c1", result.ConversationID)
	assert.Equal(t, 1, client.callCount())

	// 2000 prompt tokens of gpt-4o cost exactly $0.005.
	assert.True(t, result.CostBreakdown.TotalCost.Equal(decimal.RequireFromString("0.005")),
		result.CostBreakdown.TotalCost.String())
}

func TestOrchestrateUnknownTargetFallsBackToSelection(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("Answered anyway.", 100)
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message: "revenue question",
		Context: map[string]any{"target_agent": "ghost"},
	})

	assert.Empty(t, result.Error)
	assert.Equal(t, []string{"analyst"}, result.AgentsUsed)
}

func TestOrchestrateGroupTerminatesOnMarker(t *testing.T) {
	client := &scriptedClient{script: func(call int, in *llm.InvokeInput) []llm.Chunk {
		if call == 3 {
			return textTurn("All tasks complete. DONE", 500)
		}
		return textTurn(fmt.Sprintf("Working on step %d.", call), 500)
	}}
	h := newHarness(t, Config{MaxTurns: 10}, client, nil, pairAgents())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "coordinate the rollout",
		ConversationID: "c1",
	})

	assert.Empty(t, result.Error)
	assert.Equal(t, models.RoutingMultiAgent, result.Routing)
	assert.Equal(t, 3, result.TurnCount)
	assert.Equal(t, 3, client.callCount())
	assert.Equal(t, "All tasks complete. DONE", result.Response)
	assert.ElementsMatch(t, []string{"amy", "ben"}, result.AgentsUsed)
}

func TestOrchestrateGroupStopsAtMaxTurns(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("still going", 100)
	}}
	h := newHarness(t, Config{MaxTurns: 4}, client, nil, pairAgents())

	result := h.orch.Orchestrate(context.Background(), Input{Message: "discuss"})

	assert.Empty(t, result.Error)
	assert.Equal(t, 4, result.TurnCount)
	assert.Equal(t, 4, client.callCount())
}

func TestOrchestrateCircuitOpensAfterFailures(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return []llm.Chunk{&llm.ErrorChunk{Message: "provider down"}}
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	for i := 0; i < 3; i++ {
		result := h.orch.Orchestrate(context.Background(), Input{
			Message:        "revenue question",
			ConversationID: fmt.Sprintf("c%d", i),
		})
		assert.Contains(t, result.Error, "provider down")
	}
	assert.Equal(t, 3, client.callCount())

	// Fourth call short-circuits without touching the model.
	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "revenue question",
		ConversationID: "c4",
	})
	assert.Equal(t, "open", result.CircuitBreaker)
	assert.Empty(t, result.Error)
	assert.NotEmpty(t, result.Response)
	assert.Equal(t, 3, client.callCount())
}

func TestOrchestratePauseAndResumeOnApproval(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: func(call int, in *llm.InvokeInput) []llm.Chunk {
		if call == 1 {
			return []llm.Chunk{
				&llm.TextChunk{Content: "I will remove the stale records."},
				&llm.ToolCallChunk{
					CallID:    "t1",
					Name:      "delete_records",
					Arguments: `{"action_type":"delete","estimated_cost":2000,"description":"delete stale records"}`,
				},
				&llm.UsageChunk{PromptTokens: 400, TotalTokens: 400},
			}
		}
		return textTurn("Records deleted. DONE", 400)
	}}
	h := newHarness(t, Config{}, client, nil, pairAgents())

	result := h.orch.Orchestrate(ctx, Input{
		Message:        "clean up the old records",
		UserID:         "u1",
		ConversationID: "c1",
	})

	require.NotNil(t, result.Paused)
	assert.Equal(t, "high", result.Paused.RiskLevel)
	assert.NotEmpty(t, result.Paused.ApprovalID)
	assert.Empty(t, result.Error)
	assert.Equal(t, 1, result.TurnCount)
	assert.True(t, h.pauses.IsPaused("c1"))

	// While paused, another orchestrate reports the pause and runs no turns.
	again := h.orch.Orchestrate(ctx, Input{Message: "any news?", ConversationID: "c1"})
	require.NotNil(t, again.Paused)
	assert.Equal(t, result.Paused.ApprovalID, again.Paused.ApprovalID)
	assert.Equal(t, 1, client.callCount())

	// Approval lifts the pause through the resume callback.
	approved, err := h.approvals.Approve(ctx, result.Paused.ApprovalID, "ops", "verified the record list")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, approved.Status)
	assert.False(t, h.pauses.IsPaused("c1"))

	// The follow-up picks up at the paused turn.
	resumed := h.orch.Orchestrate(ctx, Input{ConversationID: "c1"})
	assert.Empty(t, resumed.Error)
	assert.Nil(t, resumed.Paused)
	assert.Equal(t, "Records deleted. DONE", resumed.Response)
	assert.Equal(t, 2, resumed.TurnCount)
	assert.Equal(t, 2, client.callCount())
}

func TestOrchestratePreflightActionGate(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("should not run", 100)
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "purge everything",
		ConversationID: "c1",
		Context: map[string]any{
			"proposed_action": map[string]any{
				"action_type":    "delete",
				"estimated_cost": 2000,
				"description":    "purge all records",
			},
		},
	})

	require.NotNil(t, result.Paused)
	assert.Equal(t, "high", result.Paused.RiskLevel)
	assert.Zero(t, client.callCount())
	assert.True(t, h.pauses.IsPaused("c1"))
}

func TestOrchestrateLowRiskToolCallProceeds(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return []llm.Chunk{
			&llm.ToolCallChunk{
				CallID:    "t1",
				Name:      "lookup",
				Arguments: `{"action_type":"read","estimated_cost":2}`,
			},
			&llm.TextChunk{Content: "Looked it up."},
		}
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "revenue question",
		ConversationID: "c1",
	})

	assert.Nil(t, result.Paused)
	assert.Empty(t, result.Error)
	assert.False(t, h.pauses.IsPaused("c1"))
}

type stubGuardian struct {
	validation safety.Validation
	err        error
}

func (g *stubGuardian) Validate(context.Context, string, string) (safety.Validation, error) {
	return g.validation, g.err
}

func TestOrchestrateSafetyBlocked(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("unreachable", 100)
	}}
	guardian := &stubGuardian{validation: safety.Validation{
		Authorized: false,
		Violations: []string{"restricted topic"},
	}}
	h := newHarness(t, Config{}, client, guardian, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{Message: "forbidden request"})

	assert.True(t, result.Blocked)
	assert.Equal(t, []string{"safety_guardian"}, result.AgentsUsed)
	assert.Contains(t, result.Response, "restricted topic")
	assert.Zero(t, client.callCount())
}

func TestOrchestrateSafetyFailsOpen(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("Answered.", 100)
	}}
	guardian := &stubGuardian{err: fmt.Errorf("guardian backend down")}
	h := newHarness(t, Config{}, client, guardian, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{Message: "revenue question"})

	assert.False(t, result.Blocked)
	assert.Equal(t, "Answered.", result.Response)
}

func TestOrchestrateSafetyDisabledByContext(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("Answered.", 100)
	}}
	guardian := &stubGuardian{validation: safety.Validation{Authorized: false}}
	h := newHarness(t, Config{}, client, guardian, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message: "revenue question",
		Context: map[string]any{"enable_safety": false},
	})
	assert.False(t, result.Blocked)
	assert.Equal(t, "Answered.", result.Response)
}

type panickyClient struct{}

func (panickyClient) Invoke(context.Context, *llm.InvokeInput) (<-chan llm.Chunk, error) {
	panic("provider exploded")
}
func (panickyClient) Close() error { return nil }

func TestOrchestrateRecoversFromPanic(t *testing.T) {
	h := newHarness(t, Config{}, panickyClient{}, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "revenue question",
		ConversationID: "c1",
	})

	assert.Contains(t, result.Error, "internal error")
	assert.Equal(t, "c1", result.ConversationID)
}

func TestOrchestrateBudgetBreachRecorded(t *testing.T) {
	client := &scriptedClient{script: func(call int, in *llm.InvokeInput) []llm.Chunk {
		if call == 3 {
			return textTurn("Wrapping up. DONE", 2000)
		}
		return textTurn("spending tokens", 2000)
	}}
	h := newHarness(t, Config{}, client, nil, pairAgents())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "expensive discussion",
		ConversationID: "c1",
		Context:        map[string]any{"budget_limit": "0.01"},
	})

	assert.Empty(t, result.Error)
	assert.True(t, result.CostBreakdown.TotalCost.Equal(decimal.RequireFromString("0.015")),
		result.CostBreakdown.TotalCost.String())

	tl := h.tracker.Timeline("c1")
	require.NotNil(t, tl)
	require.NotNil(t, tl.BudgetBreachTurn)
	assert.Equal(t, 3, *tl.BudgetBreachTurn)
}

func TestOrchestrateCancellation(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("still going", 100)
	}}
	h := newHarness(t, Config{}, client, nil, pairAgents())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := h.orch.Orchestrate(ctx, Input{Message: "discuss", ConversationID: "c1"})

	assert.Contains(t, result.Error, "cancelled")
}

func TestStreamEmitsSingleFinalEvent(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("Q3 revenue was $10M.", 2000)
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	var events []models.StreamEvent
	for event := range h.orch.Stream(context.Background(), Input{
		Message:        "What was Q3 revenue?",
		ConversationID: "c1",
		Context:        map[string]any{"target_agent": "analyst"},
	}) {
		events = append(events, event)
	}
	require.NotEmpty(t, events)

	finals := 0
	sawTurnComplete := false
	for _, e := range events {
		switch {
		case e.Kind == models.StreamEventFinal:
			finals++
		case e.Kind == models.StreamEventStatus && e.Content == "turn_complete":
			sawTurnComplete = true
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, sawTurnComplete)

	last := events[len(events)-1]
	assert.Equal(t, models.StreamEventFinal, last.Kind)
	assert.Equal(t, "Q3 revenue was $10M.", last.Content)
	assert.Equal(t, "Q3 revenue was $10M.", last.Metadata["final_message"])
	assert.Equal(t, 1, last.Metadata["turn_count"])
}

func TestStreamAbandonedConsumerUnblocksOrchestration(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		chunks := make([]llm.Chunk, 0, 130)
		for i := 0; i < 130; i++ {
			chunks = append(chunks, &llm.TextChunk{Content: fmt.Sprintf("word%d ", i)})
		}
		return chunks
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	ctx, cancel := context.WithCancel(context.Background())
	events := h.orch.Stream(ctx, Input{
		Message:        "revenue question",
		ConversationID: "c1",
		Context:        map[string]any{"target_agent": "analyst"},
	})

	// Nothing reads the stream, so its buffer fills. Cancellation must
	// still let the orchestration goroutine finish and close the channel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream never closed after the consumer went away")
		}
	}
}

func TestOrchestrateErrorTurnCountMatchesTimeline(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return []llm.Chunk{
			&llm.TextChunk{Content: "partial thought"},
			&llm.ErrorChunk{Message: "provider down"},
		}
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "revenue question",
		ConversationID: "c1",
	})

	assert.Contains(t, result.Error, "provider down")
	tl := h.tracker.Timeline("c1")
	require.NotNil(t, tl)
	assert.Equal(t, 1, result.TurnCount)
	assert.Len(t, tl.Turns, result.TurnCount)
}

func TestOrchestrateGroupErrorTurnCountMatchesTimeline(t *testing.T) {
	client := &scriptedClient{script: func(call int, in *llm.InvokeInput) []llm.Chunk {
		if call == 2 {
			return []llm.Chunk{&llm.ErrorChunk{Message: "provider down"}}
		}
		return textTurn("making progress", 100)
	}}
	h := newHarness(t, Config{MaxTurns: 10}, client, nil, pairAgents())

	result := h.orch.Orchestrate(context.Background(), Input{
		Message:        "coordinate the rollout",
		ConversationID: "c1",
	})

	assert.Contains(t, result.Error, "provider down")
	tl := h.tracker.Timeline("c1")
	require.NotNil(t, tl)
	assert.Equal(t, 2, result.TurnCount)
	assert.Len(t, tl.Turns, result.TurnCount)
}

func TestStreamErrorResult(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return []llm.Chunk{&llm.ErrorChunk{Message: "provider down"}}
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	var last models.StreamEvent
	for event := range h.orch.Stream(context.Background(), Input{Message: "revenue question"}) {
		last = event
	}
	assert.Equal(t, models.StreamEventError, last.Kind)
	assert.Contains(t, last.Metadata["message"], "provider down")
}

func TestHealthReflectsBreakerState(t *testing.T) {
	client := &scriptedClient{script: func(int, *llm.InvokeInput) []llm.Chunk {
		return textTurn("ok", 100)
	}}
	h := newHarness(t, Config{}, client, nil, soloAgent())

	report := h.orch.Health()
	assert.Equal(t, "healthy", report.Status)
	assert.True(t, report.Initialized)
	assert.Equal(t, 1, report.AgentCount)
	assert.False(t, report.HasSafety)

	for i := 0; i < 3; i++ {
		h.breaker.RecordFailure()
	}
	assert.Equal(t, "unhealthy", h.orch.Health().Status)
}
