package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/colloquy-ai/colloquy/pkg/agent"
	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/costs"
	"github.com/colloquy-ai/colloquy/pkg/llm"
	"github.com/colloquy-ai/colloquy/pkg/models"
	"github.com/colloquy-ai/colloquy/pkg/pause"
	"github.com/colloquy-ai/colloquy/pkg/selector"
	"github.com/colloquy-ai/colloquy/pkg/stream"
)

// turnOutcome is one drained agent turn.
type turnOutcome struct {
	result  *stream.StreamResult
	events  []models.StreamEvent
	started time.Time
	ended   time.Time
}

// runSingle executes the single-agent path: one turn by the targeted or
// best-scoring agent. turn is 1 except when resuming after an approval.
func (o *Orchestrator) runSingle(ctx context.Context, conv *models.Conversation, target *agent.Agent, candidates []*agent.Agent, turn int, sink chan<- models.StreamEvent, start time.Time) *models.Result {
	a := target
	if a == nil {
		sctx := selector.BuildContext(conv, turn, "")
		selected, err := o.selector.SelectBest(sctx, candidates)
		if err != nil {
			selected = fallbackAgent(candidates)
		}
		a = selected
	}
	if a == nil {
		return o.failResult(conv, models.RoutingSingleAgent, "no agents loaded", start, true)
	}

	out, err := o.runTurn(ctx, conv, a, turn, sink)
	if err != nil {
		if out != nil {
			// The partial turn hits the timeline, so it counts.
			conv.TurnCount = turn
			o.track(conv, turn, a, out)
		}
		return o.failResult(conv, models.RoutingSingleAgent, err.Error(), start, true)
	}

	conv.Append(models.NewAgentMessage(a.ID, models.MessageKindText, out.result.FinalMessage))
	conv.TurnCount = turn
	o.track(conv, turn, a, out)

	if paused := o.maybeGate(ctx, conv, turn+1, "", models.RoutingSingleAgent, a.ID, out.events, start); paused != nil {
		return paused
	}

	o.breaker.RecordSuccess()
	return o.successResult(conv, models.RoutingSingleAgent, start)
}

// runGroup drives the bounded group chat loop: select a speaker, run the
// turn, account for it, gate risky actions, check termination.
func (o *Orchestrator) runGroup(ctx context.Context, conv *models.Conversation, candidates []*agent.Agent, startTurn int, prevPhase selector.Phase, sink chan<- models.StreamEvent, start time.Time) *models.Result {
	for turn := startTurn; turn <= o.config.MaxTurns; turn++ {
		if ctx.Err() != nil {
			conv.Termination = models.TerminationCancelled
			return o.failResult(conv, models.RoutingMultiAgent,
				"orchestration cancelled: "+ctx.Err().Error(), start, true)
		}

		sctx := selector.BuildContext(conv, turn, prevPhase)
		prevPhase = sctx.Phase

		speaker, err := o.selector.SelectBest(sctx, candidates)
		if err != nil {
			return o.failResult(conv, models.RoutingMultiAgent, err.Error(), start, true)
		}

		out, err := o.runTurn(ctx, conv, speaker, turn, sink)
		if err != nil {
			if out != nil {
				// Partial turn still hits the timeline, so it counts.
				conv.TurnCount = turn
				o.track(conv, turn, speaker, out)
			}
			if ctx.Err() != nil {
				conv.Termination = models.TerminationCancelled
			}
			return o.failResult(conv, models.RoutingMultiAgent, err.Error(), start, true)
		}

		conv.Append(models.NewAgentMessage(speaker.ID, models.MessageKindText, out.result.FinalMessage))
		conv.TurnCount = turn
		o.track(conv, turn, speaker, out)

		if paused := o.maybeGate(ctx, conv, turn+1, prevPhase, models.RoutingMultiAgent, speaker.ID, out.events, start); paused != nil {
			return paused
		}

		if hasTerminationMarker(out.result.FinalMessage) {
			conv.Termination = models.TerminationMarkerSeen
			break
		}
	}
	if conv.Termination == models.TerminationNone {
		conv.Termination = models.TerminationMaxTurns
	}

	o.breaker.RecordSuccess()
	return o.successResult(conv, models.RoutingMultiAgent, start)
}

// runTurn invokes one agent with the running transcript and drains its
// normalized event stream.
func (o *Orchestrator) runTurn(ctx context.Context, conv *models.Conversation, speaker *agent.Agent, turn int, sink chan<- models.StreamEvent) (*turnOutcome, error) {
	ctx, span := o.tracer.Start(ctx, "turn",
		attribute.String("conversation_id", conv.ID),
		attribute.Int("turn_number", turn),
		attribute.String("agent_id", speaker.ID))
	defer span.End()

	client := speaker.Client()
	if client == nil {
		err := fmt.Errorf("agent %s has no model client", speaker.ID)
		span.RecordError(err)
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, o.config.ModelTimeout)
	defer cancel()

	started := o.clock()
	chunks, err := client.Invoke(tctx, &llm.InvokeInput{
		ConversationID: conv.ID,
		AgentID:        speaker.ID,
		Model:          speaker.Model,
		SystemPrompt:   speaker.SystemPrompt,
		Transcript:     conv.Messages,
		Tools:          speaker.ToolDefinitions(),
		Stream:         true,
	})
	if err != nil {
		span.RecordError(err)
		out := &turnOutcome{
			result:  &stream.StreamResult{Status: "error"},
			started: started,
			ended:   o.clock(),
		}
		return out, fmt.Errorf("invoking agent %s: %w", speaker.ID, err)
	}

	events := o.mux.Consume(tctx, conv.ID, speaker.ID, chunks)
	res, seen := forwardDrain(tctx, events, sink)
	out := &turnOutcome{result: res, events: seen, started: started, ended: o.clock()}
	if res.Err != nil {
		span.RecordError(res.Err)
		return out, fmt.Errorf("agent %s stream failed: %w", speaker.ID, res.Err)
	}
	return out, nil
}

// track accounts for one turn. Accounting failure is logged, never fatal to
// the conversation.
func (o *Orchestrator) track(conv *models.Conversation, turn int, speaker *agent.Agent, out *turnOutcome) {
	prompt, completion := usageTokens(out.events)
	_, err := o.tracker.TrackTurn(costs.TrackInput{
		ConversationID:   conv.ID,
		TurnNumber:       turn,
		AgentID:          speaker.ID,
		Message:          models.NewAgentMessage(speaker.ID, models.MessageKindText, out.result.FinalMessage),
		Model:            speaker.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		ToolCalls:        out.result.ToolsUsed,
		StartedAt:        out.started,
		EndedAt:          out.ended,
	})
	if err != nil {
		o.logger.Warn("Turn accounting failed",
			"conversation_id", conv.ID, "turn", turn, "error", err)
	}
}

// actionSpec is a proposed action extracted from context or agent output.
type actionSpec struct {
	actionType  string
	description string
	payload     map[string]any
}

// maybeGate assesses every risk-flagged tool invocation of the turn and
// pauses the conversation on the first one needing approval.
func (o *Orchestrator) maybeGate(ctx context.Context, conv *models.Conversation, resumeTurn int, phase selector.Phase, routing models.Routing, agentID string, events []models.StreamEvent, start time.Time) *models.Result {
	if o.approvals == nil {
		return nil
	}
	for _, action := range riskActionsFromEvents(events) {
		if paused := o.gateAction(ctx, conv, resumeTurn, phase, routing, agentID, action, start); paused != nil {
			return paused
		}
	}
	return nil
}

// gateAction runs one proposed action through the approval gate. Returns
// nil when the action is auto-approved; otherwise pauses the conversation
// and returns the paused Result.
func (o *Orchestrator) gateAction(ctx context.Context, conv *models.Conversation, resumeTurn int, phase selector.Phase, routing models.Routing, agentID string, action actionSpec, start time.Time) *models.Result {
	ctx, span := o.tracer.Start(ctx, "approval_gate",
		attribute.String("conversation_id", conv.ID),
		attribute.String("action_type", action.actionType))
	defer span.End()

	req, err := o.approvals.Create(ctx, approval.CreateInput{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		AgentID:        agentID,
		ActionType:     action.actionType,
		Description:    action.description,
		Payload:        action.payload,
	})
	if err != nil {
		span.RecordError(err)
		// A risky action must not proceed when the gate itself is broken.
		return o.failResult(conv, routing, "creating approval: "+err.Error(), start, true)
	}
	if req == nil {
		return nil // below the approval threshold
	}

	cb := func(_ context.Context, rc pause.ResumeContext) error {
		o.resumeMu.Lock()
		o.resumes[conv.ID] = &resumeState{
			conversation: conv,
			turn:         resumeTurn,
			phase:        phase,
			routing:      routing,
			status:       rc.Status,
			rationale:    rc.Rationale,
			actionType:   req.ActionType,
		}
		o.resumeMu.Unlock()
		return nil
	}

	if o.pauses != nil {
		_, err = o.pauses.Pause(ctx, pause.PauseInput{
			ConversationID: conv.ID,
			ApprovalID:     req.ID,
			Reason:         "approval required: " + req.ActionType,
			Snapshot:       map[string]any{"turn": resumeTurn},
			PendingMessage: conv.LastMessage().Content,
			Timeout:        time.Until(req.ExpiresAt),
			ResumeCallback: cb,
		})
		if err != nil {
			span.RecordError(err)
			// No orphan pending approvals.
			if _, cancelErr := o.approvals.Cancel(ctx, req.ID, "system", "pause failed: "+err.Error()); cancelErr != nil {
				o.logger.Error("Failed to cancel approval after pause failure",
					"approval_id", req.ID, "error", cancelErr)
			}
			return o.failResult(conv, routing, "pausing conversation: "+err.Error(), start, true)
		}
	}

	conv.Termination = models.TerminationPaused
	result := o.buildResult(conv, routing, start, false)
	result.Paused = &models.PausedInfo{ApprovalID: req.ID, RiskLevel: string(req.RiskLevel)}
	result.Response = fmt.Sprintf("Paused for approval: %s requires %s-risk sign-off.",
		req.ActionType, req.RiskLevel)
	return result
}

// successResult finalizes the conversation and assembles a terminal Result.
func (o *Orchestrator) successResult(conv *models.Conversation, routing models.Routing, start time.Time) *models.Result {
	result := o.buildResult(conv, routing, start, true)
	result.Response = finalResponse(conv)
	return result
}

// failResult assembles an error Result, optionally feeding the circuit
// breaker.
func (o *Orchestrator) failResult(conv *models.Conversation, routing models.Routing, errMsg string, start time.Time, recordFailure bool) *models.Result {
	if recordFailure {
		o.breaker.RecordFailure()
	}
	result := o.buildResult(conv, routing, start, true)
	result.Error = errMsg
	return result
}

func (o *Orchestrator) buildResult(conv *models.Conversation, routing models.Routing, start time.Time, end bool) *models.Result {
	var tl *costs.Timeline
	if end {
		tl = o.tracker.EndConversation(conv.ID)
	} else {
		tl = o.tracker.Timeline(conv.ID)
	}
	return &models.Result{
		ConversationID:  conv.ID,
		Routing:         routing,
		TurnCount:       conv.TurnCount,
		AgentsUsed:      agentsUsed(conv, o.registry),
		DurationSeconds: o.clock().Sub(start).Seconds(),
		CostBreakdown:   costBreakdown(tl),
	}
}

func costBreakdown(tl *costs.Timeline) models.CostBreakdown {
	if tl == nil {
		return models.CostBreakdown{}
	}
	cb := models.CostBreakdown{TotalCost: tl.TotalCost}
	if len(tl.PerAgent) > 0 {
		cb.ByAgent = make(map[string]decimal.Decimal, len(tl.PerAgent))
		for id, au := range tl.PerAgent {
			cb.ByAgent[id] = au.Cost
		}
	}
	if len(tl.Turns) > 0 {
		cb.ByModel = make(map[string]decimal.Decimal, 4)
		for _, turn := range tl.Turns {
			cb.ByModel[turn.Model] = cb.ByModel[turn.Model].Add(turn.TotalCost)
		}
	}
	return cb
}

// finalResponse is the content of the last agent-sourced text message.
func finalResponse(conv *models.Conversation) string {
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.Source != models.UserSource && msg.Kind == models.MessageKindText && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

// agentsUsed lists distinct registered agents in order of first
// contribution.
func agentsUsed(conv *models.Conversation, registry *agent.Registry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, msg := range conv.Messages {
		if msg.Source == models.UserSource || seen[msg.Source] {
			continue
		}
		if registry.Get(msg.Source) == nil {
			continue
		}
		seen[msg.Source] = true
		out = append(out, msg.Source)
	}
	return out
}

// fallbackAgent picks the lexicographically smallest agent id for
// determinism.
func fallbackAgent(candidates []*agent.Agent) *agent.Agent {
	var best *agent.Agent
	for _, a := range candidates {
		if best == nil || a.ID < best.ID {
			best = a
		}
	}
	return best
}

// riskAction reads a proposed_action context entry.
func riskAction(context map[string]any) (actionSpec, bool) {
	raw, ok := context["proposed_action"].(map[string]any)
	if !ok {
		return actionSpec{}, false
	}
	return actionSpec{
		actionType:  stringValue(raw["action_type"]),
		description: stringValue(raw["description"]),
		payload:     raw,
	}, true
}

// riskActionsFromEvents extracts risk-flagged tool invocations from a
// turn's event stream. A tool call carries a risk flag when its arguments
// include action_type, estimated_cost, or data_sensitivity.
func riskActionsFromEvents(events []models.StreamEvent) []actionSpec {
	var out []actionSpec
	for _, e := range events {
		if e.Kind != models.StreamEventToolCall {
			continue
		}
		raw, _ := e.Metadata["arguments"].(string)
		if raw == "" {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			continue
		}
		if !hasRiskFlags(args) {
			continue
		}
		spec := actionSpec{
			actionType:  stringValue(args["action_type"]),
			description: stringValue(args["description"]),
			payload:     args,
		}
		if spec.actionType == "" {
			spec.actionType = e.Content
		}
		out = append(out, spec)
	}
	return out
}

func hasRiskFlags(args map[string]any) bool {
	for _, key := range []string{"action_type", "estimated_cost", "data_sensitivity"} {
		if _, ok := args[key]; ok {
			return true
		}
	}
	return false
}

// usageTokens extracts provider-reported token counts from a turn's usage
// event, when present.
func usageTokens(events []models.StreamEvent) (prompt, completion *int) {
	for _, e := range events {
		if e.Kind != models.StreamEventStatus || e.Content != "usage" {
			continue
		}
		if v, ok := toInt(e.Metadata["prompt_tokens"]); ok {
			prompt = &v
		}
		if v, ok := toInt(e.Metadata["completion_tokens"]); ok {
			completion = &v
		}
	}
	return prompt, completion
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
