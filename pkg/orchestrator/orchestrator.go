// Package orchestrator is the top-level entry point: it routes a user
// message to a single agent or a group chat, drives the bounded turn loop,
// integrates selection, resilience, accounting, streaming, and the approval
// gate, and assembles the final Result. Orchestrate never raises; every
// outcome is a Result variant.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/colloquy-ai/colloquy/pkg/agent"
	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/costs"
	"github.com/colloquy-ai/colloquy/pkg/models"
	"github.com/colloquy-ai/colloquy/pkg/pause"
	"github.com/colloquy-ai/colloquy/pkg/resilience"
	"github.com/colloquy-ai/colloquy/pkg/safety"
	"github.com/colloquy-ai/colloquy/pkg/selector"
	"github.com/colloquy-ai/colloquy/pkg/stream"
	"github.com/colloquy-ai/colloquy/pkg/telemetry"
)

// terminationMarkers end a group chat loop when they appear in the latest
// message.
var terminationMarkers = []string{"DONE", "TERMINATE", "END_CONVERSATION"}

// Config tunes the orchestrator.
type Config struct {
	// Name identifies this orchestrator variant in health reports.
	Name string
	// MaxTurns bounds the group chat loop.
	MaxTurns int
	// ModelTimeout is the per-invocation deadline for model calls.
	ModelTimeout time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Name:         "colloquy",
		MaxTurns:     10,
		ModelTimeout: 120 * time.Second,
	}
}

// Deps are the collaborators an Orchestrator integrates. Registry, Tracker,
// Approvals, and Pauses are required; the rest default to sensible
// instances (or are optional) when nil.
type Deps struct {
	Registry  *agent.Registry
	Selector  *selector.Selector
	Breaker   *resilience.CircuitBreaker
	Monitor   *resilience.HealthMonitor
	Tracker   *costs.Tracker
	Approvals *approval.Store
	Pauses    *pause.Manager
	Mux       *stream.Mux
	Guardian  safety.Guardian // optional safety gate
	Tracer    telemetry.Tracer
}

// resumeState is the process-local continuation of a paused conversation,
// installed by the pause manager's resume callback and consumed by the next
// Orchestrate call for the conversation.
type resumeState struct {
	conversation *models.Conversation
	turn         int
	phase        selector.Phase
	routing      models.Routing
	status       approval.Status
	rationale    string
	actionType   string
}

// Orchestrator coordinates one conversation per Orchestrate call.
// Conversations are independent; the only cross-call state is the resume
// map for paused conversations.
type Orchestrator struct {
	config    Config
	registry  *agent.Registry
	selector  *selector.Selector
	breaker   *resilience.CircuitBreaker
	monitor   *resilience.HealthMonitor
	tracker   *costs.Tracker
	approvals *approval.Store
	pauses    *pause.Manager
	mux       *stream.Mux
	guardian  safety.Guardian
	tracer    telemetry.Tracer
	logger    *slog.Logger
	clock     func() time.Time
	startedAt time.Time

	resumeMu sync.Mutex
	resumes  map[string]*resumeState
}

// New wires an orchestrator from its collaborators. Zero config fields fall
// back to defaults; when a monitor is supplied the orchestrator registers
// its own liveness probe.
func New(config Config, deps Deps) *Orchestrator {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = def.MaxTurns
	}
	if config.ModelTimeout <= 0 {
		config.ModelTimeout = def.ModelTimeout
	}
	if deps.Selector == nil {
		deps.Selector = selector.New()
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewCircuitBreaker(config.Name, resilience.BreakerConfig{})
	}
	if deps.Mux == nil {
		deps.Mux = stream.NewMux(stream.Config{})
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewTracer()
	}

	o := &Orchestrator{
		config:    config,
		registry:  deps.Registry,
		selector:  deps.Selector,
		breaker:   deps.Breaker,
		monitor:   deps.Monitor,
		tracker:   deps.Tracker,
		approvals: deps.Approvals,
		pauses:    deps.Pauses,
		mux:       deps.Mux,
		guardian:  deps.Guardian,
		tracer:    deps.Tracer,
		logger:    slog.With("component", "orchestrator"),
		clock:     time.Now,
		startedAt: time.Now(),
		resumes:   make(map[string]*resumeState),
	}

	if o.monitor != nil {
		o.monitor.Register(config.Name, o.probe)
	}
	return o
}

// probe is the liveness predicate registered with the health monitor.
func (o *Orchestrator) probe(ctx context.Context) error {
	if state := o.breaker.State(); state == resilience.StateOpen {
		return fmt.Errorf("circuit breaker is %s", state)
	}
	return nil
}

// Input is one orchestration request.
type Input struct {
	Message        string
	Context        map[string]any
	UserID         string
	ConversationID string
}

// Orchestrate runs one conversation to a terminal Result. It never panics
// out and never returns an error: policy outcomes (blocked, paused, circuit
// open) and failures are all Result variants.
func (o *Orchestrator) Orchestrate(ctx context.Context, in Input) *models.Result {
	return o.run(ctx, in, nil)
}

func (o *Orchestrator) run(ctx context.Context, in Input, sink chan<- models.StreamEvent) (result *models.Result) {
	start := o.clock()
	conversationID := in.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Orchestration panicked",
				"conversation_id", conversationID, "panic", r)
			o.breaker.RecordFailure()
			result = &models.Result{
				ConversationID:  conversationID,
				Error:           fmt.Sprintf("internal error: %v", r),
				DurationSeconds: o.clock().Sub(start).Seconds(),
			}
		}
	}()

	ctx, span := o.tracer.Start(ctx, "orchestrate",
		attribute.String("conversation_id", conversationID),
		attribute.String("user_id", in.UserID))
	defer span.End()

	// Circuit gate. Short-circuiting is not a failure.
	if !o.breaker.Allow() {
		status := o.breaker.Status()
		o.logger.Warn("Request short-circuited",
			"conversation_id", conversationID, "breaker_state", status.State)
		return &models.Result{
			ConversationID: conversationID,
			CircuitBreaker: "open",
			Response: fmt.Sprintf(
				"The orchestrator is temporarily unavailable (circuit %s after %d consecutive failures). Please retry shortly.",
				status.State, status.ConsecutiveFailures),
			DurationSeconds: o.clock().Sub(start).Seconds(),
		}
	}

	// Safety gate.
	if o.guardian != nil && safetyEnabled(in.Context) {
		if blocked := o.safetyGate(ctx, in, conversationID, start); blocked != nil {
			return blocked
		}
	}

	// A conversation already paused for approval stays paused.
	if o.pauses != nil && o.pauses.IsPaused(conversationID) {
		return o.pausedResult(ctx, conversationID, start)
	}

	rs := o.takeResume(conversationID)
	var conv *models.Conversation
	startTurn := 1
	prevPhase := selector.Phase("")
	if rs != nil {
		conv = rs.conversation
		startTurn = rs.turn
		prevPhase = rs.phase
		if in.Message != "" {
			conv.Append(models.NewUserMessage(in.Message))
		}
		conv.Append(models.NewAgentMessage("approval-gate", models.MessageKindToolResult,
			approvalOutcome(rs)))
		conv.Termination = models.TerminationNone
	} else {
		conv = models.NewConversation(conversationID, in.UserID, in.Message, in.Context)
	}

	o.tracker.StartConversation(conversationID, budgetFromContext(conv.Context))

	// Pre-flight risk gate on an action proposed directly in the context.
	if rs == nil {
		if action, ok := riskAction(conv.Context); ok {
			if paused := o.gateAction(ctx, conv, startTurn, prevPhase, "", "", action, start); paused != nil {
				return paused
			}
		}
	}

	candidates := o.registry.List()

	// Routing.
	routing := models.RoutingMultiAgent
	var target *agent.Agent
	if rs != nil && rs.routing != "" {
		routing = rs.routing
	} else {
		if name := conv.ContextString("target_agent"); name != "" {
			if target = o.registry.Get(name); target == nil {
				o.logger.Warn("Unknown target agent, falling back to selection",
					"conversation_id", conversationID, "target_agent", name)
			}
		}
		if target != nil || o.selector.ShouldUseSingleAgent(in.Message, candidates) {
			routing = models.RoutingSingleAgent
		}
	}

	if routing == models.RoutingSingleAgent {
		conv.Mode = models.ModeSingle
		return o.runSingle(ctx, conv, target, candidates, startTurn, sink, start)
	}
	conv.Mode = models.ModeGroup
	return o.runGroup(ctx, conv, candidates, startTurn, prevPhase, sink, start)
}

// safetyGate consults the guardian. Guardian errors fail open: a broken
// safety backend must not take down orchestration. Rejection produces a
// blocked Result.
func (o *Orchestrator) safetyGate(ctx context.Context, in Input, conversationID string, start time.Time) *models.Result {
	ctx, span := o.tracer.Start(ctx, "safety_gate",
		attribute.String("conversation_id", conversationID))
	defer span.End()

	v, err := o.guardian.Validate(ctx, in.Message, in.UserID)
	if err != nil {
		span.RecordError(err)
		o.logger.Error("Safety guardian unavailable, failing open",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	if v.Authorized {
		return nil
	}

	o.logger.Warn("Message blocked by safety guardian",
		"conversation_id", conversationID,
		"user_id", in.UserID,
		"violations", v.Violations)
	return &models.Result{
		ConversationID:  conversationID,
		Blocked:         true,
		AgentsUsed:      []string{"safety_guardian"},
		Response:        blockedResponse(v.Violations),
		Routing:         models.RoutingSingleAgent,
		DurationSeconds: o.clock().Sub(start).Seconds(),
	}
}

// pausedResult reports the standing pause for an already-paused
// conversation.
func (o *Orchestrator) pausedResult(ctx context.Context, conversationID string, start time.Time) *models.Result {
	rec := o.pauses.Get(conversationID)
	info := &models.PausedInfo{}
	if rec != nil {
		info.ApprovalID = rec.ApprovalID
		if o.approvals != nil {
			if req, err := o.approvals.Get(ctx, rec.ApprovalID); err == nil {
				info.RiskLevel = string(req.RiskLevel)
			}
		}
	}
	return &models.Result{
		ConversationID:  conversationID,
		Paused:          info,
		Response:        "This conversation is paused awaiting human approval.",
		DurationSeconds: o.clock().Sub(start).Seconds(),
	}
}

func (o *Orchestrator) takeResume(conversationID string) *resumeState {
	o.resumeMu.Lock()
	defer o.resumeMu.Unlock()
	rs := o.resumes[conversationID]
	delete(o.resumes, conversationID)
	return rs
}

// HealthReport is the orchestrator's self-description for the health
// endpoint.
type HealthReport struct {
	Status             string         `json:"status"` // healthy, degraded, unhealthy
	Initialized        bool           `json:"initialized"`
	AgentCount         int            `json:"agent_count"`
	Metrics            map[string]any `json:"metrics"`
	HasSafety          bool           `json:"has_safety"`
	HasRAG             bool           `json:"has_rag"`
	Observers          int            `json:"observers"`
	InitializationTime time.Time      `json:"initialization_time"`
}

// Health reports liveness: the breaker state dominates, then the monitor's
// probe results.
func (o *Orchestrator) Health() HealthReport {
	breakerStatus := o.breaker.Status()
	metrics := map[string]any{"circuit_breaker": breakerStatus}

	status := "healthy"
	observers := 0
	if o.monitor != nil {
		summary := o.monitor.Summary()
		metrics["health_checks"] = summary
		observers = summary.Total
		if summary.Unhealthy > 0 {
			status = "degraded"
		}
	}
	switch breakerStatus.State {
	case resilience.StateOpen:
		status = "unhealthy"
	case resilience.StateHalfOpen:
		if status == "healthy" {
			status = "degraded"
		}
	}

	return HealthReport{
		Status:             status,
		Initialized:        o.registry != nil,
		AgentCount:         o.registry.Len(),
		Metrics:            metrics,
		HasSafety:          o.guardian != nil,
		HasRAG:             false,
		Observers:          observers,
		InitializationTime: o.startedAt,
	}
}

// safetyEnabled reads the enable_safety context flag; absent means enabled.
func safetyEnabled(context map[string]any) bool {
	v, ok := context["enable_safety"]
	if !ok {
		return true
	}
	switch s := v.(type) {
	case bool:
		return s
	case string:
		return !strings.EqualFold(s, "false")
	}
	return true
}

func blockedResponse(violations []string) string {
	if len(violations) == 0 {
		return "This message was blocked by the safety policy."
	}
	return "This message was blocked by the safety policy: " + strings.Join(violations, "; ")
}

// budgetFromContext reads an optional budget_limit context value (number or
// numeric string) as a decimal budget.
func budgetFromContext(context map[string]any) *decimal.Decimal {
	v, ok := context["budget_limit"]
	if !ok {
		return nil
	}
	switch b := v.(type) {
	case float64:
		d := decimal.NewFromFloat(b)
		return &d
	case int:
		d := decimal.NewFromInt(int64(b))
		return &d
	case string:
		if d, err := decimal.NewFromString(b); err == nil {
			return &d
		}
	}
	return nil
}

func approvalOutcome(rs *resumeState) string {
	action := rs.actionType
	if action == "" {
		action = "the requested action"
	}
	var outcome string
	switch rs.status {
	case approval.StatusApproved:
		outcome = fmt.Sprintf("Approval granted for %s.", action)
	case approval.StatusDenied:
		outcome = fmt.Sprintf("Approval denied for %s. Do not perform it.", action)
	case approval.StatusTimeout:
		outcome = fmt.Sprintf("Approval for %s timed out without a decision. Do not perform it.", action)
	default:
		outcome = fmt.Sprintf("Approval for %s was resolved as %s.", action, rs.status)
	}
	if rs.rationale != "" {
		outcome += " Rationale: " + rs.rationale
	}
	return outcome
}

func hasTerminationMarker(message string) bool {
	for _, marker := range terminationMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
