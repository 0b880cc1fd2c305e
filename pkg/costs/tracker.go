package costs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/colloquy-ai/colloquy/pkg/models"
)

// ErrTurnOrder is returned when a turn is tracked out of order. The
// timeline is never mutated on rejection.
var ErrTurnOrder = errors.New("turn number must be strictly increasing")

// TurnCallback observes each completed turn of a conversation, in order.
type TurnCallback func(conversationID string, usage TurnTokenUsage)

// BreachCallback observes the first budget breach of a conversation.
type BreachCallback func(conversationID string, breachTurn int, totalCost decimal.Decimal)

// TrackInput is one turn to account for. Token counts are optional; when
// nil they are estimated from the message content.
type TrackInput struct {
	ConversationID   string
	TurnNumber       int
	AgentID          string
	Message          models.Message
	Model            string
	PromptTokens     *int
	CompletionTokens *int
	ToolCalls        []string
	StartedAt        time.Time
	EndedAt          time.Time
}

// Tracker maintains one Timeline per conversation. Operations on the same
// timeline are serialized by a per-timeline mutex; different conversations
// proceed independently.
type Tracker struct {
	defaultBudget *decimal.Decimal

	mu        sync.RWMutex
	timelines map[string]*timelineEntry

	cbMu     sync.RWMutex
	onTurn   []TurnCallback
	onBreach []BreachCallback
}

type timelineEntry struct {
	mu       sync.Mutex
	timeline *Timeline
}

// NewTracker creates a tracker. defaultBudget applies to conversations
// started without an explicit budget; nil disables budget enforcement by
// default.
func NewTracker(defaultBudget *decimal.Decimal) *Tracker {
	return &Tracker{
		defaultBudget: defaultBudget,
		timelines:     make(map[string]*timelineEntry),
	}
}

// OnTurnComplete registers a callback fired after every tracked turn.
// Callbacks observe one conversation's turns in order; panics are isolated.
func (t *Tracker) OnTurnComplete(cb TurnCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onTurn = append(t.onTurn, cb)
}

// OnBudgetBreach registers a callback fired exactly once per conversation,
// on the first turn whose cumulative cost exceeds the budget.
func (t *Tracker) OnBudgetBreach(cb BreachCallback) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onBreach = append(t.onBreach, cb)
}

// StartConversation creates (or returns the existing) timeline for id.
// budget overrides the tracker default; nil inherits it.
func (t *Tracker) StartConversation(id string, budget *decimal.Decimal) *Timeline {
	t.mu.Lock()
	entry, ok := t.timelines[id]
	if !ok {
		limit := t.defaultBudget
		if budget != nil {
			limit = budget
		}
		tl := &Timeline{
			ConversationID: id,
			StartedAt:      time.Now(),
			PerAgent:       make(map[string]*AgentUsage),
		}
		if limit != nil {
			l := *limit
			tl.BudgetLimit = &l
			tl.BudgetRemaining = l
		}
		entry = &timelineEntry{timeline: tl}
		t.timelines[id] = entry
	}
	t.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.timeline.clone()
}

// TrackTurn records one turn: estimates tokens when not supplied, prices
// them, appends to the timeline, updates running sums and budget state, and
// fires callbacks. Tracking failure is never fatal to the conversation; the
// only rejection is an out-of-order turn number.
func (t *Tracker) TrackTurn(in TrackInput) (TurnTokenUsage, error) {
	entry := t.entry(in.ConversationID)

	entry.mu.Lock()
	tl := entry.timeline

	if n := len(tl.Turns); n > 0 && in.TurnNumber <= tl.Turns[n-1].TurnNumber {
		entry.mu.Unlock()
		return TurnTokenUsage{}, fmt.Errorf("%w: turn %d after turn %d",
			ErrTurnOrder, in.TurnNumber, tl.Turns[len(tl.Turns)-1].TurnNumber)
	}

	usage := buildUsage(in)

	tl.Turns = append(tl.Turns, usage)
	tl.TotalPromptTokens += usage.PromptTokens
	tl.TotalCompletionTokens += usage.CompletionTokens
	tl.TotalTokens += usage.TotalTokens
	tl.TotalCost = tl.TotalCost.Add(usage.TotalCost)

	au := tl.PerAgent[in.AgentID]
	if au == nil {
		au = &AgentUsage{}
		tl.PerAgent[in.AgentID] = au
	}
	au.Turns++
	au.Tokens += usage.TotalTokens
	au.Cost = au.Cost.Add(usage.TotalCost)
	au.AvgTokensPerTurn = float64(au.Tokens) / float64(au.Turns)

	if usage.TotalTokens > tl.PeakTurnTokens {
		tl.PeakTurn = usage.TurnNumber
		tl.PeakTurnTokens = usage.TotalTokens
	}
	turns := len(tl.Turns)
	tl.AvgTokens = float64(tl.TotalTokens) / float64(turns)
	tl.AvgCostPerTurn = tl.TotalCost.Div(decimal.NewFromInt(int64(turns)))

	breached := false
	if tl.BudgetLimit != nil {
		tl.BudgetRemaining = tl.BudgetLimit.Sub(tl.TotalCost)
		if tl.BudgetBreachTurn == nil && tl.TotalCost.GreaterThan(*tl.BudgetLimit) {
			turn := usage.TurnNumber
			tl.BudgetBreachTurn = &turn
			breached = true
		}
	}
	totalCost := tl.TotalCost
	entry.mu.Unlock()

	if breached {
		slog.Warn("Conversation budget breached",
			"conversation_id", in.ConversationID,
			"turn", usage.TurnNumber,
			"total_cost", totalCost.String())
		t.fireBreach(in.ConversationID, usage.TurnNumber, totalCost)
	}
	t.fireTurn(in.ConversationID, usage)

	return usage, nil
}

// buildUsage estimates (or adopts) token counts and prices them.
func buildUsage(in TrackInput) TurnTokenUsage {
	prompt, completion := splitTokens(in)

	p := PriceFor(in.Model)
	promptCost := Cost(prompt, p.PromptPerMillion)
	completionCost := Cost(completion, p.CompletionPerMillion)

	started, ended := in.StartedAt, in.EndedAt
	if started.IsZero() {
		started = time.Now()
	}
	if ended.IsZero() {
		ended = time.Now()
	}
	duration := ended.Sub(started)

	usage := TurnTokenUsage{
		TurnNumber:       in.TurnNumber,
		AgentID:          in.AgentID,
		MessageKind:      string(in.Message.Kind),
		Model:            in.Model,
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		PromptCost:       promptCost,
		CompletionCost:   completionCost,
		TotalCost:        promptCost.Add(completionCost),
		StartedAt:        started,
		EndedAt:          ended,
		DurationMS:       duration.Milliseconds(),
		MessageLength:    len(in.Message.Content),
		ToolCalls:        in.ToolCalls,
	}
	if secs := duration.Seconds(); secs > 0 {
		usage.TokensPerSecond = float64(usage.TotalTokens) / secs
	}
	return usage
}

// splitTokens divides the turn's tokens between prompt and completion.
// Supplied counts win; otherwise the estimate splits by message kind:
// text 50/50, tool-call 50/50 plus a prompt overhead, tool-result 1/3
// prompt and 2/3 completion.
func splitTokens(in TrackInput) (prompt, completion int) {
	if in.PromptTokens != nil || in.CompletionTokens != nil {
		if in.PromptTokens != nil {
			prompt = *in.PromptTokens
		}
		if in.CompletionTokens != nil {
			completion = *in.CompletionTokens
		}
		return prompt, completion
	}

	total := EstimateTokens(in.Message.Content)
	switch in.Message.Kind {
	case models.MessageKindToolCall:
		prompt = total/2 + toolCallPromptOverhead
		completion = total - total/2
	case models.MessageKindToolResult:
		prompt = total / 3
		completion = total - prompt
	default:
		prompt = total / 2
		completion = total - prompt
	}
	return prompt, completion
}

// EndConversation stamps the timeline's end time and returns a snapshot.
// The timeline stays in the map for later inspection and cleanup.
func (t *Tracker) EndConversation(id string) *Timeline {
	t.mu.RLock()
	entry, ok := t.timelines[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.timeline.EndedAt == nil {
		now := time.Now()
		entry.timeline.EndedAt = &now
	}
	return entry.timeline.clone()
}

// Timeline returns a snapshot of the conversation's timeline, or nil.
func (t *Tracker) Timeline(id string) *Timeline {
	t.mu.RLock()
	entry, ok := t.timelines[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.timeline.clone()
}

// BreachProjection is the result of simulating future spend.
type BreachProjection struct {
	Current          decimal.Decimal `json:"current"`
	Projected        decimal.Decimal `json:"projected"`
	WillBreach       bool            `json:"will_breach"`
	TurnsUntilBreach *int            `json:"turns_until_breach,omitempty"`
}

// SimulateBreach projects cost futureTurns ahead at the conversation's
// average cost per turn and reports whether (and when) the budget would be
// breached.
func (t *Tracker) SimulateBreach(id string, futureTurns int) *BreachProjection {
	t.mu.RLock()
	entry, ok := t.timelines[id]
	t.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	tl := entry.timeline

	projected := tl.TotalCost.Add(tl.AvgCostPerTurn.Mul(decimal.NewFromInt(int64(futureTurns))))
	out := &BreachProjection{Current: tl.TotalCost, Projected: projected}
	if tl.BudgetLimit == nil {
		return out
	}

	out.WillBreach = projected.GreaterThan(*tl.BudgetLimit)
	if !out.WillBreach || tl.AvgCostPerTurn.IsZero() {
		return out
	}
	if tl.TotalCost.GreaterThan(*tl.BudgetLimit) {
		zero := 0
		out.TurnsUntilBreach = &zero
		return out
	}
	headroom := tl.BudgetLimit.Sub(tl.TotalCost)
	turns := int(headroom.Div(tl.AvgCostPerTurn).Ceil().IntPart())
	if turns < 1 {
		turns = 1
	}
	out.TurnsUntilBreach = &turns
	return out
}

// Remove drops a conversation's timeline. Used by retention cleanup.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.timelines, id)
}

// Ended lists conversation ids whose timelines ended before cutoff.
func (t *Tracker) Ended(cutoff time.Time) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, entry := range t.timelines {
		entry.mu.Lock()
		if entry.timeline.EndedAt != nil && entry.timeline.EndedAt.Before(cutoff) {
			out = append(out, id)
		}
		entry.mu.Unlock()
	}
	return out
}

func (t *Tracker) entry(id string) *timelineEntry {
	t.mu.RLock()
	entry, ok := t.timelines[id]
	t.mu.RUnlock()
	if ok {
		return entry
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok = t.timelines[id]; ok {
		return entry
	}
	limit := t.defaultBudget
	tl := &Timeline{
		ConversationID: id,
		StartedAt:      time.Now(),
		PerAgent:       make(map[string]*AgentUsage),
	}
	if limit != nil {
		l := *limit
		tl.BudgetLimit = &l
		tl.BudgetRemaining = l
	}
	entry = &timelineEntry{timeline: tl}
	t.timelines[id] = entry
	return entry
}

// fireTurn invokes turn callbacks with panic isolation. A misbehaving
// callback must never take down tracking.
func (t *Tracker) fireTurn(id string, usage TurnTokenUsage) {
	t.cbMu.RLock()
	callbacks := make([]TurnCallback, len(t.onTurn))
	copy(callbacks, t.onTurn)
	t.cbMu.RUnlock()

	for _, cb := range callbacks {
		safeInvoke(func() { cb(id, usage) })
	}
}

func (t *Tracker) fireBreach(id string, turn int, total decimal.Decimal) {
	t.cbMu.RLock()
	callbacks := make([]BreachCallback, len(t.onBreach))
	copy(callbacks, t.onBreach)
	t.cbMu.RUnlock()

	for _, cb := range callbacks {
		safeInvoke(func() { cb(id, turn, total) })
	}
}

func safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Cost tracker callback panicked", "panic", r)
		}
	}()
	fn()
}
