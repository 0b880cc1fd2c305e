package costs

import (
	"time"

	"github.com/shopspring/decimal"
)

// TurnTokenUsage is the accounting record for one turn.
type TurnTokenUsage struct {
	TurnNumber       int             `json:"turn_number"`
	AgentID          string          `json:"agent_id"`
	MessageKind      string          `json:"message_kind"`
	Model            string          `json:"model"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	TotalTokens      int             `json:"total_tokens"`
	PromptCost       decimal.Decimal `json:"prompt_cost"`
	CompletionCost   decimal.Decimal `json:"completion_cost"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at"`
	DurationMS       int64           `json:"duration_ms"`
	MessageLength    int             `json:"message_length"`
	ToolCalls        []string        `json:"tool_calls,omitempty"`
	TokensPerSecond  float64         `json:"tokens_per_second"`
}

// AgentUsage aggregates a single agent's share of a timeline.
type AgentUsage struct {
	Turns            int             `json:"turns"`
	Tokens           int             `json:"tokens"`
	Cost             decimal.Decimal `json:"cost"`
	AvgTokensPerTurn float64         `json:"avg_tokens_per_turn"`
}

// Timeline is the ordered record of one conversation's turns with running
// totals and budget state. Turns are append-only in strictly increasing
// turn-number order.
type Timeline struct {
	ConversationID string           `json:"conversation_id"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	Turns          []TurnTokenUsage `json:"turns"`

	TotalPromptTokens     int             `json:"total_prompt_tokens"`
	TotalCompletionTokens int             `json:"total_completion_tokens"`
	TotalTokens           int             `json:"total_tokens"`
	TotalCost             decimal.Decimal `json:"total_cost"`

	PerAgent map[string]*AgentUsage `json:"per_agent"`

	// BudgetLimit is nil when the conversation is unbudgeted.
	BudgetLimit     *decimal.Decimal `json:"budget_limit,omitempty"`
	BudgetRemaining decimal.Decimal  `json:"budget_remaining"`
	// BudgetBreachTurn is the first turn whose cumulative cost exceeded the
	// limit. Once set it is never cleared or rewritten.
	BudgetBreachTurn *int `json:"budget_breach_turn,omitempty"`

	PeakTurn       int     `json:"peak_turn"`
	PeakTurnTokens int     `json:"peak_turn_tokens"`
	AvgTokens      float64 `json:"avg_tokens_per_turn"`
	// AvgCostPerTurn feeds breach projection.
	AvgCostPerTurn decimal.Decimal `json:"avg_cost_per_turn"`
}

// clone returns a deep copy safe to hand to callers and callbacks.
func (t *Timeline) clone() *Timeline {
	out := *t
	out.Turns = make([]TurnTokenUsage, len(t.Turns))
	copy(out.Turns, t.Turns)
	out.PerAgent = make(map[string]*AgentUsage, len(t.PerAgent))
	for id, u := range t.PerAgent {
		copied := *u
		out.PerAgent[id] = &copied
	}
	if t.EndedAt != nil {
		ended := *t.EndedAt
		out.EndedAt = &ended
	}
	if t.BudgetLimit != nil {
		limit := *t.BudgetLimit
		out.BudgetLimit = &limit
	}
	if t.BudgetBreachTurn != nil {
		turn := *t.BudgetBreachTurn
		out.BudgetBreachTurn = &turn
	}
	return &out
}
