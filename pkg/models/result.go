package models

import "github.com/shopspring/decimal"

// Routing identifies which orchestration path produced a Result.
type Routing string

// Routing values.
const (
	RoutingSingleAgent Routing = "single_agent"
	RoutingMultiAgent  Routing = "multi_agent"
)

// CostBreakdown summarizes the money spent on a conversation.
// Costs are decimals end to end; binary floats drift on cumulative totals.
type CostBreakdown struct {
	TotalCost decimal.Decimal            `json:"total_cost"`
	ByModel   map[string]decimal.Decimal `json:"by_model,omitempty"`
	ByAgent   map[string]decimal.Decimal `json:"by_agent,omitempty"`
}

// PausedInfo is present on a Result when the conversation was paused for
// human approval.
type PausedInfo struct {
	ApprovalID string `json:"approval_id"`
	RiskLevel  string `json:"risk_level"`
}

// Result is the terminal outcome of one Orchestrate call. Orchestrate never
// raises; policy outcomes (blocked, paused, circuit open) and failures are
// all expressed as Result variants.
type Result struct {
	Response        string        `json:"response"`
	AgentsUsed      []string      `json:"agents_used"`
	TurnCount       int           `json:"turn_count"`
	DurationSeconds float64       `json:"duration_seconds"`
	CostBreakdown   CostBreakdown `json:"cost_breakdown"`
	Routing         Routing       `json:"routing"`
	ConversationID  string        `json:"conversation_id"`
	Error           string        `json:"error,omitempty"`
	Blocked         bool          `json:"blocked,omitempty"`
	CircuitBreaker  string        `json:"circuit_breaker,omitempty"` // "open" when short-circuited
	Paused          *PausedInfo   `json:"paused,omitempty"`
}
