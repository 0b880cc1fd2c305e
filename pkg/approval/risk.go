// Package approval implements the human-in-the-loop gate: risk assessment
// of proposed actions, the approval request lifecycle, a persistent index
// over a key-value store, and an append-only audit trail.
package approval

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel orders action risk from low to critical.
type RiskLevel string

// Risk levels.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// severityRank orders risk levels for monotone upgrades.
var severityRank = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Threshold is one rung of the risk ladder. An action matching any of the
// threshold's conditions is at least this risky.
type Threshold struct {
	Level           RiskLevel
	Cost            decimal.Decimal
	Sensitivities   []string
	Actions         []string
	RequireApproval bool
	AutoPause       bool
	Timeout         time.Duration
}

// DefaultThresholds returns the standard risk ladder, lowest severity
// first.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Level: RiskLow,
			Cost:  decimal.NewFromInt(10),
		},
		{
			Level:         RiskMedium,
			Cost:          decimal.NewFromInt(100),
			Sensitivities: []string{"pii"},
			Timeout:       120 * time.Minute,
		},
		{
			Level:           RiskHigh,
			Cost:            decimal.NewFromInt(1000),
			Sensitivities:   []string{"pii", "financial"},
			Actions:         []string{"delete", "modify_production"},
			RequireApproval: true,
			AutoPause:       true,
			Timeout:         60 * time.Minute,
		},
		{
			Level:           RiskCritical,
			Cost:            decimal.NewFromInt(5000),
			Sensitivities:   []string{"pii", "financial", "health"},
			Actions:         []string{"delete", "modify_production", "access_sensitive"},
			RequireApproval: true,
			AutoPause:       true,
			Timeout:         30 * time.Minute,
		},
	}
}

// Assessment is the outcome of risk assessment for one proposed action.
type Assessment struct {
	Level           RiskLevel
	RequireApproval bool
	AutoPause       bool
	Timeout         time.Duration
}

// ActionInput describes a proposed action for assessment.
type ActionInput struct {
	ActionType string
	Payload    map[string]any
	Metadata   map[string]any
}

// Assessor evaluates actions against a risk ladder.
type Assessor struct {
	thresholds []Threshold
}

// NewAssessor builds an assessor. nil thresholds use the defaults.
func NewAssessor(thresholds []Threshold) *Assessor {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Assessor{thresholds: thresholds}
}

// Assess walks the ladder from lowest to highest severity and upgrades the
// risk level for every threshold the action matches; the decision fields
// come from the threshold matched at the final level. Risk never
// downgrades. Action types and sensitivities are cumulative up the ladder,
// so each matches at the lowest rung that introduces it: "delete" is high
// risk even though the critical rung also lists it.
func (a *Assessor) Assess(in ActionInput) Assessment {
	cost := estimatedCost(in.Payload)
	sensitivities := dataSensitivities(in.Metadata)

	result := Assessment{Level: RiskLow}
	seenSensitivities := make(map[string]bool)
	seenActions := make(map[string]bool)
	for _, th := range a.thresholds {
		matched := a.matches(th, in.ActionType, cost, sensitivities, seenSensitivities, seenActions)
		for _, s := range th.Sensitivities {
			seenSensitivities[s] = true
		}
		for _, action := range th.Actions {
			seenActions[action] = true
		}
		if !matched {
			continue
		}
		if severityRank[th.Level] >= severityRank[result.Level] {
			result = Assessment{
				Level:           th.Level,
				RequireApproval: th.RequireApproval,
				AutoPause:       th.AutoPause,
				Timeout:         th.Timeout,
			}
		}
	}
	return result
}

func (a *Assessor) matches(th Threshold, actionType string, cost decimal.Decimal, sensitivities []string, seenSensitivities, seenActions map[string]bool) bool {
	if !th.Cost.IsZero() && cost.GreaterThanOrEqual(th.Cost) {
		return true
	}
	for _, s := range sensitivities {
		if seenSensitivities[s] {
			continue
		}
		for _, want := range th.Sensitivities {
			if s == want {
				return true
			}
		}
	}
	if !seenActions[actionType] {
		for _, action := range th.Actions {
			if actionType == action {
				return true
			}
		}
	}
	return false
}

// estimatedCost extracts payload["estimated_cost"], tolerating the numeric
// shapes JSON decoding produces. Absent or unparsable means zero.
func estimatedCost(payload map[string]any) decimal.Decimal {
	if payload == nil {
		return decimal.Zero
	}
	switch v := payload["estimated_cost"].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case decimal.Decimal:
		return v
	}
	return decimal.Zero
}

// dataSensitivities extracts metadata["data_sensitivity"] as a lowercase
// list; accepts a single string or a list.
func dataSensitivities(metadata map[string]any) []string {
	if metadata == nil {
		return nil
	}
	switch v := metadata["data_sensitivity"].(type) {
	case string:
		return []string{strings.ToLower(v)}
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, strings.ToLower(s))
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, strings.ToLower(s))
			}
		}
		return out
	}
	return nil
}

// ParseRiskLevel validates a risk level string.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	level := RiskLevel(s)
	_, ok := severityRank[level]
	return level, ok
}
