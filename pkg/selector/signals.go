package selector

import "strings"

// technicalKeywords contribute to message complexity, capped at +0.3 total.
var technicalKeywords = []string{
	"architecture", "database", "kubernetes", "latency", "migration",
	"protocol", "concurrency", "encryption", "regression", "throughput",
	"integration", "refactor",
}

// expertiseKeywords maps an expertise domain to the message words that
// signal it is required.
var expertiseKeywords = map[string][]string{
	"finance":     {"revenue", "budget", "cost", "forecast", "pricing", "margin"},
	"engineering": {"code", "deploy", "bug", "architecture", "api", "infrastructure"},
	"security":    {"vulnerability", "breach", "encryption", "compliance", "audit", "access"},
	"data":        {"metrics", "dataset", "analytics", "dashboard", "model", "query"},
	"marketing":   {"campaign", "brand", "audience", "conversion", "engagement"},
	"operations":  {"incident", "oncall", "capacity", "sla", "runbook", "outage"},
}

// ComplexityScore estimates message complexity in [0,1] from message length,
// conversation depth, and technical vocabulary.
func ComplexityScore(message string, messageCount int) float64 {
	score := 0.0
	if len(message) > 500 {
		score += 0.2
	}
	if len(message) > 1000 {
		score += 0.2
	}
	if messageCount > 10 {
		score += 0.2
	}
	if messageCount > 20 {
		score += 0.1
	}

	lower := strings.ToLower(message)
	technical := 0.0
	for _, kw := range technicalKeywords {
		if strings.Contains(lower, kw) {
			technical += 0.05
		}
	}
	if technical > 0.3 {
		technical = 0.3
	}
	score += technical

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// urgencyTiers are checked in descending weight order; each tier fires at
// most once.
var urgencyTiers = []struct {
	weight float64
	words  []string
}{
	{0.5, []string{"urgent", "asap", "immediately", "critical"}},
	{0.3, []string{"deadline", "today", "now", "quickly"}},
	{0.2, []string{"important", "priority", "needed"}},
}

// UrgencyScore estimates message urgency in [0,1].
func UrgencyScore(message string) float64 {
	words := wordSet(message)
	score := 0.0
	for _, tier := range urgencyTiers {
		for _, w := range tier.words {
			if words[w] {
				score += tier.weight
				break
			}
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// requiredExpertise lists the expertise domains the message appears to call
// for, in deterministic order.
func requiredExpertise(message string) []string {
	lower := strings.ToLower(message)
	var out []string
	for _, domain := range []string{"data", "engineering", "finance", "marketing", "operations", "security"} {
		for _, kw := range expertiseKeywords[domain] {
			if strings.Contains(lower, kw) {
				out = append(out, domain)
				break
			}
		}
	}
	return out
}
