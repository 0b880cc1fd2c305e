package selector

import (
	"errors"
	"sort"
	"time"

	"github.com/colloquy-ai/colloquy/pkg/agent"
)

// ErrNoEligibleAgent is returned when selection runs against an empty
// candidate set.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// Scoring weights. The final score is a linear combination clipped to [0,1],
// then multiplied by the turn adjustments.
const (
	weightPhase      = 0.25
	weightExpertise  = 0.30
	weightKeyword    = 0.20
	weightComplexity = 0.10
	weightQuality    = 0.10
	weightUrgency    = 0.05

	// singleAgentMargin is the dominance margin above which a message is
	// routed to a single agent instead of a group chat.
	singleAgentMargin = 0.15

	// fastLatency is the latency under which an agent earns urgency boosts.
	fastLatency = 2 * time.Second

	urgencyThreshold  = 0.7
	affinityThreshold = 0.7
)

// Selector picks the next speaker for a conversation turn. Stateless; safe
// for concurrent use.
type Selector struct{}

// New creates a Selector.
func New() *Selector { return &Selector{} }

// Score computes the base weighted score for one agent against the context,
// before turn adjustments. Always in [0,1].
func (s *Selector) Score(a *agent.Agent, sctx SelectionContext) float64 {
	score := weightPhase * a.PhaseAffinity[string(sctx.Phase)]
	score += weightExpertise * expertiseMatch(sctx.RequiredExpertise, a.ExpertiseDomains)
	score += weightKeyword * keywordMatch(sctx.LastMessage, a.Keywords)

	complexityFit := 0.5
	if a.MaxComplexity >= sctx.Complexity {
		complexityFit = 1.0
	}
	score += weightComplexity * complexityFit
	score += weightQuality * a.Quality

	// Zero latency means unreported; such agents earn no urgency preference.
	if sctx.Urgency > urgencyThreshold && a.AvgLatency > 0 && a.AvgLatency < fastLatency {
		score += weightUrgency
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	return score
}

// adjusted applies the turn adjustments on top of the base score.
func (s *Selector) adjusted(a *agent.Agent, sctx SelectionContext) float64 {
	score := s.Score(a, sctx)

	// Recency penalty: the more recently an agent spoke, the harder it is
	// for it to speak again.
	if n := len(sctx.PreviousSpeakers); n > 0 {
		for i, prev := range sctx.PreviousSpeakers {
			if prev == a.ID {
				score *= 1 - 0.2*(1-float64(i)/float64(n))
				break
			}
		}
	}

	if sctx.Turn <= 3 && a.PhaseAffinity[string(PhaseDiscovery)] > affinityThreshold {
		score *= 1.2
	}
	if sctx.Turn > 10 && a.PhaseAffinity[string(PhaseExecution)] > affinityThreshold {
		score *= 1.15
	}
	if sctx.Urgency > urgencyThreshold && a.AvgLatency > 0 && a.AvgLatency < fastLatency {
		score *= 1.1
	}
	return score
}

// SelectBest picks exactly one next speaker. Ties break deterministically by
// lexicographic agent id. Returns ErrNoEligibleAgent on an empty candidate
// set.
func (s *Selector) SelectBest(sctx SelectionContext, candidates []*agent.Agent) (*agent.Agent, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligibleAgent
	}

	sorted := make([]*agent.Agent, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	best := sorted[0]
	bestScore := s.adjusted(best, sctx)
	for _, a := range sorted[1:] {
		if score := s.adjusted(a, sctx); score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best, nil
}

// ShouldUseSingleAgent reports whether the message is dominated by one agent
// strongly enough (margin >= singleAgentMargin over the runner-up) to skip
// the group chat. Explicit target_agent routing is the orchestrator's job;
// this is the heuristic fallback.
func (s *Selector) ShouldUseSingleAgent(message string, candidates []*agent.Agent) bool {
	if len(candidates) < 2 {
		return true
	}
	sctx := SelectionContext{
		LastMessage:       message,
		Turn:              1,
		Complexity:        ComplexityScore(message, 1),
		Urgency:           UrgencyScore(message),
		RequiredExpertise: requiredExpertise(message),
	}
	sctx.Phase = DetectPhase(message, 1, "")

	top, second := 0.0, 0.0
	for _, a := range candidates {
		score := s.Score(a, sctx)
		if score > top {
			top, second = score, top
		} else if score > second {
			second = score
		}
	}
	return top-second >= singleAgentMargin
}

func expertiseMatch(required, domains []string) float64 {
	if len(required) == 0 {
		return 0
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[d] = true
	}
	matched := 0
	for _, r := range required {
		if set[r] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func keywordMatch(message string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	words := wordSet(message)
	matched := 0
	for _, kw := range keywords {
		if words[kw] {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}
