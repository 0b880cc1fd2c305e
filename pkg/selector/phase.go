package selector

import "strings"

// Phase is the detected mission phase of a conversation.
type Phase string

// Mission phases, in rough lifecycle order.
const (
	PhaseDiscovery    Phase = "discovery"
	PhaseAnalysis     Phase = "analysis"
	PhaseStrategy     Phase = "strategy"
	PhaseExecution    Phase = "execution"
	PhaseMonitoring   Phase = "monitoring"
	PhaseOptimization Phase = "optimization"
)

// phaseKeywords are the fixed keyword bags for phase detection.
var phaseKeywords = map[Phase][]string{
	PhaseDiscovery:    {"explore", "discover", "research", "investigate", "find", "identify", "what", "learn"},
	PhaseAnalysis:     {"analyze", "analysis", "examine", "evaluate", "assess", "compare", "why", "understand"},
	PhaseStrategy:     {"strategy", "plan", "roadmap", "approach", "design", "propose", "prioritize", "decide"},
	PhaseExecution:    {"execute", "implement", "build", "deploy", "run", "create", "launch", "do"},
	PhaseMonitoring:   {"monitor", "track", "observe", "watch", "measure", "report", "status", "alert"},
	PhaseOptimization: {"optimize", "improve", "tune", "refine", "reduce", "speed", "efficiency", "better"},
}

// DetectPhase scores the message against the six phase keyword bags, with a
// turn-number bias toward the lifecycle position: early turns lean
// discovery, mid turns analysis/strategy, late turns execution. A scoring
// tie retains prev, the phase detected on the previous turn.
func DetectPhase(message string, turn int, prev Phase) Phase {
	words := wordSet(message)

	scores := make(map[Phase]int, len(phaseKeywords))
	for phase, bag := range phaseKeywords {
		for _, kw := range bag {
			if words[kw] {
				scores[phase]++
			}
		}
	}

	switch {
	case turn >= 1 && turn <= 3:
		scores[PhaseDiscovery] += 2
	case turn >= 4 && turn <= 6:
		scores[PhaseAnalysis] += 2
	case turn >= 7 && turn <= 10:
		scores[PhaseStrategy]++
	case turn > 10:
		scores[PhaseExecution]++
	}

	best := prev
	if best == "" {
		best = PhaseDiscovery
	}
	bestScore := scores[best]
	for _, phase := range []Phase{PhaseDiscovery, PhaseAnalysis, PhaseStrategy, PhaseExecution, PhaseMonitoring, PhaseOptimization} {
		if scores[phase] > bestScore {
			best = phase
			bestScore = scores[phase]
		}
	}
	return best
}

// wordSet splits a message into a lowercase word membership set.
func wordSet(message string) map[string]bool {
	fields := strings.Fields(strings.ToLower(message))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,;:!?()[]{}\"'")] = true
	}
	return set
}
