// Package agent defines the runnable agent handle and the registry that
// loads agent definitions from disk and binds their tools.
package agent

import (
	"strings"
	"time"

	"github.com/colloquy-ai/colloquy/pkg/llm"
)

// Agent is a runnable handle for one agent definition. Built once at
// registry load and immutable thereafter; all other components hold
// non-owning references.
type Agent struct {
	// ID is the canonical identifier: lowercase, hyphen-separated.
	ID          string
	DisplayName string
	// Model is the LLM model backing this agent.
	Model        string
	SystemPrompt string

	// Capabilities are free-form capability tags.
	Capabilities []string
	// ExpertiseDomains are the domains used for expertise matching.
	ExpertiseDomains []string
	// Keywords drive message keyword matching during selection.
	Keywords []string
	// PhaseAffinity maps mission phase name to affinity in [0,1].
	PhaseAffinity map[string]float64
	// MaxComplexity is the highest message complexity this agent handles
	// well, in [0,1].
	MaxComplexity float64

	// AvgLatency is the agent's mean response latency.
	AvgLatency time.Duration
	// Quality is the historical quality score in [0,1].
	Quality float64

	// Tools are the bound tools this agent may invoke.
	Tools []llm.Tool

	client llm.ModelClient
}

// Client returns the model client bound at load time.
func (a *Agent) Client() llm.ModelClient { return a.client }

// ToolDefinitions returns the tool definitions to pass on model invocation.
func (a *Agent) ToolDefinitions() []llm.ToolDefinition {
	if len(a.Tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(a.Tools))
	for _, t := range a.Tools {
		defs = append(defs, llm.ToolDefinition{Name: t.Name()})
	}
	return defs
}

// NormalizeID returns the canonical form of an agent id: lowercase with
// underscores folded to hyphens. Lookup accepts both forms; storage uses
// only this one.
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "_", "-")
}
