package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/colloquy-ai/colloquy/pkg/llm"
)

// ErrLoad wraps all registry load failures: unreadable directory, malformed
// definition, or a declared tool with no binding. Loading is all-or-nothing.
var ErrLoad = errors.New("agent registry load failed")

// Definition is the on-disk agent definition schema (one YAML file per agent).
type Definition struct {
	Name             string             `yaml:"name"`
	DisplayName      string             `yaml:"display_name"`
	Model            string             `yaml:"model"`
	SystemPrompt     string             `yaml:"system_prompt"`
	Tools            []string           `yaml:"tools"`
	Capabilities     []string           `yaml:"capabilities"`
	ExpertiseDomains []string           `yaml:"expertise_domains"`
	Keywords         []string           `yaml:"keywords"`
	PhaseAffinity    map[string]float64 `yaml:"phase_affinity"`
	MaxComplexity    *float64           `yaml:"max_complexity"`
	AvgLatencySecs   *float64           `yaml:"avg_latency_seconds"`
	Quality          *float64           `yaml:"quality"`
}

// Registry owns the loaded agents, keyed by canonical id. Built once, then
// treated as immutable; reads need no locking.
type Registry struct {
	agents map[string]*Agent
}

// Load scans dir for *.yaml/*.yml agent definitions, binds each declared
// tool from tools, and returns a registry keyed by canonical id. Any
// unreadable file, malformed definition, duplicate id, or unbound tool
// fails the whole load (wrapped ErrLoad); partial registries are never
// returned.
func Load(dir string, client llm.ModelClient, tools []llm.Tool) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLoad, dir, err)
	}

	byName := make(map[string]llm.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	agents := make(map[string]*Agent)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		a, err := loadOne(path, client, byName)
		if err != nil {
			return nil, err
		}
		if _, exists := agents[a.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate agent id %q (from %s)", ErrLoad, a.ID, entry.Name())
		}
		agents[a.ID] = a
	}

	slog.Info("Agent registry loaded", "dir", dir, "agents", len(agents))
	return &Registry{agents: agents}, nil
}

func loadOne(path string, client llm.ModelClient, byName map[string]llm.Tool) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrLoad, path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrLoad, path, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing required field 'name'", ErrLoad, path)
	}
	if def.SystemPrompt == "" {
		return nil, fmt.Errorf("%w: %s: missing required field 'system_prompt'", ErrLoad, path)
	}

	bound := make([]llm.Tool, 0, len(def.Tools))
	for _, name := range def.Tools {
		t, ok := byName[name]
		if !ok {
			// Missing tool binding is a permanent error: fail at load,
			// not mid-conversation.
			return nil, fmt.Errorf("%w: %s: declared tool %q has no binding", ErrLoad, path, name)
		}
		bound = append(bound, t)
	}

	a := &Agent{
		ID:               NormalizeID(def.Name),
		DisplayName:      def.DisplayName,
		Model:            def.Model,
		SystemPrompt:     def.SystemPrompt,
		Capabilities:     def.Capabilities,
		ExpertiseDomains: normalizeAll(def.ExpertiseDomains),
		Keywords:         normalizeAll(def.Keywords),
		PhaseAffinity:    def.PhaseAffinity,
		MaxComplexity:    1.0,
		Quality:          0.5,
		Tools:            bound,
		client:           client,
	}
	if a.DisplayName == "" {
		a.DisplayName = def.Name
	}
	if def.MaxComplexity != nil {
		a.MaxComplexity = *def.MaxComplexity
	}
	if def.Quality != nil {
		a.Quality = *def.Quality
	}
	if def.AvgLatencySecs != nil {
		a.AvgLatency = time.Duration(*def.AvgLatencySecs * float64(time.Second))
	}
	return a, nil
}

func normalizeAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return out
}

// Get returns the agent for id, trying both the hyphen and underscore
// forms. Returns nil on miss.
func (r *Registry) Get(id string) *Agent {
	if a, ok := r.agents[NormalizeID(id)]; ok {
		return a
	}
	// NormalizeID already folds underscores; a second probe with the raw
	// lowercased id covers definitions that legitimately contain hyphens
	// being looked up with underscores and vice versa.
	if a, ok := r.agents[strings.ToLower(strings.TrimSpace(id))]; ok {
		return a
	}
	return nil
}

// List returns all loaded agents. Order is unspecified; callers must not
// depend on it.
func (r *Registry) List() []*Agent {
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// Len returns the number of loaded agents.
func (r *Registry) Len() int { return len(r.agents) }
