package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe is an orchestrator liveness predicate. It should return quickly and
// honor ctx cancellation.
type Probe func(ctx context.Context) error

// HealthStatus is the latest probe result for one registered target.
type HealthStatus struct {
	Name           string    `json:"name"`
	Healthy        bool      `json:"healthy"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	CheckedAt      time.Time `json:"checked_at"`
	Error          string    `json:"error,omitempty"`
}

// HealthSummary aggregates the latest results across all targets.
type HealthSummary struct {
	Total     int       `json:"total"`
	Healthy   int       `json:"healthy"`
	Unhealthy int       `json:"unhealthy"`
	LastCheck time.Time `json:"last_check"`
}

// maxProbeTimeout caps the per-probe deadline regardless of interval.
const maxProbeTimeout = 5 * time.Second

// HealthMonitor periodically probes registered orchestrators and records
// latency and status. Probes run with a per-call timeout of half the check
// interval, capped at maxProbeTimeout.
type HealthMonitor struct {
	interval time.Duration

	mu       sync.RWMutex
	probes   map[string]Probe
	statuses map[string]*HealthStatus
	lastTick time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor with the given check interval
// (default 30 s when zero).
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{
		interval: interval,
		probes:   make(map[string]Probe),
		statuses: make(map[string]*HealthStatus),
	}
}

// Register adds a probe target. Safe while the monitor is running.
func (m *HealthMonitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Start launches the background check loop. Safe to call once; subsequent
// calls are no-ops.
func (m *HealthMonitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)

	slog.Info("Health monitor started", "interval", m.interval)
}

// Stop signals the loop to exit and waits for it to finish. In-flight
// probes are cancelled via their per-call contexts.
func (m *HealthMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	slog.Info("Health monitor stopped")
}

func (m *HealthMonitor) run(ctx context.Context) {
	defer close(m.done)

	m.CheckAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll probes every registered target once. Exported so callers can
// force an immediate sweep (startup, tests).
func (m *HealthMonitor) CheckAll(ctx context.Context) {
	m.mu.RLock()
	targets := make(map[string]Probe, len(m.probes))
	for name, probe := range m.probes {
		targets[name] = probe
	}
	m.mu.RUnlock()

	timeout := m.interval / 2
	if timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}

	now := time.Now()
	for name, probe := range targets {
		status := m.check(ctx, name, probe, timeout)
		m.mu.Lock()
		m.statuses[name] = status
		m.lastTick = now
		m.mu.Unlock()

		if !status.Healthy {
			slog.Warn("Health probe failed", "target", name, "error", status.Error)
		}
	}
}

func (m *HealthMonitor) check(ctx context.Context, name string, probe Probe, timeout time.Duration) *HealthStatus {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := probe(probeCtx)
	elapsed := time.Since(start)

	status := &HealthStatus{
		Name:           name,
		Healthy:        err == nil,
		ResponseTimeMS: elapsed.Milliseconds(),
		CheckedAt:      start,
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}

// Status returns the latest result for one target, or nil when it has not
// been probed yet.
func (m *HealthMonitor) Status(name string) *HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

// Summary aggregates the latest results.
func (m *HealthMonitor) Summary() HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := HealthSummary{Total: len(m.statuses), LastCheck: m.lastTick}
	for _, s := range m.statuses {
		if s.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
	}
	return summary
}
