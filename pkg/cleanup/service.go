// Package cleanup provides data retention services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/costs"
)

// Config tunes retention.
type Config struct {
	// ApprovalRetention is how long terminal approvals are kept.
	ApprovalRetention time.Duration `yaml:"approval_retention"`
	// TimelineRetention is how long ended conversation timelines are kept
	// in memory.
	TimelineRetention time.Duration `yaml:"timeline_retention"`
	// Interval is the sweep cadence.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns the standard retention tuning.
func DefaultConfig() Config {
	return Config{
		ApprovalRetention: 7 * 24 * time.Hour,
		TimelineRetention: 24 * time.Hour,
		Interval:          time.Hour,
	}
}

// Service periodically enforces retention policies:
//   - Removes terminal approvals (and their indices) past retention
//   - Evicts ended conversation timelines from the cost tracker
//
// All operations are idempotent.
type Service struct {
	config    Config
	approvals *approval.Store
	tracker   *costs.Tracker

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, approvals *approval.Store, tracker *costs.Tracker) *Service {
	def := DefaultConfig()
	if cfg.ApprovalRetention <= 0 {
		cfg.ApprovalRetention = def.ApprovalRetention
	}
	if cfg.TimelineRetention <= 0 {
		cfg.TimelineRetention = def.TimelineRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	return &Service{
		config:    cfg,
		approvals: approvals,
		tracker:   tracker,
	}
}

// Start launches the background cleanup loop. Safe to call once.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"approval_retention", s.config.ApprovalRetention,
		"timeline_retention", s.config.TimelineRetention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one sweep of every retention policy. Exported for tests
// and forced sweeps.
func (s *Service) RunAll(ctx context.Context) {
	if s.approvals != nil {
		if removed, err := s.approvals.Cleanup(ctx, s.config.ApprovalRetention); err != nil {
			slog.Error("Approval cleanup failed", "error", err)
		} else if removed > 0 {
			slog.Info("Approval cleanup removed records", "count", removed)
		}
	}

	if s.tracker != nil {
		cutoff := time.Now().Add(-s.config.TimelineRetention)
		for _, id := range s.tracker.Ended(cutoff) {
			s.tracker.Remove(id)
		}
	}
}
