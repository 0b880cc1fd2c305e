package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/colloquy-ai/colloquy/pkg/models"
	"github.com/colloquy-ai/colloquy/pkg/stream"
)

// Stream runs an orchestration and delivers its normalized events
// incrementally. Per-turn completion surfaces as a "turn_complete" status
// event; the stream ends with exactly one final event carrying the Result
// summary (or one error event when orchestration failed). The channel is
// closed when orchestration finishes.
func (o *Orchestrator) Stream(ctx context.Context, in Input) <-chan models.StreamEvent {
	out := make(chan models.StreamEvent, o.mux.Config().MaxBufferSize)

	go func() {
		defer close(out)
		result := o.run(ctx, in, out)

		event := models.StreamEvent{
			ChunkID:   uuid.New().String(),
			SessionID: result.ConversationID,
			Timestamp: time.Now(),
		}
		if result.Error != "" {
			event.Kind = models.StreamEventError
			event.Metadata = map[string]any{"message": result.Error}
		} else {
			event.Kind = models.StreamEventFinal
			event.Content = result.Response
			event.Metadata = map[string]any{
				"final_message": result.Response,
				"agents_used":   result.AgentsUsed,
				"turn_count":    result.TurnCount,
				"routing":       string(result.Routing),
				"total_cost":    result.CostBreakdown.TotalCost.String(),
			}
			if result.Paused != nil {
				event.Metadata["paused"] = true
				event.Metadata["approval_id"] = result.Paused.ApprovalID
				event.Metadata["risk_level"] = result.Paused.RiskLevel
			}
			if result.Blocked {
				event.Metadata["blocked"] = true
			}
			if result.CircuitBreaker != "" {
				event.Metadata["circuit_breaker"] = result.CircuitBreaker
			}
		}

		select {
		case out <- event:
		case <-ctx.Done():
		}
	}()

	return out
}

// forwardDrain drains a turn's event stream, teeing each event to sink when
// one is attached. Per-turn final events are forwarded as turn_complete
// status events so the overall stream carries a single final. A cancelled
// ctx stops the tee (the sink consumer is gone and may never read again)
// while events is still drained to completion so the producer can exit.
func forwardDrain(ctx context.Context, events <-chan models.StreamEvent, sink chan<- models.StreamEvent) (*stream.StreamResult, []models.StreamEvent) {
	if sink == nil {
		return stream.Drain(events)
	}

	mid := make(chan models.StreamEvent)
	go func() {
		defer close(mid)
		teeing := true
		for e := range events {
			if teeing {
				fwd := e
				if e.Kind == models.StreamEventFinal {
					fwd.Kind = models.StreamEventStatus
					fwd.Content = "turn_complete"
				}
				select {
				case sink <- fwd:
				case <-ctx.Done():
					teeing = false
				}
			}
			mid <- e
		}
	}()
	return stream.Drain(mid)
}
