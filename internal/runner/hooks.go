package runner

import (
	"context"
	"time"

	"spot-execution-bot/internal/events"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/position"
)

// TransitionJournal persists state transitions
type TransitionJournal interface {
	RecordTransition(ctx context.Context, t position.Transition)
}

// Recorder fans engine outcomes out to the journal and the event bus
type Recorder struct {
	journal execution.Recorder
	bus     *events.EventBus
}

// NewRecorder returns a recorder; either sink may be nil
func NewRecorder(journal execution.Recorder, bus *events.EventBus) *Recorder {
	return &Recorder{journal: journal, bus: bus}
}

func (r *Recorder) RecordExecution(ctx context.Context, event string, res *execution.OrderResult) {
	if r.journal != nil {
		r.journal.RecordExecution(ctx, event, res)
	}
	if r.bus != nil && res != nil {
		r.bus.PublishOrderResult(event, res.Symbol, res.Side, res.Reason, res.OK, res.RealizedQty, res.RealizedVWAP)
	}
}

func (r *Recorder) RecordShadow(ctx context.Context, sig execution.Signal, decision, reason string) {
	if r.journal != nil {
		r.journal.RecordShadow(ctx, sig, decision, reason)
	}
	if r.bus != nil {
		r.bus.PublishEntryDecision(sig.Symbol, decision, reason)
	}
}

// TransitionHook builds the machine hook that journals, mirrors and
// publishes every transition. Sinks may be nil.
func TransitionHook(journal TransitionJournal, mirror *position.RedisMirror, bus *events.EventBus, snapshot func() position.RuntimeState) func(position.Transition) {
	return func(t position.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if journal != nil {
			journal.RecordTransition(ctx, t)
		}
		if mirror != nil {
			mirror.PublishTransition(ctx, t)
			if snapshot != nil {
				mirror.PublishState(ctx, snapshot())
			}
		}
		if bus != nil {
			bus.PublishTransition(string(t.From), string(t.To), t.Reason, t.Symbol, t.PositionQty)
			if t.To == position.StateSafeCooldown {
				bus.Publish(events.Event{
					Type: events.EventSafeCooldown,
					Data: map[string]interface{}{
						"reason": t.Reason,
						"symbol": t.Symbol,
						"prior":  string(t.From),
					},
				})
			}
		}
	}
}
