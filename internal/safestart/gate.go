// Package safestart implements the two-phase boot gate. A start request
// enters BOOTING_DEGRADED, a consistency check of the persisted records moves
// it to WAITING_SYNC or WAITING_OPERATOR, and only an exact operator phrase
// enables RUNNING.
package safestart

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-execution-bot/internal/atomicfile"
)

// Phase of the boot gate
type Phase string

const (
	PhaseBootingDegraded Phase = "BOOTING_DEGRADED"
	PhaseWaitingSync     Phase = "WAITING_SYNC"
	PhaseWaitingOperator Phase = "WAITING_OPERATOR"
	PhaseRunning         Phase = "RUNNING"
	PhaseStopped         Phase = "STOPPED"
)

var (
	ErrBadPhrase  = errors.New("bad confirm phrase")
	ErrNotWaiting = errors.New("gate is not waiting for operator")
	ErrNoPending  = errors.New("no pending start")
	ErrBusy       = errors.New("start already in progress")
)

// Details explain the current phase
type Details struct {
	Message        string   `json:"message"`
	Errors         []string `json:"errors,omitempty"`
	RunningBlocked bool     `json:"running_blocked"`
}

// Record is the persisted safe_start_state.json
type Record struct {
	TS      *time.Time `json:"ts"`
	Phase   Phase      `json:"phase"`
	Details Details    `json:"details"`
}

// Request is the start the operator must confirm
type Request struct {
	Mode     string `json:"mode"`
	Exchange string `json:"exchange"`
	Seed     int64  `json:"seed"`
}

// ExpectedPhrase is the exact confirmation text for req
func ExpectedPhrase(req Request) string {
	return fmt.Sprintf("CONFIRM START %s %s SEED=%d",
		strings.ToUpper(req.Exchange), strings.ToUpper(req.Mode), req.Seed)
}

// Config locates the gate record and the records the sync check inspects
type Config struct {
	StatePath         string
	RuntimeStatePath  string
	RuntimeStatusPath string
}

// Gate persists the boot phase and holds the pending start request
type Gate struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending *Request
}

// NewGate creates a gate
func NewGate(cfg Config, logger zerolog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: logger.With().Str("component", "SafeStart").Logger(),
		now:    time.Now,
	}
}

// Read returns the persisted record. A missing record reads as STOPPED; a
// corrupt one reads as STOPPED with a state-corrupt error.
func (g *Gate) Read() Record {
	var rec Record
	err := atomicfile.ReadJSON(g.cfg.StatePath, &rec)
	switch {
	case err == nil && rec.Phase != "":
		return rec
	case err == nil, errors.Is(err, atomicfile.ErrNotExist):
		return Record{Phase: PhaseStopped, Details: Details{RunningBlocked: true}}
	default:
		g.logger.Warn().Err(err).Msg("Safe start record unreadable")
		return Record{Phase: PhaseStopped, Details: Details{Errors: []string{"state-corrupt"}, RunningBlocked: true}}
	}
}

// Phase returns the persisted phase
func (g *Gate) Phase() Phase {
	return g.Read().Phase
}

// Running reports whether the operator has enabled trading
func (g *Gate) Running() bool {
	return g.Phase() == PhaseRunning
}

func (g *Gate) write(phase Phase, d Details) Record {
	ts := g.now()
	rec := Record{TS: &ts, Phase: phase, Details: d}
	if err := atomicfile.WriteJSON(g.cfg.StatePath, &rec); err != nil {
		g.logger.Error().Err(err).Str("phase", string(phase)).Msg("Failed to persist safe start phase")
	}
	g.logger.Info().Str("phase", string(phase)).Str("message", d.Message).Msg("Safe start phase")
	return rec
}

// Begin records a start request and enters BOOTING_DEGRADED
func (g *Gate) Begin(req Request) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return g.Read(), ErrBusy
	}
	r := req
	g.pending = &r
	return g.write(PhaseBootingDegraded, Details{
		Message:        "Start requested. Entering DEGRADED boot.",
		RunningBlocked: true,
	}), nil
}

// SyncCheck verifies that the runtime records are readable JSON objects and
// moves to WAITING_OPERATOR, or to WAITING_SYNC on failure.
func (g *Gate) SyncCheck() Record {
	var errs []string
	if g.cfg.RuntimeStatePath != "" {
		if err := atomicfile.IsObject(g.cfg.RuntimeStatePath); err != nil {
			errs = append(errs, "runtime_state_invalid:"+err.Error())
		}
	}
	if g.cfg.RuntimeStatusPath != "" {
		if err := atomicfile.IsObject(g.cfg.RuntimeStatusPath); err != nil {
			errs = append(errs, "runtime_status_invalid:"+err.Error())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(errs) > 0 {
		return g.write(PhaseWaitingSync, Details{
			Message:        "Sync check failed. RUNNING is blocked.",
			Errors:         errs,
			RunningBlocked: true,
		})
	}
	return g.write(PhaseWaitingOperator, Details{
		Message:        "Sync check passed. Waiting for operator confirmation.",
		RunningBlocked: true,
	})
}

// Pending returns the request awaiting confirmation and its phrase
func (g *Gate) Pending() (Request, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Request{}, "", false
	}
	return *g.pending, ExpectedPhrase(*g.pending), true
}

// Confirm enables RUNNING when phrase matches the pending request exactly
// (surrounding whitespace ignored). It returns the confirmed request.
func (g *Gate) Confirm(phrase string) (Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if phase := g.Read().Phase; phase != PhaseWaitingOperator {
		return Request{}, fmt.Errorf("%w: phase=%s", ErrNotWaiting, phase)
	}
	if g.pending == nil {
		return Request{}, ErrNoPending
	}
	expected := ExpectedPhrase(*g.pending)
	if strings.TrimSpace(phrase) != expected {
		g.logger.Warn().Msg("Operator confirmation phrase mismatch")
		return Request{}, ErrBadPhrase
	}

	req := *g.pending
	g.pending = nil
	g.write(PhaseRunning, Details{Message: "Operator confirmed. RUNNING enabled."})
	return req, nil
}

// Stop enters STOPPED and drops any pending request
func (g *Gate) Stop(reason string) Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = nil
	if reason == "" {
		reason = "stopped"
	}
	return g.write(PhaseStopped, Details{Message: reason, RunningBlocked: true})
}
