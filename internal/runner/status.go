package runner

import (
	"encoding/json"
	"os"
	"time"

	"spot-execution-bot/internal/atomicfile"
	"spot-execution-bot/internal/circuit"
	"spot-execution-bot/internal/ledger"
	"spot-execution-bot/internal/metrics"
)

// Loop status values
const (
	StatusRunning = "RUNNING"
	StatusIdle    = "IDLE"
	StatusHalted  = "HALTED"
	StatusStopped = "STOPPED"
)

// Status is the runtime_status.json record
type Status struct {
	TS            time.Time     `json:"ts"`
	PID           int           `json:"pid"`
	Mode          string        `json:"mode"`
	Exchange      string        `json:"exchange"`
	Status        string        `json:"status"`
	Phase         string        `json:"phase"`
	State         string        `json:"state"`
	Symbol        string        `json:"symbol"`
	PositionQty   float64       `json:"position_qty"`
	AvgEntryPrice float64       `json:"avg_entry_price"`
	Equity        float64       `json:"equity"`
	ModelID       string        `json:"model_id,omitempty"`
	HardStop      bool          `json:"hard_stop"`
	LastTickAt    *time.Time    `json:"last_tick_ts"`
	LastError     string        `json:"last_error"`
	LastErrorAt   *time.Time    `json:"last_error_ts"`
	AdapterStatus string        `json:"adapter_status"`
	PersistError  string        `json:"persist_error,omitempty"`
	Ledger        *ledger.State `json:"ledger,omitempty"`
}

// Map converts the status for event payloads
func (s Status) Map() map[string]interface{} {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	out := make(map[string]interface{})
	_ = json.Unmarshal(data, &out)
	return out
}

// Status assembles the current runtime status
func (r *Runner) Status() Status {
	snap := r.deps.Machine.Snapshot()

	r.mu.RLock()
	st := Status{
		TS:          r.now(),
		PID:         os.Getpid(),
		Mode:        r.mode,
		Exchange:    r.cfg.Exchange,
		Equity:      r.equity,
		ModelID:     r.modelID,
		LastError:   r.lastError,
		LastTickAt:  optionalTime(r.lastTickAt),
		LastErrorAt: optionalTime(r.lastErrorAt),
	}
	started, stopped := r.started, r.stopped
	r.mu.RUnlock()

	st.State = string(snap.State)
	st.Symbol = snap.Symbol
	st.PositionQty = snap.PositionQty
	st.AvgEntryPrice = snap.AvgEntryPrice
	if err := r.deps.Machine.PersistError(); err != nil {
		st.PersistError = err.Error()
	}

	st.Phase = "DISABLED"
	if r.deps.Gate != nil {
		st.Phase = string(r.deps.Gate.Phase())
	}
	if r.deps.Risk != nil {
		st.HardStop = r.deps.Risk.HardStopActive()
	}

	st.AdapterStatus = string(circuit.StateOK)
	if r.deps.Breaker != nil {
		st.AdapterStatus = string(r.deps.Breaker.GetState())
	}
	metrics.SetAdapterStatus(st.AdapterStatus)

	if r.deps.Ledger != nil {
		ls := r.deps.Ledger.State()
		st.Ledger = &ls
	}

	switch {
	case stopped || !started:
		st.Status = StatusStopped
	case st.HardStop:
		st.Status = StatusHalted
	case r.tradingEnabled():
		st.Status = StatusRunning
	default:
		st.Status = StatusIdle
	}
	return st
}

// writeStatus persists runtime_status.json. Failures are logged only.
func (r *Runner) writeStatus() Status {
	st := r.Status()
	if r.cfg.StatusPath == "" {
		return st
	}
	if err := atomicfile.WriteJSON(r.cfg.StatusPath, &st); err != nil {
		r.logger.Warn().Err(err).Str("path", r.cfg.StatusPath).Msg("Failed to write runtime status")
	}
	return st
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
