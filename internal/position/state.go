package position

import (
	"math"
	"time"

	"spot-execution-bot/internal/exchange"
	"spot-execution-bot/internal/idempotency"
)

// State is the position lifecycle state
type State string

const (
	StateFlat         State = "FLAT"
	StateEntryPending State = "ENTRY_PENDING"
	StateInPosition   State = "IN_POSITION"
	StateExitPending  State = "EXIT_PENDING"
	StateSafeCooldown State = "SAFE_COOLDOWN"
)

// SchemaVersion of the persisted RuntimeState record
const SchemaVersion = 1

// AllStates in lifecycle order
var AllStates = []State{StateFlat, StateEntryPending, StateInPosition, StateExitPending, StateSafeCooldown}

var transitions = map[State]map[State]bool{
	StateFlat:         {StateEntryPending: true, StateSafeCooldown: true},
	StateEntryPending: {StateFlat: true, StateInPosition: true, StateSafeCooldown: true},
	StateInPosition:   {StateExitPending: true, StateSafeCooldown: true},
	StateExitPending:  {StateInPosition: true, StateFlat: true, StateSafeCooldown: true},
	StateSafeCooldown: {StateFlat: true, StateInPosition: true, StateExitPending: true},
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Pending reports whether an order is in flight in s
func (s State) Pending() bool {
	return s == StateEntryPending || s == StateExitPending
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// RuntimeState is the single persisted record of the position lifecycle
type RuntimeState struct {
	State                 State              `json:"state"`
	Symbol                string             `json:"symbol"`
	PositionQty           float64            `json:"position_qty"`
	AvgEntryPrice         float64            `json:"avg_entry_price"`
	CumulativeFee         float64            `json:"cumulative_fee"`
	EntryCandleIndex      *int64             `json:"entry_candle_index"`
	TakeProfitStage       int                `json:"take_profit_stage"`
	LastTakeProfitCandle  *int64             `json:"last_take_profit_candle"`
	PeakVolumeRatio       float64            `json:"peak_volume_ratio"`
	LiquidityCollapseBars int                `json:"liquidity_collapse_bars"`
	LastEntryAt           *time.Time         `json:"last_entry_ts"`
	LastExitAt            *time.Time         `json:"last_exit_ts"`
	LastOrderID           string             `json:"last_order_id"`
	SafeCooldownUntil     time.Time          `json:"safe_cooldown_until"`
	CooldownPriorState    State              `json:"cooldown_prior_state"`
	ActiveClaims          idempotency.Claims `json:"active_claims"`
	SchemaVersion         int                `json:"schema_version"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// DefaultRuntimeState is the first-boot record
func DefaultRuntimeState() RuntimeState {
	return RuntimeState{
		State:              StateFlat,
		CooldownPriorState: StateFlat,
		ActiveClaims:       make(idempotency.Claims),
		SchemaVersion:      SchemaVersion,
	}
}

func finiteNonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

// Sanitize repairs a loaded record and returns a description of every fix
func (r *RuntimeState) Sanitize(now time.Time) []string {
	var fixes []string

	if !r.State.Valid() {
		fixes = append(fixes, "unknown state "+string(r.State)+" -> FLAT")
		r.State = StateFlat
	}
	if r.CooldownPriorState != StateFlat && r.CooldownPriorState != StateInPosition {
		if r.CooldownPriorState != "" {
			fixes = append(fixes, "cooldown_prior_state "+string(r.CooldownPriorState)+" -> FLAT")
		}
		r.CooldownPriorState = StateFlat
	}

	if sym := exchange.NormalizeSymbol(r.Symbol); sym != r.Symbol {
		fixes = append(fixes, "symbol "+r.Symbol+" -> "+sym)
		r.Symbol = sym
	}

	r.PositionQty = finiteNonNegative(r.PositionQty)
	r.AvgEntryPrice = finiteNonNegative(r.AvgEntryPrice)
	r.CumulativeFee = finiteNonNegative(r.CumulativeFee)
	r.PeakVolumeRatio = finiteNonNegative(r.PeakVolumeRatio)
	if r.TakeProfitStage < 0 {
		r.TakeProfitStage = 0
	}
	if r.LiquidityCollapseBars < 0 {
		r.LiquidityCollapseBars = 0
	}

	if r.ActiveClaims == nil {
		r.ActiveClaims = make(idempotency.Claims)
	}
	if n := r.ActiveClaims.Purge(now); n > 0 {
		fixes = append(fixes, "dropped expired claims")
	}

	if r.State == StateSafeCooldown && !now.Before(r.SafeCooldownUntil) {
		target := StateFlat
		if r.PositionQty > 0 {
			target = StateInPosition
		}
		fixes = append(fixes, "expired SAFE_COOLDOWN -> "+string(target))
		r.State = target
	}

	// a held quantity is never FLAT, whether or not a symbol is known
	if r.State == StateFlat && r.PositionQty > 0 {
		fixes = append(fixes, "FLAT with position_qty > 0 -> IN_POSITION")
		r.State = StateInPosition
	}

	r.SchemaVersion = SchemaVersion
	return fixes
}

// Clone returns a deep copy
func (r RuntimeState) Clone() RuntimeState {
	out := r
	out.EntryCandleIndex = cloneInt64(r.EntryCandleIndex)
	out.LastTakeProfitCandle = cloneInt64(r.LastTakeProfitCandle)
	out.LastEntryAt = cloneTime(r.LastEntryAt)
	out.LastExitAt = cloneTime(r.LastExitAt)
	out.ActiveClaims = r.ActiveClaims.Clone()
	return out
}

// clearEntry drops per-position bookkeeping once the position is gone. The
// take-profit ladder is kept when resetLadder is false.
func (r *RuntimeState) clearEntry(resetLadder bool) {
	r.AvgEntryPrice = 0
	r.EntryCandleIndex = nil
	r.PeakVolumeRatio = 0
	r.LiquidityCollapseBars = 0
	if resetLadder {
		r.TakeProfitStage = 0
		r.LastTakeProfitCandle = nil
	}
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
