package position

import (
	"context"
	"fmt"
	"math"

	"spot-execution-bot/internal/exchange"
)

// Reconcile aligns RuntimeState with the exchange for symbolOverride, or the
// active symbol when empty. An open order keeps a pending state pending;
// otherwise the held base quantity decides between IN_POSITION and FLAT,
// bridging through the pending state so no edge is skipped. SAFE_COOLDOWN is
// left for ReleaseSafeCooldownIfDue.
func (m *Machine) Reconcile(ctx context.Context, label, symbolOverride string) error {
	symbolOverride = exchange.NormalizeSymbol(symbolOverride)
	snap := m.Snapshot()
	symbol := symbolOverride
	if symbol == "" {
		symbol = snap.Symbol
	}
	if symbol == "" {
		if snap.PositionQty > 0 {
			m.logger.Warn().Str("context", label).Float64("qty", snap.PositionQty).Msg("Reconcile skipped: position held without a symbol")
		}
		return nil
	}
	log := m.logger.With().Str("context", label).Str("symbol", symbol).Logger()
	client := m.exec.Client()

	orders, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Open order check failed during reconcile")
	} else if len(orders) > 0 {
		open := orders[0]
		handled := false
		err := m.update(func(st *RuntimeState) error {
			if !st.State.Pending() {
				return nil
			}
			target := StateEntryPending
			if open.Side == exchange.SideSell {
				target = StateExitPending
			}
			st.LastOrderID = open.ID
			m.saveLocked()
			handled = true
			return m.transitionLocked(target, "reconcile_open_order:"+label, true)
		})
		if handled {
			log.Info().Str("order_id", open.ID).Str("side", string(open.Side)).Msg("Reconcile: open order keeps state pending")
			return err
		}
	}

	qty, err := m.exchangeQty(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Balance check failed during reconcile")
		return fmt.Errorf("reconcile %s: %w", label, err)
	}
	if qty < 0 {
		qty = 0
	}

	var basis float64
	if cur := m.Snapshot(); qty > 0 && cur.AvgEntryPrice <= 0 {
		var source string
		basis, source = m.estimateEntryPrice(ctx, symbol, cur.LastOrderID)
		log.Warn().Float64("qty", qty).Float64("avg_entry", basis).Str("source", source).Msg("Held position has no cost basis, estimating")
	}

	var from, desired State
	changed := false
	err = m.update(func(st *RuntimeState) error {
		from = st.State
		desired = StateFlat
		if qty > 0 {
			desired = StateInPosition
		}
		cooldownActive := st.State == StateSafeCooldown && m.now().Before(st.SafeCooldownUntil)
		mismatch := math.Abs(st.PositionQty-qty) > qtyEpsilon
		adoptBasis := qty > 0 && st.AvgEntryPrice <= 0 && basis > 0

		if !st.State.Pending() && (st.State == desired || cooldownActive) && !mismatch && !adoptBasis {
			return nil
		}
		changed = true

		st.PositionQty = qty
		if qty <= 0 {
			st.clearEntry(true)
		} else if adoptBasis {
			st.AvgEntryPrice = basis
		}
		if symbolOverride != "" {
			st.Symbol = symbolOverride
		}
		m.saveLocked()

		if st.State == StateSafeCooldown {
			return nil
		}
		return m.bridgeLocked(desired, label)
	})
	if changed {
		log.Info().
			Str("from", string(from)).
			Str("target", string(desired)).
			Float64("qty", qty).
			Msg("Reconciled against exchange")
	}
	return err
}

// bridgeLocked reaches target without skipping the pending states
func (m *Machine) bridgeLocked(target State, label string) error {
	cur := m.st.State
	if cur == target {
		return nil
	}

	switch {
	case cur == StateFlat && target == StateInPosition:
		if err := m.transitionLocked(StateEntryPending, "reconcile_bridge:"+label+":flat_to_in", false); err != nil {
			return err
		}
	case cur == StateInPosition && target == StateFlat:
		if err := m.transitionLocked(StateExitPending, "reconcile_bridge:"+label+":in_to_flat", false); err != nil {
			return err
		}
	}
	return m.transitionLocked(target, "reconcile_target:"+label, true)
}

// estimateEntryPrice recovers a cost basis for a position found on the
// exchange: the fills of orderID, then its limit price, then the best ask.
func (m *Machine) estimateEntryPrice(ctx context.Context, symbol, orderID string) (float64, string) {
	client := m.exec.Client()
	if orderID != "" {
		if fills, err := client.OrderFills(ctx, symbol, orderID); err == nil {
			var qty, notional float64
			for _, f := range fills {
				qty += f.Qty
				notional += f.Qty * f.Price
			}
			if qty > 0 && notional > 0 {
				return notional / qty, "fills"
			}
		}
		if o, err := client.GetOrder(ctx, symbol, orderID); err == nil && o.Side == exchange.SideBuy && o.Price > 0 {
			return o.Price, "order"
		}
	}
	bid, ask, err := m.exec.BestBidAsk(ctx, symbol)
	if err != nil {
		return 0, "unavailable"
	}
	if ask > 0 {
		return ask, "ask"
	}
	if bid > 0 {
		return bid, "bid"
	}
	return 0, "unavailable"
}
