// Package engine implements the position accounting state machine: BUY,
// SELL, REMOVE against a per-portfolio FIFO lot queue, replay-based
// reconciliation, and the atomic append-then-update contract.
package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/navfolio/portfolio-server/internal/model"
)

// openLotQueue replays a portfolio's BUY/SELL history to derive the FIFO
// queue of still-open lots, in ascending (time, txId) order.
func openLotQueue(txs []model.Transaction) []model.OpenLot {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Time.Equal(sorted[j].Time) {
			return sorted[i].Time.Before(sorted[j].Time)
		}
		return sorted[i].TxID < sorted[j].TxID
	})

	var lots []model.OpenLot
	for _, t := range sorted {
		switch t.Type {
		case model.TxBuy:
			lots = append(lots, model.OpenLot{
				RemainingUnits: t.Units,
				Nav:            t.Nav,
				Time:           t.Time,
				TxID:           t.TxID,
			})
		case model.TxSell:
			remaining := t.Units
			for i := range lots {
				if remaining.IsZero() {
					break
				}
				if lots[i].RemainingUnits.IsZero() {
					continue
				}
				consume := decimal.Min(lots[i].RemainingUnits, remaining)
				lots[i].RemainingUnits = lots[i].RemainingUnits.Sub(consume)
				remaining = remaining.Sub(consume)
			}
		}
	}

	open := lots[:0]
	for _, l := range lots {
		if l.RemainingUnits.GreaterThan(decimal.Zero) {
			open = append(open, l)
		}
	}
	return open
}

// fifoRealizedPL consumes unitsToSell from the head of the open lot queue
// at currentNav, returning the realized P/L of that consumption. It does
// not mutate the queue's backing transactions — callers derive the queue
// fresh from the log on every SELL.
func fifoRealizedPL(lots []model.OpenLot, unitsToSell, currentNav decimal.Decimal) decimal.Decimal {
	realized := decimal.Zero
	remaining := unitsToSell
	for _, lot := range lots {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		consume := decimal.Min(lot.RemainingUnits, remaining)
		if consume.IsZero() {
			continue
		}
		realized = realized.Add(currentNav.Sub(lot.Nav).Mul(consume))
		remaining = remaining.Sub(consume)
	}
	return realized
}

// ReplayPosition rebuilds the canonical Position by replaying the full
// transaction log, the reconciliation-on-read recovery path and
// the authority the cached Position must never diverge from. Exported so
// callers needing a position as of a truncated history (valuation's
// per-date replay) can reuse the same FIFO machinery rather than
// duplicating it.
func ReplayPosition(portfolioID string, schemeCode int, txs []model.Transaction) model.Position {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Time.Equal(sorted[j].Time) {
			return sorted[i].Time.Before(sorted[j].Time)
		}
		return sorted[i].TxID < sorted[j].TxID
	})

	totalUnits := decimal.Zero
	investedValue := decimal.Zero
	avgNav := decimal.Zero

	for _, t := range sorted {
		switch t.Type {
		case model.TxBuy:
			if totalUnits.IsZero() {
				totalUnits = t.Units
				investedValue = t.Units.Mul(t.Nav)
				avgNav = t.Nav
			} else {
				totalUnits = totalUnits.Add(t.Units)
				investedValue = investedValue.Add(t.Units.Mul(t.Nav))
				avgNav = investedValue.Div(totalUnits)
			}
		case model.TxSell:
			// avgNav is preserved across SELLs rather than recomputed from
			// the exact FIFO lot cost removed.
			totalUnits = totalUnits.Sub(t.Units)
			investedValue = totalUnits.Mul(avgNav)
			if totalUnits.LessThanOrEqual(epsilon) {
				totalUnits = decimal.Zero
				investedValue = decimal.Zero
				avgNav = decimal.Zero
			}
		}
	}

	return model.Position{
		PortfolioID:   portfolioID,
		SchemeCode:    schemeCode,
		TotalUnits:    totalUnits,
		InvestedValue: investedValue,
		AvgNav:        avgNav,
	}
}

// epsilon absorbs rounding noise on the last unit digit.
var epsilon = decimal.New(1, -6)

// withinEpsilon reports whether a and b differ by no more than epsilon.
func withinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(epsilon)
}
