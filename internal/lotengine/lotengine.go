// Package lotengine implements the tax-lot allocation algorithms (C1):
// adding lots on increases, and FIFO/LIFO/HIFO-ordered reduction on
// decreases with realized P&L computation. Every function here is a pure
// function over domain.PositionState — no I/O, no suspension, matching
// spec §5's "no per-request async/suspension in the lot engine itself."
//
// All arithmetic uses shopspring/decimal (arbitrary precision, scale >= 10,
// per spec §4.5); floating point is never used for money or quantity.
package lotengine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/swapengine/internal/domain"
)

// DecimalScale is the minimum scale carried through internal arithmetic.
const DecimalScale = 10

// AddLot appends a new tax lot with OriginalQty == RemainingQty == qty,
// preserving insertion order. qty may be negative for short positions
// (produced by the hotpath sign-change path, §4.8); it is never zero.
func AddLot(s *domain.PositionState, qty, price decimal.Decimal, date time.Time) domain.TaxLot {
	lot := domain.TaxLot{
		LotID:        uuid.NewString(),
		TradeDate:    date,
		Price:        price.Round(DecimalScale),
		OriginalQty:  qty.Round(DecimalScale),
		RemainingQty: qty.Round(DecimalScale),
	}
	return s.AppendLot(lot)
}

// ReduceLots allocates reduceQty (always supplied positive) against s's
// open lots in the order `method` prescribes, closing each selected lot by
// min(reduceQty, |remainingQty|) and accumulating realized P&L. Any portion
// of reduceQty that cannot be matched against open lots is returned as
// ExcessQty, never silently discarded (§4.5) — the hotpath's sign-change
// policy (§4.8) decides what happens to it.
func ReduceLots(s *domain.PositionState, reduceQty decimal.Decimal, method domain.TaxLotMethod, closePrice decimal.Decimal, closeDate time.Time) domain.LotAllocationResult {
	remaining := reduceQty.Round(DecimalScale).Abs()
	result := domain.LotAllocationResult{}
	if remaining.IsZero() {
		return result
	}

	isShort := s.IsShort()
	order := selectionOrder(s.Lots, method)

	for _, idx := range order {
		if remaining.IsZero() {
			break
		}
		lot := &s.Lots[idx]
		open := lot.RemainingQty.Abs()
		if open.IsZero() {
			continue
		}
		closed := decimal.Min(remaining, open)
		if closed.IsZero() {
			continue
		}

		var pnl decimal.Decimal
		if isShort {
			pnl = lot.Price.Sub(closePrice).Mul(closed)
		} else {
			pnl = closePrice.Sub(lot.Price).Mul(closed)
		}
		pnl = pnl.Round(DecimalScale)

		if isShort {
			lot.RemainingQty = lot.RemainingQty.Add(closed)
		} else {
			lot.RemainingQty = lot.RemainingQty.Sub(closed)
		}

		result.Allocations = append(result.Allocations, domain.LotAllocation{
			LotID:       lot.LotID,
			ClosedQty:   closed,
			RealizedPnL: pnl,
		})
		remaining = remaining.Sub(closed)
	}

	result.ExcessQty = remaining
	return result
}

// Compact drops fully-closed lots (RemainingQty == 0) from the active
// sequence, preserving the relative order of the survivors. Call this at
// commit time, after ReduceLots, per spec §4.5.
func Compact(s *domain.PositionState) {
	out := s.Lots[:0]
	for _, l := range s.Lots {
		if l.Open() {
			out = append(out, l)
		}
	}
	s.Lots = out
}

// selectionOrder returns indices into lots in the order `method` selects
// them for reduction, considering only lots with non-zero remaining
// quantity.
func selectionOrder(lots []domain.TaxLot, method domain.TaxLotMethod) []int {
	idxs := make([]int, 0, len(lots))
	for i, l := range lots {
		if l.Open() {
			idxs = append(idxs, i)
		}
	}

	switch method {
	case domain.LIFO:
		sort.SliceStable(idxs, func(a, b int) bool {
			da, db := lots[idxs[a]].TradeDate, lots[idxs[b]].TradeDate
			if !da.Equal(db) {
				return da.After(db)
			}
			// same-date tie-break: most recently arrived first (§3).
			return lots[idxs[a]].ArrivalSeq() > lots[idxs[b]].ArrivalSeq()
		})
	case domain.HIFO:
		sort.SliceStable(idxs, func(a, b int) bool {
			pa, pb := lots[idxs[a]].Price, lots[idxs[b]].Price
			if !pa.Equal(pb) {
				return pa.GreaterThan(pb)
			}
			// equal-price tie-break falls back to FIFO (Open Question #3).
			da, db := lots[idxs[a]].TradeDate, lots[idxs[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			return lots[idxs[a]].ArrivalSeq() < lots[idxs[b]].ArrivalSeq()
		})
	case domain.FIFO:
		fallthrough
	default:
		sort.SliceStable(idxs, func(a, b int) bool {
			da, db := lots[idxs[a]].TradeDate, lots[idxs[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			// same-date tie-break: earliest arrived first (§3).
			return lots[idxs[a]].ArrivalSeq() < lots[idxs[b]].ArrivalSeq()
		})
	}
	return idxs
}
