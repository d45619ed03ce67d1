package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TaxLot is a single open or partially-closed parcel of a position.
// Invariant: |RemainingQty| <= |OriginalQty| and sign(RemainingQty) ==
// sign(OriginalQty) whenever RemainingQty != 0.
type TaxLot struct {
	LotID          string
	TradeDate      time.Time
	Price          decimal.Decimal
	OriginalQty    decimal.Decimal
	RemainingQty   decimal.Decimal
	SettlementDate *time.Time
	SettledQty     decimal.Decimal

	// arrivalSeq breaks trade-date ties in insertion order (§3: "insertion
	// order = trade-date order with ties broken by arrival order").
	arrivalSeq int
}

// Open reports whether the lot still carries a non-zero remaining quantity.
func (l TaxLot) Open() bool {
	return !l.RemainingQty.IsZero()
}

// ArrivalSeq returns the tiebreak sequence number PositionState.AppendLot
// stamped this lot with.
func (l TaxLot) ArrivalSeq() int {
	return l.arrivalSeq
}

// IsShort reports whether this lot belongs to a short position.
func (l TaxLot) IsShort() bool {
	return l.OriginalQty.IsNegative()
}

// LotAllocation is the per-lot outcome of a single reduceLots call.
type LotAllocation struct {
	LotID       string
	ClosedQty   decimal.Decimal // always positive, magnitude closed
	RealizedPnL decimal.Decimal
}

// LotAllocationResult is the outcome of reduceLots: what closed, and any
// quantity that could not be matched against existing open lots.
type LotAllocationResult struct {
	Allocations []LotAllocation
	ExcessQty   decimal.Decimal // positive leftover reduceQty, never discarded
}

// TotalRealizedPnL sums RealizedPnL across all allocations.
func (r LotAllocationResult) TotalRealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Allocations {
		total = total.Add(a.RealizedPnL)
	}
	return total
}
