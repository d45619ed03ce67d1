package domain

import "github.com/shopspring/decimal"

// PositionState is the ordered, in-memory tax-lot sequence for one
// positionKey. Ordering is insertion order (trade-date order with arrival
// tiebreak, §3) — there are no back-references; ownership of the sequence
// belongs exclusively to the owning Snapshot.
type PositionState struct {
	Lots []TaxLot

	nextArrivalSeq int
}

// NewPositionState returns an empty position state.
func NewPositionState() *PositionState {
	return &PositionState{}
}

// TotalQty returns the sum of RemainingQty across all lots (open and
// closed; closed lots contribute zero).
func (s *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lots {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// OpenLots returns only lots with non-zero remaining quantity, preserving
// order.
func (s *PositionState) OpenLots() []TaxLot {
	out := make([]TaxLot, 0, len(s.Lots))
	for _, l := range s.Lots {
		if l.Open() {
			out = append(out, l)
		}
	}
	return out
}

// IsShort reports the sign shared by all open lots. Callers must not mix
// signs within one PositionState (§3 invariant); on an empty/closed state
// this reports false.
func (s *PositionState) IsShort() bool {
	for _, l := range s.Lots {
		if l.Open() {
			return l.IsShort()
		}
	}
	return false
}

// nextSeq allocates the next arrival-order tiebreak sequence number.
func (s *PositionState) nextSeq() int {
	n := s.nextArrivalSeq
	s.nextArrivalSeq++
	return n
}

// AppendLot appends lot to the sequence, stamping it with the next
// arrival-order tiebreak sequence number (§3: "insertion order = trade-date
// order with ties broken by arrival order"). lotengine.AddLot and
// compress.Inflate are its only callers — a lot never enters Lots any other
// way, so arrivalSeq always reflects true append order even across
// positions rebuilt from a snapshot or by replay.
func (s *PositionState) AppendLot(lot TaxLot) TaxLot {
	lot.arrivalSeq = s.nextSeq()
	s.Lots = append(s.Lots, lot)
	return lot
}
