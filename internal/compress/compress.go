// Package compress implements the struct-of-arrays compression/inflation
// of open tax lots (C2), the serialized on-disk form used by the snapshot
// store. The wire format is JSON by default (§4.6); the split into
// parallel ID/date/price/qty arrays is what the teacher's
// tools/migrate_state.go calls a "side book" persisted shape, generalized
// here from one aggregate slice to the spec's named arrays.
package compress

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/swapengine/internal/domain"
)

// Compress converts a PositionState's open lots into the parallel-array
// CompressedLots form, preserving order.
func Compress(s *domain.PositionState) domain.CompressedLots {
	open := s.OpenLots()
	out := domain.CompressedLots{
		IDs:        make([]string, len(open)),
		TradeDates: make([]time.Time, len(open)),
		Prices:     make([]decimal.Decimal, len(open)),
		Qtys:       make([]decimal.Decimal, len(open)),
	}
	for i, l := range open {
		out.IDs[i] = l.LotID
		out.TradeDates[i] = l.TradeDate
		out.Prices[i] = l.Price
		out.Qtys[i] = l.RemainingQty
	}
	return out
}

// Inflate reconstructs a PositionState from its compressed form, preserving
// order. Reconstructed lots carry OriginalQty == RemainingQty, since
// compression only ever retains open lots (§4.6) — the closed-quantity
// history lives in the event store, not the snapshot.
func Inflate(c domain.CompressedLots) *domain.PositionState {
	s := domain.NewPositionState()
	n := len(c.IDs)
	for i := 0; i < n; i++ {
		// AppendLot stamps arrival order so same-date tie-breaks survive
		// the round trip.
		s.AppendLot(domain.TaxLot{
			LotID:        c.IDs[i],
			TradeDate:    c.TradeDates[i],
			Price:        c.Prices[i],
			OriginalQty:  c.Qtys[i],
			RemainingQty: c.Qtys[i],
		})
	}
	return s
}

// Marshal renders a CompressedLots as normalized, byte-stable JSON for the
// round-trip invariant (§8 property 6): compress(inflate(x)) == x.
func Marshal(c domain.CompressedLots) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal parses the JSON form produced by Marshal.
func Unmarshal(data []byte) (domain.CompressedLots, error) {
	var c domain.CompressedLots
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.CompressedLots{}, err
	}
	if c.IDs == nil {
		c.IDs = []string{}
	}
	if c.TradeDates == nil {
		c.TradeDates = []time.Time{}
	}
	if c.Prices == nil {
		c.Prices = []decimal.Decimal{}
	}
	if c.Qtys == nil {
		c.Qtys = []decimal.Decimal{}
	}
	return c, nil
}
