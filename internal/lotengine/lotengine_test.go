package lotengine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/lotengine"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// S1: NEW_TRADE, INCREASE, partial DECREASE.
func TestScenario1_NewIncreasePartialDecrease(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("1000"), d("50"), date("2025-01-10"))
	lotengine.AddLot(s, d("500"), d("55"), date("2025-01-11"))

	res := lotengine.ReduceLots(s, d("200"), domain.FIFO, d("60"), date("2025-01-12"))
	lotengine.Compact(s)

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, d("200").String(), res.Allocations[0].ClosedQty.String())
	assert.Equal(t, d("2000").String(), res.TotalRealizedPnL().String())
	assert.True(t, res.ExcessQty.IsZero())

	assert.Equal(t, d("1300").String(), s.TotalQty().String())
	require.Len(t, s.Lots, 2)
	assert.Equal(t, d("800").String(), s.Lots[0].RemainingQty.String())
	assert.Equal(t, d("500").String(), s.Lots[1].RemainingQty.String())
}

// S2: full close leaves zero lots after Compact.
func TestScenario2_FullCloseEmptiesLots(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("1000"), d("50"), date("2025-01-10"))
	res := lotengine.ReduceLots(s, d("1000"), domain.FIFO, d("60"), date("2025-01-20"))
	lotengine.Compact(s)

	assert.Equal(t, d("10000").String(), res.TotalRealizedPnL().String())
	assert.True(t, s.TotalQty().IsZero())
	assert.Empty(t, s.Lots)
}

// S3 (lot-engine portion): decrease past available quantity reports excess,
// leaving sign-change handling to the caller (hotpath).
func TestExcessQtyReportedNotDiscarded(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("100"), d("50"), date("2025-01-01"))

	res := lotengine.ReduceLots(s, d("150"), domain.FIFO, d("55"), date("2025-01-02"))
	lotengine.Compact(s)

	assert.Equal(t, d("50").String(), res.ExcessQty.String())
	assert.Equal(t, d("500").String(), res.TotalRealizedPnL().String())
	assert.True(t, s.TotalQty().IsZero())
}

// S4: HIFO allocation order and realized P&L.
func TestScenario4_HIFO(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("100"), d("50"), date("2025-01-01"))
	lotengine.AddLot(s, d("100"), d("60"), date("2025-01-02"))
	lotengine.AddLot(s, d("100"), d("55"), date("2025-01-03"))

	res := lotengine.ReduceLots(s, d("120"), domain.HIFO, d("65"), date("2025-01-04"))
	lotengine.Compact(s)

	assert.Equal(t, d("700").String(), res.TotalRealizedPnL().String())
	require.Len(t, s.Lots, 2)
	assert.Equal(t, d("50").String(), s.Lots[0].Price.String())
	assert.Equal(t, d("100").String(), s.Lots[0].RemainingQty.String())
	assert.Equal(t, d("55").String(), s.Lots[1].Price.String())
	assert.Equal(t, d("80").String(), s.Lots[1].RemainingQty.String())
	assert.Equal(t, d("180").String(), s.TotalQty().String())
}

// HIFO equal-price tie-break falls back to FIFO (Open Question #3).
func TestHIFOEqualPriceTieBreaksFIFO(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("100"), d("50"), date("2025-01-01"))
	lotengine.AddLot(s, d("100"), d("50"), date("2025-01-02"))

	res := lotengine.ReduceLots(s, d("100"), domain.HIFO, d("60"), date("2025-01-03"))
	lotengine.Compact(s)

	// The earlier lot is fully closed and dropped by Compact; the later one
	// survives untouched.
	require.Len(t, res.Allocations, 1)
	require.Len(t, s.Lots, 1)
	assert.True(t, s.Lots[0].TradeDate.Equal(date("2025-01-02")))
	assert.Equal(t, d("100").String(), s.Lots[0].RemainingQty.String())
}

func TestLIFOOrdersByDescendingDateThenReverseArrival(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("10"), d("10"), date("2025-01-01"))
	lotengine.AddLot(s, d("10"), d("20"), date("2025-01-02"))
	lotengine.AddLot(s, d("10"), d("30"), date("2025-01-02")) // same date, later arrival

	res := lotengine.ReduceLots(s, d("15"), domain.LIFO, d("100"), date("2025-01-03"))
	lotengine.Compact(s)

	// LIFO closes the most recently arrived same-date lot first (price 30),
	// then the earlier-arrived same-date lot (price 20), never touching the
	// 2025-01-01 lot for only 15 units.
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, d("10").String(), res.Allocations[0].ClosedQty.String())
	assert.Equal(t, d("5").String(), res.Allocations[1].ClosedQty.String())
	require.Len(t, s.Lots, 2)
	assert.Equal(t, d("10").String(), s.Lots[0].Price.String())
	assert.Equal(t, d("5").String(), s.Lots[1].RemainingQty.String())
}

func TestShortPositionRealizedPnLSignFlips(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, d("-100"), d("50"), date("2025-01-01"))

	res := lotengine.ReduceLots(s, d("100"), domain.FIFO, d("45"), date("2025-01-02"))
	lotengine.Compact(s)

	// short: (lotPrice - closePrice) * closedQty = (50-45)*100 = 500
	assert.Equal(t, d("500").String(), res.TotalRealizedPnL().String())
	assert.Empty(t, s.Lots)
}
