package compress_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/lotengine"
)

func TestRoundTripInflateCompress(t *testing.T) {
	s := domain.NewPositionState()
	lotengine.AddLot(s, decimal.RequireFromString("800"), decimal.RequireFromString("50"), time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	lotengine.AddLot(s, decimal.RequireFromString("500"), decimal.RequireFromString("55"), time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC))

	compressed := compress.Compress(s)
	inflated := compress.Inflate(compressed)
	recompressed := compress.Compress(inflated)

	a, err := compress.Marshal(compressed)
	require.NoError(t, err)
	b, err := compress.Marshal(recompressed)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	c := domain.CompressedLots{
		IDs:        []string{"lot-1"},
		TradeDates: []time.Time{time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)},
		Prices:     []decimal.Decimal{decimal.RequireFromString("50")},
		Qtys:       []decimal.Decimal{decimal.RequireFromString("800")},
	}
	data, err := compress.Marshal(c)
	require.NoError(t, err)

	got, err := compress.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, c.IDs, got.IDs)
	assert.True(t, c.Prices[0].Equal(got.Prices[0]))
	assert.True(t, c.Qtys[0].Equal(got.Qtys[0]))
}

func TestEmptyCompressedLotsRoundTrips(t *testing.T) {
	s := domain.NewPositionState()
	c := compress.Compress(s)
	assert.True(t, c.Empty())

	data, err := compress.Marshal(c)
	require.NoError(t, err)
	got, err := compress.Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, got.Empty())
}
