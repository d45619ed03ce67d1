package hotpath_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chidi150c/swapengine/internal/contractrules"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/hotpath"
	"github.com/chidi150c/swapengine/internal/idempotency"
	"github.com/chidi150c/swapengine/internal/keygen"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
	"github.com/chidi150c/swapengine/internal/upimanager"
)

// fakePublisher records every emitted stream without dialing Kafka.
type fakePublisher struct {
	emitted    []string
	regulatory []string
}

func (f *fakePublisher) Emit(ctx context.Context, stream, positionKey string, value interface{}) error {
	f.emitted = append(f.emitted, stream)
	return nil
}

func (f *fakePublisher) EmitRegulatory(ctx context.Context, positionKey string, value interface{}) error {
	f.regulatory = append(f.regulatory, positionKey)
	return nil
}

func TestProcessNewTradeSuccess(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	tradeID := "trade-1"
	positionKey := keygen.Key("acct1", "AAPL", "USD", false)

	mock.ExpectQuery("SELECT trade_id, position_key, status, event_version, processed_at").
		WithArgs(tradeID).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WithArgs(positionKey).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events_p").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO position_snapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO idempotency_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// UPI history is recorded on its own independent transaction, only once
	// the primary commit above has succeeded.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO upi_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	log := zap.NewNop()
	engine := &hotpath.Engine{
		DB:          sqlDB,
		Snapshots:   snapshotstore.New(sqlDB),
		Events:      eventstore.New(sqlDB),
		Idempotency: idempotency.New(sqlDB, nil, 90*24*time.Hour),
		UPI:         upimanager.New(sqlDB),
		Rules: contractrules.New(func(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
			return domain.FIFO, nil
		}, time.Minute, 40*time.Millisecond, domain.FIFO),
		Emit:          pub,
		Log:           log,
		MaxRetries:    2,
		RetryBaseWait: time.Millisecond,
		Now:           func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}

	trade := domain.TradeEvent{
		TradeID:       tradeID,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     domain.NewTrade,
		Quantity:      decimal.NewFromInt(100),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		ContractID:    "contract-1",
	}

	result, err := engine.Process(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, positionKey, result.PositionKey)
	require.Equal(t, int64(1), result.EventVer)
	require.Equal(t, domain.StatusActive, result.Status)
	require.Equal(t, tradeID, result.UPI)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, pub.emitted, "trade-applied")
	require.Contains(t, pub.regulatory, positionKey)
}

func TestProcessDuplicateTradeShortCircuits(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	tradeID := "trade-dup"
	positionKey := keygen.Key("acct1", "AAPL", "USD", false)

	rows := sqlmock.NewRows([]string{"trade_id", "position_key", "status", "event_version", "processed_at"}).
		AddRow(tradeID, positionKey, string(domain.IdemProcessed), int64(3), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC))
	mock.ExpectQuery("SELECT trade_id, position_key, status, event_version, processed_at").
		WithArgs(tradeID).
		WillReturnRows(rows)

	pub := &fakePublisher{}
	engine := &hotpath.Engine{
		DB:          sqlDB,
		Snapshots:   snapshotstore.New(sqlDB),
		Events:      eventstore.New(sqlDB),
		Idempotency: idempotency.New(sqlDB, nil, 90*24*time.Hour),
		UPI:         upimanager.New(sqlDB),
		Rules: contractrules.New(func(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
			return domain.FIFO, nil
		}, time.Minute, 40*time.Millisecond, domain.FIFO),
		Emit:          pub,
		Log:           zap.NewNop(),
		MaxRetries:    2,
		RetryBaseWait: time.Millisecond,
	}

	trade := domain.TradeEvent{
		TradeID:       tradeID,
		PositionKey:   positionKey,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     domain.NewTrade,
		Quantity:      decimal.NewFromInt(100),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
	}

	result, err := engine.Process(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, positionKey, result.PositionKey)
	require.Equal(t, int64(3), result.EventVer)
	require.Empty(t, pub.emitted, "a short-circuited duplicate emits nothing")

	require.NoError(t, mock.ExpectationsWereMet())
}
