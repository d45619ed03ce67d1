package coldpath_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chidi150c/swapengine/internal/coldpath"
	"github.com/chidi150c/swapengine/internal/contractrules"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/idempotency"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
	"github.com/chidi150c/swapengine/internal/upimanager"
)

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

func snapshotRow(positionKey, upi string, status domain.SnapshotStatus, lastVer int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"position_key", "last_ver", "compressed_lots", "status", "reconciliation_status",
		"upi", "account", "instrument", "currency", "contract_id", "last_updated_at",
		"archival_flag", "latest_effective_date",
	}).AddRow(
		positionKey, lastVer, []byte("{}"), string(status), string(domain.Reconciled),
		upi, "acct1", "AAPL", "USD", "contract-1", time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		false, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	)
}

func eventRow(positionKey, tradeID string, tradeType domain.TradeType, qty int64, effective time.Time) ([]byte, []byte) {
	payload, err := json.Marshal(domain.TradeEvent{
		TradeID:       tradeID,
		PositionKey:   positionKey,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     tradeType,
		Quantity:      decimal.NewFromInt(qty),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: effective,
		ContractID:    "contract-1",
	})
	if err != nil {
		panic(err)
	}
	lots, err := json.Marshal(domain.LotAllocationResult{})
	if err != nil {
		panic(err)
	}
	return payload, lots
}

func newEngine(sqlDB *sql.DB, pub *fakePublisher) *coldpath.Engine {
	return &coldpath.Engine{
		DB:          sqlDB,
		Snapshots:   snapshotstore.New(sqlDB),
		Events:      eventstore.New(sqlDB),
		Idempotency: idempotency.New(sqlDB, nil, 90*24*time.Hour),
		UPI:         upimanager.New(sqlDB),
		Rules: contractrules.New(func(ctx context.Context, contractID string) (domain.TaxLotMethod, error) {
			return domain.FIFO, nil
		}, time.Minute, 40*time.Millisecond, domain.FIFO),
		Emit: pub,
		Log:  zap.NewNop(),
		Now:  func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) },
	}
}

// TestProcessNoUPIChange covers a backdated INCREASE that lands inside an
// already-open position: the UPI before and after replay are identical, so
// no UPI history is written and no TRADE_CORRECTION fan-out occurs.
func TestProcessNoUPIChange(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	positionKey := "deadbeef00000000000000000000000000000000000000000000000000dead"
	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WithArgs(positionKey).
		WillReturnRows(snapshotRow(positionKey, "tA", domain.StatusActive, 1))

	mock.ExpectExec("UPDATE position_snapshots SET").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payload1, lots1 := eventRow(positionKey, "tA", domain.NewTrade, 100, day1)
	eventRows := sqlmock.NewRows([]string{
		"position_key", "event_ver", "event_type", "effective_date", "occurred_at",
		"payload", "meta_lots", "correlation_id", "causation_id", "archival_flag",
	}).AddRow(positionKey, int64(1), string(domain.EventNewTrade), day1, day1, payload1, lots1, "", "", false)
	mock.ExpectQuery("SELECT position_key, event_ver, event_type").
		WithArgs(positionKey).
		WillReturnRows(eventRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events_p").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE position_snapshots SET last_ver").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO idempotency_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	engine := newEngine(sqlDB, pub)

	trade := domain.TradeEvent{
		TradeID:       "t0",
		PositionKey:   positionKey,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     domain.Increase,
		Quantity:      decimal.NewFromInt(20),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: day2,
		ContractID:    "contract-1",
	}

	result, err := engine.Process(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, positionKey, result.PositionKey)
	require.Equal(t, int64(2), result.EventVer)
	require.Equal(t, "tA", result.UPI)
	require.Equal(t, domain.StatusActive, result.Status)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, pub.emitted, "position-corrected")
	require.Contains(t, pub.regulatory, positionKey)
}

// TestProcessUPIInvalidationAndCreation covers a backdated NEW_TRADE that
// lands after a prior termination, reopening the position under its own
// tradeId: the final UPI differs from the pre-replay snapshot's, so the
// correction must invalidate the old UPI and create the new one, and the
// outbound fan-out must cover every step that carried the invalidated UPI.
func TestProcessUPIInvalidationAndCreation(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	positionKey := "deadbeef00000000000000000000000000000000000000000000000000beef"
	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WithArgs(positionKey).
		WillReturnRows(snapshotRow(positionKey, "t1", domain.StatusTerminated, 2))

	mock.ExpectExec("UPDATE position_snapshots SET").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payload1, lots1 := eventRow(positionKey, "t1", domain.NewTrade, 100, day1)
	payload2, lots2 := eventRow(positionKey, "t2", domain.Decrease, 100, day2)
	eventRows := sqlmock.NewRows([]string{
		"position_key", "event_ver", "event_type", "effective_date", "occurred_at",
		"payload", "meta_lots", "correlation_id", "causation_id", "archival_flag",
	}).
		AddRow(positionKey, int64(1), string(domain.EventNewTrade), day1, day1, payload1, lots1, "", "", false).
		AddRow(positionKey, int64(2), string(domain.EventDecrease), day2, day2, payload2, lots2, "", "", false)
	mock.ExpectQuery("SELECT position_key, event_ver, event_type").
		WithArgs(positionKey).
		WillReturnRows(eventRows)

	historyRows := sqlmock.NewRows([]string{
		"position_key", "upi", "previous_upi", "status", "previous_status", "change_type",
		"triggering_trade_id", "backdated_trade_id", "occurred_at", "effective_date",
		"reason", "merged_from_position_key",
	})
	mock.ExpectQuery("SELECT position_key, upi, previous_upi").
		WithArgs(positionKey).
		WillReturnRows(historyRows)

	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events_p").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE position_snapshots SET last_ver").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO idempotency_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO upi_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO upi_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	engine := newEngine(sqlDB, pub)

	trade := domain.TradeEvent{
		TradeID:       "t0",
		PositionKey:   positionKey,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     domain.NewTrade,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: day3,
		ContractID:    "contract-1",
	}

	result, err := engine.Process(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, positionKey, result.PositionKey)
	require.Equal(t, int64(3), result.EventVer)
	require.Equal(t, "t0", result.UPI)
	require.Equal(t, domain.StatusActive, result.Status)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, pub.emitted, "position-corrected")
	// Regulatory stream: TRADE_REPORT, UPI_INVALIDATION, and two
	// TRADE_CORRECTION records (one per step carrying the invalidated UPI);
	// position-corrected goes to its own stream.
	require.Len(t, pub.regulatory, 4)
}

// TestProcessBackdatedInsertSupersedesLaterReopen covers §8 Scenario S5: a
// backdated INCREASE inserted between an opening trade and a later full
// decrease leaves that decrease only partial, so the position never
// terminates. The trade recorded afterward as a NEW_TRADE (because at its
// original submission time the position really had closed) must be
// reinterpreted as the continuation the corrected timeline turned it into,
// converging back onto the original UPI instead of rejecting the replay.
func TestProcessBackdatedInsertSupersedesLaterReopen(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	positionKey := "deadbeef000000000000000000000000000000000000000000000000ca5e"
	day1 := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	day1h := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)
	day3 := time.Date(2026, 1, 25, 0, 0, 0, 0, time.UTC)

	// Pre-correction snapshot: t1 opened, t2 fully closed it, t3 reopened
	// it under its own UPI — the naive state the hotpath converged to
	// before t0 was known about.
	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WithArgs(positionKey).
		WillReturnRows(snapshotRow(positionKey, "t3", domain.StatusActive, 3))

	mock.ExpectExec("UPDATE position_snapshots SET").
		WillReturnResult(sqlmock.NewResult(1, 1))

	payload1, lots1 := eventRow(positionKey, "t1", domain.NewTrade, 100, day1)
	payload2, lots2 := eventRow(positionKey, "t2", domain.Decrease, 100, day2)
	payload3, lots3 := eventRow(positionKey, "t3", domain.NewTrade, 50, day3)
	eventRows := sqlmock.NewRows([]string{
		"position_key", "event_ver", "event_type", "effective_date", "occurred_at",
		"payload", "meta_lots", "correlation_id", "causation_id", "archival_flag",
	}).
		AddRow(positionKey, int64(1), string(domain.EventNewTrade), day1, day1, payload1, lots1, "", "", false).
		AddRow(positionKey, int64(2), string(domain.EventDecrease), day2, day2, payload2, lots2, "", "", false).
		AddRow(positionKey, int64(3), string(domain.EventNewTrade), day3, day3, payload3, lots3, "", "", false)
	mock.ExpectQuery("SELECT position_key, event_ver, event_type").
		WithArgs(positionKey).
		WillReturnRows(eventRows)

	// t1 was originally recorded as CREATED, so the replay's convergence
	// back onto t1 is a restoration, not a fresh creation.
	historyRows := sqlmock.NewRows([]string{
		"position_key", "upi", "previous_upi", "status", "previous_status", "change_type",
		"triggering_trade_id", "backdated_trade_id", "occurred_at", "effective_date",
		"reason", "merged_from_position_key",
	}).AddRow(positionKey, "t1", nil, string(domain.StatusActive), nil, string(domain.UPICreated),
		"t1", nil, day1, day1, "", nil)
	mock.ExpectQuery("SELECT position_key, upi, previous_upi").
		WithArgs(positionKey).
		WillReturnRows(historyRows)

	mock.ExpectQuery("SELECT position_key, last_ver, compressed_lots").
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events_p").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE position_snapshots SET last_ver").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO idempotency_records").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO upi_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO upi_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	pub := &fakePublisher{}
	engine := newEngine(sqlDB, pub)

	trade := domain.TradeEvent{
		TradeID:       "t0",
		PositionKey:   positionKey,
		Account:       "acct1",
		Instrument:    "AAPL",
		Currency:      "USD",
		TradeType:     domain.Increase,
		Quantity:      decimal.NewFromInt(30),
		Price:         decimal.NewFromInt(10),
		EffectiveDate: day1h,
		ContractID:    "contract-1",
	}

	result, err := engine.Process(context.Background(), trade)
	require.NoError(t, err)
	require.Equal(t, positionKey, result.PositionKey)
	require.Equal(t, "t1", result.UPI)
	require.Equal(t, domain.StatusActive, result.Status)

	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, pub.emitted, "position-corrected")
	// Regulatory stream: TRADE_REPORT, UPI_INVALIDATION, and exactly one
	// TRADE_CORRECTION — for t3, the trade whose own tradeId is the
	// invalidated UPI, even though no step in the corrected replay carries
	// that UPI anymore.
	require.Len(t, pub.regulatory, 3)
}
