// Package hotpath implements the synchronous engine (C8, §4.8): the
// single critical section per positionKey that applies a CURRENT_DATED or
// FORWARD_DATED trade to its snapshot under optimistic concurrency, with a
// bounded p99 latency budget.
//
// Overview
//   Process(ctx, trade) is the single-trade decision loop: validate →
//   load/inflate → fetch contract rules → apply through the lot engine →
//   detect sign-change → commit (event append + snapshot CAS + idempotency
//   insert, one transaction) → emit outbound messages after commit.
//
// Concurrency
//   No in-memory mutex guards a positionKey the way the teacher's step.go
//   uses t.mu — the critical section here is the database transaction
//   itself: the event store's (positionKey, eventVer) uniqueness and the
//   snapshot's compare-and-swap on lastVer are the fence. A conflict from
//   either surfaces as domain.ErrOptimisticConflict and the whole step
//   retries from a fresh snapshot load, up to MaxRetries times with jitter.
//
// Grounded on the teacher's step.go "single synchronized tick" shape
// (validate → compute → commit → log/emit, retried state read on conflict),
// adapted from an in-memory mutex-guarded loop to a DB-transaction-guarded
// one, since the engine here runs many concurrent workers against shared
// Postgres state rather than one in-process Position book.
package hotpath

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/contractrules"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/emitter"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/idempotency"
	"github.com/chidi150c/swapengine/internal/keygen"
	"github.com/chidi150c/swapengine/internal/logging"
	"github.com/chidi150c/swapengine/internal/lotengine"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
	"github.com/chidi150c/swapengine/internal/telemetry"
	"github.com/chidi150c/swapengine/internal/upimanager"
	"github.com/chidi150c/swapengine/internal/validator"
)

// Publisher is the subset of *emitter.Emitter the hotpath needs; an
// interface here lets tests substitute a fake rather than dial Kafka.
type Publisher interface {
	Emit(ctx context.Context, stream, positionKey string, value interface{}) error
	EmitRegulatory(ctx context.Context, positionKey string, value interface{}) error
}

// Result is returned on a successful Process call.
type Result struct {
	PositionKey string
	EventVer    int64
	Status      domain.SnapshotStatus
	UPI         string
}

// Engine wires the stores, cache, and emitter the hotpath needs.
type Engine struct {
	DB          *sql.DB
	Snapshots   *snapshotstore.Store
	Events      *eventstore.Store
	Idempotency *idempotency.Store
	UPI         *upimanager.Store
	Rules       *contractrules.Cache
	Emit        Publisher
	Log         *zap.Logger

	MaxRetries    int
	RetryBaseWait time.Duration

	// Now is injected for deterministic testing; defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Process runs the full hotpath algorithm for one trade (§4.8 steps 1-10).
func (e *Engine) Process(ctx context.Context, trade domain.TradeEvent) (Result, error) {
	log := logging.WithTrade(e.Log, trade.TradeID, trade.PositionKey, trade.CorrelationID)

	if rec, ok, err := e.Idempotency.IsProcessed(ctx, trade.TradeID); err != nil {
		return Result{}, fmt.Errorf("hotpath: idempotency check: %w", err)
	} else if ok && rec.Status == domain.IdemProcessed {
		telemetry.TradesProcessed.WithLabelValues("hotpath", "duplicate").Inc()
		ver := int64(0)
		if rec.EventVersion != nil {
			ver = *rec.EventVersion
		}
		return Result{PositionKey: rec.PositionKey, EventVer: ver}, nil
	}

	positionKey := trade.PositionKey
	if positionKey == "" {
		// §9 Open Question decision #5: a brand-new position defaults to
		// LONG; sign only flips via an existing position's excess quantity.
		positionKey = keygen.Key(trade.Account, trade.Instrument, trade.Currency, false)
		trade.PositionKey = positionKey
	}

	existing, exists, err := e.Snapshots.Load(ctx, positionKey)
	if err != nil {
		return Result{}, fmt.Errorf("hotpath: load snapshot: %w", err)
	}

	if err := validator.Validate(trade, validator.ExistingState{Exists: exists, Status: existing.Status}, e.now()); err != nil {
		e.emitDLQ(ctx, trade, err)
		telemetry.TradesProcessed.WithLabelValues("hotpath", "rejected").Inc()
		return Result{}, err
	}

	start := e.now()
	var result Result
	var commitErr error
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			existing, exists, err = e.Snapshots.Load(ctx, positionKey)
			if err != nil {
				return Result{}, fmt.Errorf("hotpath: reload snapshot: %w", err)
			}
			jitter := time.Duration(rand.Int63n(int64(e.RetryBaseWait)))
			time.Sleep(e.RetryBaseWait + jitter)
		}

		result, commitErr = e.attempt(ctx, trade, existing, exists)
		if commitErr == nil {
			telemetry.HotpathRetries.WithLabelValues("success").Inc()
			break
		}
		if !errors.Is(commitErr, domain.ErrOptimisticConflict) {
			break
		}
		telemetry.HotpathRetries.WithLabelValues("retry").Inc()
		log.Warn("optimistic conflict, retrying", zap.Int("attempt", attempt))
	}
	telemetry.HotpathLatency.Observe(e.now().Sub(start).Seconds())

	if commitErr != nil {
		e.markFailed(ctx, trade)
		e.emitErrorRetry(ctx, trade, commitErr)
		telemetry.TradesProcessed.WithLabelValues("hotpath", "rejected").Inc()
		return Result{}, commitErr
	}

	telemetry.TradesProcessed.WithLabelValues("hotpath", "applied").Inc()
	return result, nil
}

// attempt runs one try of steps 3-8: inflate, apply, sign-change, commit.
// A CAS/version conflict returns domain.ErrOptimisticConflict for the
// caller's retry loop.
func (e *Engine) attempt(ctx context.Context, trade domain.TradeEvent, existing domain.Snapshot, exists bool) (Result, error) {
	method := e.Rules.Lookup(ctx, trade.ContractID)

	state := domain.NewPositionState()
	if exists {
		state = compress.Inflate(existing.CompressedLots)
	}
	qBefore := state.TotalQty()

	var allocation domain.LotAllocationResult
	switch trade.TradeType {
	case domain.NewTrade, domain.Increase:
		lotengine.AddLot(state, trade.Quantity, trade.Price, trade.EffectiveDate)
	case domain.Decrease:
		allocation = lotengine.ReduceLots(state, trade.Quantity, method, trade.Price, trade.EffectiveDate)
	default:
		return Result{}, domain.NewValidationError(fmt.Sprintf("unsupported tradeType %q", trade.TradeType))
	}
	lotengine.Compact(state)

	signChange := trade.TradeType == domain.Decrease && !qBefore.IsZero() && allocation.ExcessQty.IsPositive()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("hotpath: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := e.now()
	var result Result
	var pending []domain.UPIHistoryEntry
	if signChange {
		result, pending, err = e.commitSignChange(ctx, tx, trade, existing, allocation, now)
	} else {
		result, pending, err = e.commitSingle(ctx, tx, trade, existing, exists, state, allocation, now)
	}
	if err != nil {
		return Result{}, err
	}

	if err := e.recordIdempotency(ctx, tx, trade, result.EventVer); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return Result{}, domain.ErrOptimisticConflict
		}
		return Result{}, fmt.Errorf("hotpath: commit: %w", err)
	}

	// UPI history is only durable once the primary commit above has
	// actually landed (outbox discipline, mirrors coldpath's ordering):
	// recording it any earlier risks an orphaned write on commit failure
	// or a duplicate on a serialization-failure retry.
	for _, entry := range pending {
		e.recordUPIHistory(ctx, entry)
	}

	e.afterCommit(ctx, trade, result)
	return result, nil
}

// commitSingle handles the non-sign-change path: one event, one snapshot
// CAS, for a single positionKey.
func (e *Engine) commitSingle(ctx context.Context, tx *sql.Tx, trade domain.TradeEvent, existing domain.Snapshot, exists bool, state *domain.PositionState, allocation domain.LotAllocationResult, now time.Time) (Result, []domain.UPIHistoryEntry, error) {
	expectedVer := existing.LastVer
	newVer := expectedVer + 1
	status := domain.StatusActive
	if state.TotalQty().IsZero() {
		status = domain.StatusTerminated
	}

	upi, _, changeType, previousUPI := upimanager.Decide(existing.UPI, existing.Status, trade.TradeType, trade.TradeID, !state.TotalQty().IsZero())

	ev := domain.Event{
		PositionKey:   trade.PositionKey,
		EventVer:      newVer,
		EventType:     eventTypeFor(trade.TradeType),
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    now,
		Payload:       trade,
		MetaLots:      allocation,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
	}
	if err := e.Events.Append(ctx, tx, ev); err != nil {
		return Result{}, nil, err
	}

	newSnap := domain.Snapshot{
		PositionKey:          trade.PositionKey,
		LastVer:              newVer,
		CompressedLots:       compress.Compress(state),
		Status:               status,
		ReconciliationStatus: domain.Reconciled,
		UPI:                  upi,
		Account:              trade.Account,
		Instrument:           trade.Instrument,
		Currency:             trade.Currency,
		ContractID:           trade.ContractID,
		LastUpdatedAt:        now,
		LatestEffectiveDate:  trade.EffectiveDate,
	}
	if err := snapshotstore.AssertInvariants(newSnap); err != nil {
		return Result{}, nil, fmt.Errorf("hotpath: %w", err)
	}

	if exists {
		if err := e.Snapshots.CompareAndSwap(ctx, tx, expectedVer, newSnap); err != nil {
			if errors.Is(err, snapshotstore.ErrVersionConflict) {
				return Result{}, nil, domain.ErrOptimisticConflict
			}
			return Result{}, nil, err
		}
	} else {
		if err := e.Snapshots.Create(ctx, tx, newSnap); err != nil {
			return Result{}, nil, err
		}
	}

	var pending []domain.UPIHistoryEntry
	if changeType != "" {
		pending = append(pending, domain.UPIHistoryEntry{
			PositionKey:       trade.PositionKey,
			UPI:               upi,
			PreviousUPI:       previousUPI,
			Status:            newSnap.Status,
			PreviousStatus:    existing.Status,
			ChangeType:        changeType,
			TriggeringTradeID: trade.TradeID,
			OccurredAt:        now,
			EffectiveDate:     trade.EffectiveDate,
		})
	}

	return Result{PositionKey: trade.PositionKey, EventVer: newVer, Status: newSnap.Status, UPI: upi}, pending, nil
}

// commitSignChange handles §4.8 step 5: the old key terminates, the
// opposite-direction key opens (or reopens) with the excess quantity, both
// within the same transaction.
func (e *Engine) commitSignChange(ctx context.Context, tx *sql.Tx, trade domain.TradeEvent, existing domain.Snapshot, allocation domain.LotAllocationResult, now time.Time) (Result, []domain.UPIHistoryEntry, error) {
	oldVer := existing.LastVer + 1
	oldEvent := domain.Event{
		PositionKey:   trade.PositionKey,
		EventVer:      oldVer,
		EventType:     domain.EventDecrease,
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    now,
		Payload:       trade,
		MetaLots:      allocation,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
	}
	if err := e.Events.Append(ctx, tx, oldEvent); err != nil {
		return Result{}, nil, err
	}
	oldSnap := domain.Snapshot{
		PositionKey:          trade.PositionKey,
		LastVer:              oldVer,
		CompressedLots:       domain.CompressedLots{},
		Status:               domain.StatusTerminated,
		ReconciliationStatus: domain.Reconciled,
		UPI:                  existing.UPI,
		Account:              trade.Account,
		Instrument:           trade.Instrument,
		Currency:             trade.Currency,
		ContractID:           trade.ContractID,
		LastUpdatedAt:        now,
		LatestEffectiveDate:  trade.EffectiveDate,
	}
	if err := e.Snapshots.CompareAndSwap(ctx, tx, existing.LastVer, oldSnap); err != nil {
		if errors.Is(err, snapshotstore.ErrVersionConflict) {
			return Result{}, nil, domain.ErrOptimisticConflict
		}
		return Result{}, nil, err
	}
	pending := []domain.UPIHistoryEntry{{
		PositionKey:       trade.PositionKey,
		UPI:               existing.UPI,
		PreviousUPI:       existing.UPI,
		Status:            domain.StatusTerminated,
		PreviousStatus:    existing.Status,
		ChangeType:        domain.UPITerminated,
		TriggeringTradeID: trade.TradeID,
		OccurredAt:        now,
		EffectiveDate:     trade.EffectiveDate,
	}}

	wasShort := isShortSnapshot(existing)
	newKey := keygen.Opposite(trade.Account, trade.Instrument, trade.Currency, wasShort)

	newExisting, newExists, err := e.Snapshots.Load(ctx, newKey)
	if err != nil {
		return Result{}, nil, fmt.Errorf("hotpath: load opposite snapshot: %w", err)
	}
	newState := domain.NewPositionState()
	if newExists {
		newState = compress.Inflate(newExisting.CompressedLots)
	}
	lotengine.AddLot(newState, allocation.ExcessQty, trade.Price, trade.EffectiveDate)

	newVer := newExisting.LastVer + 1
	newUPI, _, newChangeType, newPreviousUPI := upimanager.Decide(newExisting.UPI, newExisting.Status, domain.NewTrade, trade.TradeID, true)

	newEvent := domain.Event{
		PositionKey:   newKey,
		EventVer:      newVer,
		EventType:     domain.EventNewTrade,
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    now,
		Payload:       trade,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.TradeID,
	}
	if err := e.Events.Append(ctx, tx, newEvent); err != nil {
		return Result{}, nil, err
	}
	newSnap := domain.Snapshot{
		PositionKey:          newKey,
		LastVer:              newVer,
		CompressedLots:       compress.Compress(newState),
		Status:               domain.StatusActive,
		ReconciliationStatus: domain.Reconciled,
		UPI:                  newUPI,
		Account:              trade.Account,
		Instrument:           trade.Instrument,
		Currency:             trade.Currency,
		ContractID:           trade.ContractID,
		LastUpdatedAt:        now,
		LatestEffectiveDate:  trade.EffectiveDate,
	}
	if newExists {
		if err := e.Snapshots.CompareAndSwap(ctx, tx, newExisting.LastVer, newSnap); err != nil {
			if errors.Is(err, snapshotstore.ErrVersionConflict) {
				return Result{}, nil, domain.ErrOptimisticConflict
			}
			return Result{}, nil, err
		}
	} else {
		if err := e.Snapshots.Create(ctx, tx, newSnap); err != nil {
			return Result{}, nil, err
		}
	}
	if newChangeType != "" {
		pending = append(pending, domain.UPIHistoryEntry{
			PositionKey:       newKey,
			UPI:               newUPI,
			PreviousUPI:       newPreviousUPI,
			Status:            domain.StatusActive,
			PreviousStatus:    newExisting.Status,
			ChangeType:        newChangeType,
			TriggeringTradeID: trade.TradeID,
			OccurredAt:        now,
			EffectiveDate:     trade.EffectiveDate,
		})
	}

	return Result{PositionKey: newKey, EventVer: newVer, Status: domain.StatusActive, UPI: newUPI}, pending, nil
}

func isShortSnapshot(snap domain.Snapshot) bool {
	// The snapshot itself doesn't carry a direction flag; a short position's
	// lots are recorded with negative RemainingQty entering Compress, so the
	// sign of the first compressed quantity reports it.
	if len(snap.CompressedLots.Qtys) == 0 {
		return false
	}
	return snap.CompressedLots.Qtys[0].IsNegative()
}

func (e *Engine) recordIdempotency(ctx context.Context, tx *sql.Tx, trade domain.TradeEvent, eventVer int64) error {
	v := eventVer
	return e.Idempotency.Record(ctx, tx, domain.IdempotencyRecord{
		TradeID:      trade.TradeID,
		PositionKey:  trade.PositionKey,
		Status:       domain.IdemProcessed,
		EventVersion: &v,
		ProcessedAt:  e.now(),
	})
}

func (e *Engine) markFailed(ctx context.Context, trade domain.TradeEvent) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Log.Error("mark failed: begin tx", zap.Error(err))
		return
	}
	defer tx.Rollback()
	rec := domain.IdempotencyRecord{
		TradeID:     trade.TradeID,
		PositionKey: trade.PositionKey,
		Status:      domain.IdemFailed,
		ProcessedAt: e.now(),
	}
	if err := e.Idempotency.Record(ctx, tx, rec); err != nil {
		e.Log.Error("mark failed: record", zap.Error(err))
		return
	}
	if err := tx.Commit(); err != nil {
		e.Log.Error("mark failed: commit", zap.Error(err))
	}
}

// recordUPIHistory writes on an independent transaction (§4.10), called
// only once attempt's primary commit has already succeeded: a write here
// can still fail without rolling back anything, since by this point there
// is nothing left to roll back.
func (e *Engine) recordUPIHistory(ctx context.Context, entry domain.UPIHistoryEntry) {
	if err := e.UPI.RecordHistory(ctx, entry); err != nil {
		e.Log.Error("upi history write failed", zap.String("tradeId", entry.TriggeringTradeID), zap.Error(err))
		return
	}
	telemetry.UPITransitions.WithLabelValues(string(entry.ChangeType)).Inc()
}

// afterCommit emits the outbound messages for a successful commit (§4.8
// step 10, outbox discipline: emit failures are logged, never roll back).
func (e *Engine) afterCommit(ctx context.Context, trade domain.TradeEvent, result Result) {
	applied := emitter.TradeApplied{
		TradeID:       trade.TradeID,
		PositionKey:   result.PositionKey,
		EventVer:      result.EventVer,
		NewTotalQty:   "", // populated by the caller's read model if needed
		Status:        string(result.Status),
		UPI:           result.UPI,
		OccurredAt:    e.now(),
		CorrelationID: trade.CorrelationID,
	}
	if err := e.Emit.Emit(ctx, emitter.StreamTradeApplied, result.PositionKey, applied); err != nil {
		e.Log.Error("emit trade-applied failed", zap.Error(err))
	}

	report := emitter.TradeReport{
		Type:          "TRADE_REPORT",
		SubmissionID:  trade.TradeID + ":" + result.PositionKey,
		TradeID:       trade.TradeID,
		PositionKey:   result.PositionKey,
		UPI:           result.UPI,
		TradeType:     string(trade.TradeType),
		Quantity:      trade.Quantity.String(),
		Price:         trade.Price.String(),
		EffectiveDate: trade.EffectiveDate,
		ContractID:    trade.ContractID,
		CorrelationID: trade.CorrelationID,
		SubmittedAt:   e.now(),
	}
	if err := e.Emit.EmitRegulatory(ctx, result.PositionKey, report); err != nil {
		e.Log.Error("emit regulatory TRADE_REPORT failed", zap.Error(err))
	}
}

func (e *Engine) emitDLQ(ctx context.Context, trade domain.TradeEvent, cause error) {
	const reason = "validation"
	var verr *domain.ValidationError
	var messages []string
	if errors.As(cause, &verr) {
		messages = verr.Messages
	} else {
		messages = []string{cause.Error()}
	}
	rec := emitter.DLQRecord{
		TradeID:     trade.TradeID,
		PositionKey: trade.PositionKey,
		Reason:      reason,
		Messages:    messages,
		RejectedAt:  e.now(),
	}
	telemetry.DLQMessages.WithLabelValues(reason).Inc()
	if err := e.Emit.Emit(ctx, emitter.StreamDLQ, trade.PositionKey, rec); err != nil {
		e.Log.Error("emit dlq failed", zap.Error(err))
	}
}

func (e *Engine) emitErrorRetry(ctx context.Context, trade domain.TradeEvent, cause error) {
	rec := emitter.ErrorRetryRecord{
		TradeID:     trade.TradeID,
		PositionKey: trade.PositionKey,
		Reason:      cause.Error(),
		FailedAt:    e.now(),
	}
	if err := e.Emit.Emit(ctx, emitter.StreamErrorRetry, trade.PositionKey, rec); err != nil {
		e.Log.Error("emit error-retry failed", zap.Error(err))
	}
}

func eventTypeFor(t domain.TradeType) domain.EventType {
	switch t {
	case domain.NewTrade:
		return domain.EventNewTrade
	case domain.Increase:
		return domain.EventIncrease
	default:
		return domain.EventDecrease
	}
}

// isSerializationFailure reports a Postgres SERIALIZABLE commit-time
// conflict (SQLSTATE 40001), distinct from the CAS/unique-violation
// conflicts the stores already turn into domain.ErrOptimisticConflict
// before commit is even attempted.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
