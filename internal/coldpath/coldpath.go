// Package coldpath implements the asynchronous chronological-replay engine
// (C9, §4.9): invoked for BACKDATED trades, it loads the full per-positionKey
// event stream, synthesizes the backdated event at its canonical place in
// time, and replays every event from a clean PositionState to recompute the
// converged (compressedLots, status, upi). Differences from the pre-replay
// snapshot drive UPI invalidation/restoration/merge detection.
//
// Grounded on the teacher's tools/migrate_state.go shape — load everything,
// recompute, write new state — the closest teacher analogue to "replay a
// full history and recompute a derived view," generalized here from a
// one-shot migration to a per-positionKey recompute driven by one
// newly-arrived backdated trade. Correction persistence follows Open
// Question decision #1 (DESIGN.md): append a CORRECTION-typed event rather
// than rewrite history.
package coldpath

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/contractrules"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/emitter"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/idempotency"
	"github.com/chidi150c/swapengine/internal/logging"
	"github.com/chidi150c/swapengine/internal/lotengine"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
	"github.com/chidi150c/swapengine/internal/telemetry"
	"github.com/chidi150c/swapengine/internal/upimanager"
	"github.com/chidi150c/swapengine/internal/validator"
)

// Publisher is the subset of *emitter.Emitter the coldpath needs.
type Publisher interface {
	Emit(ctx context.Context, stream, positionKey string, value interface{}) error
	EmitRegulatory(ctx context.Context, positionKey string, value interface{}) error
}

// Result is returned on a converged replay.
type Result struct {
	PositionKey string
	EventVer    int64
	Status      domain.SnapshotStatus
	UPI         string
}

// Engine wires the stores, cache, and emitter the coldpath needs. Its pool
// is isolated from the hotpath's (§5): separate worker pool, separate
// connection pool, so coldpath back-pressure cannot starve hotpath.
type Engine struct {
	DB          *sql.DB
	Snapshots   *snapshotstore.Store
	Events      *eventstore.Store
	Idempotency *idempotency.Store
	UPI         *upimanager.Store
	Rules       *contractrules.Cache
	Emit        Publisher
	Log         *zap.Logger

	// Now is injected for deterministic testing; defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// replayStep records the UPI/status a single merged event left the replay
// in, used afterward to diff against the pre-replay snapshot.
type replayStep struct {
	ev          domain.Event
	upiAfter    string
	statusAfter domain.SnapshotStatus
}

// Process runs the full coldpath algorithm for one BACKDATED trade (§4.9
// steps 1-8).
func (e *Engine) Process(ctx context.Context, trade domain.TradeEvent) (Result, error) {
	log := logging.WithTrade(e.Log, trade.TradeID, trade.PositionKey, trade.CorrelationID)
	start := e.now()

	existing, exists, err := e.Snapshots.Load(ctx, trade.PositionKey)
	if err != nil {
		return Result{}, fmt.Errorf("coldpath: load snapshot: %w", err)
	}
	if !exists {
		e.emitDLQ(ctx, trade, fmt.Errorf("backdated trade for a non-existent position: %w", domain.ErrReplayInconsistency))
		telemetry.ColdpathReplayDuration.WithLabelValues("rejected").Observe(e.now().Sub(start).Seconds())
		return Result{}, domain.ErrReplayInconsistency
	}

	// Step 1: mark the current snapshot PROVISIONAL before replay begins.
	// This is the authority from here forward regardless of any naive
	// hotpath overlay that may already have touched this positionKey.
	if err := e.Snapshots.UpdateReconciliationStatus(ctx, trade.PositionKey, domain.Provisional); err != nil {
		return Result{}, fmt.Errorf("coldpath: mark provisional: %w", err)
	}
	e.emitProvisional(ctx, trade)

	events, err := e.Events.LoadAll(ctx, trade.PositionKey)
	if err != nil {
		return Result{}, fmt.Errorf("coldpath: load events: %w", err)
	}

	backdated := domain.Event{
		PositionKey:   trade.PositionKey,
		EventVer:      -1, // placeholder for in-memory ordering only; the
		EventType:     domain.EventCorrection,
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    startOfDay(trade.EffectiveDate),
		Payload:       trade,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
	}
	merged := make([]domain.Event, 0, len(events)+1)
	merged = append(merged, events...)
	merged = append(merged, backdated)
	sort.SliceStable(merged, func(i, j int) bool { return canonicalLess(merged[i], merged[j]) })

	finalState, steps, err := e.replay(ctx, merged)
	if err != nil {
		log.Error("replay inconsistency", zap.Error(err))
		e.emitDLQ(ctx, trade, fmt.Errorf("%w: %v", domain.ErrReplayInconsistency, err))
		telemetry.ColdpathReplayDuration.WithLabelValues("rejected").Observe(e.now().Sub(start).Seconds())
		return Result{}, domain.ErrReplayInconsistency
	}

	finalUPI, finalStatus := "", domain.SnapshotStatus("")
	latestEffective := existing.LatestEffectiveDate
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		finalUPI, finalStatus = last.upiAfter, last.statusAfter
	}
	for _, st := range steps {
		if st.ev.EffectiveDate.After(latestEffective) {
			latestEffective = st.ev.EffectiveDate
		}
	}

	transitions := e.detectTransitions(ctx, trade, existing, finalUPI, steps)

	now := e.now()
	newVer := existing.LastVer + 1
	backdated.EventVer = newVer

	newSnap := domain.Snapshot{
		PositionKey:          trade.PositionKey,
		LastVer:              newVer,
		CompressedLots:       compress.Compress(finalState),
		Status:               finalStatus,
		ReconciliationStatus: domain.Reconciled,
		UPI:                  finalUPI,
		Account:              existing.Account,
		Instrument:           existing.Instrument,
		Currency:             existing.Currency,
		ContractID:           existing.ContractID,
		LastUpdatedAt:        now,
		LatestEffectiveDate:  latestEffective,
	}
	if err := snapshotstore.AssertInvariants(newSnap); err != nil {
		return Result{}, fmt.Errorf("coldpath: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("coldpath: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := e.Events.Append(ctx, tx, backdated); err != nil {
		return Result{}, fmt.Errorf("coldpath: append correction event: %w", err)
	}
	if err := e.Snapshots.CompareAndSwap(ctx, tx, existing.LastVer, newSnap); err != nil {
		return Result{}, fmt.Errorf("coldpath: cas snapshot: %w", err)
	}
	v := newVer
	if err := e.Idempotency.Record(ctx, tx, domain.IdempotencyRecord{
		TradeID:      trade.TradeID,
		PositionKey:  trade.PositionKey,
		Status:       domain.IdemProcessed,
		EventVersion: &v,
		ProcessedAt:  now,
	}); err != nil {
		return Result{}, fmt.Errorf("coldpath: record idempotency: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("coldpath: commit: %w", err)
	}

	for _, t := range transitions {
		if err := e.UPI.RecordHistory(ctx, t); err != nil {
			log.Error("upi history write failed", zap.Error(err))
			continue
		}
		telemetry.UPITransitions.WithLabelValues(string(t.ChangeType)).Inc()
	}

	result := Result{PositionKey: trade.PositionKey, EventVer: newVer, Status: finalStatus, UPI: finalUPI}
	e.afterCommit(ctx, trade, result, steps, transitions)
	telemetry.ColdpathReplayDuration.WithLabelValues("converged").Observe(e.now().Sub(start).Seconds())
	telemetry.TradesProcessed.WithLabelValues("coldpath", "applied").Inc()
	return result, nil
}

// effectiveTradeType reinterprets a replayed event's recorded TradeType
// against the state the corrected timeline has reached by this point in
// the replay, rather than re-validating it as a fresh submission. Events
// are appended, never rewritten (Open Question decision #1): a trade that
// was classified NEW_TRADE at its original submission time because the
// position was terminated back then can land on a still-ACTIVE position
// once a backdated insertion shifts the timeline. It is now the
// continuation that position became, not a new submission (§8 Scenario
// S5), so it is reclassified as an INCREASE. Any other combination is left
// as recorded — including a non-NEW_TRADE arriving on a position that
// doesn't yet exist in the replay, which is a genuine inconsistency the
// state machine must still reject.
func effectiveTradeType(recorded domain.TradeType, exists bool, status domain.SnapshotStatus) domain.TradeType {
	if exists && status == domain.StatusActive && recorded == domain.NewTrade {
		return domain.Increase
	}
	return recorded
}

// replay walks merged (already in canonical order) from a clean
// PositionState, applying each event through the lot engine and tracking
// (currentUPI, currentStatus) exactly as the hotpath's upimanager rules
// would (§4.9 step 4). Each event's effective trade type is reclassified
// from the replay's own state (effectiveTradeType) before it is validated
// or applied, since the state machine gate is written for live new
// submissions, not for reinterpreting history a backdated insertion has
// shifted. A transition still rejected after reclassification is a genuine
// replay inconsistency (Open Question decision #4): the caller leaves the
// snapshot PROVISIONAL and routes to DLQ.
func (e *Engine) replay(ctx context.Context, merged []domain.Event) (*domain.PositionState, []replayStep, error) {
	state := domain.NewPositionState()
	var currentUPI string
	var currentStatus domain.SnapshotStatus
	exists := false
	steps := make([]replayStep, 0, len(merged))

	for _, ev := range merged {
		t := ev.Payload
		effective := effectiveTradeType(t.TradeType, exists, currentStatus)

		validated := t
		validated.TradeType = effective
		if err := validator.Validate(validated, validator.ExistingState{Exists: exists, Status: currentStatus}, e.now()); err != nil {
			return nil, nil, fmt.Errorf("trade %s at %s: %w", t.TradeID, t.EffectiveDate, err)
		}

		method := e.Rules.Lookup(ctx, t.ContractID)
		switch effective {
		case domain.NewTrade, domain.Increase:
			lotengine.AddLot(state, t.Quantity, t.Price, t.EffectiveDate)
		case domain.Decrease:
			lotengine.ReduceLots(state, t.Quantity, method, t.Price, t.EffectiveDate)
		}
		lotengine.Compact(state)

		upi, status, _, _ := upimanager.Decide(currentUPI, currentStatus, effective, t.TradeID, !state.TotalQty().IsZero())
		currentUPI, currentStatus = upi, status
		exists = true

		steps = append(steps, replayStep{ev: ev, upiAfter: currentUPI, statusAfter: currentStatus})
	}
	return state, steps, nil
}

// detectTransitions compares the replayed timeline against the pre-replay
// snapshot and history to build the UPI history entries this correction
// must record (§4.9 step 5/7): invalidation of a superseded UPI, with
// restoration or merge reclassifying what the new UPI receives instead of a
// plain CREATED.
func (e *Engine) detectTransitions(ctx context.Context, trade domain.TradeEvent, existing domain.Snapshot, finalUPI string, steps []replayStep) []domain.UPIHistoryEntry {
	if finalUPI == existing.UPI || existing.UPI == "" {
		return nil
	}
	now := e.now()
	var entries []domain.UPIHistoryEntry

	entries = append(entries, domain.UPIHistoryEntry{
		PositionKey:       trade.PositionKey,
		UPI:               existing.UPI,
		PreviousUPI:       existing.UPI,
		Status:            domain.StatusTerminated,
		PreviousStatus:    existing.Status,
		ChangeType:        domain.UPIInvalidated,
		TriggeringTradeID: trade.TradeID,
		BackdatedTradeID:  trade.TradeID,
		OccurredAt:        now,
		EffectiveDate:     trade.EffectiveDate,
		Reason:            "BACKDATED_TRADE_RECALCULATION",
	})

	changeType := domain.UPICreated
	mergedFrom := ""
	if history, err := e.UPI.HistoryFor(ctx, trade.PositionKey); err == nil {
		for _, h := range history {
			if h.UPI == finalUPI && h.ChangeType == domain.UPICreated {
				changeType = domain.UPIRestored
				break
			}
		}
	}
	if other, found, err := e.Snapshots.FindByUPI(ctx, finalUPI, trade.PositionKey); err == nil && found {
		changeType = domain.UPIMerged
		mergedFrom = other.PositionKey
	}

	entries = append(entries, domain.UPIHistoryEntry{
		PositionKey:           trade.PositionKey,
		UPI:                   finalUPI,
		PreviousUPI:           existing.UPI,
		Status:                domain.StatusActive,
		PreviousStatus:        domain.StatusTerminated,
		ChangeType:            changeType,
		TriggeringTradeID:     trade.TradeID,
		BackdatedTradeID:      trade.TradeID,
		OccurredAt:            now,
		EffectiveDate:         trade.EffectiveDate,
		Reason:                "BACKDATED_TRADE_RECALCULATION",
		MergedFromPositionKey: mergedFrom,
	})
	return entries
}

// invalidatedTradeIDs returns the tradeIds affected by upi's invalidation,
// used to populate UPI_INVALIDATION's invalidatedTradeIds (§6). By
// convention a UPI literal equals the tradeId of the trade that created it,
// so that trade is always included even if reclassification (see
// effectiveTradeType) means no step in the corrected replay carries upi at
// all anymore (§8 Scenario S5); any other merged step still landing under
// upi is added alongside it.
func invalidatedTradeIDs(steps []replayStep, upi string) []string {
	var ids []string
	seen := make(map[string]bool)
	if upi != "" {
		ids = append(ids, upi)
		seen[upi] = true
	}
	for _, st := range steps {
		if st.upiAfter == upi && !seen[st.ev.Payload.TradeID] {
			ids = append(ids, st.ev.Payload.TradeID)
			seen[st.ev.Payload.TradeID] = true
		}
	}
	return ids
}

// afterCommit emits the outbound messages for a converged replay (§4.9 step
// 7, outbox discipline). The UPI_INVALIDATION summary is always emitted
// before its fan-out TRADE_CORRECTION messages (§5 ordering guarantee).
func (e *Engine) afterCommit(ctx context.Context, trade domain.TradeEvent, result Result, steps []replayStep, transitions []domain.UPIHistoryEntry) {
	corrected := emitter.PositionCorrected{
		TradeApplied: emitter.TradeApplied{
			TradeID:       trade.TradeID,
			PositionKey:   result.PositionKey,
			EventVer:      result.EventVer,
			Status:        string(result.Status),
			UPI:           result.UPI,
			OccurredAt:    e.now(),
			CorrelationID: trade.CorrelationID,
		},
		Reason:           "BACKDATED_TRADE_RECALCULATION",
		BackdatedTradeID: trade.TradeID,
		AffectedSystems:  emitter.AffectedSystems,
	}
	if err := e.Emit.Emit(ctx, emitter.StreamPositionCorrected, result.PositionKey, corrected); err != nil {
		e.Log.Error("emit position-corrected failed", zap.Error(err))
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

	if len(transitions) < 2 {
		return
	}
	invalidated, created := transitions[0], transitions[1]

	ids := invalidatedTradeIDs(steps, invalidated.UPI)
	invalidation := emitter.UPIInvalidation{
		Type:                "UPI_INVALIDATION",
		PositionKey:         result.PositionKey,
		InvalidatedUPI:      invalidated.UPI,
		NewUPI:              created.UPI,
		InvalidatedTradeIDs: ids,
		Reason:              "BACKDATED_TRADE_RECALCULATION",
		BackdatedTradeID:    trade.TradeID,
		EffectiveDate:       trade.EffectiveDate,
		OccurredAt:          e.now(),
		ActionRequired:      "RESUBMIT_TRADES_WITH_NEW_UPI",
	}
	if err := e.Emit.EmitRegulatory(ctx, result.PositionKey, invalidation); err != nil {
		e.Log.Error("emit regulatory UPI_INVALIDATION failed", zap.Error(err))
	}

	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for _, st := range steps {
		payload := st.ev.Payload
		if !idSet[payload.TradeID] {
			continue
		}
		idSet[payload.TradeID] = false // emit once even if a tradeId repeats across merged steps
		correction := emitter.TradeCorrection{
			Type:             "TRADE_CORRECTION",
			TradeID:          payload.TradeID,
			PositionKey:      result.PositionKey,
			OriginalUPI:      invalidated.UPI,
			CorrectedUPI:     created.UPI,
			TradeType:        string(payload.TradeType),
			Quantity:         payload.Quantity.String(),
			Price:            payload.Price.String(),
			EffectiveDate:    payload.EffectiveDate,
			Reason:           "UPI_INVALIDATION",
			BackdatedTradeID: trade.TradeID,
			ActionRequired:   "CORRECT_TRADE_WITH_NEW_UPI",
		}
		if err := e.Emit.EmitRegulatory(ctx, result.PositionKey, correction); err != nil {
			e.Log.Error("emit regulatory TRADE_CORRECTION failed", zap.String("tradeId", payload.TradeID), zap.Error(err))
		}
	}
}

func (e *Engine) emitProvisional(ctx context.Context, trade domain.TradeEvent) {
	rec := emitter.ProvisionalTrade{
		TradeID:     trade.TradeID,
		PositionKey: trade.PositionKey,
		MarkedAt:    e.now(),
	}
	if err := e.Emit.Emit(ctx, emitter.StreamProvisionalTrade, trade.PositionKey, rec); err != nil {
		e.Log.Error("emit provisional-trade failed", zap.Error(err))
	}
}

func (e *Engine) emitDLQ(ctx context.Context, trade domain.TradeEvent, cause error) {
	const reason = "replay_inconsistency"
	rec := emitter.DLQRecord{
		TradeID:     trade.TradeID,
		PositionKey: trade.PositionKey,
		Reason:      reason,
		Messages:    []string{cause.Error()},
		RejectedAt:  e.now(),
	}
	telemetry.DLQMessages.WithLabelValues(reason).Inc()
	if err := e.Emit.Emit(ctx, emitter.StreamDLQ, trade.PositionKey, rec); err != nil {
		e.Log.Error("emit dlq failed", zap.Error(err))
	}
}

func canonicalLess(a, b domain.Event) bool {
	if !a.EffectiveDate.Equal(b.EffectiveDate) {
		return a.EffectiveDate.Before(b.EffectiveDate)
	}
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.Before(b.OccurredAt)
	}
	return a.EventVer < b.EventVer
}

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
