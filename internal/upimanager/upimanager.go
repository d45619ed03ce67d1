// Package upimanager assigns and persists Unique Position Identifier
// transitions (C10, §4.10): CREATED on a position's first NEW_TRADE,
// TERMINATED when quantity reaches zero, REOPENED on a NEW_TRADE after
// termination, and (from coldpath replay) INVALIDATED/RESTORED/MERGED.
//
// History writes use an independent transaction from the hotpath's
// event/snapshot/idempotency commit (§4.9: "all four writes in one hotpath
// step belong to one atomic unit... except UPI history, which uses an
// independent transaction"), and are idempotent on
// (positionKey, upi, occurredAt, changeType) so a retried hotpath attempt or a replayed
// coldpath step never double-records a transition.
//
// Grounded on the teacher's tools/migrate_state.go RunnerID concept — a
// small stable identifier attached to a lot book and re-derived across a
// migration — generalized here to a full lifecycle with its own history
// table, and on the tgeconf-nof0 persistence service's isUniqueViolation
// no-op pattern for idempotent inserts.
package upimanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/chidi150c/swapengine/internal/domain"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Decide applies the hotpath UPI rules (§4.10) given the prior UPI/status
// and the trade just applied. It does not touch storage; the caller
// persists the resulting snapshot fields and, if changeType is non-empty,
// a history entry via RecordHistory.
func Decide(prevUPI string, prevStatus domain.SnapshotStatus, tradeType domain.TradeType, tradeID string, totalQtyAfter bool) (newUPI string, newStatus domain.SnapshotStatus, changeType domain.UPIChangeType, previousUPI string) {
	switch {
	case prevUPI == "" && tradeType == domain.NewTrade:
		return tradeID, domain.StatusActive, domain.UPICreated, ""
	case prevStatus == domain.StatusTerminated && tradeType == domain.NewTrade:
		return tradeID, domain.StatusActive, domain.UPIReopened, prevUPI
	case !totalQtyAfter:
		return prevUPI, domain.StatusTerminated, domain.UPITerminated, prevUPI
	default:
		return prevUPI, prevStatus, "", prevUPI
	}
}

// RecordHistory persists entry in its own transaction, independent of the
// caller's primary commit (§4.9). A duplicate on
// (positionKey, upi, occurredAt, changeType) is treated as already-recorded.
func (s *Store) RecordHistory(ctx context.Context, entry domain.UPIHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upimanager: begin history tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upi_history (
			position_key, upi, previous_upi, status, previous_status, change_type,
			triggering_trade_id, backdated_trade_id, occurred_at, effective_date,
			reason, merged_from_position_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (position_key, upi, occurred_at, change_type) DO NOTHING
	`,
		entry.PositionKey, entry.UPI, nullable(entry.PreviousUPI), string(entry.Status), nullable(string(entry.PreviousStatus)),
		string(entry.ChangeType), entry.TriggeringTradeID, nullable(entry.BackdatedTradeID), entry.OccurredAt, entry.EffectiveDate,
		entry.Reason, nullable(entry.MergedFromPositionKey),
	)
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("upimanager: insert history %s: %w", entry.PositionKey, err)
	}
	return tx.Commit()
}

// HistoryFor returns every UPI transition recorded for positionKey in
// occurrence order, used by coldpath to tell a restored UPI (one already
// recorded as CREATED on this positionKey) from a newly created one.
func (s *Store) HistoryFor(ctx context.Context, positionKey string) ([]domain.UPIHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_key, upi, previous_upi, status, previous_status, change_type,
		       triggering_trade_id, backdated_trade_id, occurred_at, effective_date,
		       reason, merged_from_position_key
		FROM upi_history
		WHERE position_key = $1
		ORDER BY occurred_at ASC
	`, positionKey)
	if err != nil {
		return nil, fmt.Errorf("upimanager: history %s: %w", positionKey, err)
	}
	defer rows.Close()

	var out []domain.UPIHistoryEntry
	for rows.Next() {
		var e domain.UPIHistoryEntry
		var previousUPI, previousStatus, backdatedTradeID, mergedFrom sql.NullString
		var status, changeType string
		if err := rows.Scan(
			&e.PositionKey, &e.UPI, &previousUPI, &status, &previousStatus, &changeType,
			&e.TriggeringTradeID, &backdatedTradeID, &e.OccurredAt, &e.EffectiveDate,
			&e.Reason, &mergedFrom,
		); err != nil {
			return nil, fmt.Errorf("upimanager: scan history %s: %w", positionKey, err)
		}
		e.PreviousUPI = previousUPI.String
		e.Status = domain.SnapshotStatus(status)
		e.PreviousStatus = domain.SnapshotStatus(previousStatus.String)
		e.ChangeType = domain.UPIChangeType(changeType)
		e.BackdatedTradeID = backdatedTradeID.String
		e.MergedFromPositionKey = mergedFrom.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
