// Package snapshotstore persists the current, queryable view of a position
// (C4, §3.2): the compressed tax-lot array, status, reconciliation state,
// and UPI, updated by compare-and-swap on lastVer so a concurrent hotpath
// writer can never silently clobber another's commit.
//
// Grounded on the same persistence-service shape as internal/eventstore
// (tgeconf-nof0 persistence.go's Insert-then-conditional-Update pattern for
// AccountEquitySnapshots) adapted to a single positionKey-keyed row instead
// of an append-only metrics table, plus the go-coffee EventStore's
// SaveSnapshot/GetLatestSnapshot split between create and update paths.
package snapshotstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/domain"
)

// ErrVersionConflict is returned when a CAS update's WHERE last_ver =
// expected clause matches zero rows — someone else committed first.
var ErrVersionConflict = errors.New("snapshotstore: version conflict")

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Load fetches the current snapshot for positionKey. ok is false if no
// snapshot exists yet (NON_EXISTENT per the validator's state machine).
func (s *Store) Load(ctx context.Context, positionKey string) (domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	var status, reconStatus string
	var lotsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT position_key, last_ver, compressed_lots, status, reconciliation_status,
		       upi, account, instrument, currency, contract_id, last_updated_at,
		       archival_flag, latest_effective_date
		FROM position_snapshots
		WHERE position_key = $1
	`, positionKey).Scan(
		&snap.PositionKey, &snap.LastVer, &lotsJSON, &status, &reconStatus,
		&snap.UPI, &snap.Account, &snap.Instrument, &snap.Currency, &snap.ContractID, &snap.LastUpdatedAt,
		&snap.ArchivalFlag, &snap.LatestEffectiveDate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshotstore: load %s: %w", positionKey, err)
	}
	lots, err := compress.Unmarshal(lotsJSON)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshotstore: unmarshal lots %s: %w", positionKey, err)
	}
	snap.CompressedLots = lots
	snap.Status = domain.SnapshotStatus(status)
	snap.ReconciliationStatus = domain.ReconciliationStatus(reconStatus)
	return snap, true, nil
}

// Create inserts the first snapshot row for a positionKey (lastVer=1),
// within tx so it commits atomically with its NEW_TRADE event.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, snap domain.Snapshot) error {
	lotsJSON, err := compress.Marshal(snap.CompressedLots)
	if err != nil {
		return fmt.Errorf("snapshotstore: marshal lots %s: %w", snap.PositionKey, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO position_snapshots (
			position_key, last_ver, compressed_lots, status, reconciliation_status,
			upi, account, instrument, currency, contract_id, last_updated_at,
			archival_flag, latest_effective_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		snap.PositionKey, snap.LastVer, lotsJSON, string(snap.Status), string(snap.ReconciliationStatus),
		snap.UPI, snap.Account, snap.Instrument, snap.Currency, snap.ContractID, snap.LastUpdatedAt,
		snap.ArchivalFlag, snap.LatestEffectiveDate,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: create %s: %w", snap.PositionKey, err)
	}
	return nil
}

// CompareAndSwap updates the snapshot row only if its current last_ver
// equals expectedVer, then sets it to next.LastVer. Zero rows affected
// means another writer committed in between; the caller (hotpath) reloads
// and retries (§4.5).
func (s *Store) CompareAndSwap(ctx context.Context, tx *sql.Tx, expectedVer int64, next domain.Snapshot) error {
	lotsJSON, err := compress.Marshal(next.CompressedLots)
	if err != nil {
		return fmt.Errorf("snapshotstore: marshal lots %s: %w", next.PositionKey, err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE position_snapshots SET
			last_ver = $1, compressed_lots = $2, status = $3, reconciliation_status = $4,
			upi = $5, last_updated_at = $6, archival_flag = $7, latest_effective_date = $8
		WHERE position_key = $9 AND last_ver = $10
	`,
		next.LastVer, lotsJSON, string(next.Status), string(next.ReconciliationStatus),
		next.UPI, next.LastUpdatedAt, next.ArchivalFlag, next.LatestEffectiveDate,
		next.PositionKey, expectedVer,
	)
	if err != nil {
		return fmt.Errorf("snapshotstore: cas %s: %w", next.PositionKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("snapshotstore: cas %s: %w", next.PositionKey, err)
	}
	if n == 0 {
		return fmt.Errorf("snapshotstore: cas %s at v%d: %w", next.PositionKey, expectedVer, ErrVersionConflict)
	}
	return nil
}

// FindByUPI returns the ACTIVE snapshot currently carrying upi, if any,
// excluding excludePositionKey. Used by coldpath's UPI merge detection
// (§4.9 step 5: "produces a UPI that is concurrently active on another
// positionKey") and by the diagnostic query surface's fetch-by-upi lookup.
func (s *Store) FindByUPI(ctx context.Context, upi, excludePositionKey string) (domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	var status, reconStatus string
	var lotsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT position_key, last_ver, compressed_lots, status, reconciliation_status,
		       upi, account, instrument, currency, contract_id, last_updated_at,
		       archival_flag, latest_effective_date
		FROM position_snapshots
		WHERE upi = $1 AND status = $2 AND position_key != $3
		LIMIT 1
	`, upi, string(domain.StatusActive), excludePositionKey).Scan(
		&snap.PositionKey, &snap.LastVer, &lotsJSON, &status, &reconStatus,
		&snap.UPI, &snap.Account, &snap.Instrument, &snap.Currency, &snap.ContractID, &snap.LastUpdatedAt,
		&snap.ArchivalFlag, &snap.LatestEffectiveDate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshotstore: find by upi %s: %w", upi, err)
	}
	lots, err := compress.Unmarshal(lotsJSON)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("snapshotstore: unmarshal lots %s: %w", snap.PositionKey, err)
	}
	snap.CompressedLots = lots
	snap.Status = domain.SnapshotStatus(status)
	snap.ReconciliationStatus = domain.ReconciliationStatus(reconStatus)
	return snap, true, nil
}

// UpdateReconciliationStatus sets only the reconciliationStatus column,
// used by coldpath step 1 to mark a snapshot PROVISIONAL before replay
// begins, independent of the eventual CAS that writes the converged state.
func (s *Store) UpdateReconciliationStatus(ctx context.Context, positionKey string, status domain.ReconciliationStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE position_snapshots SET reconciliation_status = $1 WHERE position_key = $2
	`, string(status), positionKey)
	if err != nil {
		return fmt.Errorf("snapshotstore: mark reconciliation %s: %w", positionKey, err)
	}
	return nil
}

// AssertInvariants checks the structural invariants a snapshot must satisfy
// before it is persisted (§3.2): a TERMINATED snapshot carries no open
// lots, and a snapshot with zero total quantity must be TERMINATED.
func AssertInvariants(snap domain.Snapshot) error {
	total := snap.TotalQty()
	if snap.Status == domain.StatusTerminated && !snap.CompressedLots.Empty() {
		return fmt.Errorf("snapshotstore: %s is TERMINATED but carries open lots", snap.PositionKey)
	}
	if total.IsZero() && snap.Status != domain.StatusTerminated {
		return fmt.Errorf("snapshotstore: %s has zero quantity but status is %s, want TERMINATED", snap.PositionKey, snap.Status)
	}
	return nil
}
