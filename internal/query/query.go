// Package query implements the diagnostic read surface named in §6 as an
// external contract ("Observable state via diagnostic queries") but left
// without transport wiring: enumerate a position's events in canonical
// order, fetch a snapshot by positionKey or upi, and list positions by
// account/instrument/contractId with pagination.
//
// Grounded on the go-coffee OrderRepository/PositionRepository interface
// shape (FindByID/FindBySymbol/FindByExchange-style query methods, a
// limit-bounded FindRecentOrders for pagination) adapted to this engine's
// event and snapshot stores.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chidi150c/swapengine/internal/compress"
	"github.com/chidi150c/swapengine/internal/domain"
	"github.com/chidi150c/swapengine/internal/eventstore"
	"github.com/chidi150c/swapengine/internal/snapshotstore"
)

// Page bounds a listing query. Limit <= 0 defaults to 100; Offset < 0 is
// treated as 0.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() (int, int) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Service answers diagnostic queries directly against the event and
// snapshot stores, with no caching and no transport layer of its own.
type Service struct {
	db        *sql.DB
	events    *eventstore.Store
	snapshots *snapshotstore.Store
}

func New(db *sql.DB, events *eventstore.Store, snapshots *snapshotstore.Store) *Service {
	return &Service{db: db, events: events, snapshots: snapshots}
}

// EventsFor returns every event recorded for positionKey in canonical
// replay order (effectiveDate asc, occurredAt asc, eventVer asc).
func (s *Service) EventsFor(ctx context.Context, positionKey string) ([]domain.Event, error) {
	return s.events.LoadAll(ctx, positionKey)
}

// SnapshotByKey returns the current snapshot for positionKey, if any.
func (s *Service) SnapshotByKey(ctx context.Context, positionKey string) (domain.Snapshot, bool, error) {
	return s.snapshots.Load(ctx, positionKey)
}

// SnapshotByUPI returns the ACTIVE snapshot currently carrying upi, if any.
func (s *Service) SnapshotByUPI(ctx context.Context, upi string) (domain.Snapshot, bool, error) {
	return s.snapshots.FindByUPI(ctx, upi, "")
}

// FindByAccount lists snapshots for account, most-recently-updated first,
// with positionKey breaking ties for a stable pagination order.
func (s *Service) FindByAccount(ctx context.Context, account string, page Page) ([]domain.Snapshot, error) {
	return s.findBy(ctx, "account", account, page)
}

// FindByInstrument lists snapshots for instrument.
func (s *Service) FindByInstrument(ctx context.Context, instrument string, page Page) ([]domain.Snapshot, error) {
	return s.findBy(ctx, "instrument", instrument, page)
}

// FindByContractID lists snapshots for contractId.
func (s *Service) FindByContractID(ctx context.Context, contractID string, page Page) ([]domain.Snapshot, error) {
	return s.findBy(ctx, "contract_id", contractID, page)
}

func (s *Service) findBy(ctx context.Context, column, value string, page Page) ([]domain.Snapshot, error) {
	limit, offset := page.normalize()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT position_key, last_ver, compressed_lots, status, reconciliation_status,
		       upi, account, instrument, currency, contract_id, last_updated_at,
		       archival_flag, latest_effective_date
		FROM position_snapshots
		WHERE %s = $1
		ORDER BY last_updated_at DESC, position_key ASC
		LIMIT $2 OFFSET $3
	`, column), value, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query: find by %s=%s: %w", column, value, err)
	}
	defer rows.Close()

	var out []domain.Snapshot
	for rows.Next() {
		var snap domain.Snapshot
		var status, reconStatus string
		var lotsJSON []byte
		if err := rows.Scan(
			&snap.PositionKey, &snap.LastVer, &lotsJSON, &status, &reconStatus,
			&snap.UPI, &snap.Account, &snap.Instrument, &snap.Currency, &snap.ContractID, &snap.LastUpdatedAt,
			&snap.ArchivalFlag, &snap.LatestEffectiveDate,
		); err != nil {
			return nil, fmt.Errorf("query: scan %s=%s: %w", column, value, err)
		}
		lots, err := compress.Unmarshal(lotsJSON)
		if err != nil {
			return nil, fmt.Errorf("query: unmarshal lots %s: %w", snap.PositionKey, err)
		}
		snap.CompressedLots = lots
		snap.Status = domain.SnapshotStatus(status)
		snap.ReconciliationStatus = domain.ReconciliationStatus(reconStatus)
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: find by %s=%s: %w", column, value, err)
	}
	return out, nil
}
