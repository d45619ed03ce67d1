// Package eventstore implements the append-only per-positionKey event log
// (C3, §3/§4.4): dense version numbers enforced by a uniqueness constraint
// on (position_key, event_ver), partitioned across 16 tables by
// hash(positionKey) so a single hot position can't serialize the whole
// store, and canonical read ordering (effectiveDate asc, occurredAt asc,
// eventVer asc) for coldpath replay (§5.2).
//
// Grounded on the go-coffee crypto-terminal EventStore interface shape
// (order_repository.go: SaveEvents/GetEvents/GetEventsFromVersion/
// SaveSnapshot/GetLatestSnapshot) generalized from a generic aggregate
// store to the positionKey-scoped log this engine needs, and on the
// tgeconf-nof0 persistence service's isUniqueViolation pattern for turning
// a duplicate version insert into the optimistic-conflict signal.
package eventstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/chidi150c/swapengine/internal/domain"
)

const partitionCount = 16

// PartitionOf returns the partition index (0..15) for positionKey, used to
// route both the write and the table name.
func PartitionOf(positionKey string) int {
	sum := sha256.Sum256([]byte(positionKey))
	return int(sum[0]) % partitionCount
}

func tableFor(positionKey string) string {
	return fmt.Sprintf("events_p%02d", PartitionOf(positionKey))
}

// Store is the append-only event log.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts ev at ev.EventVer within tx. A uniqueness violation on
// (position_key, event_ver) is surfaced as domain.ErrOptimisticConflict so
// the hotpath's retry loop (§4.5) can reload and recompute.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, ev domain.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventstore: marshal payload: %w", err)
	}
	lots, err := json.Marshal(ev.MetaLots)
	if err != nil {
		return fmt.Errorf("eventstore: marshal meta lots: %w", err)
	}

	table := tableFor(ev.PositionKey)
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			position_key, event_ver, event_type, effective_date, occurred_at,
			payload, meta_lots, correlation_id, causation_id, archival_flag
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, table),
		ev.PositionKey, ev.EventVer, string(ev.EventType), ev.EffectiveDate, ev.OccurredAt,
		payload, lots, ev.CorrelationID, ev.CausationID, ev.ArchivalFlag,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("eventstore: append %s v%d: %w", ev.PositionKey, ev.EventVer, domain.ErrOptimisticConflict)
		}
		return fmt.Errorf("eventstore: append %s v%d: %w", ev.PositionKey, ev.EventVer, err)
	}
	return nil
}

// LoadAll returns every event for positionKey in canonical replay order:
// effectiveDate asc, occurredAt asc, eventVer asc (§5.2).
func (s *Store) LoadAll(ctx context.Context, positionKey string) ([]domain.Event, error) {
	table := tableFor(positionKey)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT position_key, event_ver, event_type, effective_date, occurred_at,
		       payload, meta_lots, correlation_id, causation_id, archival_flag
		FROM %s
		WHERE position_key = $1
		ORDER BY effective_date ASC, occurred_at ASC, event_ver ASC
	`, table), positionKey)
	if err != nil {
		return nil, fmt.Errorf("eventstore: load %s: %w", positionKey, err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var eventType string
		var payload, lots []byte
		if err := rows.Scan(
			&ev.PositionKey, &ev.EventVer, &eventType, &ev.EffectiveDate, &ev.OccurredAt,
			&payload, &lots, &ev.CorrelationID, &ev.CausationID, &ev.ArchivalFlag,
		); err != nil {
			return nil, fmt.Errorf("eventstore: scan %s: %w", positionKey, err)
		}
		ev.EventType = domain.EventType(eventType)
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal payload %s v%d: %w", positionKey, ev.EventVer, err)
		}
		if err := json.Unmarshal(lots, &ev.MetaLots); err != nil {
			return nil, fmt.Errorf("eventstore: unmarshal meta lots %s v%d: %w", positionKey, ev.EventVer, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: load %s: %w", positionKey, err)
	}
	return events, nil
}

// LatestVersion returns the highest eventVer recorded for positionKey, or 0
// if none exists.
func (s *Store) LatestVersion(ctx context.Context, positionKey string) (int64, error) {
	table := tableFor(positionKey)
	var ver sql.NullInt64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(event_ver) FROM %s WHERE position_key = $1
	`, table), positionKey).Scan(&ver)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("eventstore: latest version %s: %w", positionKey, err)
	}
	if !ver.Valid {
		return 0, nil
	}
	return ver.Int64, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
