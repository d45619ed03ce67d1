// Package idempotency implements the two-tier idempotency store (C5, §4.4):
// a Redis fast-lookup tier in front of a durable Postgres tier keyed by
// tradeId, so a redelivered trade is recognized without a database round
// trip on the common path.
//
// Grounded on the tgeconf-nof0 persistence service's cache-then-durable-store
// shape (persistence.go: cacheOpenPosition writes through to Redis after a
// Postgres insert; isUniqueViolation inspects *pq.Error code 23505 to turn a
// duplicate insert into a no-op rather than a hard failure). This package
// generalizes that pattern from "open position cache" to "processed-trade
// idempotency record."
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/chidi150c/swapengine/internal/domain"
)

// Store is the two-tier idempotency store.
type Store struct {
	db  *sql.DB
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store backed by db (durable tier) and rdb (fast tier), with
// ttl applied to both the Redis keys and, informationally, to the retention
// horizon of the durable rows (a background reaper, out of scope here, would
// use the same value).
func New(db *sql.DB, rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{db: db, rdb: rdb, ttl: ttl}
}

func cacheKey(tradeID string) string {
	return "idemp:trade:" + tradeID
}

// IsProcessed reports whether tradeID has already been recorded, checking
// the Redis tier first and falling back to Postgres on a cache miss (§4.4).
// A Redis error never fails the check — it only loses the fast path — since
// Postgres is authoritative.
func (s *Store) IsProcessed(ctx context.Context, tradeID string) (domain.IdempotencyRecord, bool, error) {
	if s.rdb != nil {
		if rec, ok := s.readCache(ctx, tradeID); ok {
			return rec, true, nil
		}
	}

	var rec domain.IdempotencyRecord
	var status string
	var eventVersion sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT trade_id, position_key, status, event_version, processed_at
		FROM idempotency_records
		WHERE trade_id = $1
	`, tradeID).Scan(&rec.TradeID, &rec.PositionKey, &status, &eventVersion, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, fmt.Errorf("idempotency: lookup %s: %w", tradeID, err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	if eventVersion.Valid {
		v := eventVersion.Int64
		rec.EventVersion = &v
	}

	s.writeCache(ctx, rec)
	return rec, true, nil
}

// Record inserts the idempotency row for tradeID within tx (the caller's
// commit transaction, so the record lands atomically with the event/
// snapshot write — §4.4's "insert within the same transaction as commit").
// A unique-violation on tradeId is treated as already-recorded, not an
// error, mirroring isUniqueViolation in the tgeconf-nof0 persistence layer.
func (s *Store) Record(ctx context.Context, tx *sql.Tx, rec domain.IdempotencyRecord) error {
	var eventVersion sql.NullInt64
	if rec.EventVersion != nil {
		eventVersion = sql.NullInt64{Int64: *rec.EventVersion, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (trade_id, position_key, status, event_version, processed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.TradeID, rec.PositionKey, string(rec.Status), eventVersion, rec.ProcessedAt)
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idempotency: record %s: %w", rec.TradeID, err)
	}
	s.writeCache(ctx, rec)
	return nil
}

func (s *Store) readCache(ctx context.Context, tradeID string) (domain.IdempotencyRecord, bool) {
	vals, err := s.rdb.HGetAll(ctx, cacheKey(tradeID)).Result()
	if err != nil || len(vals) == 0 {
		return domain.IdempotencyRecord{}, false
	}
	rec := domain.IdempotencyRecord{
		TradeID:     tradeID,
		PositionKey: vals["positionKey"],
		Status:      domain.IdempotencyStatus(vals["status"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals["processedAt"]); err == nil {
		rec.ProcessedAt = ts
	}
	if v, ok := vals["eventVersion"]; ok && v != "" {
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			rec.EventVersion = &n
		}
	}
	return rec, true
}

func (s *Store) writeCache(ctx context.Context, rec domain.IdempotencyRecord) {
	if s.rdb == nil {
		return
	}
	fields := map[string]interface{}{
		"positionKey": rec.PositionKey,
		"status":      string(rec.Status),
		"processedAt": rec.ProcessedAt.Format(time.RFC3339Nano),
	}
	if rec.EventVersion != nil {
		fields["eventVersion"] = fmt.Sprintf("%d", *rec.EventVersion)
	}
	key := cacheKey(rec.TradeID)
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	// Best-effort: a cache-write failure only costs the fast path on the
	// next lookup, Postgres stays authoritative.
	_, _ = pipe.Exec(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
