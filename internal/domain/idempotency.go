package domain

import "time"

// IdempotencyStatus is the outcome recorded for a processed tradeId.
type IdempotencyStatus string

const (
	IdemProcessed IdempotencyStatus = "PROCESSED"
	IdemFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRecord guarantees at-most-once processing per TradeID (§3/§4.4).
type IdempotencyRecord struct {
	TradeID      string
	PositionKey  string
	Status       IdempotencyStatus
	EventVersion *int64
	ProcessedAt  time.Time
}
