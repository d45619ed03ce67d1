// Package emitter produces the outbound logical streams (C11, §4.11/§6):
// trade-applied, provisional-trade, position-corrected, regulatory, dlq,
// and error-retry. Every stream is partitioned by positionKey so a given
// position's messages are strictly ordered within the stream, and every
// Emit call follows after-commit/outbox semantics — callers invoke it only
// once their primary transaction has committed.
//
// Grounded on segmentio/kafka-go's Writer, used throughout the example
// pack's streaming services for exactly this partition-by-key topic-publish
// shape; this package wraps one Writer per logical stream the way those
// services wrap one Writer per topic.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	StreamTradeApplied      = "trade-applied"
	StreamProvisionalTrade  = "provisional-trade"
	StreamPositionCorrected = "position-corrected"
	StreamRegulatory        = "regulatory"
	StreamDLQ               = "dlq"
	StreamErrorRetry        = "error-retry"
)

// TradeApplied is the §6 trade-applied record.
type TradeApplied struct {
	TradeID       string    `json:"tradeId"`
	PositionKey   string    `json:"positionKey"`
	EventVer      int64     `json:"eventVer"`
	NewTotalQty   string    `json:"newTotalQty"`
	Status        string    `json:"status"`
	UPI           string    `json:"upi"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
}

// PositionCorrected is the §6 position-corrected record: a TradeApplied
// plus the backdated-correction fields.
type PositionCorrected struct {
	TradeApplied
	Reason           string   `json:"reason"`
	BackdatedTradeID string   `json:"backdatedTradeId"`
	AffectedSystems  []string `json:"affectedSystems"`
}

// AffectedSystems lists the downstream systems a correction touches (§6);
// fixed by spec, not configurable.
var AffectedSystems = []string{"RISK", "P_AND_L", "REPORTING", "SETTLEMENT"}

// TradeReport is the §6 regulatory/TRADE_REPORT record.
type TradeReport struct {
	Type          string    `json:"type"`
	SubmissionID  string    `json:"submissionId"`
	TradeID       string    `json:"tradeId"`
	PositionKey   string    `json:"positionKey"`
	UPI           string    `json:"upi"`
	TradeType     string    `json:"tradeType"`
	Quantity      string    `json:"quantity"`
	Price         string    `json:"price"`
	EffectiveDate time.Time `json:"effectiveDate"`
	ContractID    string    `json:"contractId"`
	CorrelationID string    `json:"correlationId"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// UPIInvalidation is the §6 regulatory/UPI_INVALIDATION record.
type UPIInvalidation struct {
	Type                string    `json:"type"`
	PositionKey         string    `json:"positionKey"`
	InvalidatedUPI      string    `json:"invalidatedUPI"`
	NewUPI              string    `json:"newUPI"`
	InvalidatedTradeIDs []string  `json:"invalidatedTradeIds"`
	Reason              string    `json:"reason"`
	BackdatedTradeID    string    `json:"backdatedTradeId"`
	EffectiveDate       time.Time `json:"effectiveDate"`
	OccurredAt          time.Time `json:"occurredAt"`
	ActionRequired      string    `json:"actionRequired"`
}

// TradeCorrection is the §6 regulatory/TRADE_CORRECTION record.
type TradeCorrection struct {
	Type             string    `json:"type"`
	TradeID          string    `json:"tradeId"`
	PositionKey      string    `json:"positionKey"`
	OriginalUPI      string    `json:"originalUPI"`
	CorrectedUPI     string    `json:"correctedUPI"`
	TradeType        string    `json:"tradeType"`
	Quantity         string    `json:"quantity"`
	Price            string    `json:"price"`
	EffectiveDate    time.Time `json:"effectiveDate"`
	Reason           string    `json:"reason"`
	BackdatedTradeID string    `json:"backdatedTradeId"`
	ActionRequired   string    `json:"actionRequired"`
}

// ProvisionalTrade is the provisional-trade marker (one per coldpath entry).
type ProvisionalTrade struct {
	TradeID     string    `json:"tradeId"`
	PositionKey string    `json:"positionKey"`
	MarkedAt    time.Time `json:"markedAt"`
}

// DLQRecord carries a rejected trade plus its validation messages.
type DLQRecord struct {
	TradeID     string    `json:"tradeId"`
	PositionKey string    `json:"positionKey"`
	Reason      string    `json:"reason"`
	Messages    []string  `json:"messages"`
	RejectedAt  time.Time `json:"rejectedAt"`
}

// ErrorRetryRecord carries a trade that failed transiently and should be
// replayed (§5: "routed to error-retry... and idempotency=FAILED").
type ErrorRetryRecord struct {
	TradeID     string    `json:"tradeId"`
	PositionKey string    `json:"positionKey"`
	Reason      string    `json:"reason"`
	FailedAt    time.Time `json:"failedAt"`
}

// Emitter owns one kafka-go Writer per logical stream, all partitioned by
// positionKey (used as the message key).
type Emitter struct {
	writers map[string]*kafka.Writer
}

// New builds an Emitter with a writer per logical stream pointed at
// brokers. Each writer uses kafka.Hash so identical keys land on the same
// partition, giving per-positionKey ordering (§5).
func New(brokers []string) *Emitter {
	streams := []string{
		StreamTradeApplied, StreamProvisionalTrade, StreamPositionCorrected,
		StreamRegulatory, StreamDLQ, StreamErrorRetry,
	}
	writers := make(map[string]*kafka.Writer, len(streams))
	for _, topic := range streams {
		writers[topic] = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	return &Emitter{writers: writers}
}

// Close flushes and closes every underlying writer.
func (e *Emitter) Close() error {
	var firstErr error
	for _, w := range e.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Emit publishes value, keyed by positionKey, to the named logical stream.
// Callers invoke this only after their primary transaction has committed
// (outbox/after-commit semantics, §4.11).
func (e *Emitter) Emit(ctx context.Context, stream, positionKey string, value interface{}) error {
	w, ok := e.writers[stream]
	if !ok {
		return fmt.Errorf("emitter: unknown stream %q", stream)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("emitter: marshal for %s: %w", stream, err)
	}
	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(positionKey),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("emitter: write to %s: %w", stream, err)
	}
	return nil
}

// EmitRegulatory wraps Emit for the single regulatory stream, where every
// record carries its own `type` discriminator per §6.
func (e *Emitter) EmitRegulatory(ctx context.Context, positionKey string, value interface{}) error {
	return e.Emit(ctx, StreamRegulatory, positionKey, value)
}
