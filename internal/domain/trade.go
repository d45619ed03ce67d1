package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the economic action a trade performs against a position.
type TradeType string

const (
	NewTrade TradeType = "NEW_TRADE"
	Increase TradeType = "INCREASE"
	Decrease TradeType = "DECREASE"
)

// SequenceStatus is the temporal classification assigned by the Classifier (C7).
type SequenceStatus string

const (
	CurrentDated SequenceStatus = "CURRENT_DATED"
	ForwardDated SequenceStatus = "FORWARD_DATED"
	Backdated    SequenceStatus = "BACKDATED"
)

// TaxLotMethod selects the allocation order reduceLots uses to consume
// open lots.
type TaxLotMethod string

const (
	FIFO TaxLotMethod = "FIFO"
	LIFO TaxLotMethod = "LIFO"
	HIFO TaxLotMethod = "HIFO"
)

// TradeEvent is the inbound message described in spec §3/§6. PositionKey is
// optional on the wire; callers that omit it get one derived via keygen.
type TradeEvent struct {
	TradeID       string
	PositionKey   string
	Account       string
	Instrument    string
	Currency      string
	TradeType     TradeType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	EffectiveDate time.Time
	ContractID    string
	CorrelationID string
	CausationID   string
	UserID        string

	// SequenceStatus is assigned by the Classifier, not supplied by callers.
	SequenceStatus SequenceStatus

	// ReceivedAt is the wall-clock arrival time, passed to the Classifier
	// as the trade's arrival; the Classifier accepts it but its outcome does
	// not depend on it. Event.OccurredAt is stamped with the commit time,
	// not with ReceivedAt.
	ReceivedAt time.Time
}
