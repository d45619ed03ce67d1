package domain

import "time"

// EventType is the kind of economic action an Event records. Coldpath
// corrections additionally use the CORRECTION type (Open Question #1,
// see DESIGN.md: append, never rewrite).
type EventType string

const (
	EventNewTrade   EventType = "NEW_TRADE"
	EventIncrease   EventType = "INCREASE"
	EventDecrease   EventType = "DECREASE"
	EventCorrection EventType = "CORRECTION"
)

// Event is an immutable, append-only record describing what happened to a
// position, versioned per positionKey (§3). (PositionKey, EventVer) is the
// primary key.
type Event struct {
	PositionKey   string
	EventVer      int64
	EventType     EventType
	EffectiveDate time.Time
	OccurredAt    time.Time
	Payload       TradeEvent
	MetaLots      LotAllocationResult
	CorrelationID string
	CausationID   string
	ArchivalFlag  bool
}
