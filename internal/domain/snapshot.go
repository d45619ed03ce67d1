package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SnapshotStatus is the lifecycle status of a Snapshot.
type SnapshotStatus string

const (
	StatusActive     SnapshotStatus = "ACTIVE"
	StatusTerminated SnapshotStatus = "TERMINATED"
)

// ReconciliationStatus indicates whether a Snapshot reflects a full
// chronological replay.
type ReconciliationStatus string

const (
	Reconciled  ReconciliationStatus = "RECONCILED"
	Provisional ReconciliationStatus = "PROVISIONAL"
	Pending     ReconciliationStatus = "PENDING"
)

// CompressedLots is the struct-of-arrays on-disk form of a PositionState's
// open lots (§4.6). Field order is fixed; compress(inflate(x)) must be
// byte-equal on normalized JSON.
type CompressedLots struct {
	IDs        []string          `json:"ids"`
	TradeDates []time.Time       `json:"tradeDates"`
	Prices     []decimal.Decimal `json:"prices"`
	Qtys       []decimal.Decimal `json:"qtys"`
}

// Empty reports whether the compressed form carries no lots.
func (c CompressedLots) Empty() bool {
	return len(c.IDs) == 0
}

// Snapshot is the current compressed state of a position plus optimistic
// concurrency metadata (§3).
type Snapshot struct {
	PositionKey          string
	LastVer              int64
	CompressedLots       CompressedLots
	Status               SnapshotStatus
	ReconciliationStatus ReconciliationStatus
	UPI                  string
	Account              string
	Instrument           string
	Currency             string
	ContractID           string
	LastUpdatedAt        time.Time
	ArchivalFlag         bool

	// LatestEffectiveDate tracks the most recent effectiveDate applied to
	// this snapshot, used by the Classifier (§4.3) without requiring a
	// full event-store read on the hotpath.
	LatestEffectiveDate time.Time
}

// TotalQty sums the compressed quantities.
func (s Snapshot) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, q := range s.CompressedLots.Qtys {
		total = total.Add(q)
	}
	return total
}
