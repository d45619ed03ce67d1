package domain

import "time"

// UPIChangeType enumerates the lifecycle transitions a UPI can undergo (§3).
type UPIChangeType string

const (
	UPICreated     UPIChangeType = "CREATED"
	UPITerminated  UPIChangeType = "TERMINATED"
	UPIReopened    UPIChangeType = "REOPENED"
	UPIInvalidated UPIChangeType = "INVALIDATED"
	UPIMerged      UPIChangeType = "MERGED"
	UPIRestored    UPIChangeType = "RESTORED"
)

// UPIHistoryEntry records one lifecycle transition for audit (§3/§4.10).
// Unique on (PositionKey, UPI, OccurredAt, ChangeType) so retries are safe.
type UPIHistoryEntry struct {
	PositionKey           string
	UPI                   string
	PreviousUPI           string
	Status                SnapshotStatus
	PreviousStatus        SnapshotStatus
	ChangeType            UPIChangeType
	TriggeringTradeID     string
	BackdatedTradeID      string
	OccurredAt            time.Time
	EffectiveDate         time.Time
	Reason                string
	MergedFromPositionKey string
}
