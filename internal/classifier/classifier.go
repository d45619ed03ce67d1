// Package classifier assigns the temporal class (C7) a validated trade
// belongs to — CURRENT_DATED, FORWARD_DATED, or BACKDATED — which in turn
// decides whether it takes the hotpath or the coldpath queue (§4.3).
package classifier

import (
	"time"

	"github.com/chidi150c/swapengine/internal/domain"
)

// SnapshotView is the minimal current-snapshot context the classifier
// needs; a trade on a not-yet-existing positionKey passes a zero value.
type SnapshotView struct {
	Exists              bool
	LatestEffectiveDate time.Time
	LastUpdatedAt       time.Time
}

// Classify decides a trade's SequenceStatus. now is injected for
// deterministic testing; arrivedAt is the trade's own wall-clock arrival
// time, used for the same-day tiebreak (§4.3).
func Classify(t domain.TradeEvent, snap SnapshotView, now time.Time, arrivedAt time.Time) domain.SequenceStatus {
	eff := startOfDay(t.EffectiveDate)
	today := startOfDay(now)

	if snap.Exists {
		latest := startOfDay(snap.LatestEffectiveDate)
		lastUpdated := startOfDay(snap.LastUpdatedAt)
		if eff.Before(latest) || eff.Before(lastUpdated) {
			return domain.Backdated
		}
		// Ambiguity tie-break: equal effectiveDate to the snapshot's latest
		// is CURRENT_DATED regardless of arrival order (§4.3) — arrivedAt is
		// accepted for symmetry with the spec's wording but does not change
		// the outcome, since "arrives strictly later" can never make an
		// equal-date trade anything but current.
		_ = arrivedAt
	}

	if eff.After(today) {
		return domain.ForwardDated
	}
	return domain.CurrentDated
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
