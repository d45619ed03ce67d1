package classifier_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/swapengine/internal/classifier"
	"github.com/chidi150c/swapengine/internal/domain"
)

var now = time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)

func trade(eff string) domain.TradeEvent {
	d, _ := time.Parse("2006-01-02", eff)
	return domain.TradeEvent{EffectiveDate: d}
}

func TestCurrentDatedWhenNoSnapshotAndEffectiveDateIsToday(t *testing.T) {
	got := classifier.Classify(trade("2025-01-20"), classifier.SnapshotView{}, now, now)
	assert.Equal(t, domain.CurrentDated, got)
}

func TestForwardDatedWhenEffectiveDateAfterToday(t *testing.T) {
	got := classifier.Classify(trade("2025-01-21"), classifier.SnapshotView{}, now, now)
	assert.Equal(t, domain.ForwardDated, got)
}

func TestBackdatedWhenEffectiveDateBeforeSnapshotLatest(t *testing.T) {
	snap := classifier.SnapshotView{
		Exists:              true,
		LatestEffectiveDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		LastUpdatedAt:       time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	got := classifier.Classify(trade("2025-01-10"), snap, now, now)
	assert.Equal(t, domain.Backdated, got)
}

func TestEqualEffectiveDateToSnapshotLatestIsCurrentDated(t *testing.T) {
	snap := classifier.SnapshotView{
		Exists:              true,
		LatestEffectiveDate: time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
		LastUpdatedAt:       time.Date(2025, 1, 20, 0, 0, 0, 0, time.UTC),
	}
	got := classifier.Classify(trade("2025-01-20"), snap, now, now.Add(time.Hour))
	assert.Equal(t, domain.CurrentDated, got)
}

func TestBackdatedWhenBeforeLastUpdatedDateEvenIfNotBeforeLatestEffective(t *testing.T) {
	snap := classifier.SnapshotView{
		Exists:              true,
		LatestEffectiveDate: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		LastUpdatedAt:       time.Date(2025, 1, 18, 0, 0, 0, 0, time.UTC),
	}
	got := classifier.Classify(trade("2025-01-12"), snap, now, now)
	assert.Equal(t, domain.Backdated, got)
}
