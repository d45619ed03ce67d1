package emitter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/swapengine/internal/emitter"
)

func TestEmitRejectsUnknownStream(t *testing.T) {
	e := emitter.New([]string{"localhost:9092"})
	defer e.Close()

	err := e.Emit(context.Background(), "not-a-real-stream", "pk1", emitter.TradeApplied{})
	assert.Error(t, err)
}

func TestAffectedSystemsMatchesSpecFixedList(t *testing.T) {
	assert.Equal(t, []string{"RISK", "P_AND_L", "REPORTING", "SETTLEMENT"}, emitter.AffectedSystems)
}
