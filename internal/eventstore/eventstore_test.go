package eventstore_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/swapengine/internal/eventstore"
)

func TestPartitionOfIsStableAndInRange(t *testing.T) {
	key := "abc123"
	p1 := eventstore.PartitionOf(key)
	p2 := eventstore.PartitionOf(key)
	assert.Equal(t, p1, p2)
	assert.GreaterOrEqual(t, p1, 0)
	assert.Less(t, p1, 16)
}

func TestPartitionOfDistributesDifferentKeys(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("position-key-%d", i)
		seen[eventstore.PartitionOf(key)] = true
	}
	assert.Greater(t, len(seen), 1, "expected keys to spread across more than one partition")
}
