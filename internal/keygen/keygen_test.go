package keygen

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestKeyIsDeterministicAndWellFormed(t *testing.T) {
	k1 := Key("acct1", "AAPL", "USD", false)
	k2 := Key("acct1", "AAPL", "USD", false)
	require.Equal(t, k1, k2)
	assert.True(t, hexPattern.MatchString(k1))
}

func TestKeyIsCaseAndWhitespaceInsensitive(t *testing.T) {
	k1 := Key("acct1", "AAPL", "USD", false)
	k2 := Key(" Acct1 ", " aapl ", " usd ", false)
	assert.Equal(t, k1, k2)
}

func TestLongAndShortProduceDistinctKeys(t *testing.T) {
	long := Key("acct1", "AAPL", "USD", false)
	short := Key("acct1", "AAPL", "USD", true)
	assert.NotEqual(t, long, short)
}

func TestOppositeMatchesDirectKey(t *testing.T) {
	wasLong := Key("acct1", "AAPL", "USD", false)
	opp := Opposite("acct1", "AAPL", "USD", false)
	assert.Equal(t, Key("acct1", "AAPL", "USD", true), opp)
	assert.NotEqual(t, wasLong, opp)
}

func TestDifferentTuplesProduceDifferentKeys(t *testing.T) {
	a := Key("acct1", "AAPL", "USD", false)
	b := Key("acct2", "AAPL", "USD", false)
	assert.NotEqual(t, a, b)
}
