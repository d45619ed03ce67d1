// Package keygen derives the deterministic positionKey (C12) from an
// account/instrument/currency/direction tuple.
package keygen

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// direction label used as the final component of the hashed tuple.
const (
	long  = "LONG"
	short = "SHORT"
)

// Key derives the SHA-256 positionKey per spec §4.1:
//
//	key = hex(SHA256(upper(trim(account)) | upper(trim(instrument)) | upper(trim(currency)) | {LONG|SHORT}))
func Key(account, instrument, currency string, isShort bool) string {
	dir := long
	if isShort {
		dir = short
	}
	parts := []string{
		strings.ToUpper(strings.TrimSpace(account)),
		strings.ToUpper(strings.TrimSpace(instrument)),
		strings.ToUpper(strings.TrimSpace(currency)),
		dir,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Opposite derives the positionKey for the opposite direction of the same
// underlying tuple — used by the hotpath sign-change split (§4.8).
func Opposite(account, instrument, currency string, wasShort bool) string {
	return Key(account, instrument, currency, !wasShort)
}
