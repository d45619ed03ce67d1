// Package validator implements the schema, format, and state-machine gate
// (C6) described in spec §4.2. A trade either passes (nil error) or fails
// with a *domain.ValidationError carrying every violation found, so the
// caller can route the whole rejection to the DLQ in one message.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chidi150c/swapengine/internal/domain"
)

var positionKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

var allowedTradeTypes = map[domain.TradeType]bool{
	domain.NewTrade: true,
	domain.Increase: true,
	domain.Decrease: true,
}

// ExistingState is what the validator needs to know about the current
// snapshot for the positionKey, or its absence, to check the state-machine
// transition (§4.2).
type ExistingState struct {
	Exists bool
	Status domain.SnapshotStatus
}

// Validate checks schema, format, and state-machine rules for a trade
// against the given positionKey's current state. now is injected for
// deterministic testing of the effectiveDate-horizon rule.
func Validate(t domain.TradeEvent, existing ExistingState, now time.Time) error {
	var messages []string

	// Schema.
	if strings.TrimSpace(t.TradeID) == "" {
		messages = append(messages, "schema: tradeId is required")
	}
	if strings.TrimSpace(t.Account) == "" {
		messages = append(messages, "schema: account is required")
	}
	if strings.TrimSpace(t.Instrument) == "" {
		messages = append(messages, "schema: instrument is required")
	}
	if strings.TrimSpace(t.Currency) == "" {
		messages = append(messages, "schema: currency is required")
	}
	if t.Quantity.IsZero() || t.Quantity.IsNegative() {
		messages = append(messages, "schema: quantity must be positive")
	}
	if t.Price.IsZero() || t.Price.IsNegative() {
		messages = append(messages, "schema: price must be positive")
	}
	if t.EffectiveDate.IsZero() {
		messages = append(messages, "schema: effectiveDate is required")
	} else if t.EffectiveDate.After(now.AddDate(1, 0, 0)) {
		messages = append(messages, "schema: effectiveDate is more than one year in the future")
	}

	// Format.
	if t.PositionKey != "" && !positionKeyPattern.MatchString(t.PositionKey) {
		messages = append(messages, fmt.Sprintf("format: positionKey %q is not a 64-char hex SHA-256", t.PositionKey))
	}
	if !allowedTradeTypes[t.TradeType] {
		messages = append(messages, fmt.Sprintf("format: tradeType %q is not one of NEW_TRADE, INCREASE, DECREASE", t.TradeType))
	}

	// State machine (§4.2): only check when the schema/format checks above
	// passed for tradeType, since an unrecognized type has no transition to
	// validate.
	if allowedTradeTypes[t.TradeType] {
		if err := validateTransition(t.TradeType, existing); err != nil {
			messages = append(messages, err.Error())
		}
	}

	if len(messages) > 0 {
		return domain.NewValidationError(messages...)
	}
	return nil
}

// validateTransition enforces: {NON_EXISTENT -> NEW_TRADE}, {ACTIVE ->
// INCREASE|DECREASE}, {TERMINATED -> NEW_TRADE} (reopen). Any other pairing
// is rejected.
func validateTransition(tradeType domain.TradeType, existing ExistingState) error {
	switch {
	case !existing.Exists:
		if tradeType != domain.NewTrade {
			return fmt.Errorf("state machine: %s on a non-existent position is not allowed, only NEW_TRADE", tradeType)
		}
	case existing.Status == domain.StatusActive:
		if tradeType == domain.NewTrade {
			return fmt.Errorf("state machine: NEW_TRADE on an ACTIVE position is not allowed")
		}
	case existing.Status == domain.StatusTerminated:
		if tradeType != domain.NewTrade {
			return fmt.Errorf("state machine: %s on a TERMINATED position is not allowed, only NEW_TRADE (reopen)", tradeType)
		}
	}
	return nil
}
