package scharge

import (
	"errors"
	"fmt"
)

// Domain-specific errors for the charger session and state model.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when a command is attempted without an
	// established charger WebSocket connection.
	ErrNotConnected = errors.New("scharge: charger not connected")

	// ErrNotInitialized is returned when a query needs a parameter the
	// charger has not reported yet.
	ErrNotInitialized = errors.New("scharge: charger state not initialized")

	// ErrConfirmationTimeout is returned when the charger does not
	// acknowledge a command before the confirmation deadline.
	ErrConfirmationTimeout = errors.New("scharge: confirmation timed out")

	// ErrInvalidConnector is returned for a connector ID outside the
	// charger's connector range.
	ErrInvalidConnector = errors.New("scharge: invalid connector ID")

	// ErrForeignSerial is returned when a message carries a chargeBoxSN
	// that does not match the configured charger.
	ErrForeignSerial = errors.New("scharge: message for different charge box")

	// ErrMissingTypeID is returned for an envelope without a messageTypeId.
	ErrMissingTypeID = errors.New("scharge: missing messageTypeId")

	// ErrUnknownTypeID is returned for an envelope whose messageTypeId is
	// neither an action nor an ack.
	ErrUnknownTypeID = errors.New("scharge: unknown messageTypeId")
)

// SchemaError reports a payload field that is missing or has the wrong
// wire type for its action's schema. Key is the dotted path of the
// offending field.
type SchemaError struct {
	Action  string
	Key     string
	Want    Kind
	Got     any
	Missing bool
}

func (e *SchemaError) Error() string {
	if e.Missing {
		return fmt.Sprintf("scharge: %s payload: missing key %q (want %s)", e.Action, e.Key, e.Want)
	}
	return fmt.Sprintf("scharge: %s payload: key %q: want %s, got %T (%v)", e.Action, e.Key, e.Want, e.Got, e.Got)
}
