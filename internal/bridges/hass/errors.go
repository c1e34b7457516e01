package hass

import "errors"

// Domain-specific errors for the Home Assistant bridge.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrReadOnly is returned when a command arrives for an entity
	// without a command topic.
	ErrReadOnly = errors.New("hass: entity is read-only")

	// ErrBadCommand is returned for a command payload the entity does
	// not understand.
	ErrBadCommand = errors.New("hass: unsupported command payload")

	// ErrCommandRejected is returned when the charger refuses or fails
	// to apply a charging command.
	ErrCommandRejected = errors.New("hass: charger rejected command")

	// ErrNoDesiredCurrent is returned when charging is switched on
	// before a target current has been set.
	ErrNoDesiredCurrent = errors.New("hass: no desired charge current set")
)
