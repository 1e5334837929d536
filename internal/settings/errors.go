package settings

import "errors"

// Sentinel errors for the settings store.
var (
	// ErrNotFound is returned when no configuration exists for a runner name.
	ErrNotFound = errors.New("settings: runner not found")

	// ErrExists is returned when adding a runner whose name is already registered.
	ErrExists = errors.New("settings: runner already exists")

	// ErrInvalidName is returned for names that cannot be used as a file name.
	ErrInvalidName = errors.New("settings: invalid runner name")

	// ErrLocked is returned when the store lock cannot be acquired in time.
	ErrLocked = errors.New("settings: store is locked")
)
