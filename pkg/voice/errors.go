package voice

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionDestroyed is returned by [Connection.Destroy] when the
	// connection has already been destroyed.
	ErrConnectionDestroyed = errors.New("voice: connection already destroyed")

	// ErrResourceEnded is returned by [Player.Play] for a resource that has
	// ended or been destroyed.
	ErrResourceEnded = errors.New("voice: resource has ended")

	// ErrResourceOwned is returned by [Player.Play] for a resource that is
	// attached to a different player.
	ErrResourceOwned = errors.New("voice: resource is owned by another player")
)

// PlayerError is reported through [Player.OnError] when the frame source of
// a resource fails.
type PlayerError struct {
	Err      error
	Resource *Resource
}

func (e *PlayerError) Error() string {
	return fmt.Sprintf("voice: resource stream: %v", e.Err)
}

func (e *PlayerError) Unwrap() error { return e.Err }
