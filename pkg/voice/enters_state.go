package voice

import (
	"context"
	"fmt"
)

// Waitable is implemented by *Connection (with [ConnectionStatus]) and
// *Player (with [PlayerStatus]).
type Waitable[S comparable] interface {
	Status() S
	watchStatus(fn func(S)) func()
}

var (
	_ Waitable[ConnectionStatus] = (*Connection)(nil)
	_ Waitable[PlayerStatus]     = (*Player)(nil)
)

// EntersState waits until target is in status. It returns immediately if it
// already is, and ctx.Err() if ctx ends first. Use context.WithTimeout to
// bound the wait.
func EntersState[S comparable](ctx context.Context, target Waitable[S], status S) error {
	reached := make(chan struct{}, 1)
	stop := target.watchStatus(func(s S) {
		if s == status {
			select {
			case reached <- struct{}{}:
			default:
			}
		}
	})
	defer stop()

	if target.Status() == status {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("voice: waiting for %v: %w", status, ctx.Err())
	}
}
