package voice

import "fmt"

// PlayerStatus is the tag of a [PlayerState].
type PlayerStatus int

const (
	PlayerIdle PlayerStatus = iota
	PlayerBuffering
	PlayerPlaying
	PlayerPaused
	PlayerAutoPaused
)

func (s PlayerStatus) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerBuffering:
		return "buffering"
	case PlayerPlaying:
		return "playing"
	case PlayerPaused:
		return "paused"
	case PlayerAutoPaused:
		return "autopaused"
	default:
		return fmt.Sprintf("PlayerStatus(%d)", int(s))
	}
}

// PlayerState is the state of a [Player]. The concrete types are IdleState,
// BufferingState, PlayingState, PausedState and AutoPausedState.
type PlayerState interface {
	Status() PlayerStatus
	isPlayerState()
}

// IdleState has no resource.
type IdleState struct{}

// BufferingState waits for a resource's first frame.
type BufferingState struct {
	Resource *Resource
}

// PlayingState sends one frame per cycle.
type PlayingState struct {
	Resource *Resource
	// MissedFrames counts consecutive cycles without a frame.
	MissedFrames int
}

// PausedState was entered through [Player.Pause].
type PausedState struct {
	Resource                *Resource
	SilencePacketsRemaining int
}

// AutoPausedState was entered because no subscribed connection could send.
type AutoPausedState struct {
	Resource                *Resource
	SilencePacketsRemaining int
}

func (IdleState) Status() PlayerStatus       { return PlayerIdle }
func (BufferingState) Status() PlayerStatus  { return PlayerBuffering }
func (PlayingState) Status() PlayerStatus    { return PlayerPlaying }
func (PausedState) Status() PlayerStatus     { return PlayerPaused }
func (AutoPausedState) Status() PlayerStatus { return PlayerAutoPaused }

func (IdleState) isPlayerState()       {}
func (BufferingState) isPlayerState()  {}
func (PlayingState) isPlayerState()    {}
func (PausedState) isPlayerState()     {}
func (AutoPausedState) isPlayerState() {}

// resourceOf returns the resource held by s, or nil when Idle.
func resourceOf(s PlayerState) *Resource {
	switch s := s.(type) {
	case IdleState:
		return nil
	case BufferingState:
		return s.Resource
	case PlayingState:
		return s.Resource
	case PausedState:
		return s.Resource
	case AutoPausedState:
		return s.Resource
	default:
		panic(fmt.Sprintf("voice: unknown player state %T", s))
	}
}
