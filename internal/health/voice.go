package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/voicelink/pkg/voice"
)

// ErrGatewayDown is reported by [GatewayChecker] while the bot is not
// connected to the Discord gateway.
var ErrGatewayDown = errors.New("gateway not connected")

// GatewayChecker reports ready while connected returns true.
func GatewayChecker(connected func() bool) Checker {
	return Checker{
		Name: "discord",
		Check: func(context.Context) error {
			if !connected() {
				return ErrGatewayDown
			}
			return nil
		},
	}
}

// VoiceChecker fails while any connection of group sits in Disconnected for
// a reason other than a manual disconnect. Signalling and Connecting are
// transient and do not fail the check.
func VoiceChecker(rt *voice.Runtime, group string) Checker {
	return Checker{
		Name: "voice",
		Check: func(context.Context) error {
			var down []string
			for guildID, c := range rt.Connections(group) {
				if s, ok := c.State().(voice.DisconnectedState); ok && s.Reason != voice.ReasonManual {
					down = append(down, guildID+" ("+s.Reason.String()+")")
				}
			}
			if len(down) == 0 {
				return nil
			}
			slices.Sort(down)
			return fmt.Errorf("disconnected: %s", strings.Join(down, ", "))
		},
	}
}
