package guard

import "fmt"

// State is the session state of one device instance.
type State int

const (
	// Not logged in, or logged out. No subscription is held.
	StateUnclaimed State = iota
	// The claim was written (or failed to be written) and this device may be used.
	StateActive
	// Another device has claimed the session. The UI must show the interstitial.
	StateBlocked
	// This device reclaimed the session and is waiting for the echo of its own claim. The UI is
	// unblocked optimistically.
	StateReclaiming
)

func (s State) String() string {
	switch s {
	case StateUnclaimed:
		return "unclaimed"
	case StateActive:
		return "active"
	case StateBlocked:
		return "blocked"
	case StateReclaiming:
		return "reclaiming"
	}
	return "unknown"
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "unclaimed":
		return StateUnclaimed, nil
	case "active":
		return StateActive, nil
	case "blocked":
		return StateBlocked, nil
	case "reclaiming":
		return StateReclaiming, nil
	}
	return StateUnclaimed, fmt.Errorf("unknown state %q", s)
}
