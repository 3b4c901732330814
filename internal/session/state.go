package session

import "fmt"

// State is the connection state of a Session.
type State int

const (
	Idle State = iota
	DeviceFound
	ServerFound
	ServiceFound
	CharacteristicFound
	Connected
	Disconnected
)

var stateNames = [...]string{
	Idle:                "idle",
	DeviceFound:         "device found",
	ServerFound:         "server found",
	ServiceFound:        "service found",
	CharacteristicFound: "characteristic found",
	Connected:           "connected",
	Disconnected:        "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText lets states travel as their label in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state label written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// CanTransition reports whether to may follow s.
//
// The happy path only moves forward one step at a time. A fresh discovery
// may supersede any state, a live link may drop to Disconnected, and
// re-arming notifications brings Disconnected back to Connected. Idle is
// never re-entered. Self transitions are always allowed.
func (s State) CanTransition(to State) bool {
	if s == to {
		return true
	}
	switch to {
	case DeviceFound:
		return true
	case ServerFound:
		return s == DeviceFound
	case ServiceFound:
		return s == ServerFound
	case CharacteristicFound:
		return s == ServiceFound
	case Connected:
		return s == CharacteristicFound || s == Disconnected
	case Disconnected:
		return s >= DeviceFound && s <= Connected
	}
	return false
}
