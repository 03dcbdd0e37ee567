package subscription

import (
	"encoding/json"
	"fmt"
)

// State is the connection state of a Controller.
type State int

const (
	Idle State = iota
	Connecting
	Live
	Recovering
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// active reports whether the controller holds a subscription or is working to
// get one back.
func (s State) active() bool {
	return s == Connecting || s == Live || s == Recovering
}

func (s *State) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for candidate := Idle; candidate <= Failed; candidate++ {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown subscription state %q", name)
}
