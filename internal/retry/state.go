package retry

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// State is the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// ParseState accepts the String form (case-insensitive). Unknown values are an error.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "CLOSED":
		return Closed, nil
	case "OPEN":
		return Open, nil
	case "HALF_OPEN", "HALF-OPEN", "HALFOPEN":
		return HalfOpen, nil
	default:
		return Closed, errors.Newf("unknown circuit state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
