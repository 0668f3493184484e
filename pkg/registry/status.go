package registry

import "fmt"

type Status string

const (
	StatusIdle          Status = "idle"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusError         Status = "error"
)

var transitions = map[Status][]Status{
	StatusIdle:          {StatusConnecting},
	StatusConnecting:    {StatusConnected, StatusError},
	StatusConnected:     {StatusDisconnecting},
	StatusDisconnecting: {StatusIdle, StatusError},
}

// CanTransition reports whether a device may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
