package client

import "fmt"

// State is the lifecycle state of a SyncClient
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateDisconnected:
		switch next {
		case StateConnecting, StateClosed:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected, StateClosed:
			return nil
		}
	case StateConnected:
		// a lost socket moves to Reconnecting
		switch next {
		case StateReconnecting, StateClosed:
			return nil
		}
	case StateReconnecting:
		switch next {
		case StateConnected, StateDisconnected, StateClosed:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}
