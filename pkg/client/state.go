package client

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed // terminal until Connect or RetryConnection
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is delivered to OnStateChange observers. Attempt is the reconnect attempt in
// progress when To is Reconnecting.
type StateChange struct {
	From        State
	To          State
	Attempt     int
	MaxAttempts int
	Reason      string
	Voluntary   bool
	At          time.Time
}

var (
	ErrNotConnected    = errors.New("not connected")
	ErrDisconnected    = errors.New("disconnected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrClosed          = errors.New("synchronizer closed")
	ErrInvalidRoomCode = errors.New("invalid room code")
	ErrJoinSuperseded  = errors.New("superseded by a newer join")
)

// JoinError is a join rejected by the server. Code is one of the join_room_error codes.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string {
	if e.Message == "" {
		return "join failed: " + e.Code
	}
	return fmt.Sprintf("join failed: %s (%s)", e.Code, e.Message)
}
