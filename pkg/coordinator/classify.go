package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/DoyleJ11/fireworks-backend/pkg/client"
)

type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Fatal   Severity = "error"
)

type Code string

const (
	CodeDisconnected      Code = "disconnected"
	CodeReconnecting      Code = "reconnecting"
	CodeReconnectFailed   Code = "reconnect_failed"
	CodeHighLatency       Code = "high_latency"
	CodeConnectionTimeout Code = "connection_timeout"
	CodeRoomFull          Code = "room_full"
	CodeInvalidRoomCode   Code = "invalid_room_code"
	CodeNetworkUnstable   Code = "network_unstable"
)

const SinglePlayerSuggestion = "Switch to single player mode"

// Error is a user-facing connection problem.
type Error struct {
	Code        Code
	Severity    Severity
	Message     string
	CanRetry    bool
	Attempt     int // set for CodeReconnecting
	MaxAttempts int
	Suggestion  string
	At          time.Time
}

// ClassifyState maps a state transition to an Error. Voluntary disconnects and transitions
// into connecting or connected are not errors.
func ClassifyState(ch client.StateChange) (Error, bool) {
	switch ch.To {
	case client.Disconnected:
		if ch.Voluntary {
			return Error{}, false
		}
		return Error{
			Code:     CodeDisconnected,
			Severity: Warning,
			Message:  "Connection lost",
			CanRetry: true,
			At:       ch.At,
		}, true

	case client.Reconnecting:
		return Error{
			Code:        CodeReconnecting,
			Severity:    Info,
			Message:     fmt.Sprintf("Reconnecting (%d/%d)", ch.Attempt, ch.MaxAttempts),
			CanRetry:    true,
			Attempt:     ch.Attempt,
			MaxAttempts: ch.MaxAttempts,
			At:          ch.At,
		}, true

	case client.Failed:
		return Error{
			Code:        CodeReconnectFailed,
			Severity:    Fatal,
			Message:     "Could not reconnect to the server",
			CanRetry:    true,
			MaxAttempts: ch.MaxAttempts,
			Suggestion:  SinglePlayerSuggestion,
			At:          ch.At,
		}, true
	}
	return Error{}, false
}

// ClassifyMessage maps a raw error string from the synchronizer. Matching is by substring,
// case-insensitive, with underscores read as spaces so "room_full" matches "room full".
func ClassifyMessage(msg string) (Error, bool) {
	norm := strings.ReplaceAll(strings.ToLower(msg), "_", " ")

	switch {
	case strings.Contains(norm, "room full") || strings.Contains(norm, "room is full"):
		return Error{Code: CodeRoomFull, Severity: Warning, Message: "This room is full"}, true
	case strings.Contains(norm, "invalid room code"):
		return Error{Code: CodeInvalidRoomCode, Severity: Warning, Message: "That room code is not valid"}, true
	case strings.Contains(norm, "latency"):
		return Error{Code: CodeHighLatency, Severity: Warning, Message: "High latency detected"}, true
	case strings.Contains(norm, "timeout") || strings.Contains(norm, "timed out"):
		return Error{Code: CodeConnectionTimeout, Severity: Warning, Message: "Connection timed out", CanRetry: true}, true
	}
	return Error{}, false
}
