package domain

import (
	"errors"
	"time"
)

type (
	InvitationID string
	CallKind     string
)

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

var ErrUnknownCallKind = errors.New("unknown call kind")

func ParseCallKind(s string) (CallKind, error) {
	switch CallKind(s) {
	case CallAudio, CallVideo:
		return CallKind(s), nil
	case "":
		return CallAudio, nil
	}
	return "", ErrUnknownCallKind
}

// CallState is stored atomically on the invitation; keep it int32.
type CallState int32

const (
	CallRinging CallState = iota
	CallAnswered
	CallEnded
	CallTimedOut
	CallRejected
)

func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallTimedOut || s == CallRejected
}

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "RINGING"
	case CallAnswered:
		return "ANSWERED"
	case CallEnded:
		return "ENDED"
	case CallTimedOut:
		return "TIMED_OUT"
	case CallRejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// CallInfo is a read-only view of an invitation.
type CallInfo struct {
	ID        InvitationID `json:"id"`
	Caller    UserID       `json:"caller"`
	Callee    UserID       `json:"callee"`
	Kind      CallKind     `json:"kind"`
	State     string       `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}
