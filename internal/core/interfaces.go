package core

import (
	"errors"

	"github.com/dkeye/heartline/internal/domain"
)

// Frame is one encoded outbound message.
type Frame []byte

type SessionID string

var (
	ErrBackpressure = errors.New("backpressure")
	ErrSessionGone  = errors.New("session gone")
)

// CloseReason is the explicit reason a session was closed with.
type CloseReason string

const (
	ReasonAuthTimeout     CloseReason = "AUTH_TIMEOUT"
	ReasonAuthFailure     CloseReason = "AUTH_FAILURE"
	ReasonLivenessTimeout CloseReason = "LIVENESS_TIMEOUT"
	ReasonProtocolAbuse   CloseReason = "PROTOCOL_ABUSE"
	ReasonClientClosed    CloseReason = "CLIENT_CLOSED"
	ReasonServerShutdown  CloseReason = "SERVER_SHUTDOWN"
	ReasonBanned          CloseReason = "BANNED"
	ReasonSlowConsumer    CloseReason = "SLOW_CONSUMER"
	ReasonTransportError  CloseReason = "TRANSPORT_ERROR"
)

// SignalConnection abstracts a session's messaging transport.
// Owned by the adapter; other components only hold it through the registry.
type SignalConnection interface {
	// TrySend enqueues f without blocking.
	TrySend(f Frame) error
	// Close is idempotent.
	Close(reason CloseReason)
}

// Directory is the read/deliver view of the connection registry that
// routers and dispatchers depend on.
type Directory interface {
	SessionsFor(uid domain.UserID) []SessionID
	OwnerOf(sid SessionID) (domain.UserID, bool)
	Deliver(sid SessionID, f Frame) error
}

// Verifier turns a bearer credential into a user identity.
type Verifier interface {
	Verify(credential string) (domain.UserID, error)
}
