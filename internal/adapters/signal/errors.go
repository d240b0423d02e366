package signal

import (
	"errors"

	"github.com/dkeye/heartline/internal/app/calls"
	"github.com/dkeye/heartline/internal/app/notify"
)

// reasonFor maps an application error onto the reason string clients see.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, calls.ErrAlreadyRinging):
		return "busy"
	case errors.Is(err, calls.ErrCalleeOffline):
		return "offline"
	case errors.Is(err, calls.ErrAlreadyAnswered):
		return "already_answered"
	case errors.Is(err, calls.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, notify.ErrNotificationNotFound):
		return "not_found"
	case errors.Is(err, calls.ErrNotParty):
		return "not_party"
	case errors.Is(err, calls.ErrSelfCall):
		return "self_call"
	case errors.Is(err, calls.ErrUnknownSession):
		return "not_joined"
	}
	return "internal"
}
