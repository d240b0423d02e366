package calls

import "errors"

var (
	ErrAlreadyRinging  = errors.New("calls: invitation already active for this pair")
	ErrCalleeOffline   = errors.New("calls: callee offline")
	ErrAlreadyAnswered = errors.New("calls: already answered")
	ErrInvalidState    = errors.New("calls: invalid state")
	ErrNotFound        = errors.New("calls: invitation not found")
	ErrNotParty        = errors.New("calls: session is not a party to this invitation")
	ErrSelfCall        = errors.New("calls: cannot call yourself")
	ErrUnknownSession  = errors.New("calls: unknown session")
)
