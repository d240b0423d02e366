package calls

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
)

// Invitation is one in-flight call handshake. State transitions go through
// compare-and-set on state; the mutex only guards answeredBy and the timer.
type Invitation struct {
	ID            domain.InvitationID
	Caller        domain.UserID
	Callee        domain.UserID
	CallerSession core.SessionID
	Kind          domain.CallKind
	CreatedAt     time.Time

	state atomic.Int32

	mu         sync.Mutex
	answeredBy core.SessionID
	timer      *clock.Timer
}

func (inv *Invitation) State() domain.CallState {
	return domain.CallState(inv.state.Load())
}

func (inv *Invitation) transition(from, to domain.CallState) bool {
	return inv.state.CompareAndSwap(int32(from), int32(to))
}

func (inv *Invitation) AnsweredBy() core.SessionID {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.answeredBy
}

func (inv *Invitation) stopTimer() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.timer != nil {
		inv.timer.Stop()
	}
}

func (inv *Invitation) Info() domain.CallInfo {
	return domain.CallInfo{
		ID:        inv.ID,
		Caller:    inv.Caller,
		Callee:    inv.Callee,
		Kind:      inv.Kind,
		State:     inv.State().String(),
		CreatedAt: inv.CreatedAt,
	}
}

type pairKey struct{ a, b domain.UserID }

func pairOf(x, y domain.UserID) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}
