package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

const presenceInbox = 1024

// Presence turns registry transitions into presence frames for every
// connected session.
type Presence struct {
	reg     *Registry
	inbox   chan Transition
	stopped chan struct{}
	once    sync.Once
	// overflow is set when a transition could not be queued; Run then
	// reconciles every known user instead.
	overflow atomic.Bool

	mu        sync.Mutex
	announced map[domain.UserID]bool

	// OnChange, if set, is called after each announced change.
	OnChange func(uid domain.UserID, online bool)
}

var _ TransitionSink = (*Presence)(nil)

func NewPresence(reg *Registry) *Presence {
	p := &Presence{
		reg:       reg,
		inbox:     make(chan Transition, presenceInbox),
		stopped:   make(chan struct{}),
		announced: make(map[domain.UserID]bool),
	}
	reg.SetSink(p)
	return p
}

// Publish enqueues t without blocking. When the inbox is full the
// transition is dropped and the next pass of Run reconciles every user.
// After Run has returned transitions are discarded.
func (p *Presence) Publish(t Transition) {
	select {
	case <-p.stopped:
		return
	default:
	}
	select {
	case p.inbox <- t:
	default:
		p.overflow.Store(true)
	}
}

// Run drains transitions until ctx is done.
func (p *Presence) Run(ctx context.Context) error {
	log.Info().Str("module", "app.presence").Msg("presence publisher started")
	defer p.once.Do(func() { close(p.stopped) })
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-p.inbox:
			p.reconcile(t.User)
		}
		if p.overflow.CompareAndSwap(true, false) {
			p.reconcileAll()
		}
	}
}

// reconcileAll recovers from dropped transitions: every user currently
// online or last announced online is checked against the registry.
func (p *Presence) reconcileAll() {
	p.mu.Lock()
	users := make([]domain.UserID, 0, len(p.announced))
	for uid := range p.announced {
		users = append(users, uid)
	}
	p.mu.Unlock()
	users = append(users, p.reg.OnlineUsers()...)

	log.Warn().Str("module", "app.presence").Int("users", len(users)).Msg("presence inbox overflowed, full reconcile")
	for _, uid := range users {
		p.reconcile(uid)
	}
}

// reconcile announces uid's current state if it differs from what was
// last announced. Transitions may arrive reordered; the registry is the
// source of truth.
func (p *Presence) reconcile(uid domain.UserID) {
	online := p.reg.IsOnline(uid)

	p.mu.Lock()
	if p.announced[uid] == online {
		p.mu.Unlock()
		return
	}
	if online {
		p.announced[uid] = true
	} else {
		delete(p.announced, uid)
	}
	p.mu.Unlock()

	typ := protocol.TypePresenceOffline
	if online {
		typ = protocol.TypePresenceOnline
	}
	frame := protocol.MustEncode(protocol.PresenceChange{Type: typ, User: uid, At: protocol.Millis(p.reg.nowFunc())})
	sent := 0
	// A user's own sessions are not told about the user.
	for _, s := range p.reg.Sessions() {
		if s.User == uid {
			continue
		}
		if err := p.reg.Deliver(s.SID, frame); err == nil {
			sent++
		}
	}
	log.Debug().Str("module", "app.presence").Str("user", string(uid)).Bool("online", online).Int("sent_to", sent).Msg("presence change")
	if p.OnChange != nil {
		p.OnChange(uid, online)
	}
}

// Snapshot seeds a freshly activated session with everyone currently online.
func (p *Presence) Snapshot(sid core.SessionID) error {
	users := p.reg.OnlineUsers()
	if users == nil {
		users = []domain.UserID{}
	}
	return p.reg.Deliver(sid, protocol.MustEncode(protocol.PresenceSnapshot{
		Type:  protocol.TypePresenceSnapshot,
		Users: users,
	}))
}
