// Package calls brokers call-invitation handshakes between two users.
// It forwards negotiation payloads without looking into them.
package calls

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

const DefaultRingTimeout = 45 * time.Second

// Reasons carried by call:ended.
const (
	EndRejected          = "rejected"
	EndCancelled         = "cancelled"
	EndEnded             = "ended"
	EndTimeout           = "timeout"
	EndAnsweredElsewhere = "answered_elsewhere"
	EndDisconnected      = "disconnected"
)

type Router struct {
	dir         core.Directory
	clock       clock.Clock
	ringTimeout time.Duration

	mu     sync.Mutex
	byID   map[domain.InvitationID]*Invitation
	byPair map[pairKey]*Invitation

	// OnFinish, if set, is called once per invitation when it reaches a
	// terminal state.
	OnFinish func(info domain.CallInfo, final domain.CallState)
}

func NewRouter(dir core.Directory, clk clock.Clock, ringTimeout time.Duration) *Router {
	if clk == nil {
		clk = clock.New()
	}
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Router{
		dir:         dir,
		clock:       clk,
		ringTimeout: ringTimeout,
		byID:        make(map[domain.InvitationID]*Invitation),
		byPair:      make(map[pairKey]*Invitation),
	}
}

// Initiate rings every live session of callee. The pair is busy until the
// returned invitation reaches a terminal state.
func (r *Router) Initiate(callerSID core.SessionID, callee domain.UserID, kind domain.CallKind, offer json.RawMessage) (domain.InvitationID, error) {
	caller, ok := r.dir.OwnerOf(callerSID)
	if !ok {
		return "", ErrUnknownSession
	}
	if caller == callee {
		return "", ErrSelfCall
	}

	r.mu.Lock()
	key := pairOf(caller, callee)
	if _, busy := r.byPair[key]; busy {
		r.mu.Unlock()
		return "", ErrAlreadyRinging
	}
	targets := r.dir.SessionsFor(callee)
	if len(targets) == 0 {
		r.mu.Unlock()
		return "", ErrCalleeOffline
	}
	inv := &Invitation{
		ID:            domain.InvitationID(uuid.NewString()),
		Caller:        caller,
		Callee:        callee,
		CallerSession: callerSID,
		Kind:          kind,
		CreatedAt:     r.clock.Now(),
	}
	inv.state.Store(int32(domain.CallRinging))
	r.byID[inv.ID] = inv
	r.byPair[key] = inv
	inv.mu.Lock()
	inv.timer = r.clock.AfterFunc(r.ringTimeout, func() { r.expire(inv) })
	inv.mu.Unlock()
	r.mu.Unlock()

	log.Info().Str("module", "calls").Str("invitation", string(inv.ID)).Str("caller", string(caller)).
		Str("callee", string(callee)).Int("devices", len(targets)).Msg("ringing")

	incoming := protocol.CallIncoming{
		Type:         protocol.TypeCallIncoming,
		InvitationID: inv.ID,
		From:         caller,
		Kind:         kind,
		Offer:        offer,
	}
	for _, sid := range targets {
		r.send(sid, incoming)
	}
	return inv.ID, nil
}

// Answer accepts the invitation from one of the callee's sessions. The
// first answer wins; later ones get ErrAlreadyAnswered.
func (r *Router) Answer(id domain.InvitationID, sid core.SessionID, answer json.RawMessage) error {
	inv, err := r.lookup(id)
	if err != nil {
		return err
	}
	if uid, ok := r.dir.OwnerOf(sid); !ok || uid != inv.Callee {
		return ErrNotParty
	}

	inv.mu.Lock()
	if !inv.transition(domain.CallRinging, domain.CallAnswered) {
		inv.mu.Unlock()
		if inv.State() == domain.CallAnswered {
			return ErrAlreadyAnswered
		}
		return ErrInvalidState
	}
	inv.answeredBy = sid
	if inv.timer != nil {
		inv.timer.Stop()
	}
	inv.mu.Unlock()

	log.Info().Str("module", "calls").Str("invitation", string(id)).Str("sid", string(sid)).Msg("answered")

	r.send(inv.CallerSession, protocol.CallAnswered{
		Type:         protocol.TypeCallAnswered,
		InvitationID: id,
		Answer:       answer,
	})
	stop := protocol.CallEnded{Type: protocol.TypeCallEnded, InvitationID: id, Reason: EndAnsweredElsewhere}
	for _, other := range r.dir.SessionsFor(inv.Callee) {
		if other != sid {
			r.send(other, stop)
		}
	}
	return nil
}

// Negotiate forwards an auxiliary payload to the other party.
func (r *Router) Negotiate(id domain.InvitationID, from core.SessionID, payload json.RawMessage) error {
	inv, err := r.lookup(id)
	if err != nil {
		return err
	}
	state := inv.State()
	if state != domain.CallRinging && state != domain.CallAnswered {
		return ErrInvalidState
	}
	uid, ok := r.dir.OwnerOf(from)
	if !ok {
		return ErrNotParty
	}

	var targets []core.SessionID
	answeredBy := inv.AnsweredBy()
	switch {
	case from == inv.CallerSession:
		if answeredBy != "" {
			targets = []core.SessionID{answeredBy}
		} else {
			targets = r.dir.SessionsFor(inv.Callee)
		}
	case uid == inv.Callee:
		if answeredBy != "" && answeredBy != from {
			return ErrNotParty
		}
		targets = []core.SessionID{inv.CallerSession}
	default:
		return ErrNotParty
	}

	msg := protocol.CallNegotiation{
		Type:         protocol.TypeCallNegotiate,
		InvitationID: id,
		From:         uid,
		Payload:      payload,
	}
	for _, sid := range targets {
		r.send(sid, msg)
	}
	return nil
}

// Reject declines a ringing invitation. Either party may reject; a caller
// rejecting its own invitation cancels it.
func (r *Router) Reject(id domain.InvitationID, by core.SessionID) error {
	inv, err := r.lookup(id)
	if err != nil {
		return err
	}
	role, err := r.roleOf(inv, by)
	if err != nil {
		return err
	}
	if !r.finish(inv, domain.CallRinging, domain.CallRejected) {
		return ErrInvalidState
	}
	if role == roleCaller {
		r.notifyCallee(inv, "", EndCancelled)
	} else {
		r.send(inv.CallerSession, ended(inv.ID, EndRejected))
		r.notifyCallee(inv, by, EndRejected)
	}
	return nil
}

// End terminates a ringing or answered invitation.
func (r *Router) End(id domain.InvitationID, by core.SessionID) error {
	inv, err := r.lookup(id)
	if err != nil {
		return err
	}
	role, err := r.roleOf(inv, by)
	if err != nil {
		return err
	}
	wasAnswered := false
	if !r.finish(inv, domain.CallRinging, domain.CallEnded) {
		if !r.finish(inv, domain.CallAnswered, domain.CallEnded) {
			return ErrInvalidState
		}
		wasAnswered = true
	}
	switch {
	case role == roleCaller && wasAnswered:
		r.send(inv.AnsweredBy(), ended(inv.ID, EndEnded))
	case role == roleCaller:
		r.notifyCallee(inv, "", EndCancelled)
	default:
		r.send(inv.CallerSession, ended(inv.ID, EndEnded))
		if !wasAnswered {
			r.notifyCallee(inv, by, EndEnded)
		}
	}
	return nil
}

// SessionClosed cancels invitations that depend on a session that just
// closed. It must run after the session was deregistered.
func (r *Router) SessionClosed(sid core.SessionID, uid domain.UserID) {
	r.mu.Lock()
	var affected []*Invitation
	for _, inv := range r.byID {
		if inv.CallerSession == sid || inv.Callee == uid {
			affected = append(affected, inv)
		}
	}
	r.mu.Unlock()

	for _, inv := range affected {
		switch {
		case inv.CallerSession == sid:
			if r.finish(inv, domain.CallRinging, domain.CallRejected) {
				r.notifyCallee(inv, "", EndDisconnected)
			} else if r.finish(inv, domain.CallAnswered, domain.CallEnded) {
				r.send(inv.AnsweredBy(), ended(inv.ID, EndDisconnected))
			}
		case inv.State() == domain.CallRinging:
			if len(r.dir.SessionsFor(uid)) == 0 && r.finish(inv, domain.CallRinging, domain.CallRejected) {
				r.send(inv.CallerSession, ended(inv.ID, EndDisconnected))
			}
		case inv.AnsweredBy() == sid:
			if r.finish(inv, domain.CallAnswered, domain.CallEnded) {
				r.send(inv.CallerSession, ended(inv.ID, EndDisconnected))
			}
		}
	}
}

// Active returns every non-terminal invitation, oldest first.
func (r *Router) Active() []domain.CallInfo {
	r.mu.Lock()
	out := make([]domain.CallInfo, 0, len(r.byID))
	for _, inv := range r.byID {
		out = append(out, inv.Info())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns the invitation if it is still active.
func (r *Router) Get(id domain.InvitationID) (domain.CallInfo, bool) {
	inv, err := r.lookup(id)
	if err != nil {
		return domain.CallInfo{}, false
	}
	return inv.Info(), true
}

func (r *Router) expire(inv *Invitation) {
	if !r.finish(inv, domain.CallRinging, domain.CallTimedOut) {
		return
	}
	log.Info().Str("module", "calls").Str("invitation", string(inv.ID)).Msg("ring timeout")
	r.send(inv.CallerSession, protocol.CallTimeout{Type: protocol.TypeCallTimeout, InvitationID: inv.ID})
	r.notifyCallee(inv, "", EndTimeout)
}

// finish moves inv from one state to a terminal one and frees the pair.
func (r *Router) finish(inv *Invitation, from, to domain.CallState) bool {
	if !inv.transition(from, to) {
		return false
	}
	inv.stopTimer()

	r.mu.Lock()
	delete(r.byID, inv.ID)
	key := pairOf(inv.Caller, inv.Callee)
	if r.byPair[key] == inv {
		delete(r.byPair, key)
	}
	r.mu.Unlock()

	log.Debug().Str("module", "calls").Str("invitation", string(inv.ID)).Str("from", from.String()).Str("to", to.String()).Msg("invitation finished")
	if r.OnFinish != nil {
		r.OnFinish(inv.Info(), to)
	}
	return true
}

func (r *Router) lookup(id domain.InvitationID) (*Invitation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inv, nil
}

type role int

const (
	roleCaller role = iota
	roleCallee
)

func (r *Router) roleOf(inv *Invitation, sid core.SessionID) (role, error) {
	if sid == inv.CallerSession {
		return roleCaller, nil
	}
	if uid, ok := r.dir.OwnerOf(sid); ok && uid == inv.Callee {
		if ab := inv.AnsweredBy(); ab != "" && ab != sid {
			return 0, ErrNotParty
		}
		return roleCallee, nil
	}
	return 0, ErrNotParty
}

// notifyCallee tells every callee session except skip to stop ringing.
func (r *Router) notifyCallee(inv *Invitation, skip core.SessionID, reason string) {
	msg := ended(inv.ID, reason)
	for _, sid := range r.dir.SessionsFor(inv.Callee) {
		if sid != skip {
			r.send(sid, msg)
		}
	}
}

func ended(id domain.InvitationID, reason string) protocol.CallEnded {
	return protocol.CallEnded{Type: protocol.TypeCallEnded, InvitationID: id, Reason: reason}
}

func (r *Router) send(sid core.SessionID, v any) {
	if sid == "" {
		return
	}
	f, err := protocol.Encode(v)
	if err != nil {
		log.Error().Err(err).Str("module", "calls").Msg("encode frame")
		return
	}
	if err := r.dir.Deliver(sid, f); err != nil {
		log.Debug().Err(err).Str("module", "calls").Str("sid", string(sid)).Msg("deliver failed")
	}
}
