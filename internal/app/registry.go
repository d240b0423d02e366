package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
)

const DefaultShards = 64

var _ core.Directory = (*Registry)(nil)

// Transition is an online/offline change of one user.
type Transition struct {
	User   domain.UserID
	Online bool
	At     time.Time
}

// TransitionSink receives transitions after the registry released its locks.
type TransitionSink interface {
	Publish(t Transition)
}

type sessionEntry struct {
	User domain.UserID
	Conn core.SignalConnection
}

type userShard struct {
	mu    sync.RWMutex
	users map[domain.UserID]map[core.SessionID]struct{}
}

type indexShard struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]sessionEntry
}

// Registry maps user identities to their live sessions.
//
// Users are spread over shards by hash of the identity, sessions over a
// second set of shards by hash of the session id. Every mutation locks the
// session's index shard first and then the user shard, so a single user's
// set is linearizable while different users rarely contend.
type Registry struct {
	users   []*userShard
	index   []*indexShard
	sink    TransitionSink
	policy  Policy
	nowFunc func() time.Time
}

type RegistryOption func(*Registry)

func WithSink(s TransitionSink) RegistryOption {
	return func(r *Registry) { r.sink = s }
}

func WithPolicy(p Policy) RegistryOption {
	return func(r *Registry) { r.policy = p }
}

func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.nowFunc = now }
}

func NewRegistry(shards int, opts ...RegistryOption) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		users:   make([]*userShard, shards),
		index:   make([]*indexShard, shards),
		nowFunc: time.Now,
	}
	for i := range shards {
		r.users[i] = &userShard{users: make(map[domain.UserID]map[core.SessionID]struct{})}
		r.index[i] = &indexShard{sessions: make(map[core.SessionID]sessionEntry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSink wires the presence publisher after construction.
func (r *Registry) SetSink(s TransitionSink) { r.sink = s }

func (r *Registry) userShardOf(uid domain.UserID) *userShard {
	return r.users[xxhash.Sum64String(string(uid))%uint64(len(r.users))]
}

func (r *Registry) indexShardOf(sid core.SessionID) *indexShard {
	return r.index[xxhash.Sum64String(string(sid))%uint64(len(r.index))]
}

// Register adds sid to uid's set. Re-registering the same pair is a no-op;
// registering a sid owned by another user moves it.
func (r *Registry) Register(uid domain.UserID, sid core.SessionID, conn core.SignalConnection) {
	var events []Transition

	is := r.indexShardOf(sid)
	is.mu.Lock()
	prev, had := is.sessions[sid]
	is.sessions[sid] = sessionEntry{User: uid, Conn: conn}
	if had && prev.User != uid {
		if r.removeFromUser(prev.User, sid) {
			events = append(events, Transition{User: prev.User, Online: false, At: r.nowFunc()})
		}
	}
	if r.addToUser(uid, sid) {
		events = append(events, Transition{User: uid, Online: true, At: r.nowFunc()})
	}
	is.mu.Unlock()

	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(uid)).Msg("registered session")
	r.emit(events)
}

// Deregister removes sid from whichever user owns it. Unknown sids are ignored.
func (r *Registry) Deregister(sid core.SessionID) {
	is := r.indexShardOf(sid)
	is.mu.Lock()
	entry, ok := is.sessions[sid]
	if !ok {
		is.mu.Unlock()
		return
	}
	delete(is.sessions, sid)
	offline := r.removeFromUser(entry.User, sid)
	is.mu.Unlock()

	log.Debug().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(entry.User)).Msg("deregistered session")
	if offline {
		r.emit([]Transition{{User: entry.User, Online: false, At: r.nowFunc()}})
	}
}

// addToUser reports whether uid went from zero sessions to one.
func (r *Registry) addToUser(uid domain.UserID, sid core.SessionID) bool {
	us := r.userShardOf(uid)
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.users[uid]
	if !ok {
		set = make(map[core.SessionID]struct{}, 1)
		us.users[uid] = set
	}
	if _, dup := set[sid]; dup {
		return false
	}
	set[sid] = struct{}{}
	return len(set) == 1
}

// removeFromUser reports whether uid's set became empty.
func (r *Registry) removeFromUser(uid domain.UserID, sid core.SessionID) bool {
	us := r.userShardOf(uid)
	us.mu.Lock()
	defer us.mu.Unlock()
	set, ok := us.users[uid]
	if !ok {
		return false
	}
	if _, present := set[sid]; !present {
		return false
	}
	delete(set, sid)
	if len(set) == 0 {
		delete(us.users, uid)
		return true
	}
	return false
}

func (r *Registry) emit(events []Transition) {
	if r.sink == nil {
		return
	}
	for _, ev := range events {
		r.sink.Publish(ev)
	}
}

// SessionsFor returns a sorted copy of uid's live sessions.
func (r *Registry) SessionsFor(uid domain.UserID) []core.SessionID {
	us := r.userShardOf(uid)
	us.mu.RLock()
	set := us.users[uid]
	out := make([]core.SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	us.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) IsOnline(uid domain.UserID) bool {
	us := r.userShardOf(uid)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[uid]) > 0
}

func (r *Registry) OwnerOf(sid core.SessionID) (domain.UserID, bool) {
	is := r.indexShardOf(sid)
	is.mu.RLock()
	defer is.mu.RUnlock()
	e, ok := is.sessions[sid]
	return e.User, ok
}

// OnlineUsers returns every user with at least one live session.
func (r *Registry) OnlineUsers() []domain.UserID {
	out := make([]domain.UserID, 0)
	for _, us := range r.users {
		us.mu.RLock()
		for uid := range us.users {
			out = append(out, uid)
		}
		us.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SessionSnap pairs a session with its owner.
type SessionSnap struct {
	SID  core.SessionID
	User domain.UserID
}

func (r *Registry) Sessions() []SessionSnap {
	var out []SessionSnap
	for _, is := range r.index {
		is.mu.RLock()
		for sid, e := range is.sessions {
			out = append(out, SessionSnap{SID: sid, User: e.User})
		}
		is.mu.RUnlock()
	}
	return out
}

type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
}

func (r *Registry) Stats() Stats {
	var st Stats
	for _, is := range r.index {
		is.mu.RLock()
		st.Sessions += len(is.sessions)
		is.mu.RUnlock()
	}
	for _, us := range r.users {
		us.mu.RLock()
		st.Users += len(us.users)
		us.mu.RUnlock()
	}
	return st
}

func (r *Registry) conn(sid core.SessionID) (core.SignalConnection, bool) {
	is := r.indexShardOf(sid)
	is.mu.RLock()
	defer is.mu.RUnlock()
	e, ok := is.sessions[sid]
	return e.Conn, ok && e.Conn != nil
}

// Deliver writes f to sid's send buffer, applying the backpressure policy
// when the buffer is full.
func (r *Registry) Deliver(sid core.SessionID, f core.Frame) error {
	c, ok := r.conn(sid)
	if !ok {
		return core.ErrSessionGone
	}
	err := c.TrySend(f)
	if err == nil || !errors.Is(err, core.ErrBackpressure) || r.policy == nil {
		return err
	}
	switch r.policy.OnBackPressure(sid) {
	case KickMember:
		log.Warn().Str("module", "app.registry").Str("sid", string(sid)).Msg("kicking slow session")
		c.Close(core.ReasonSlowConsumer)
	case DropFrame, NoAction:
	}
	return err
}

// Kick closes sid from the server side. The session's supervisor
// deregisters it as part of closing.
func (r *Registry) Kick(sid core.SessionID, reason core.CloseReason) bool {
	c, ok := r.conn(sid)
	if !ok {
		return false
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("reason", string(reason)).Msg("kick session")
	c.Close(reason)
	return true
}
