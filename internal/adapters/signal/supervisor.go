package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/heartline/internal/adapters/auth"
	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

var ErrClosed = errors.New("connection closed")

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var _ core.SignalConnection = (*Supervisor)(nil)

// Supervisor owns one websocket connection from handshake to close.
// Inbound frames are handled one at a time on the read pump.
type Supervisor struct {
	ctl   *SignalWSController
	ws    WSConn
	clock clock.Clock
	log   zerolog.Logger

	id         core.SessionID
	credential string

	send chan core.Frame
	done chan struct{}

	mu        sync.Mutex
	state     State
	meta      domain.Session
	reason    core.CloseReason
	authTimer *clock.Timer
	liveTimer *clock.Timer

	strikes *StrikeWindow
	flood   *rate.Limiter
}

func (ctl *SignalWSController) NewSupervisor(ws WSConn, credential string) *Supervisor {
	sid := core.SessionID(uuid.NewString())
	set := ctl.Settings
	return &Supervisor{
		ctl:        ctl,
		ws:         ws,
		clock:      ctl.Clock,
		log:        log.With().Str("module", "signal").Str("sid", string(sid)).Logger(),
		id:         sid,
		credential: credential,
		send:       make(chan core.Frame, set.SendBuffer),
		done:       make(chan struct{}),
		meta:       domain.Session{ID: string(sid), ConnectedAt: ctl.Clock.Now()},
		strikes:    NewStrikeWindow(set.AbuseThreshold, set.AbuseWindow),
		flood:      rate.NewLimiter(rate.Limit(set.FrameRate), set.FrameBurst),
	}
}

func (s *Supervisor) ID() core.SessionID { return s.id }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Meta returns a copy of the session metadata.
func (s *Supervisor) Meta() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Reason is the close reason, empty while the session is open.
func (s *Supervisor) Reason() core.CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed when the session reaches CLOSED.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Start arms the session timers, authenticates a handshake credential if
// one was presented and starts the pumps. It returns without blocking.
func (s *Supervisor) Start(ctx context.Context) {
	set := s.ctl.Settings
	s.ws.SetReadLimit(set.ReadLimit)
	s.ws.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	s.mu.Lock()
	s.authTimer = s.clock.AfterFunc(set.AuthGrace, s.authExpired)
	s.liveTimer = s.clock.AfterFunc(set.LivenessWindow, func() { s.Close(core.ReasonLivenessTimeout) })
	s.mu.Unlock()

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close(core.ReasonServerShutdown)
		case <-s.done:
		}
	}()

	if s.credential != "" && !s.authenticate(s.credential) {
		return
	}
	go s.readPump(ctx)
}

// TrySend enqueues f without blocking.
func (s *Supervisor) TrySend(f core.Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

// Close moves the session to CLOSED exactly once and deregisters it if it
// was active. Later calls are no-ops.
func (s *Supervisor) Close(reason core.CloseReason) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = StateClosed
	s.reason = reason
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	if s.liveTimer != nil {
		s.liveTimer.Stop()
	}
	close(s.done)
	user := s.meta.User
	s.mu.Unlock()

	s.log.Info().Str("reason", string(reason)).Str("from", prev.String()).Str("user", string(user)).Msg("closing session")
	s.ctl.Orch.Disconnect(s.id, reason)
}

func (s *Supervisor) authExpired() {
	s.mu.Lock()
	pending := s.state == StateConnecting || s.state == StateAuthenticated
	s.mu.Unlock()
	if pending {
		s.Close(core.ReasonAuthTimeout)
	}
}

// touch records inbound traffic and pushes the liveness deadline out.
func (s *Supervisor) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.meta.LastHeartbeat = s.clock.Now()
	if s.liveTimer != nil {
		s.liveTimer.Reset(s.ctl.Settings.LivenessWindow)
	}
}

// authenticate verifies credential and moves CONNECTING to AUTHENTICATED.
// A bad credential closes the session.
func (s *Supervisor) authenticate(credential string) bool {
	uid, err := s.ctl.Verifier.Verify(credential)
	if err != nil {
		s.log.Warn().Err(err).Msg("authentication failed")
		s.sendJSON(protocol.Error{Type: protocol.TypeError, Error: "auth_failure"})
		s.Close(core.ReasonAuthFailure)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return s.state == StateAuthenticated && s.meta.User == uid
	}
	s.state = StateAuthenticated
	s.meta.User = uid
	s.meta.Fingerprint = auth.Fingerprint(credential)
	s.log.Info().Str("user", string(uid)).Str("fingerprint", s.meta.Fingerprint).Msg("authenticated")
	return true
}

// activate registers the session. Returns false if the session is not in
// AUTHENTICATED or closed while registering.
func (s *Supervisor) activate() (domain.UserID, bool) {
	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.mu.Unlock()
		return "", false
	}
	s.state = StateActive
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	uid := s.meta.User
	s.sendJSON(protocol.SessionReady{
		Type:       protocol.TypeSessionReady,
		SessionID:  s.id,
		UserID:     uid,
		ICEServers: s.ctl.Settings.ICEServers,
	})
	s.mu.Unlock()

	s.ctl.Orch.Activate(s.id, uid, s)
	if s.detachIfClosed() {
		return "", false
	}
	return uid, true
}

// detachIfClosed undoes a registration that lost the race with Close:
// Close already ran Disconnect before the session was in the registry.
func (s *Supervisor) detachIfClosed() bool {
	select {
	case <-s.done:
	default:
		return false
	}
	if uid, ok := s.ctl.Orch.Detach(s.id); ok {
		s.log.Info().Str("user", string(uid)).Msg("closed while activating")
	}
	return true
}

func (s *Supervisor) user() domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.User
}
