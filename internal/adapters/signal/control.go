package signal

import (
	"context"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

func (s *Supervisor) handleHeartbeat() {
	s.sendJSON(protocol.HeartbeatAck{
		Type: protocol.TypeHeartbeatAck,
		At:   protocol.Millis(s.clock.Now()),
	})
}

// handleJoin authenticates with the frame's token when the handshake
// carried none, then activates the session.
func (s *Supervisor) handleJoin(ctx context.Context, data []byte) {
	var p protocol.Join
	if err := protocol.Decode(data, &p); err != nil {
		s.malformed("bad_payload", err)
		return
	}

	switch s.State() {
	case StateActive:
		s.sendError("already_joined", "")
		return
	case StateConnecting:
		if p.Token == "" {
			s.sendError("credential_required", "")
			return
		}
		if !s.authenticate(p.Token) {
			return
		}
	}

	if p.UserID != "" && domain.UserID(p.UserID) != s.user() {
		s.log.Warn().Str("claimed", p.UserID).Str("user", string(s.user())).Msg("join user mismatch")
		s.sendError("auth_failure", "")
		s.Close(core.ReasonAuthFailure)
		return
	}

	uid, ok := s.activate()
	if !ok {
		return
	}
	s.ctl.Orch.Seed(ctx, s.id, uid)
}
