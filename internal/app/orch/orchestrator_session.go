package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/observability"
)

// Activate registers an authenticated session. The caller must follow up
// with Seed once it is safe to receive frames.
func (o *Orchestrator) Activate(sid core.SessionID, uid domain.UserID, conn core.SignalConnection) {
	o.Registry.Register(uid, sid, conn)
	o.refreshGauges()
}

// Seed sends a freshly activated session the presence snapshot and any
// unread notifications.
func (o *Orchestrator) Seed(ctx context.Context, sid core.SessionID, uid domain.UserID) {
	if err := o.Presence.Snapshot(sid); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("presence snapshot")
	}
	n, err := o.Notify.Replay(ctx, uid, sid)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("replay unread notifications")
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Int("replayed", n).Msg("session active")
}

// Disconnect deregisters a session and cancels the calls depending on it.
// Safe to call for sessions that were never activated.
func (o *Orchestrator) Disconnect(sid core.SessionID, reason core.CloseReason) {
	observability.RecordSessionClosed(string(reason))
	uid, ok := o.Detach(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Str("reason", string(reason)).Msg("session closed")
}

// Detach removes a registered session from the registry and ends or
// rejects every invitation it is a party to. It records no close metric;
// Disconnect does that once per session.
func (o *Orchestrator) Detach(sid core.SessionID) (domain.UserID, bool) {
	uid, ok := o.Registry.OwnerOf(sid)
	if !ok {
		return "", false
	}
	o.Registry.Deregister(sid)
	o.Calls.SessionClosed(sid, uid)
	o.refreshGauges()
	return uid, true
}

// Ban closes every live session of uid. It returns how many were closed.
func (o *Orchestrator) Ban(uid domain.UserID) int {
	n := 0
	for _, sid := range o.Registry.SessionsFor(uid) {
		if o.Registry.Kick(sid, core.ReasonBanned) {
			n++
		}
	}
	log.Info().Str("module", "orch").Str("user", string(uid)).Int("sessions", n).Msg("user banned")
	return n
}

// Shutdown closes every live session.
func (o *Orchestrator) Shutdown() {
	for _, s := range o.Registry.Sessions() {
		o.Registry.Kick(s.SID, core.ReasonServerShutdown)
	}
}
