package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/app"
	"github.com/dkeye/heartline/internal/app/calls"
	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/observability"
)

const missedCallTimeout = 5 * time.Second

// Orchestrator glues the registry, presence, call router and notification
// dispatcher together for the session supervisors and the REST layer.
type Orchestrator struct {
	Registry *app.Registry
	Presence *app.Presence
	Calls    *calls.Router
	Notify   *notify.Dispatcher
}

func New(reg *app.Registry, presence *app.Presence, router *calls.Router, dispatcher *notify.Dispatcher) *Orchestrator {
	o := &Orchestrator{
		Registry: reg,
		Presence: presence,
		Calls:    router,
		Notify:   dispatcher,
	}
	router.OnFinish = o.onCallFinished
	presence.OnChange = func(domain.UserID, bool) { o.refreshGauges() }
	return o
}

func (o *Orchestrator) onCallFinished(info domain.CallInfo, final domain.CallState) {
	observability.RecordCallFinished(final.String(), string(info.Kind))
	if final != domain.CallTimedOut {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), missedCallTimeout)
	defer cancel()
	_, err := o.Dispatch(ctx, info.Callee, domain.NotifyCallMissed, map[string]any{
		"invitation_id": string(info.ID),
		"from":          string(info.Caller),
		"kind":          string(info.Kind),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("invitation", string(info.ID)).Msg("missed call notification")
	}
}

func (o *Orchestrator) refreshGauges() {
	st := o.Registry.Stats()
	observability.SetLive(st.Sessions, st.Users)
}
