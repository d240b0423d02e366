package orch

import (
	"context"

	"github.com/dkeye/heartline/internal/app/notify"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/observability"
)

// Dispatch wraps notify.Dispatcher.Dispatch with metrics.
func (o *Orchestrator) Dispatch(ctx context.Context, uid domain.UserID, kind domain.NotificationKind, fields map[string]any) (notify.Receipt, error) {
	rcpt, err := o.Notify.Dispatch(ctx, uid, kind, fields)
	switch {
	case err != nil:
		observability.RecordNotification(string(kind), "failed")
	case rcpt.Pushed > 0:
		observability.RecordNotification(string(kind), "pushed")
	default:
		observability.RecordNotification(string(kind), "queued")
	}
	return rcpt, err
}
