package signal

import (
	"context"

	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

func (s *Supervisor) handleNotificationAck(ctx context.Context, data []byte) {
	var p protocol.NotificationAck
	if err := protocol.Decode(data, &p); err != nil || p.ID == "" {
		s.malformed("bad_payload", err)
		return
	}
	if err := s.ctl.Orch.Notify.Ack(ctx, s.user(), domain.NotificationID(p.ID)); err != nil {
		s.sendError(reasonFor(err), p.ID)
	}
}
