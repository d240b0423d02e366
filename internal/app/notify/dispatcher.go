// Package notify delivers durable notifications to connected users.
//
// Every notification is persisted before any push is attempted, so a push
// racing a disconnect never loses it: the unread record is replayed on the
// recipient's next connect.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

var (
	ErrPersistFailure       = errors.New("notify: persist failure")
	ErrNotificationNotFound = errors.New("notify: notification not found")
)

// Store is the durable notification store.
type Store interface {
	Save(ctx context.Context, n domain.Notification) (domain.NotificationID, error)
	ListUnread(ctx context.Context, uid domain.UserID) ([]domain.Notification, error)
	MarkDelivered(ctx context.Context, id domain.NotificationID) error
	// MarkRead returns ErrNotificationNotFound when id does not belong to uid.
	MarkRead(ctx context.Context, uid domain.UserID, id domain.NotificationID) error
}

// Receipt describes the outcome of one dispatch.
type Receipt struct {
	ID     domain.NotificationID `json:"id"`
	Pushed int                   `json:"pushed"`
}

// DefaultReplayLimit caps how many unread notifications are pushed to a
// fresh session. The rest stay available on the pull path.
const DefaultReplayLimit = 100

type Dispatcher struct {
	store Store
	dir   core.Directory
	now   func() time.Time

	ReplayLimit int
}

func NewDispatcher(store Store, dir core.Directory) *Dispatcher {
	return &Dispatcher{store: store, dir: dir, now: time.Now, ReplayLimit: DefaultReplayLimit}
}

// Dispatch persists the notification and pushes it to every live session
// of uid. A store failure is returned wrapped in ErrPersistFailure and
// nothing is pushed.
func (d *Dispatcher) Dispatch(ctx context.Context, uid domain.UserID, kind domain.NotificationKind, fields map[string]any) (Receipt, error) {
	n := domain.Notification{
		Recipient: uid,
		Kind:      kind,
		Fields:    fields,
		CreatedAt: d.now().UTC(),
	}
	id, err := d.store.Save(ctx, n)
	if err != nil {
		log.Error().Err(err).Str("module", "notify").Str("user", string(uid)).Str("kind", string(kind)).Msg("persist notification")
		return Receipt{}, fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}
	n.ID = id

	rcpt := Receipt{ID: id}
	sids := d.dir.SessionsFor(uid)
	if len(sids) == 0 {
		log.Debug().Str("module", "notify").Str("user", string(uid)).Str("id", string(id)).Msg("recipient offline, queued")
		return rcpt, nil
	}

	n.Delivered = true
	frame, err := protocol.Encode(protocol.NotificationNew{Type: protocol.TypeNotificationNew, Notification: n})
	if err != nil {
		// The record is durable; the client will pull it.
		log.Error().Err(err).Str("module", "notify").Str("id", string(id)).Msg("encode notification")
		return rcpt, nil
	}
	for _, sid := range sids {
		if err := d.dir.Deliver(sid, frame); err == nil {
			rcpt.Pushed++
		}
	}
	if rcpt.Pushed > 0 {
		if err := d.store.MarkDelivered(ctx, id); err != nil {
			log.Warn().Err(err).Str("module", "notify").Str("id", string(id)).Msg("mark delivered")
		}
	}
	log.Debug().Str("module", "notify").Str("user", string(uid)).Str("id", string(id)).Int("pushed", rcpt.Pushed).Msg("dispatched")
	return rcpt, nil
}

// Ack marks a notification read so it is not replayed again.
func (d *Dispatcher) Ack(ctx context.Context, uid domain.UserID, id domain.NotificationID) error {
	return d.store.MarkRead(ctx, uid, id)
}

// Unread is the pull path used by the REST layer.
func (d *Dispatcher) Unread(ctx context.Context, uid domain.UserID) ([]domain.Notification, error) {
	return d.store.ListUnread(ctx, uid)
}

// Replay pushes the newest ReplayLimit unread notifications of uid to one
// session. Frames dropped for backpressure stay unread for the pull path.
func (d *Dispatcher) Replay(ctx context.Context, uid domain.UserID, sid core.SessionID) (int, error) {
	list, err := d.store.ListUnread(ctx, uid)
	if err != nil {
		return 0, err
	}
	if d.ReplayLimit > 0 && len(list) > d.ReplayLimit {
		list = list[len(list)-d.ReplayLimit:]
	}
	sent, dropped := 0, 0
	defer func() {
		if dropped > 0 {
			log.Warn().Str("module", "notify").Str("sid", string(sid)).Int("dropped", dropped).Msg("replay frames dropped")
		}
	}()
	for _, n := range list {
		frame, err := protocol.Encode(protocol.NotificationNew{Type: protocol.TypeNotificationNew, Notification: n})
		if err != nil {
			continue
		}
		if err := d.dir.Deliver(sid, frame); err != nil {
			// A dropped frame stays unread for the pull path; anything
			// else means the session is gone.
			if errors.Is(err, core.ErrBackpressure) {
				dropped++
				continue
			}
			return sent, err
		}
		sent++
		if !n.Delivered {
			if err := d.store.MarkDelivered(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("module", "notify").Str("id", string(n.ID)).Msg("mark delivered")
			}
		}
	}
	return sent, nil
}
