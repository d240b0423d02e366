package domain

import (
	"errors"
	"time"
)

type (
	NotificationID   string
	NotificationKind string
)

const (
	NotifyMessage       NotificationKind = "message"
	NotifyInterest      NotificationKind = "interest"
	NotifyStoryReply    NotificationKind = "story_reply"
	NotifyMatchAccepted NotificationKind = "match_accepted"
	NotifyCallMissed    NotificationKind = "call_missed"
)

var ErrUnknownNotificationKind = errors.New("unknown notification kind")

func ParseNotificationKind(s string) (NotificationKind, error) {
	switch k := NotificationKind(s); k {
	case NotifyMessage, NotifyInterest, NotifyStoryReply, NotifyMatchAccepted, NotifyCallMissed:
		return k, nil
	}
	return "", ErrUnknownNotificationKind
}

// Notification is a durable record addressed to one user.
type Notification struct {
	ID        NotificationID   `json:"id"`
	Recipient UserID           `json:"recipient"`
	Kind      NotificationKind `json:"kind"`
	Fields    map[string]any   `json:"fields,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Delivered bool             `json:"delivered"`
	Read      bool             `json:"read"`
}
