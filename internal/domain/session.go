package domain

import "time"

// Session is the metadata of one live transport connection.
// The supervisor that created it is its only owner.
type Session struct {
	ID            string    `json:"id"`
	User          UserID    `json:"user_id"`
	Fingerprint   string    `json:"fingerprint"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
