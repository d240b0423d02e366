// Package protocol defines the JSON frames exchanged over a session's websocket.
package protocol

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
)

// Inbound kinds.
const (
	TypeJoin            = "join"
	TypeHeartbeat       = "heartbeat"
	TypeCallInitiate    = "call:initiate"
	TypeCallAnswer      = "call:answer"
	TypeCallNegotiate   = "call:negotiate"
	TypeCallReject      = "call:reject"
	TypeCallEnd         = "call:end"
	TypeNotificationAck = "notification:ack"
)

// Outbound kinds.
const (
	TypeSessionReady     = "session:ready"
	TypeHeartbeatAck     = "heartbeat:ack"
	TypePresenceSnapshot = "presence:snapshot"
	TypePresenceOnline   = "presence:online"
	TypePresenceOffline  = "presence:offline"
	TypeCallRinging      = "call:ringing"
	TypeCallFailed       = "call:failed"
	TypeCallIncoming     = "call:incoming"
	TypeCallAnswered     = "call:answered"
	TypeCallEnded        = "call:ended"
	TypeCallTimeout      = "call:timeout"
	TypeNotificationNew  = "notification:new"
	TypeError            = "error"
)

// Envelope is decoded first to pick a handler.
type Envelope struct {
	Type string `json:"type"`
}

type Join struct {
	Type   string `json:"type"`
	Token  string `json:"token,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type CallInitiate struct {
	Type  string                     `json:"type"`
	To    string                     `json:"to"`
	Kind  string                     `json:"kind"`
	Offer *webrtc.SessionDescription `json:"offer"`
}

type CallAnswer struct {
	Type         string                     `json:"type"`
	InvitationID string                     `json:"invitation_id"`
	Answer       *webrtc.SessionDescription `json:"answer"`
}

type CallNegotiate struct {
	Type         string          `json:"type"`
	InvitationID string          `json:"invitation_id"`
	Payload      json.RawMessage `json:"payload"`
}

// CallControl is used by call:reject and call:end.
type CallControl struct {
	Type         string `json:"type"`
	InvitationID string `json:"invitation_id"`
}

type NotificationAck struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type SessionReady struct {
	Type       string             `json:"type"`
	SessionID  core.SessionID     `json:"session_id"`
	UserID     domain.UserID      `json:"user_id"`
	ICEServers []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

type HeartbeatAck struct {
	Type string `json:"type"`
	At   int64  `json:"at"`
}

type PresenceSnapshot struct {
	Type  string          `json:"type"`
	Users []domain.UserID `json:"users"`
}

type PresenceChange struct {
	Type string        `json:"type"`
	User domain.UserID `json:"user_id"`
	At   int64         `json:"at"`
}

type CallRinging struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
	To           domain.UserID       `json:"to"`
}

type CallFailed struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id,omitempty"`
	To           domain.UserID       `json:"to,omitempty"`
	Reason       string              `json:"reason"`
}

type CallIncoming struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
	From         domain.UserID       `json:"from"`
	Kind         domain.CallKind     `json:"kind"`
	Offer        json.RawMessage     `json:"offer"`
}

type CallAnswered struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
	Answer       json.RawMessage     `json:"answer"`
}

type CallNegotiation struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
	From         domain.UserID       `json:"from"`
	Payload      json.RawMessage     `json:"payload"`
}

type CallEnded struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
	Reason       string              `json:"reason"`
}

type CallTimeout struct {
	Type         string              `json:"type"`
	InvitationID domain.InvitationID `json:"invitation_id"`
}

type NotificationNew struct {
	Type         string              `json:"type"`
	Notification domain.Notification `json:"notification"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Ref   string `json:"ref,omitempty"`
}

func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}

// MustEncode is for frames built only from server-side values.
func MustEncode(v any) core.Frame {
	f, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return f
}

func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func Millis(t time.Time) int64 { return t.UnixMilli() }
