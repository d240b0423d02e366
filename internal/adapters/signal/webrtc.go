package signal

import (
	"errors"

	json "github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/observability"
	"github.com/dkeye/heartline/internal/protocol"
)

var (
	errMissingSDP   = errors.New("session description missing")
	errWrongSDPType = errors.New("unexpected session description type")
)

// checkSDP validates a relayed description without interpreting the SDP
// body: media is negotiated end to end.
func checkSDP(sd *webrtc.SessionDescription, want webrtc.SDPType) (json.RawMessage, error) {
	if sd == nil || sd.SDP == "" {
		return nil, errMissingSDP
	}
	if sd.Type != want {
		return nil, errWrongSDPType
	}
	b, err := json.Marshal(sd)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (s *Supervisor) handleCallInitiate(data []byte) {
	var p protocol.CallInitiate
	if err := protocol.Decode(data, &p); err != nil {
		s.malformed("bad_payload", err)
		return
	}
	to, err := domain.ParseUserID(p.To)
	if err != nil {
		s.malformed("bad_payload", err)
		return
	}
	kind, err := domain.ParseCallKind(p.Kind)
	if err != nil {
		s.malformed("bad_payload", err)
		return
	}
	offer, err := checkSDP(p.Offer, webrtc.SDPTypeOffer)
	if err != nil {
		s.malformed("bad_sdp", err)
		return
	}

	id, err := s.ctl.Orch.Calls.Initiate(s.id, to, kind, offer)
	if err != nil {
		reason := reasonFor(err)
		observability.RecordCallFailed(reason)
		s.log.Info().Err(err).Str("to", string(to)).Msg("call initiate refused")
		s.sendJSON(protocol.CallFailed{Type: protocol.TypeCallFailed, To: to, Reason: reason})
		return
	}
	s.sendJSON(protocol.CallRinging{Type: protocol.TypeCallRinging, InvitationID: id, To: to})
}

func (s *Supervisor) handleCallAnswer(data []byte) {
	var p protocol.CallAnswer
	if err := protocol.Decode(data, &p); err != nil || p.InvitationID == "" {
		s.malformed("bad_payload", err)
		return
	}
	answer, err := checkSDP(p.Answer, webrtc.SDPTypeAnswer)
	if err != nil {
		s.malformed("bad_sdp", err)
		return
	}
	if err := s.ctl.Orch.Calls.Answer(domain.InvitationID(p.InvitationID), s.id, answer); err != nil {
		s.sendError(reasonFor(err), p.InvitationID)
	}
}

func (s *Supervisor) handleCallNegotiate(data []byte) {
	var p protocol.CallNegotiate
	if err := protocol.Decode(data, &p); err != nil || p.InvitationID == "" {
		s.malformed("bad_payload", err)
		return
	}
	if len(p.Payload) == 0 || !json.Valid(p.Payload) {
		s.malformed("bad_payload", nil)
		return
	}
	if err := s.ctl.Orch.Calls.Negotiate(domain.InvitationID(p.InvitationID), s.id, p.Payload); err != nil {
		s.sendError(reasonFor(err), p.InvitationID)
	}
}

// handleCallControl serves call:reject and call:end.
func (s *Supervisor) handleCallControl(data []byte, end bool) {
	var p protocol.CallControl
	if err := protocol.Decode(data, &p); err != nil || p.InvitationID == "" {
		s.malformed("bad_payload", err)
		return
	}
	id := domain.InvitationID(p.InvitationID)
	var err error
	if end {
		err = s.ctl.Orch.Calls.End(id, s.id)
	} else {
		err = s.ctl.Orch.Calls.Reject(id, s.id)
	}
	if err != nil {
		s.sendError(reasonFor(err), p.InvitationID)
	}
}
