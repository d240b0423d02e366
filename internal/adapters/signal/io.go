package signal

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/protocol"
)

// closeCodes maps close reasons onto websocket close codes. Application
// reasons use the 4000-4999 private range.
var closeCodes = map[core.CloseReason]int{
	core.ReasonAuthTimeout:     4001,
	core.ReasonAuthFailure:     4003,
	core.ReasonLivenessTimeout: 4008,
	core.ReasonProtocolAbuse:   4009,
	core.ReasonBanned:          4010,
	core.ReasonSlowConsumer:    4011,
	core.ReasonClientClosed:    websocket.CloseNormalClosure,
	core.ReasonServerShutdown:  websocket.CloseGoingAway,
	core.ReasonTransportError:  websocket.CloseInternalServerErr,
}

func closeCode(reason core.CloseReason) int {
	if c, ok := closeCodes[reason]; ok {
		return c
	}
	return websocket.CloseInternalServerErr
}

func (s *Supervisor) writePump() {
	ticker := s.clock.Ticker(s.ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case <-s.done:
			s.flush()
			s.writeClose()
			return
		case f := <-s.send:
			if err := s.write(websocket.TextMessage, f); err != nil {
				s.log.Error().Err(err).Msg("writePump write error")
				s.Close(core.ReasonTransportError)
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Error().Err(err).Msg("writePump ping error")
				s.Close(core.ReasonTransportError)
				return
			}
		}
	}
}

func (s *Supervisor) write(mt int, data []byte) error {
	if err := s.ws.SetWriteDeadline(s.clock.Now().Add(s.ctl.Settings.WriteTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(mt, data)
}

// flush writes whatever was queued before the close, best effort.
func (s *Supervisor) flush() {
	for {
		select {
		case f := <-s.send:
			if err := s.write(websocket.TextMessage, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Supervisor) writeClose() {
	reason := s.Reason()
	msg := websocket.FormatCloseMessage(closeCode(reason), string(reason))
	if err := s.write(websocket.CloseMessage, msg); err != nil {
		s.log.Debug().Err(err).Msg("write close frame")
	}
}

func (s *Supervisor) readPump(ctx context.Context) {
	defer func() {
		s.log.Debug().Msg("readPump closing")
	}()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.Close(readErrReason(err))
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.touch()
		s.handleFrame(ctx, data)
	}
}

func readErrReason(err error) core.CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return core.ReasonClientClosed
	}
	if errors.Is(err, ErrClosed) {
		return core.ReasonClientClosed
	}
	return core.ReasonTransportError
}

func (s *Supervisor) handleFrame(ctx context.Context, data []byte) {
	if !s.flood.AllowN(s.clock.Now(), 1) {
		s.strike("flood", nil)
		return
	}

	var env protocol.Envelope
	if err := protocol.Decode(data, &env); err != nil {
		s.malformed("bad_json", err)
		return
	}

	state := s.State()
	if state == StateClosed {
		return
	}
	if state != StateActive && env.Type != protocol.TypeJoin && env.Type != protocol.TypeHeartbeat {
		s.sendError("not_joined", env.Type)
		return
	}

	switch env.Type {
	case protocol.TypeJoin:
		s.handleJoin(ctx, data)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat()
	case protocol.TypeCallInitiate:
		s.handleCallInitiate(data)
	case protocol.TypeCallAnswer:
		s.handleCallAnswer(data)
	case protocol.TypeCallNegotiate:
		s.handleCallNegotiate(data)
	case protocol.TypeCallReject:
		s.handleCallControl(data, false)
	case protocol.TypeCallEnd:
		s.handleCallControl(data, true)
	case protocol.TypeNotificationAck:
		s.handleNotificationAck(ctx, data)
	case "":
		s.malformed("missing_type", nil)
	default:
		s.log.Warn().Str("type", env.Type).Msg("unknown signal")
		s.malformed("unknown_type", nil)
	}
}

// malformed drops a frame, tells the client and counts a strike.
func (s *Supervisor) malformed(code string, err error) {
	s.log.Warn().Err(err).Str("code", code).Msg("malformed frame")
	s.sendError(code, "")
	s.strike(code, err)
}

func (s *Supervisor) sendJSON(v any) {
	f, err := protocol.Encode(v)
	if err != nil {
		s.log.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := s.TrySend(f); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn().Err(err).Msg("sendJSON dropped frame")
	}
}

func (s *Supervisor) sendError(code, ref string) {
	s.sendJSON(protocol.Error{Type: protocol.TypeError, Error: code, Ref: ref})
}
