package calls

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/heartline/internal/app"
	"github.com/dkeye/heartline/internal/core"
	"github.com/dkeye/heartline/internal/domain"
	"github.com/dkeye/heartline/internal/protocol"
)

type recConn struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *recConn) TrySend(f core.Frame) error {
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *recConn) Close(core.CloseReason) {}

func (c *recConn) ofType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, m := range c.frames {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	reg    *app.Registry
	clk    *clock.Mock
	router *Router
	conns  map[core.SessionID]*recConn

	mu       sync.Mutex
	finished map[domain.InvitationID]domain.CallState
}

const ringTimeout = 45 * time.Second

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:      app.NewRegistry(4),
		clk:      clock.NewMock(),
		conns:    make(map[core.SessionID]*recConn),
		finished: make(map[domain.InvitationID]domain.CallState),
	}
	h.router = NewRouter(h.reg, h.clk, ringTimeout)
	h.router.OnFinish = func(info domain.CallInfo, final domain.CallState) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, dup := h.finished[info.ID]; dup {
			t.Errorf("invitation %s finished twice", info.ID)
		}
		h.finished[info.ID] = final
	}
	return h
}

func (h *harness) connect(uid domain.UserID, sid core.SessionID) *recConn {
	c := &recConn{}
	h.conns[sid] = c
	h.reg.Register(uid, sid, c)
	return c
}

func (h *harness) disconnect(sid core.SessionID) {
	uid, ok := h.reg.OwnerOf(sid)
	if !ok {
		return
	}
	h.reg.Deregister(sid)
	h.router.SessionClosed(sid, uid)
}

func (h *harness) final(id domain.InvitationID) (domain.CallState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.finished[id]
	return st, ok
}

var (
	offer  = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer = json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
)

func TestInitiateRingsEveryCalleeSession(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "a1")
	b1 := h.connect("bob", "b1")
	b2 := h.connect("bob", "b2")

	id, err := h.router.Initiate("a1", "bob", domain.CallVideo, offer)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	for _, c := range []*recConn{b1, b2} {
		in := c.ofType(protocol.TypeCallIncoming)
		require.Len(t, in, 1)
		assert.Equal(t, string(id), in[0]["invitation_id"])
		assert.Equal(t, "alice", in[0]["from"])
		assert.Equal(t, "video", in[0]["kind"])
		assert.Equal(t, map[string]any{"type": "offer", "sdp": "v=0"}, in[0]["offer"])
	}

	info, ok := h.router.Get(id)
	require.True(t, ok)
	assert.Equal(t, "RINGING", info.State)
	assert.Len(t, h.router.Active(), 1)
}

func TestInitiateErrors(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "a1")
	h.connect("bob", "b1")

	_, err := h.router.Initiate("ghost", "bob", domain.CallAudio, offer)
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = h.router.Initiate("a1", "alice", domain.CallAudio, offer)
	assert.ErrorIs(t, err, ErrSelfCall)

	_, err = h.router.Initiate("a1", "carol", domain.CallAudio, offer)
	assert.ErrorIs(t, err, ErrCalleeOffline)

	_, err = h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	// The pair is unordered: bob calling back is also busy.
	_, err = h.router.Initiate("b1", "alice", domain.CallAudio, offer)
	assert.ErrorIs(t, err, ErrAlreadyRinging)
	_, err = h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	assert.ErrorIs(t, err, ErrAlreadyRinging)
}

func TestAnswerFirstWins(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect("alice", "a1")
	h.connect("bob", "b1")
	b2 := h.connect("bob", "b2")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	require.NoError(t, h.router.Answer(id, "b1", answer))
	assert.ErrorIs(t, h.router.Answer(id, "b2", answer), ErrAlreadyAnswered)

	answered := a1.ofType(protocol.TypeCallAnswered)
	require.Len(t, answered, 1)
	assert.Equal(t, map[string]any{"type": "answer", "sdp": "v=0"}, answered[0]["answer"])

	stop := b2.ofType(protocol.TypeCallEnded)
	require.Len(t, stop, 1)
	assert.Equal(t, EndAnsweredElsewhere, stop[0]["reason"])

	// A later timeout must not fire for an answered call.
	h.clk.Add(2 * ringTimeout)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, a1.ofType(protocol.TypeCallTimeout))
}

func TestAnswerConcurrent(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "a1")
	sids := []core.SessionID{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	for _, sid := range sids {
		h.connect("bob", sid)
	}
	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for _, sid := range sids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.router.Answer(id, sid, answer)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, ErrAlreadyAnswered):
				lost++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, len(sids)-1, lost)
}

func TestAnswerByStranger(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "a1")
	h.connect("bob", "b1")
	h.connect("carol", "c1")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	assert.ErrorIs(t, h.router.Answer(id, "c1", answer), ErrNotParty)
	assert.ErrorIs(t, h.router.Answer(id, "a1", answer), ErrNotParty)
	assert.ErrorIs(t, h.router.Answer("missing", "b1", answer), ErrNotFound)
}

func TestRingTimeout(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect("alice", "a1")
	b1 := h.connect("bob", "b1")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	h.clk.Add(ringTimeout - time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, a1.ofType(protocol.TypeCallTimeout))

	h.clk.Add(time.Second)
	require.Eventually(t, func() bool {
		return len(a1.ofType(protocol.TypeCallTimeout)) == 1 && len(b1.ofType(protocol.TypeCallEnded)) == 1
	}, time.Second, 5*time.Millisecond)

	ended := b1.ofType(protocol.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndTimeout, ended[0]["reason"])

	st, ok := h.final(id)
	require.True(t, ok)
	assert.Equal(t, domain.CallTimedOut, st)

	// Late answers and a second expiry are refused; the pair is free again.
	assert.ErrorIs(t, h.router.Answer(id, "b1", answer), ErrNotFound)
	h.clk.Add(ringTimeout)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, a1.ofType(protocol.TypeCallTimeout), 1)

	_, err = h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	assert.NoError(t, err)
}

func TestNegotiateRouting(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect("alice", "a1")
	b1 := h.connect("bob", "b1")
	b2 := h.connect("bob", "b2")
	h.connect("carol", "c1")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)

	cand := json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`)

	// While ringing the caller's candidates reach every callee device.
	require.NoError(t, h.router.Negotiate(id, "a1", cand))
	assert.Len(t, b1.ofType(protocol.TypeCallNegotiate), 1)
	assert.Len(t, b2.ofType(protocol.TypeCallNegotiate), 1)

	require.NoError(t, h.router.Answer(id, "b2", answer))

	require.NoError(t, h.router.Negotiate(id, "a1", cand))
	assert.Len(t, b1.ofType(protocol.TypeCallNegotiate), 1)
	assert.Len(t, b2.ofType(protocol.TypeCallNegotiate), 2)

	require.NoError(t, h.router.Negotiate(id, "b2", cand))
	fromBob := a1.ofType(protocol.TypeCallNegotiate)
	require.Len(t, fromBob, 1)
	assert.Equal(t, "bob", fromBob[0]["from"])

	assert.ErrorIs(t, h.router.Negotiate(id, "b1", cand), ErrNotParty)
	assert.ErrorIs(t, h.router.Negotiate(id, "c1", cand), ErrNotParty)

	require.NoError(t, h.router.End(id, "a1"))
	assert.ErrorIs(t, h.router.Negotiate(id, "a1", cand), ErrNotFound)
}

func TestRejectByCallee(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect("alice", "a1")
	h.connect("bob", "b1")
	b2 := h.connect("bob", "b2")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)
	require.NoError(t, h.router.Reject(id, "b1"))

	ended := a1.ofType(protocol.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndRejected, ended[0]["reason"])
	assert.Len(t, b2.ofType(protocol.TypeCallEnded), 1)

	st, _ := h.final(id)
	assert.Equal(t, domain.CallRejected, st)
	assert.ErrorIs(t, h.router.Reject(id, "b1"), ErrNotFound)
}

func TestCallerCancels(t *testing.T) {
	h := newHarness(t)
	h.connect("alice", "a1")
	b1 := h.connect("bob", "b1")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)
	require.NoError(t, h.router.End(id, "a1"))

	ended := b1.ofType(protocol.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndCancelled, ended[0]["reason"])
	assert.Empty(t, h.router.Active())
}

func TestEndAnsweredCall(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect("alice", "a1")
	b1 := h.connect("bob", "b1")

	id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
	require.NoError(t, err)
	require.NoError(t, h.router.Answer(id, "b1", answer))
	assert.ErrorIs(t, h.router.Reject(id, "b1"), ErrInvalidState)

	require.NoError(t, h.router.End(id, "b1"))
	ended := a1.ofType(protocol.TypeCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndEnded, ended[0]["reason"])
	assert.Empty(t, b1.ofType(protocol.TypeCallEnded))

	st, _ := h.final(id)
	assert.Equal(t, domain.CallEnded, st)
}

func TestSessionClosedCancelsInvitations(t *testing.T) {
	t.Run("caller drops while ringing", func(t *testing.T) {
		h := newHarness(t)
		h.connect("alice", "a1")
		b1 := h.connect("bob", "b1")
		id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
		require.NoError(t, err)

		h.disconnect("a1")
		ended := b1.ofType(protocol.TypeCallEnded)
		require.Len(t, ended, 1)
		assert.Equal(t, EndDisconnected, ended[0]["reason"])
		st, _ := h.final(id)
		assert.Equal(t, domain.CallRejected, st)
	})

	t.Run("one callee device drops", func(t *testing.T) {
		h := newHarness(t)
		a1 := h.connect("alice", "a1")
		h.connect("bob", "b1")
		h.connect("bob", "b2")
		id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
		require.NoError(t, err)

		h.disconnect("b1")
		assert.Empty(t, a1.ofType(protocol.TypeCallEnded))
		_, ok := h.router.Get(id)
		assert.True(t, ok)

		h.disconnect("b2")
		require.Len(t, a1.ofType(protocol.TypeCallEnded), 1)
		_, ok = h.router.Get(id)
		assert.False(t, ok)
	})

	t.Run("answering device drops", func(t *testing.T) {
		h := newHarness(t)
		a1 := h.connect("alice", "a1")
		h.connect("bob", "b1")
		h.connect("bob", "b2")
		id, err := h.router.Initiate("a1", "bob", domain.CallAudio, offer)
		require.NoError(t, err)
		require.NoError(t, h.router.Answer(id, "b2", answer))

		h.disconnect("b1")
		assert.Empty(t, a1.ofType(protocol.TypeCallEnded))

		h.disconnect("b2")
		ended := a1.ofType(protocol.TypeCallEnded)
		require.Len(t, ended, 1)
		assert.Equal(t, EndDisconnected, ended[0]["reason"])
		st, _ := h.final(id)
		assert.Equal(t, domain.CallEnded, st)
	})
}
