package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/notifyrelay/internal/metrics"
	"github.com/nfrund/notifyrelay/internal/protocol"
	"github.com/nfrund/notifyrelay/internal/queue"
)

var errUnknownSession = errors.New("unknown session")

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	users map[string]string
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{users: map[string]string{
		"sid-alice":  "alice",
		"sid-alice2": "alice",
		"sid-bob":    "bob",
	}}
}

func (a *fakeAuth) Resolve(_ context.Context, sessionID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if user, ok := a.users[sessionID]; ok {
		return user, nil
	}
	return "", errUnknownSession
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeQueue struct {
	mu        sync.Mutex
	subs      []string
	unsubs    []string
	acks      []string
	pending   map[string][]queue.Message
	watermark uint64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{pending: make(map[string][]queue.Message)}
}

func (q *fakeQueue) Subscribe(user string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs = append(q.subs, user)
}

func (q *fakeQueue) Unsubscribe(user string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unsubs = append(q.unsubs, user)
}

func (q *fakeQueue) Acknowledge(user, messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, user+":"+messageID)
	return true
}

func (q *fakeQueue) Pending(user string) ([]queue.Message, uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[user], q.watermark
}

func (q *fakeQueue) snapshot() (subs, unsubs, acks []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.subs...), append([]string(nil), q.unsubs...), append([]string(nil), q.acks...)
}

type harness struct {
	server  *Server
	auth    *fakeAuth
	queue   *fakeQueue
	metrics *metrics.Metrics
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		auth:    newFakeAuth(),
		queue:   newFakeQueue(),
		metrics: metrics.NewUnregistered(),
	}
	h.server = NewServer(h.auth, h.queue, Config{}, h.metrics, nil)

	e := echo.New()
	e.GET("/ws", h.server.Handler())
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	t.Cleanup(h.server.Close)

	h.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return h
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	require.NoError(t, ws.WriteJSON(frame))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

func expectReply(t *testing.T, ws *websocket.Conn, event string, status protocol.Status) {
	t.Helper()
	env := readFrame(t, ws)
	require.Equal(t, event, env.Event)
	var reply protocol.Reply
	require.NoError(t, json.Unmarshal(env.Data, &reply))
	assert.Equal(t, status, reply.Status)
}

func expectMessage(t *testing.T, ws *websocket.Conn, payload string) {
	t.Helper()
	env := readFrame(t, ws)
	require.Equal(t, protocol.EventMessage, env.Event)
	assert.JSONEq(t, payload, string(env.Data))
}

func authenticate(t *testing.T, ws *websocket.Conn, sid string) {
	t.Helper()
	send(t, ws, protocol.EventAuthenticate, map[string]string{"session_id": sid})
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusOK)
}

func TestAuthenticate_MissingSessionID(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)

	send(t, ws, protocol.EventAuthenticate, map[string]string{})
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusInvalidMessage)

	send(t, ws, protocol.EventAuthenticate, nil)
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusInvalidMessage)

	send(t, ws, protocol.EventAuthenticate, map[string]string{"session_id": ""})
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusInvalidMessage)

	assert.Zero(t, h.auth.callCount())
}

func TestAuthenticate_FailureKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)

	send(t, ws, protocol.EventAuthenticate, map[string]string{"session_id": "12345"})
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusAuthFailed)

	authenticate(t, ws, "sid-alice")
	subs, _, _ := h.queue.snapshot()
	assert.Equal(t, []string{"alice"}, subs)
}

func TestAuthenticate_StringifiedData(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)

	send(t, ws, protocol.EventAuthenticate, `{"session_id":"sid-alice"}`)
	expectReply(t, ws, protocol.EventAuthenticate, protocol.StatusOK)
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	send(t, ws, "ping", map[string]string{})

	authenticate(t, ws, "sid-alice")
}

func TestAckNots_Unauthorized(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)

	send(t, ws, protocol.EventAckNots, []string{"a", "b"})
	expectReply(t, ws, protocol.EventAckNots, protocol.StatusUnauthorized)

	subs, unsubs, acks := h.queue.snapshot()
	assert.Empty(t, subs)
	assert.Empty(t, unsubs)
	assert.Empty(t, acks)
}

func TestAckNots_ForwardsEachID(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)
	authenticate(t, ws, "sid-alice")

	send(t, ws, protocol.EventAckNots, []any{"a", 2, "c"})
	expectReply(t, ws, protocol.EventAckNots, protocol.StatusOK)

	_, _, acks := h.queue.snapshot()
	assert.Equal(t, []string{"alice:a", "alice:2", "alice:c"}, acks)
}

func TestAckNots_NotAnArray(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)
	authenticate(t, ws, "sid-alice")

	send(t, ws, protocol.EventAckNots, map[string]string{"id": "a"})
	expectReply(t, ws, protocol.EventAckNots, protocol.StatusInvalidMessage)

	_, _, acks := h.queue.snapshot()
	assert.Empty(t, acks)
}

func TestDeliver_FanOutToUserConnectionsOnly(t *testing.T) {
	h := newHarness(t)
	alice1 := dial(t, h.url)
	alice2 := dial(t, h.url)
	bob := dial(t, h.url)
	authenticate(t, alice1, "sid-alice")
	authenticate(t, alice2, "sid-alice2")
	authenticate(t, bob, "sid-bob")

	h.server.Deliver("alice", 1, json.RawMessage(`{"id":"a","message":"hi"}`))
	h.server.Deliver("bob", 2, json.RawMessage(`{"id":"b"}`))

	expectMessage(t, alice1, `{"id":"a","message":"hi"}`)
	expectMessage(t, alice2, `{"id":"a","message":"hi"}`)
	expectMessage(t, bob, `{"id":"b"}`)

	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Delivered))
}

func TestSubscriptionFollowsConnectionCount(t *testing.T) {
	h := newHarness(t)
	first := dial(t, h.url)
	second := dial(t, h.url)
	authenticate(t, first, "sid-alice")
	authenticate(t, second, "sid-alice2")

	subs, unsubs, _ := h.queue.snapshot()
	assert.Equal(t, []string{"alice"}, subs)
	assert.Empty(t, unsubs)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Connections) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, unsubs, _ = h.queue.snapshot()
	assert.Empty(t, unsubs, "a connection for alice is still open")

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool {
		_, unsubs, _ := h.queue.snapshot()
		return len(unsubs) == 1
	}, 2*time.Second, 5*time.Millisecond)
	subs, unsubs, _ = h.queue.snapshot()
	assert.Equal(t, []string{"alice"}, subs)
	assert.Equal(t, []string{"alice"}, unsubs)
}

func TestAuthenticate_ReplaysPendingBeforeLive(t *testing.T) {
	h := newHarness(t)
	h.queue.pending["alice"] = []queue.Message{
		{ID: "x", Seq: 1, Payload: json.RawMessage(`{"id":"x"}`)},
		{ID: "y", Seq: 2, Payload: json.RawMessage(`{"id":"y"}`)},
	}
	h.queue.watermark = 2

	ws := dial(t, h.url)
	authenticate(t, ws, "sid-alice")
	expectMessage(t, ws, `{"id":"x"}`)
	expectMessage(t, ws, `{"id":"y"}`)

	// Events already covered by the replay are skipped.
	h.server.Deliver("alice", 2, json.RawMessage(`{"id":"y"}`))
	h.server.Deliver("alice", 3, json.RawMessage(`{"id":"z"}`))
	expectMessage(t, ws, `{"id":"z"}`)
}

func TestAuthenticate_SameIdentityIsFreshHandshake(t *testing.T) {
	h := newHarness(t)
	h.queue.pending["alice"] = []queue.Message{{ID: "x", Seq: 1, Payload: json.RawMessage(`{"id":"x"}`)}}
	h.queue.watermark = 1

	ws := dial(t, h.url)
	authenticate(t, ws, "sid-alice")
	expectMessage(t, ws, `{"id":"x"}`)

	authenticate(t, ws, "sid-alice2")
	expectMessage(t, ws, `{"id":"x"}`)

	subs, unsubs, _ := h.queue.snapshot()
	assert.Equal(t, []string{"alice"}, subs)
	assert.Empty(t, unsubs)
}

func TestAuthenticate_DifferentIdentityMovesConnection(t *testing.T) {
	h := newHarness(t)
	ws := dial(t, h.url)
	authenticate(t, ws, "sid-alice")
	authenticate(t, ws, "sid-bob")

	subs, unsubs, _ := h.queue.snapshot()
	assert.Equal(t, []string{"alice", "bob"}, subs)
	assert.Equal(t, []string{"alice"}, unsubs)
	assert.Equal(t, []string{"bob"}, h.server.Users())

	h.server.Deliver("alice", 1, json.RawMessage(`{"id":"for-alice"}`))
	h.server.Deliver("bob", 2, json.RawMessage(`{"id":"for-bob"}`))
	expectMessage(t, ws, `{"id":"for-bob"}`)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Authenticated))

	send(t, ws, protocol.EventAckNots, []string{"for-bob"})
	expectReply(t, ws, protocol.EventAckNots, protocol.StatusOK)
	_, _, acks := h.queue.snapshot()
	assert.Equal(t, []string{"bob:for-bob"}, acks)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool {
		_, unsubs, _ := h.queue.snapshot()
		return len(unsubs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, unsubs, _ = h.queue.snapshot()
	assert.Equal(t, []string{"alice", "bob"}, unsubs)
	assert.Empty(t, h.server.Users())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Authenticated) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendBufferOverflowDropsFrames(t *testing.T) {
	c := &conn{send: make(chan []byte, 1), logger: testLogger()}
	assert.True(t, c.enqueue([]byte("a")))
	assert.False(t, c.enqueue([]byte("b")))

	c.close()
	assert.False(t, c.enqueue([]byte("c")))
	c.close()
}
