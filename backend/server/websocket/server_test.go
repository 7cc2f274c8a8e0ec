package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/service"
	"github.com/adwski/callroom-signaling/backend/storage/memory"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCallID = "call-x"

var (
	alice = model.Participant{ID: 1, Username: "alice", FirstName: "Alice"}
	bob   = model.Participant{ID: 2, Username: "bob", FirstName: "Bob"}
	carol = model.Participant{ID: 3, Username: "carol"}
)

type wireEvent struct {
	Type           string              `json:"type"`
	User           model.Participant   `json:"user"`
	Reason         string              `json:"reason"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	Participants   []model.Participant `json:"participants"`
	FromUser       model.Participant   `json:"from_user"`
	Payload        json.RawMessage     `json:"payload"`
	Code           string              `json:"code"`
	Detail         string              `json:"detail"`
}

type testEnv struct {
	url   string
	svc   *service.Service
	rooms *sw.Switch
	auth  *auth.Authenticator
	store *memory.MemStore
}

type envOpts struct {
	maxParticipants  int
	reconnectTimeout time.Duration
	maxCallDuration  time.Duration
	maxMessageSize   int64
}

func newTestEnv(t *testing.T, opts envOpts) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	if opts.maxParticipants == 0 {
		opts.maxParticipants = 8
	}
	if opts.reconnectTimeout == 0 {
		opts.reconnectTimeout = 2 * time.Second
	}

	store := memory.NewMemStore()
	a, err := auth.NewAuthenticator(auth.Config{Secret: []byte("secret"), Issuer: "callroom", TokenTTL: time.Minute})
	require.NoError(t, err)
	rooms := sw.NewSwitch(sw.Config{
		Logger:           &logger,
		MaxParticipants:  opts.maxParticipants,
		ReconnectTimeout: opts.reconnectTimeout,
	})
	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Notifiers: []service.Notifier{service.NewRoomNotifier(rooms)},
		Logger:    &logger,
	})
	svc := service.NewService(service.Config{
		Directory:  store,
		Ledger:     store,
		Rooms:      rooms,
		Auth:       a,
		Notifier:   dispatcher,
		DefaultTTL: time.Hour,
		Logger:     &logger,
	})
	require.NoError(t, store.CreateCall(context.Background(), &model.Call{
		ID:        testCallID,
		CreatorID: alice.ID,
		Status:    model.CallStatusActive,
		CreatedAt: time.Now(),
	}))

	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
		MaxMessageSize:   opts.maxMessageSize,
		MaxCallDuration:  opts.maxCallDuration,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		srv.closeAll()
		ts.Close()
		dispatcher.Stop()
	})

	return &testEnv{
		url:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		svc:   svc,
		rooms: rooms,
		auth:  a,
		store: store,
	}
}

func (env *testEnv) dial(t *testing.T, callID string, p *model.Participant) *websocket.Conn {
	t.Helper()
	u := env.url + "/ws/calls/" + callID
	if p != nil {
		token, err := env.auth.Issue(*p)
		require.NoError(t, err)
		u += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and consumes the welcome events.
func (env *testEnv) join(t *testing.T, p model.Participant) (*websocket.Conn, []model.Participant) {
	t.Helper()
	conn := env.dial(t, testCallID, &p)
	snapshot := readEvent(t, conn)
	require.Equal(t, model.EventTypeParticipantsSnapshot, snapshot.Type)
	meta := readEvent(t, conn)
	require.Equal(t, model.EventTypeCallMetadata, meta.Type)
	return conn, snapshot.Participants
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func readClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
		return closeErr
	}
}

func TestRejections(t *testing.T) {
	env := newTestEnv(t, envOpts{maxParticipants: 1})

	t.Run("missing token", func(t *testing.T) {
		ce := readClose(t, env.dial(t, testCallID, nil))
		assert.Equal(t, CloseUnauthenticated, ce.Code)
		assert.Equal(t, "missing_token", ce.Text)
	})

	t.Run("unknown call", func(t *testing.T) {
		ce := readClose(t, env.dial(t, "nope", &alice))
		assert.Equal(t, CloseCallUnavailable, ce.Code)
		assert.Equal(t, "call_not_found", ce.Text)
	})

	t.Run("room full", func(t *testing.T) {
		env.join(t, alice)
		ce := readClose(t, env.dial(t, testCallID, &bob))
		assert.Equal(t, CloseRoomFull, ce.Code)

		room := env.rooms.GetExisting(testCallID)
		require.NotNil(t, room)
		assert.Equal(t, 1, room.Len())
	})
}

func TestOfferRelayAndReconnect(t *testing.T) {
	env := newTestEnv(t, envOpts{reconnectTimeout: 2 * time.Second})

	a, others := env.join(t, alice)
	assert.Empty(t, others)

	b, others := env.join(t, bob)
	assert.Equal(t, []model.Participant{alice}, others)

	joined := readEvent(t, a)
	assert.Equal(t, model.EventTypeUserJoined, joined.Type)
	assert.Equal(t, bob, joined.User)

	send(t, a, map[string]any{"type": "offer", "to_user_id": bob.ID, "payload": map[string]string{"sdp": "v=0"}})
	offer := readEvent(t, b)
	assert.Equal(t, "offer", offer.Type)
	assert.Equal(t, alice, offer.FromUser)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	// abrupt drop, no close frame
	require.NoError(t, b.Close())
	reconnecting := readEvent(t, a)
	assert.Equal(t, model.EventTypeUserReconnecting, reconnecting.Type)
	assert.Equal(t, bob.ID, reconnecting.User.ID)
	assert.Equal(t, 2, reconnecting.TimeoutSeconds)

	b2, others := env.join(t, bob)
	assert.Equal(t, []model.Participant{alice}, others)
	reconnected := readEvent(t, a)
	assert.Equal(t, model.EventTypeUserReconnected, reconnected.Type)
	assert.Equal(t, bob.ID, reconnected.User.ID)

	// the grace timer is gone, nothing else arrives for a
	send(t, b2, map[string]any{"type": "answer", "to_user_id": alice.ID, "payload": "x"})
	answer := readEvent(t, a)
	assert.Equal(t, "answer", answer.Type)
	assert.Equal(t, bob, answer.FromUser)
}

func TestReconnectTimeout(t *testing.T) {
	env := newTestEnv(t, envOpts{reconnectTimeout: time.Second})

	a, _ := env.join(t, alice)
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)

	require.NoError(t, b.Close())
	assert.Equal(t, model.EventTypeUserReconnecting, readEvent(t, a).Type)

	left := readEvent(t, a)
	assert.Equal(t, model.EventTypeUserLeft, left.Type)
	assert.Equal(t, model.LeaveReasonReconnectTimeout, left.Reason)

	env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)
}

func TestLeaveRemovesRoom(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	a, _ := env.join(t, alice)
	require.NotNil(t, env.rooms.GetExisting(testCallID))

	send(t, a, map[string]any{"type": "leave"})
	ce := readClose(t, a)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)

	assert.Eventually(t, func() bool {
		return env.rooms.GetExisting(testCallID) == nil && env.rooms.Len() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestExplicitLeaveNotifiesOthers(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	a, _ := env.join(t, alice)
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)

	send(t, b, map[string]any{"type": "leave"})
	left := readEvent(t, a)
	assert.Equal(t, model.EventTypeUserLeft, left.Type)
	assert.Equal(t, model.LeaveReasonExplicit, left.Reason)

	room := env.rooms.GetExisting(testCallID)
	require.NotNil(t, room)
	assert.Equal(t, 1, room.Len())
	assert.False(t, room.Has(bob.ID))
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, envOpts{maxMessageSize: 256})

	a, _ := env.join(t, alice)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, a)
	assert.Equal(t, model.EventTypeError, ev.Type)
	assert.Equal(t, model.ErrorCodeInvalidMessage, ev.Code)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","payload":"`+strings.Repeat("x", 512)+`"}`)))
	ev = readEvent(t, a)
	assert.Equal(t, model.ErrorCodeInvalidMessage, ev.Code)
	assert.Contains(t, ev.Detail, "256")

	// far above the limit is drained the same way
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","payload":"`+strings.Repeat("x", 8192)+`"}`)))
	ev = readEvent(t, a)
	assert.Equal(t, model.ErrorCodeInvalidMessage, ev.Code)
	assert.Contains(t, ev.Detail, "256")

	send(t, a, map[string]any{"type": "offer", "payload": "x"})
	ev = readEvent(t, a)
	assert.Equal(t, model.ErrorCodeInvalidMessage, ev.Code)

	send(t, a, map[string]any{"type": "dance"})
	ev = readEvent(t, a)
	assert.Equal(t, model.ErrorCodeUnsupportedMessageType, ev.Code)

	send(t, a, map[string]any{"type": "ice_candidate", "to_user_id": 99, "payload": "c"})
	ev = readEvent(t, a)
	assert.Equal(t, model.ErrorCodeTargetNotFound, ev.Code)

	// still alive after all of that
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)
	send(t, a, map[string]any{"type": "offer", "to_user_id": bob.ID, "payload": "sdp"})
	assert.Equal(t, "offer", readEvent(t, b).Type)
}

func TestTargetReconnecting(t *testing.T) {
	env := newTestEnv(t, envOpts{reconnectTimeout: 5 * time.Second})

	a, _ := env.join(t, alice)
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)

	require.NoError(t, b.Close())
	assert.Equal(t, model.EventTypeUserReconnecting, readEvent(t, a).Type)

	send(t, a, map[string]any{"type": "offer", "to_user_id": bob.ID, "payload": "sdp"})
	ev := readEvent(t, a)
	assert.Equal(t, model.ErrorCodeTargetUnavailable, ev.Code)
}

func TestReplacedConnection(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	a, _ := env.join(t, alice)
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)

	b2, others := env.join(t, bob)
	assert.Equal(t, []model.Participant{alice}, others)

	ce := readClose(t, b)
	assert.Equal(t, CloseReplaced, ce.Code)

	room := env.rooms.GetExisting(testCallID)
	require.NotNil(t, room)
	assert.Equal(t, 2, room.Len())
	state, ok := room.State(bob.ID)
	require.True(t, ok)
	assert.Equal(t, sw.StateConnected, state)

	send(t, a, map[string]any{"type": "offer", "to_user_id": bob.ID, "payload": "sdp"})
	assert.Equal(t, "offer", readEvent(t, b2).Type)
}

func TestMaxCallDuration(t *testing.T) {
	env := newTestEnv(t, envOpts{maxCallDuration: 500 * time.Millisecond, reconnectTimeout: 5 * time.Second})

	a, _ := env.join(t, alice)

	ev := readEvent(t, a)
	assert.Equal(t, model.EventTypeCallEnded, ev.Type)
	assert.Equal(t, model.CallEndedReasonDuration, ev.Reason)
	ce := readClose(t, a)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)

	// the abrupt path keeps the seat for a reconnect
	room := env.rooms.GetExisting(testCallID)
	require.NotNil(t, room)
	assert.Eventually(t, func() bool {
		state, ok := room.State(alice.ID)
		return ok && state == sw.StateReconnecting
	}, time.Second, 10*time.Millisecond)
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireEvent {
	t.Helper()
	for {
		if ev := readEvent(t, conn); ev.Type == typ {
			return ev
		}
	}
}

func TestMaxCallDurationLateJoiner(t *testing.T) {
	env := newTestEnv(t, envOpts{maxCallDuration: time.Second, reconnectTimeout: 5 * time.Second})

	a, _ := env.join(t, alice)
	time.Sleep(600 * time.Millisecond)

	joined := time.Now()
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)
	assert.Equal(t, model.EventTypeCallEnded, readUntil(t, a, model.EventTypeCallEnded).Type)

	readUntil(t, b, model.EventTypeCallEnded)
	assert.GreaterOrEqual(t, time.Since(joined), 900*time.Millisecond)
}

func TestMaxCallDurationRejoin(t *testing.T) {
	env := newTestEnv(t, envOpts{maxCallDuration: 600 * time.Millisecond, reconnectTimeout: 5 * time.Second})

	a, _ := env.join(t, alice)
	assert.Equal(t, model.EventTypeCallEnded, readEvent(t, a).Type)
	readClose(t, a)

	room := env.rooms.GetExisting(testCallID)
	require.NotNil(t, room)
	require.Eventually(t, func() bool {
		state, ok := room.State(alice.ID)
		return ok && state == sw.StateReconnecting
	}, time.Second, 10*time.Millisecond)

	// the rejoined connection gets a full window of its own
	rejoined := time.Now()
	a2, _ := env.join(t, alice)
	assert.Equal(t, model.EventTypeCallEnded, readEvent(t, a2).Type)
	assert.GreaterOrEqual(t, time.Since(rejoined), 500*time.Millisecond)
}

func TestWelcomePrecedesRelayedSignals(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	a, _ := env.join(t, alice)
	b := env.dial(t, testCallID, &bob)

	require.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)
	send(t, a, map[string]any{"type": "offer", "to_user_id": bob.ID, "payload": "sdp"})

	snapshot := readEvent(t, b)
	require.Equal(t, model.EventTypeParticipantsSnapshot, snapshot.Type)
	assert.Equal(t, []model.Participant{alice}, snapshot.Participants)
	assert.Equal(t, model.EventTypeCallMetadata, readEvent(t, b).Type)
	ev := readEvent(t, b)
	assert.Equal(t, "offer", ev.Type)
	assert.Equal(t, alice.ID, ev.FromUser.ID)
}

func TestEndCallClosesConnections(t *testing.T) {
	env := newTestEnv(t, envOpts{})

	a, _ := env.join(t, alice)
	b, _ := env.join(t, bob)
	assert.Equal(t, model.EventTypeUserJoined, readEvent(t, a).Type)

	require.NoError(t, env.svc.EndCall(context.Background(), alice, testCallID))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, model.EventTypeCallEnded, ev.Type)
		assert.Equal(t, model.CallEndedReasonEnded, ev.Reason)
		assert.Equal(t, websocket.CloseNormalClosure, readClose(t, conn).Code)
	}

	assert.Eventually(t, func() bool {
		return env.rooms.Len() == 0
	}, time.Second, 10*time.Millisecond)

	// ended calls are no longer joinable
	ce := readClose(t, env.dial(t, testCallID, &carol))
	assert.Equal(t, CloseCallUnavailable, ce.Code)
	assert.Equal(t, "call_not_active", ce.Text)
}

func TestCloseCodeFor(t *testing.T) {
	code, text := closeCodeFor(errors.New("boom"))
	assert.Equal(t, websocket.CloseInternalServerErr, code)
	assert.Equal(t, "internal_error", text)

	code, text = closeCodeFor(&service.AdmissionError{Code: service.RejectCallExpired})
	assert.Equal(t, CloseCallUnavailable, code)
	assert.Equal(t, "call_expired", text)

	code, _ = closeCodeFor(&service.AdmissionError{Code: service.RejectInvalidToken})
	assert.Equal(t, CloseUnauthenticated, code)
}
