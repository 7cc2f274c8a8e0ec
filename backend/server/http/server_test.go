package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adwski/callroom-signaling/backend/auth"
	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/adwski/callroom-signaling/backend/service"
	"github.com/adwski/callroom-signaling/backend/storage/memory"
	sw "github.com/adwski/callroom-signaling/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = model.Participant{ID: 1, Username: "alice"}
	bob   = model.Participant{ID: 2, Username: "bob"}
)

type nopEndpoint struct{}

func (nopEndpoint) Send(context.Context, model.Event) error { return nil }
func (nopEndpoint) Close()                                  {}

type testEnv struct {
	handler http.Handler
	svc     *service.Service
	auth    *auth.Authenticator
	store   *memory.MemStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	a, err := auth.NewAuthenticator(auth.Config{Secret: []byte("secret"), Issuer: "callroom", TokenTTL: time.Minute})
	require.NoError(t, err)
	rooms := sw.NewSwitch(sw.Config{Logger: &logger})
	svc := service.NewService(service.Config{
		Directory:  store,
		Ledger:     store,
		Rooms:      rooms,
		Auth:       a,
		DefaultTTL: time.Hour,
		Logger:     &logger,
	})
	srv := NewServer(Config{
		Logger:      &logger,
		CallService: svc,
		ICE: model.ICEConfig{
			STUNServers: []string{"stun:stun.example.com:3478"},
			TURNServers: []model.TURNServer{{URL: "turn:turn.example.com:3478", Username: "u", Credential: "p"}},
		},
	})
	return &testEnv{handler: srv.Handler, svc: svc, auth: a, store: store}
}

func (env *testEnv) do(t *testing.T, method, path string, user *model.Participant, body any) (*httptest.ResponseRecorder, GenericResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != nil {
		token, err := env.auth.Issue(*user)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var resp GenericResponse
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func decodeData(t *testing.T, data any, v any) {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/calls", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, resp.Error)

	req := httptest.NewRequest(http.MethodGet, "/api/calls/x", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/calls", &alice, map[string]any{"title": "standup", "is_video_enabled": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var call model.Call
	decodeData(t, resp.Data, &call)
	assert.NotEmpty(t, call.ID)
	assert.Equal(t, alice.ID, call.CreatorID)
	assert.Equal(t, "standup", call.Title)
	assert.True(t, call.VideoEnabled)
	assert.Equal(t, model.CallStatusActive, call.Status)

	_, _, err := env.svc.JoinRoom(context.Background(), call.ID, bob, nopEndpoint{})
	require.NoError(t, err)

	rec, resp = env.do(t, http.MethodGet, "/api/calls/"+string(call.ID), &bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got CallResponse
	decodeData(t, resp.Data, &got)
	assert.Equal(t, call.ID, got.Call.ID)
	assert.Equal(t, []model.Participant{bob}, got.Participants)

	rec, _ = env.do(t, http.MethodPost, "/api/calls/"+string(call.ID)+"/end", &bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/calls/"+string(call.ID)+"/end", &alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/calls/"+string(call.ID)+"/end", &alice, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	stored, err := env.store.GetCall(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, stored.Status)
}

func TestCallNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/calls/missing", &alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, resp.Error)

	rec, _ = env.do(t, http.MethodPost, "/api/calls/missing/end", &alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/calls/missing/participants", &alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateCallBadRequest(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/calls", bytes.NewBufferString("{oops"))
	token, err := env.auth.Issue(alice)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/calls", &alice, map[string]any{"ttl_seconds": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListParticipants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.CreateCall(ctx, alice, service.CreateCallRequest{})
	require.NoError(t, err)

	rec, resp := env.do(t, http.MethodGet, "/api/calls/"+string(call.ID)+"/participants", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ps []model.Participation
	decodeData(t, resp.Data, &ps)
	assert.Empty(t, ps)

	now := time.Now()
	require.NoError(t, env.store.RecordJoin(ctx, call.ID, bob.ID, now))
	require.NoError(t, env.store.RecordLeave(ctx, call.ID, bob.ID, model.LeaveReasonExplicit, now.Add(time.Minute)))

	rec, resp = env.do(t, http.MethodGet, "/api/calls/"+string(call.ID)+"/participants", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp.Data, &ps)
	require.Len(t, ps, 1)
	assert.Equal(t, bob.ID, ps[0].UserID)
	assert.Equal(t, model.LeaveReasonExplicit, ps[0].LeaveReason)
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", resp.Message)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/calls", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, http.StatusMultipleChoices)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestCallStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	call, err := env.svc.CreateCall(ctx, alice, service.CreateCallRequest{})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, env.store.RecordJoin(ctx, call.ID, bob.ID, now.Add(-2*time.Minute)))
	require.NoError(t, env.store.RecordLeave(ctx, call.ID, bob.ID, model.LeaveReasonExplicit, now.Add(-time.Minute)))

	rec, resp := env.do(t, http.MethodGet, "/api/calls/"+string(call.ID)+"/stats", &alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.CallStats
	decodeData(t, resp.Data, &stats)
	assert.Equal(t, call.ID, stats.CallID)
	assert.Equal(t, 1, stats.ParticipantCount)
	assert.Equal(t, 1, stats.SessionCount)
	require.NotNil(t, stats.AvgDurationSeconds)
	assert.InDelta(t, 60, *stats.AvgDurationSeconds, 1)

	rec, _ = env.do(t, http.MethodGet, "/api/calls/missing/stats", &alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/calls/"+string(call.ID)+"/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebRTCConfig(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/config/webrtc", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ice model.ICEConfig
	decodeData(t, resp.Data, &ice)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, ice.STUNServers)
	assert.Equal(t, []model.TURNServer{{URL: "turn:turn.example.com:3478", Username: "u", Credential: "p"}}, ice.TURNServers)
}
