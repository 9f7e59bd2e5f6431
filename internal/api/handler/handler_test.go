package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"randomtalk/backend/internal/api/handler"
	"randomtalk/backend/internal/call"
	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/hub"
	"randomtalk/backend/internal/localization"
	"randomtalk/backend/internal/models"
	"randomtalk/backend/internal/presence"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var self = models.Participant{ID: "local-user", Name: "Ann"}

type MockStore struct {
	mock.Mock
}

func (m *MockStore) ListHistory(ctx context.Context, ownerID string, limit int) ([]models.CallRecord, error) {
	args := m.Called(ctx, ownerID, limit)
	records, _ := args.Get(0).([]models.CallRecord)
	return records, args.Error(1)
}

func (m *MockStore) ListFriends(ctx context.Context, ownerID string) ([]models.Friend, error) {
	args := m.Called(ctx, ownerID)
	friends, _ := args.Get(0).([]models.Friend)
	return friends, args.Error(1)
}

func (m *MockStore) RemoveFriend(ctx context.Context, ownerID, friendID string) error {
	return m.Called(ctx, ownerID, friendID).Error(0)
}

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) Online(ctx context.Context) ([]presence.Entry, error) {
	args := m.Called(ctx)
	entries, _ := args.Get(0).([]presence.Entry)
	return entries, args.Error(1)
}

// idleCalls reports an idle session and ignores intents.
type idleCalls struct{}

func (idleCalls) FindRandomCall([]string)      {}
func (idleCalls) StartCall(models.Participant) {}
func (idleCalls) AcceptCall()                  {}
func (idleCalls) RejectCall()                  {}
func (idleCalls) Hangup()                      {}
func (idleCalls) ToggleMute()                  {}
func (idleCalls) SendMessage(string)           {}
func (idleCalls) Snapshot() call.Snapshot      { return call.Snapshot{State: call.StateIdle} }

type fixture struct {
	router *gin.Engine
	h      *handler.Handler
	store  *MockStore
	dir    *MockDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loc, err := localization.Default()
	require.NoError(t, err)
	log := slog.New(slog.DiscardHandler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hb := hub.NewManagerService(idleCalls{}, nil, loc, log)
	go hb.Run(ctx)

	cfg := config.Config{
		App:  config.AppConfig{Lang: "en"},
		Auth: config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
	}
	f := &fixture{store: new(MockStore), dir: new(MockDirectory)}
	f.h = handler.NewHandler(hb, self, f.store, f.dir, cfg, loc, log)
	f.h.Metrics = promhttp.Handler()
	f.router = gin.New()
	f.h.Register(f.router)
	return f
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	w := f.do(httptest.NewRequest(http.MethodGet, "/anonid", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Token  string `json:"token"`
		AnonID string `json:"anon_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, self.ID, body.AnonID)
	require.NotEmpty(t, body.Token)
	return body.Token
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) authed(t *testing.T, method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t))
	return req
}

func TestAuth_RejectsMissingAndForeignTokens(t *testing.T) {
	f := newFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	// Same secret and issuer: only the anon_id differs.
	f.store.On("ListHistory", mock.Anything, self.ID, mock.Anything).Return([]models.CallRecord{}, nil)
	req = httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, self.ID))
	assert.Equal(t, http.StatusOK, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "someone-else"))
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
	f.store.AssertNumberOfCalls(t, "ListHistory", 1)
}

func signToken(t *testing.T, anonID string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"anon_id": anonID,
		"iat":     now.Unix(),
		"exp":     now.Add(time.Hour).Unix(),
		"iss":     "randomtalk-client",
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.store.On("ListHistory", mock.Anything, self.ID, 10).Return([]models.CallRecord{{
		OwnerID:         self.ID,
		PeerID:          "bob",
		PeerName:        "Bob",
		DurationSeconds: 42,
		StartedAt:       started,
		Direction:       models.DirectionOutgoing,
	}}, nil)

	w := f.do(f.authed(t, http.MethodGet, "/history?limit=10"))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		History []struct {
			Peer            models.Participant `json:"peer"`
			Direction       string             `json:"direction"`
			DurationSeconds int                `json:"durationSeconds"`
			StartedAt       time.Time          `json:"startedAt"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	assert.Equal(t, "Bob", body.History[0].Peer.Name)
	assert.Equal(t, 42, body.History[0].DurationSeconds)
	assert.Equal(t, models.DirectionOutgoing, body.History[0].Direction)
	assert.True(t, started.Equal(body.History[0].StartedAt))
}

func TestGetHistory_BadLimit(t *testing.T) {
	f := newFixture(t)
	w := f.do(f.authed(t, http.MethodGet, "/history?limit=-3"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	f.store.AssertNotCalled(t, "ListHistory", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetHistory_StoreError(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListHistory", mock.Anything, self.ID, 0).Return(nil, errors.New("db down"))
	w := f.do(f.authed(t, http.MethodGet, "/history"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetFriends_MarksOnline(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListFriends", mock.Anything, self.ID).Return([]models.Friend{
		{OwnerID: self.ID, FriendID: "bob", Name: "Bob"},
		{OwnerID: self.ID, FriendID: "carol", Name: "Carol"},
	}, nil)
	f.dir.On("Online", mock.Anything).Return([]presence.Entry{
		{UserID: "bob", Presence: models.Presence{DisplayName: "Bob", Online: true, CallState: "connected"}},
	}, nil)

	w := f.do(f.authed(t, http.MethodGet, "/friends"))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Friends []struct {
			ID        string `json:"id"`
			Online    bool   `json:"online"`
			CallState string `json:"callState"`
		} `json:"friends"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Friends, 2)
	assert.True(t, body.Friends[0].Online)
	assert.Equal(t, "connected", body.Friends[0].CallState)
	assert.False(t, body.Friends[1].Online)
}

func TestGetFriends_DirectoryErrorStillLists(t *testing.T) {
	f := newFixture(t)
	f.store.On("ListFriends", mock.Anything, self.ID).Return([]models.Friend{{FriendID: "bob", Name: "Bob"}}, nil)
	f.dir.On("Online", mock.Anything).Return(nil, errors.New("redis down"))

	w := f.do(f.authed(t, http.MethodGet, "/friends"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"online":false`)
}

func TestDeleteFriend(t *testing.T) {
	f := newFixture(t)
	f.store.On("RemoveFriend", mock.Anything, self.ID, "bob").Return(nil).Once()

	w := f.do(f.authed(t, http.MethodDelete, "/friends/bob"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.store.AssertExpectations(t)
}

func TestGetOnline_ExcludesSelf(t *testing.T) {
	f := newFixture(t)
	f.dir.On("Online", mock.Anything).Return([]presence.Entry{
		{UserID: self.ID, Presence: models.Presence{DisplayName: "Ann", Online: true, CallState: "idle"}},
		{UserID: "bob", Presence: models.Presence{DisplayName: "Bob", Online: true, CallState: "searching", Interests: []string{"music"}}},
	}, nil)

	w := f.do(f.authed(t, http.MethodGet, "/online"))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Count  int `json:"count"`
		Online []struct {
			ID        string   `json:"id"`
			Name      string   `json:"name"`
			Interests []string `json:"interests"`
			CallState string   `json:"callState"`
		} `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Online, 1)
	assert.Equal(t, "bob", body.Online[0].ID)
	assert.Equal(t, "searching", body.Online[0].CallState)
	assert.Equal(t, []string{"music"}, body.Online[0].Interests)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServeWebSocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"?lang=uk&token="+f.token(t), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env hub.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, hub.EnvelopeUpdate, env.Type)
	require.NotNil(t, env.Update)
	assert.Equal(t, call.StateIdle, env.Update.Snapshot.State)

	// Intents are answered through the same socket.
	require.NoError(t, conn.WriteJSON(models.Intent{Type: "unknown"}))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, hub.EnvelopeError, env.Type)
}
