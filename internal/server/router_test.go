package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/testutil"
	"chatbridge/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiClient struct {
	t      *testing.T
	engine *gin.Engine
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb := testutil.NewDB(t)
	cfg := config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.AccessTTL(), cfg.RefreshTTL(), auth.NewMemoryRevocationStore(), auth.NewRefreshLedger(gdb))
	engine, stop := SetupRouter(cfg, Deps{DB: gdb, Issuer: issuer, Hub: ws.NewHub()})
	t.Cleanup(stop)
	return &apiClient{t: t, engine: engine}
}

func (a *apiClient) do(method, path, token string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

type loginResp struct {
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RefreshToken string    `json:"refresh_token"`
	User         struct {
		ID uint `json:"id"`
	} `json:"user"`
}

func (a *apiClient) signup(name string) loginResp {
	a.t.Helper()
	code := a.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{"username": name, "password": "secret"}, nil)
	require.Equal(a.t, http.StatusOK, code)
	var out loginResp
	code = a.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": name, "password": "secret"}, &out)
	require.Equal(a.t, http.StatusOK, code)
	require.NotEmpty(a.t, out.AccessToken)
	return out
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestHealthz(t *testing.T) {
	api := newAPI(t)
	var out map[string]string
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/healthz", "", nil, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestRegister_Validation(t *testing.T) {
	api := newAPI(t)
	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"missing password", gin.H{"username": "alice"}, http.StatusBadRequest},
		{"short username", gin.H{"username": "a", "password": "secret"}, http.StatusBadRequest},
		{"short password", gin.H{"username": "alice", "password": "abc"}, http.StatusBadRequest},
		{"ok", gin.H{"username": "alice", "password": "secret"}, http.StatusOK},
		{"taken", gin.H{"username": "alice", "password": "secret"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, api.do(http.MethodPost, "/api/v1/auth/register", "", tt.body, nil))
		})
	}
}

func TestLogin_BadPassword(t *testing.T) {
	api := newAPI(t)
	api.signup("alice")
	var e errResp
	code := api.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "wrong"}, &e)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "INVALID_CREDENTIAL", e.Code)
}

func TestDirectMessageFlow(t *testing.T) {
	api := newAPI(t)
	alice := api.signup("alice")
	bob := api.signup("bob")

	var room struct {
		ID uint `json:"id"`
	}
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/v1/rooms/direct", alice.AccessToken, gin.H{"user_id": bob.User.ID}, &room))
	var again struct {
		ID uint `json:"id"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/v1/rooms/direct", bob.AccessToken, gin.H{"user_id": alice.User.ID}, &again))
	assert.Equal(t, room.ID, again.ID)

	msgPath := fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID)
	var sent struct {
		ID       uint  `json:"id"`
		SenderID *uint `json:"sender_id"`
	}
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, msgPath, alice.AccessToken, gin.H{"content": "hi bob"}, &sent))
	require.NotNil(t, sent.SenderID)
	assert.Equal(t, alice.User.ID, *sent.SenderID)

	var list struct {
		Rooms []struct {
			ID          uint    `json:"id"`
			Name        string  `json:"name"`
			UnreadCount int     `json:"unread_count"`
			LastMessage *string `json:"last_message"`
		} `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/v1/rooms", bob.AccessToken, nil, &list))
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "alice", list.Rooms[0].Name)
	assert.Equal(t, 1, list.Rooms[0].UnreadCount)
	require.NotNil(t, list.Rooms[0].LastMessage)
	assert.Equal(t, "hi bob", *list.Rooms[0].LastMessage)

	require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/read", room.ID), bob.AccessToken, nil, nil))
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/v1/rooms", bob.AccessToken, nil, &list))
	assert.Equal(t, 0, list.Rooms[0].UnreadCount)

	var history struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, msgPath, bob.AccessToken, nil, &history))
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "hi bob", history.Messages[0].Content)

	carol := api.signup("carol")
	var e errResp
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, msgPath, carol.AccessToken, nil, &e))
	assert.Equal(t, "ROOM_NOT_FOUND", e.Code)
}

func TestBlockStopsDirectMessages(t *testing.T) {
	api := newAPI(t)
	alice := api.signup("alice")
	bob := api.signup("bob")

	var e errResp
	assert.Equal(t, http.StatusConflict, api.do(http.MethodPost, "/api/v1/blocks", bob.AccessToken, gin.H{"user_id": alice.User.ID}, &e))
	assert.Equal(t, "NOT_FRIENDS", e.Code)

	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/v1/friends", bob.AccessToken, gin.H{"user_id": alice.User.ID}, nil))
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/v1/blocks", bob.AccessToken, gin.H{"user_id": alice.User.ID}, nil))

	var room struct {
		ID uint `json:"id"`
	}
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/api/v1/rooms/direct", alice.AccessToken, gin.H{"user_id": bob.User.ID}, &room))
	msgPath := fmt.Sprintf("/api/v1/rooms/%d/messages", room.ID)
	assert.Equal(t, http.StatusForbidden, api.do(http.MethodPost, msgPath, alice.AccessToken, gin.H{"content": "hello?"}, &e))
	assert.Equal(t, "BLOCKED", e.Code)

	require.Equal(t, http.StatusNoContent, api.do(http.MethodPatch, fmt.Sprintf("/api/v1/blocks/%d", alice.User.ID), bob.AccessToken, gin.H{"strength": "NONE"}, nil))
	assert.Equal(t, http.StatusCreated, api.do(http.MethodPost, msgPath, alice.AccessToken, gin.H{"content": "hello?"}, nil))
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	api := newAPI(t)
	alice := api.signup("alice")

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/v1/rooms", "", nil, nil))
	require.Equal(t, http.StatusOK, api.do(http.MethodGet, "/api/v1/rooms", alice.AccessToken, nil, nil))

	var refreshed loginResp
	require.Equal(t, http.StatusOK, api.do(http.MethodPost, "/api/v1/auth/refresh", "",
		gin.H{"user_id": alice.User.ID, "refresh_token": alice.RefreshToken}, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)

	require.Equal(t, http.StatusNoContent, api.do(http.MethodPost, "/api/v1/auth/logout", alice.AccessToken, nil, nil))
	var e errResp
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodGet, "/api/v1/rooms", alice.AccessToken, nil, &e))
	assert.Equal(t, "CREDENTIAL_REVOKED", e.Code)
	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPost, "/api/v1/auth/refresh", "",
		gin.H{"user_id": alice.User.ID, "refresh_token": alice.RefreshToken}, nil))
}
