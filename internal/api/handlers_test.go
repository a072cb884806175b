package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"golang.org/x/crypto/bcrypt"

	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/config"
	"github.com/youming-ai/parsify-realtime/internal/coordinator"
	"github.com/youming-ai/parsify-realtime/internal/database"
	"github.com/youming-ai/parsify-realtime/internal/kv"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
	"github.com/youming-ai/parsify-realtime/internal/testutil"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

var testSigningKey = []byte("wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU=")

type testHarness struct {
	app   *App
	co    *coordinator.Coordinator
	cache *cache.Service
	repo  *database.MockRepository
}

func newTestApp(t *testing.T, cfg config.Config) *testHarness {
	t.Helper()

	logger := testutil.TestLogger(t)
	store := kv.NewMemoryStore()

	cacheSvc, err := cache.NewService(logger, store, cache.Config{
		Namespaces: []cache.Namespace{
			{Name: "rate_limit", DefaultTTL: 5 * time.Minute},
			{Name: "users", DefaultTTL: time.Hour},
			{Name: "sessions", DefaultTTL: 24 * time.Hour},
		},
	})
	assert.NoError(t, err)

	repo := &database.MockRepository{}
	repo.On("GetQuotaOverride", mock.Anything, mock.Anything).
		Return(database.QuotaOverride{}, sql.ErrNoRows).Maybe()
	repo.On("GetUserById", mock.Anything).Return(database.User{}, sql.ErrNoRows).Maybe()
	repo.On("GetQuotaCounter", mock.Anything, mock.Anything, mock.Anything).
		Return(database.QuotaCounter{}, sql.ErrNoRows).Maybe()
	repo.On("IncrementQuotaCounter", mock.Anything).
		Return(database.QuotaCounter{UsedCount: 1}, nil).Maybe()
	repo.On("AppendAuditEvent", mock.Anything).Return(nil).Maybe()

	quotaSvc := quota.NewService(logger, cacheSvc, repo, cfg.BypassIdentifiers)
	su := stats.NewStatsUpdater(nil)
	su.Run()

	co := coordinator.NewCoordinator(store, cacheSvc, quotaSvc, su, logger)
	go co.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		co.Shutdown(ctx)
	})

	if cfg.SigningKey == nil {
		cfg.SigningKey = testSigningKey
	}

	app := NewApp(logger, co, cacheSvc, quotaSvc, repo, su, &cfg)
	return &testHarness{app: app, co: co, cache: cacheSvc, repo: repo}
}

func (h *testHarness) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.app.Handler().ServeHTTP(w, r)
	return w
}

func (h *testHarness) token(t *testing.T, userId string) string {
	t.Helper()
	token, err := CreateToken(testSigningKey, userId)
	assert.NoError(t, err)
	return token
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestCreateSession(t *testing.T) {
	h := newTestApp(t, config.Config{})

	w := h.request(t, http.MethodPost, "/api/sessions", h.token(t, "alice"), CreateSessionRequest{
		Data: map[string]any{"theme": "dark"},
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	session := decodeBody[types.Session](t, w)
	assert.NotEmpty(t, session.Id)
	assert.Equal(t, "alice", session.OwnerUserId)
	assert.Equal(t, "dark", session.Data["theme"])

	assert.Equal(t, "50", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
}

func TestCreateSession_EmptyBody(t *testing.T) {
	h := newTestApp(t, config.Config{})

	w := h.request(t, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	session := decodeBody[types.Session](t, w)
	assert.NotEmpty(t, session.Id)
	assert.Empty(t, session.OwnerUserId)
}

func TestGetSession_NotFound(t *testing.T) {
	h := newTestApp(t, config.Config{})

	w := h.request(t, http.MethodGet, "/api/sessions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	apiErr := decodeBody[ApiError](t, w)
	assert.Equal(t, "not found", apiErr.Message)
}

func TestUpdateSession_OwnershipEnforced(t *testing.T) {
	h := newTestApp(t, config.Config{})

	session, err := h.co.CreateSession(context.Background(), coordinator.CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)

	w := h.request(t, http.MethodPut, "/api/sessions/"+session.Id, h.token(t, "bob"), UpdateSessionRequest{
		Data: map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.request(t, http.MethodPut, "/api/sessions/"+session.Id, h.token(t, "alice"), UpdateSessionRequest{
		Data: map[string]any{"x": 1},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	updated := decodeBody[types.Session](t, w)
	assert.Equal(t, float64(1), updated.Data["x"])
}

func TestDeleteSession(t *testing.T) {
	h := newTestApp(t, config.Config{})

	session, err := h.co.CreateSession(context.Background(), coordinator.CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)

	w := h.request(t, http.MethodDelete, "/api/sessions/"+session.Id, h.token(t, "alice"), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.request(t, http.MethodGet, "/api/sessions/"+session.Id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateRoom(t *testing.T) {
	h := newTestApp(t, config.Config{})

	tt := []struct {
		name     string
		req      CreateRoomRequest
		expected int
	}{
		{
			name:     "valid",
			req:      CreateRoomRequest{Name: "draft", Kind: types.RoomKindDocument},
			expected: http.StatusCreated,
		},
		{
			name:     "missing name",
			req:      CreateRoomRequest{Kind: types.RoomKindDocument},
			expected: http.StatusBadRequest,
		},
		{
			name:     "unknown kind",
			req:      CreateRoomRequest{Name: "draft", Kind: "spreadsheet"},
			expected: http.StatusBadRequest,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			w := h.request(t, http.MethodPost, "/api/rooms", h.token(t, "alice"), tc.req)
			assert.Equal(t, tc.expected, w.Code)
		})
	}
}

func TestRoomLifecycle(t *testing.T) {
	h := newTestApp(t, config.Config{})
	token := h.token(t, "alice")

	w := h.request(t, http.MethodPost, "/api/rooms", token, CreateRoomRequest{
		Name: "draft",
		Kind: types.RoomKindDocument,
	})
	assert.Equal(t, http.StatusCreated, w.Code)
	room := decodeBody[types.Room](t, w)
	assert.NotEmpty(t, room.Id)
	assert.Equal(t, "alice", room.OwnerUserId)

	w = h.request(t, http.MethodGet, "/api/rooms/"+room.Id, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	locked := true
	w = h.request(t, http.MethodPut, "/api/rooms/"+room.Id, token, UpdateRoomRequest{Locked: &locked})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[types.Room](t, w).Locked)

	w = h.request(t, http.MethodPut, "/api/rooms/"+room.Id, h.token(t, "bob"), UpdateRoomRequest{Locked: &locked})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.request(t, http.MethodDelete, "/api/rooms/"+room.Id, token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.request(t, http.MethodGet, "/api/rooms/"+room.Id, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRooms(t *testing.T) {
	h := newTestApp(t, config.Config{})

	w := h.request(t, http.MethodGet, "/api/collaboration/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, err := h.co.CreateRoom(context.Background(), coordinator.CreateRoomParams{
		Name:        "draft",
		Kind:        types.RoomKindDocument,
		OwnerUserId: "alice",
	})
	assert.NoError(t, err)

	w = h.request(t, http.MethodGet, "/api/collaboration/rooms", h.token(t, "alice"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]types.Room](t, w), 1)
}

func TestRoomHistory_NotFound(t *testing.T) {
	h := newTestApp(t, config.Config{})

	w := h.request(t, http.MethodGet, "/api/collaboration/rooms/nope/history", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuotaMiddleware_Denies(t *testing.T) {
	h := newTestApp(t, config.Config{})

	// requests from the recorder carry httptest's fixed remote address
	h.repo.On("GetQuotaOverride", mock.Anything, mock.Anything).Unset()
	h.repo.On("GetQuotaOverride", "192.0.2.1", string(quota.QuotaSessionCreates)).
		Return(database.QuotaOverride{LimitCount: 1}, nil)
	h.repo.On("GetQuotaOverride", mock.Anything, mock.Anything).
		Return(database.QuotaOverride{}, sql.ErrNoRows).Maybe()

	w := h.request(t, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = h.request(t, http.MethodPost, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestQuotaMiddleware_Bypass(t *testing.T) {
	h := newTestApp(t, config.Config{BypassIdentifiers: []string{"health-checker"}})

	w := h.request(t, http.MethodPost, "/api/sessions", h.token(t, "health-checker"), nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Limit"))
}

func TestHealth(t *testing.T) {
	h := newTestApp(t, config.Config{})
	h.repo.On("Ping").Return(nil).Once()

	w := h.request(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[HealthResponse](t, w)
	assert.Equal(t, cache.StatusHealthy, resp.Status)
	assert.Equal(t, "ok", resp.Database)
}

func TestHealth_DatabaseDown(t *testing.T) {
	h := newTestApp(t, config.Config{})
	h.repo.On("Ping").Return(fmt.Errorf("connection refused")).Once()

	w := h.request(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	resp := decodeBody[HealthResponse](t, w)
	assert.Equal(t, cache.StatusUnhealthy, resp.Status)
	assert.Equal(t, "connection refused", resp.Database)
}

func TestStatsEndpoint(t *testing.T) {
	h := newTestApp(t, config.Config{})

	_, err := h.co.CreateSession(context.Background(), coordinator.CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)

	w := h.request(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[StatsResponse](t, w)
	assert.Equal(t, 1, resp.Stats.ActiveSessions)
	assert.Empty(t, resp.Connections)
}

func adminHash(t *testing.T, token string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	assert.NoError(t, err)
	return string(hash)
}

func TestAdminMiddleware(t *testing.T) {
	t.Run("disabled without a configured hash", func(t *testing.T) {
		h := newTestApp(t, config.Config{})
		w := h.request(t, http.MethodPost, "/api/admin/cleanup", "whatever", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
		w := h.request(t, http.MethodPost, "/api/admin/cleanup", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
		w := h.request(t, http.MethodPost, "/api/admin/cleanup", "not-the-token", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("accepted", func(t *testing.T) {
		h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
		w := h.request(t, http.MethodPost, "/api/admin/cleanup", "admin-token", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		report := decodeBody[coordinator.CleanupReport](t, w)
		assert.Zero(t, report.ExpiredSessions)
	})
}

func TestAdminDisconnect(t *testing.T) {
	h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})

	w := h.request(t, http.MethodPost, "/api/admin/disconnect", "admin-token", DisconnectRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.request(t, http.MethodPost, "/api/admin/disconnect", "admin-token", DisconnectRequest{
		ConnectionId: "conn-unknown",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminQuotaOverride(t *testing.T) {
	h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
	h.repo.On("SetQuotaOverride", "alice", string(quota.QuotaApiRequests), int64(5)).Return(nil).Once()

	w := h.request(t, http.MethodPost, "/api/admin/quota/override", "admin-token", QuotaOverrideRequest{
		Identifier: "alice",
		QuotaType:  quota.QuotaApiRequests,
		Limit:      5,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	h.repo.AssertExpectations(t)

	w = h.request(t, http.MethodPost, "/api/admin/quota/override", "admin-token", QuotaOverrideRequest{
		Identifier: "alice",
		QuotaType:  quota.QuotaApiRequests,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminQuotaReset(t *testing.T) {
	h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
	h.repo.On("ResetQuotaCounter", "alice", string(quota.QuotaApiRequests)).Return(nil).Once()

	w := h.request(t, http.MethodPost, "/api/admin/quota/reset", "admin-token", QuotaResetRequest{
		Identifier: "alice",
		QuotaType:  quota.QuotaApiRequests,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	h.repo.AssertExpectations(t)

	w = h.request(t, http.MethodPost, "/api/admin/quota/reset", "admin-token", QuotaResetRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCacheInvalidate(t *testing.T) {
	h := newTestApp(t, config.Config{AdminTokenHash: adminHash(t, "admin-token")})
	ctx := context.Background()

	assert.NoError(t, h.cache.Set(ctx, "sessions", "a", []byte("1"), cache.SetOptions{Tags: []string{"user:alice"}}))
	assert.NoError(t, h.cache.Set(ctx, "sessions", "b", []byte("2"), cache.SetOptions{Tags: []string{"user:bob"}}))

	w := h.request(t, http.MethodPost, "/api/admin/cache/invalidate", "admin-token", CacheInvalidateRequest{
		Tags: []string{"user:alice"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeBody[CacheInvalidateResponse](t, w).Invalidated)
}
