package coordinator

import (
	"context"
	"database/sql"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/database"
	"github.com/youming-ai/parsify-realtime/internal/kv"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
	"github.com/youming-ai/parsify-realtime/internal/testutil"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

// noopStats satisfies stats.StatsProvider without touching expvar, so
// tests in the same binary cannot trample each other's counters.
type noopStats struct{}

func (noopStats) Incr(string)           {}
func (noopStats) Decr(string)           {}
func (noopStats) RegisterMetric(string) {}
func (noopStats) Run()                  {}

func newTestCoordinator(t *testing.T) (*Coordinator, *kv.MemoryStore) {
	t.Helper()

	store := kv.NewMemoryStore()
	logger := testutil.TestLogger(t)

	cacheSvc, err := cache.NewService(logger, store, cache.Config{
		Namespaces: []cache.Namespace{
			{Name: "rate_limit", DefaultTTL: 5 * time.Minute},
			{Name: "users", DefaultTTL: time.Hour},
		},
	})
	assert.NoError(t, err)

	quotaSvc := newQuotaService(logger, cacheSvc)

	co := NewCoordinator(store, cacheSvc, quotaSvc, noopStats{}, logger)
	go co.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		co.Shutdown(ctx)
	})

	return co, store
}

func testClient(co *Coordinator, id, sessionId, userId string) *Client {
	return newClient(id, sessionId, userId, nil, co, nil, types.ConnectionMeta{}, co.log)
}

func nextFrame(t *testing.T, c *Client) *ServerFrame {
	t.Helper()
	select {
	case frame := <-c.send:
		return frame
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a frame on connection %q", c.id)
	}
	return nil
}

func assertNoFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("unexpected frame %q on connection %q", frame.Type, c.id)
	default:
	}
}

func roomLoaded(co *Coordinator, id string) bool {
	co.roomsLock.RLock()
	defer co.roomsLock.RUnlock()
	_, ok := co.rooms[id]
	return ok
}

func sessionLoaded(co *Coordinator, id string) bool {
	co.sessionsLock.RLock()
	defer co.sessionsLock.RUnlock()
	_, ok := co.sessions[id]
	return ok
}

func TestNewCoordinator_RegistersMetrics(t *testing.T) {
	store := kv.NewMemoryStore()
	logger := testutil.TestLogger(t)

	cacheSvc, err := cache.NewService(logger, store, cache.Config{
		Namespaces: []cache.Namespace{{Name: "rate_limit", DefaultTTL: 5 * time.Minute}},
	})
	assert.NoError(t, err)

	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterMetric", mock.AnythingOfType("string")).Times(6)

	co := NewCoordinator(store, cacheSvc, newQuotaService(logger, cacheSvc), sp, logger)
	assert.NotNil(t, co)
	sp.AssertExpectations(t)
}

func TestCoordinator_SessionLifecycle(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	session, err := co.CreateSession(ctx, CreateSessionParams{
		OwnerUserId: "alice",
		Data:        map[string]any{"theme": "dark"},
	})
	assert.NoError(t, err)
	assert.NotEmpty(t, session.Id)
	assert.Equal(t, "alice", session.OwnerUserId)
	assert.True(t, session.ExpiresAt.After(session.CreatedAt))

	_, err = store.Get(ctx, sessionKeyPrefix+session.Id)
	assert.NoError(t, err, "expected a persisted session mirror")

	got, err := co.GetSession(ctx, session.Id)
	assert.NoError(t, err)
	assert.Equal(t, "dark", got.Data["theme"])

	updated, err := co.UpdateSession(ctx, session.Id, "alice", map[string]any{"lang": "en"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, "dark", updated.Data["theme"], "expected updates to merge, not replace")
	assert.Equal(t, "en", updated.Data["lang"])

	_, err = co.UpdateSession(ctx, session.Id, "mallory", map[string]any{"x": 1}, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.ErrorIs(t, co.DeleteSession(ctx, session.Id, "mallory"), ErrUnauthorized)
	assert.NoError(t, co.DeleteSession(ctx, session.Id, "alice"))

	_, err = co.GetSession(ctx, session.Id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Get(ctx, sessionKeyPrefix+session.Id)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestCoordinator_SessionExpiry(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	session, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)

	co.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, err = co.GetSession(ctx, session.Id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.Get(ctx, sessionKeyPrefix+session.Id)
	assert.ErrorIs(t, err, kv.ErrNotFound, "expected the expired mirror to be deleted")

	assert.Eventually(t, func() bool {
		return !sessionLoaded(co, session.Id)
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_DetachDeletesEphemeralSession(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	session, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)

	sa, err := co.getSessionActor(ctx, session.Id)
	assert.NoError(t, err)

	c := testClient(co, "conn-1", session.Id, "alice")
	assert.NoError(t, sa.Attach(c))

	snap, ok := sa.Snapshot()
	assert.True(t, ok)
	assert.Contains(t, snap.ConnectionIds, "conn-1")
	assert.Equal(t, 1, snap.Collaboration.ActiveCount)

	sa.Detach(c)

	_, err = store.Get(ctx, sessionKeyPrefix+session.Id)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Eventually(t, func() bool {
		return !sessionLoaded(co, session.Id)
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_DetachKeepsPersistentSession(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	session, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice", Persistent: true})
	assert.NoError(t, err)

	sa, err := co.getSessionActor(ctx, session.Id)
	assert.NoError(t, err)

	c := testClient(co, "conn-1", session.Id, "alice")
	assert.NoError(t, sa.Attach(c))
	sa.Detach(c)

	_, err = store.Get(ctx, sessionKeyPrefix+session.Id)
	assert.NoError(t, err, "expected the persistent session to outlive its connections")

	got, err := co.GetSession(ctx, session.Id)
	assert.NoError(t, err)
	assert.Empty(t, got.ConnectionIds)
}

func TestCoordinator_SessionBroadcastSkipsSender(t *testing.T) {
	co, _ := newTestCoordinator(t)
	ctx := context.Background()

	session, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice", Persistent: true})
	assert.NoError(t, err)

	sa, err := co.getSessionActor(ctx, session.Id)
	assert.NoError(t, err)

	c1 := testClient(co, "conn-1", session.Id, "alice")
	c2 := testClient(co, "conn-2", session.Id, "alice")
	assert.NoError(t, sa.Attach(c1))
	assert.NoError(t, sa.Attach(c2))

	sa.Broadcast(ErrorFrame("heads up"), c1)

	frame := nextFrame(t, c2)
	assert.Equal(t, FrameError, frame.Type)
	assertNoFrame(t, c1)
}

func TestCoordinator_RoomRevivedFromMirror(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	room, err := co.CreateRoom(ctx, CreateRoomParams{
		Name:        "design review",
		Kind:        types.RoomKindDocument,
		OwnerUserId: "alice",
		Data:        map[string]any{"title": "v1"},
	})
	assert.NoError(t, err)
	assert.True(t, roomLoaded(co, room.Id))

	done := make(chan struct{})
	co.unloadRoomChan <- roomUnload{id: room.Id, done: done}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out unloading room")
	}
	assert.False(t, roomLoaded(co, room.Id))

	_, err = store.Get(ctx, roomKeyPrefix+room.Id)
	assert.NoError(t, err, "expected the mirror to survive an unload")

	r, err := co.lookupRoom(room.Id)
	assert.NoError(t, err)
	snap := r.Snapshot()
	assert.Equal(t, "design review", snap.Name)
	assert.Equal(t, "v1", snap.Data["title"])
	assert.Empty(t, snap.Participants, "expected a revived room to start with no participants")
}

func TestCoordinator_CreateRoomRejectsUnknownKind(t *testing.T) {
	co, _ := newTestCoordinator(t)

	_, err := co.CreateRoom(context.Background(), CreateRoomParams{
		Name: "bad",
		Kind: types.RoomKind("spreadsheet"),
	})
	assert.ErrorIs(t, err, ErrUnknownRoomKind)
}

func TestCoordinator_UpdateRoom(t *testing.T) {
	co, _ := newTestCoordinator(t)
	ctx := context.Background()

	room, err := co.CreateRoom(ctx, CreateRoomParams{
		Name:        "standup",
		Kind:        types.RoomKindChat,
		OwnerUserId: "alice",
	})
	assert.NoError(t, err)

	locked := true
	name := "standup (archived)"
	updated, err := co.UpdateRoom(ctx, room.Id, "alice", RoomUpdateParams{Name: &name, Locked: &locked})
	assert.NoError(t, err)
	assert.Equal(t, "standup (archived)", updated.Name)
	assert.True(t, updated.Locked)

	_, err = co.UpdateRoom(ctx, room.Id, "mallory", RoomUpdateParams{Name: &name})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCoordinator_DeleteRoom(t *testing.T) {
	co, store := newTestCoordinator(t)
	ctx := context.Background()

	room, err := co.CreateRoom(ctx, CreateRoomParams{
		Name:        "scratch",
		Kind:        types.RoomKindWhiteboard,
		OwnerUserId: "alice",
	})
	assert.NoError(t, err)

	assert.ErrorIs(t, co.DeleteRoom(ctx, room.Id, "mallory"), ErrUnauthorized)

	assert.NoError(t, co.DeleteRoom(ctx, room.Id, "alice"))
	assert.False(t, roomLoaded(co, room.Id))
	_, err = store.Get(ctx, roomKeyPrefix+room.Id)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	_, err = co.GetRoom(ctx, room.Id)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestCoordinator_ListRoomsByUser(t *testing.T) {
	co, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := co.CreateRoom(ctx, CreateRoomParams{Name: "a", Kind: types.RoomKindChat, OwnerUserId: "alice"})
	assert.NoError(t, err)
	_, err = co.CreateRoom(ctx, CreateRoomParams{Name: "b", Kind: types.RoomKindChat, OwnerUserId: "alice"})
	assert.NoError(t, err)
	_, err = co.CreateRoom(ctx, CreateRoomParams{Name: "c", Kind: types.RoomKindChat, OwnerUserId: "bob"})
	assert.NoError(t, err)

	rooms, err := co.ListRoomsByUser(ctx, "alice")
	assert.NoError(t, err)
	assert.Len(t, rooms, 2)
	for _, r := range rooms {
		assert.Equal(t, "alice", r.OwnerUserId)
	}
}

func TestCoordinator_ForceDisconnect(t *testing.T) {
	co, _ := newTestCoordinator(t)

	c := testClient(co, "conn-1", "sess-1", "alice")
	co.RegisterChan <- c
	assert.Eventually(t, func() bool {
		co.clientsLock.RLock()
		defer co.clientsLock.RUnlock()
		_, ok := co.clients[c.id]
		return ok
	}, time.Second, 10*time.Millisecond)

	assert.NoError(t, co.ForceDisconnect("conn-1"))
	select {
	case <-c.stop:
	case <-time.After(time.Second):
		t.Fatal("expected the connection to be stopped")
	}

	assert.ErrorIs(t, co.ForceDisconnect("conn-unknown"), ErrConnectionNotFound)
}

func TestCoordinator_CleanupExpiresSessionsAndIdleConnections(t *testing.T) {
	co, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)
	_, err = co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "bob"})
	assert.NoError(t, err)

	idle := testClient(co, "conn-idle", "sess-x", "carol")
	idle.lastActivity.Store(time.Now().Add(-10 * time.Minute).UnixMilli())
	co.RegisterChan <- idle
	assert.Eventually(t, func() bool {
		co.clientsLock.RLock()
		defer co.clientsLock.RUnlock()
		return len(co.clients) == 1
	}, time.Second, 10*time.Millisecond)

	co.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	report := co.Cleanup(ctx)
	assert.Equal(t, 2, report.ExpiredSessions)
	assert.Equal(t, 1, report.ClosedConnections)

	select {
	case <-idle.stop:
	case <-time.After(time.Second):
		t.Fatal("expected the idle connection to be closed")
	}
}

func TestCoordinator_SnapshotAggregates(t *testing.T) {
	co, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := co.CreateSession(ctx, CreateSessionParams{OwnerUserId: "alice"})
	assert.NoError(t, err)
	_, err = co.CreateRoom(ctx, CreateRoomParams{Name: "a", Kind: types.RoomKindChat, OwnerUserId: "alice"})
	assert.NoError(t, err)

	snap := co.Snapshot()
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, 1, snap.ActiveRooms)
	assert.Equal(t, int64(1), snap.TotalSessions)
	assert.Equal(t, 0, snap.ActiveConnections)
}

// newQuotaService builds a quota service around a mock repository that
// knows no users and no overrides, which makes every check fall back to
// free-tier defaults.
func newQuotaService(logger *log.Logger, cacheSvc *cache.Service) *quota.Service {
	repo := &database.MockRepository{}
	repo.On("GetQuotaOverride", mock.Anything, mock.Anything).
		Return(database.QuotaOverride{}, sql.ErrNoRows).Maybe()
	repo.On("GetUserById", mock.Anything).
		Return(database.User{}, sql.ErrNoRows).Maybe()
	repo.On("GetQuotaCounter", mock.Anything, mock.Anything, mock.Anything).
		Return(database.QuotaCounter{}, sql.ErrNoRows).Maybe()
	repo.On("IncrementQuotaCounter", mock.Anything).
		Return(database.QuotaCounter{UsedCount: 1}, nil).Maybe()
	repo.On("AppendAuditEvent", mock.Anything).Return(nil).Maybe()
	return quota.NewService(logger, cacheSvc, repo, nil)
}
