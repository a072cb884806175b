package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/kv"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

const (
	cleanupInterval        = 5 * time.Minute
	defaultMaxParticipants = 10

	sessionKeyPrefix = "session:"
	roomKeyPrefix    = "room:"
)

type roomUnload struct {
	id      string
	deleted bool
	done    chan struct{}
}

type sessionRemoval struct {
	id       string
	duration time.Duration
}

// Coordinator owns the registries of live connections, session actors
// and room actors. Registration and teardown flow through its run loop;
// the per-id actors own all session and room state.
type Coordinator struct {
	log   *log.Logger
	kv    kv.Store
	cache *cache.Service
	quota *quota.Service
	stats stats.StatsProvider
	sid   *shortid.Shortid
	now   func() time.Time

	clientsLock sync.RWMutex
	clients     map[string]*Client

	sessionsLock sync.RWMutex
	sessions     map[string]*SessionActor

	roomsLock sync.RWMutex
	rooms     map[string]*Room

	RegisterChan      chan *Client
	deRegisterChan    chan *Client
	unloadRoomChan    chan roomUnload
	removeSessionChan chan sessionRemoval

	aggLock            sync.Mutex
	totalSessions      int64
	completedSessions  int64
	totalSessionTime   time.Duration
	peakConnections    int

	stop chan struct{}
	done chan struct{}
}

func NewCoordinator(store kv.Store, cacheSvc *cache.Service, quotaSvc *quota.Service, sp stats.StatsProvider, l *log.Logger) *Coordinator {
	sid, err := shortid.New(1, shortid.DefaultABC, rand.Uint64())
	if err != nil {
		panic(err)
	}

	co := &Coordinator{
		log:               l,
		kv:                store,
		cache:             cacheSvc,
		quota:             quotaSvc,
		stats:             sp,
		sid:               sid,
		now:               time.Now,
		clients:           make(map[string]*Client),
		sessions:          make(map[string]*SessionActor),
		rooms:             make(map[string]*Room),
		RegisterChan:      make(chan *Client, 64),
		deRegisterChan:    make(chan *Client, 64),
		unloadRoomChan:    make(chan roomUnload, 64),
		removeSessionChan: make(chan sessionRemoval, 256),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}

	for _, name := range []string{
		stats.ActiveConnections,
		stats.TotalSessions,
		stats.ActiveRooms,
		stats.MessagesProcessed,
		stats.RateLimitedMessages,
		stats.BroadcastsSent,
	} {
		sp.RegisterMetric(name)
	}

	return co
}

// Run processes registrations, unloads and the periodic cleanup pass
// until Shutdown is called.
func (co *Coordinator) Run() {
	co.log.Println("coordinator started")
	defer close(co.done)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-co.RegisterChan:
			co.registerClient(c)
		case c := <-co.deRegisterChan:
			co.deRegisterClient(c)
		case u := <-co.unloadRoomChan:
			co.unloadRoom(u)
		case rm := <-co.removeSessionChan:
			co.removeSession(rm)
		case <-ticker.C:
			go func() {
				report := co.Cleanup(context.Background())
				if report.ExpiredSessions+report.ClosedConnections > 0 {
					co.log.Printf("cleanup pass: %d sessions expired, %d idle connections closed",
						report.ExpiredSessions, report.ClosedConnections)
				}
			}()
		case <-co.stop:
			co.log.Println("coordinator stopping")
			co.closeAllClients()
			return
		}
	}
}

// Shutdown stops the run loop and waits for it, or gives up when ctx
// expires.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	close(co.stop)
	select {
	case <-co.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (co *Coordinator) registerClient(c *Client) {
	co.clientsLock.Lock()
	co.clients[c.id] = c
	total := len(co.clients)
	co.clientsLock.Unlock()

	co.stats.Incr(stats.ActiveConnections)

	co.aggLock.Lock()
	if total > co.peakConnections {
		co.peakConnections = total
	}
	co.aggLock.Unlock()

	co.log.Printf("registered connection %q for session %q", c.id, c.sessionId)
}

func (co *Coordinator) deRegisterClient(c *Client) {
	co.clientsLock.Lock()
	_, ok := co.clients[c.id]
	delete(co.clients, c.id)
	co.clientsLock.Unlock()

	if ok {
		co.stats.Decr(stats.ActiveConnections)
		co.log.Printf("deregistered connection %q", c.id)
	}
}

func (co *Coordinator) closeAllClients() {
	co.clientsLock.RLock()
	clients := make([]*Client, 0, len(co.clients))
	for _, c := range co.clients {
		clients = append(clients, c)
	}
	co.clientsLock.RUnlock()

	for _, c := range clients {
		c.forceClose(websocket.CloseGoingAway, "server shutting down")
	}
}

func (co *Coordinator) unloadRoom(u roomUnload) {
	co.roomsLock.Lock()
	r, ok := co.rooms[u.id]
	delete(co.rooms, u.id)
	co.roomsLock.Unlock()

	if !ok {
		if u.done != nil {
			close(u.done)
		}
		return
	}

	co.stats.Decr(stats.ActiveRooms)

	// the exit send must not block the run loop; the room actor may be
	// mid-request
	go func() {
		select {
		case r.exit <- exitReq{deleted: u.deleted, done: u.done}:
		case <-r.done:
			if u.done != nil {
				close(u.done)
			}
		}
	}()
}

// requestRoomUnload is called from the room actor itself when it
// empties out, so it must never block.
func (co *Coordinator) requestRoomUnload(id string, deleted bool) {
	select {
	case co.unloadRoomChan <- roomUnload{id: id, deleted: deleted}:
	default:
		co.log.Printf("unload channel full, room %q stays loaded", id)
	}
}

func (co *Coordinator) removeSession(rm sessionRemoval) {
	co.sessionsLock.Lock()
	_, ok := co.sessions[rm.id]
	delete(co.sessions, rm.id)
	co.sessionsLock.Unlock()

	if !ok {
		return
	}

	co.aggLock.Lock()
	co.completedSessions++
	co.totalSessionTime += rm.duration
	co.aggLock.Unlock()

	co.log.Printf("removed session %q after %s", rm.id, rm.duration.Round(time.Second))
}

// requestSessionRemoval is called from session actors; it must never
// block.
func (co *Coordinator) requestSessionRemoval(id string, duration time.Duration) {
	select {
	case co.removeSessionChan <- sessionRemoval{id: id, duration: duration}:
	default:
		co.log.Printf("removal channel full, session %q stays registered", id)
	}
}

// Session persistence. Each actor mirrors its state into the key-value
// store so sessions survive a restart; the write happens before the
// actor commits the matching in-memory change.

func (co *Coordinator) persistSession(s types.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}

	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return co.kv.Put(context.Background(), sessionKeyPrefix+s.Id, b, ttl)
}

func (co *Coordinator) loadSession(ctx context.Context, id string) (types.Session, error) {
	b, err := co.kv.Get(ctx, sessionKeyPrefix+id)
	if err != nil {
		return types.Session{}, err
	}

	var s types.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return types.Session{}, err
	}
	return s, nil
}

func (co *Coordinator) deleteSessionMirror(id string) {
	if _, err := co.kv.Delete(context.Background(), sessionKeyPrefix+id); err != nil {
		co.log.Printf("delete session mirror %q: %v", id, err)
	}
}

type CreateSessionParams struct {
	OwnerUserId string
	IpAddress   string
	UserAgent   string
	Data        map[string]any
	Persistent  bool
	Tier        types.SubscriptionTier
}

func (co *Coordinator) CreateSession(ctx context.Context, params CreateSessionParams) (types.Session, error) {
	now := co.now()
	tier := params.Tier
	if tier == "" {
		tier = types.TierFree
	}

	session := types.Session{
		Id:             uuid.NewString(),
		OwnerUserId:    params.OwnerUserId,
		IpAddress:      params.IpAddress,
		UserAgent:      params.UserAgent,
		Data:           cloneData(params.Data),
		ConnectionIds:  []string{},
		Persistent:     params.Persistent,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(defaultSessionTTL),
		RateLimit:      types.RateLimitState{Tier: tier, WindowStart: now},
	}

	if err := co.persistSession(session); err != nil {
		return types.Session{}, err
	}

	sa := newSessionActor(session, co)
	co.sessionsLock.Lock()
	co.sessions[session.Id] = sa
	co.sessionsLock.Unlock()
	go sa.run()

	co.stats.Incr(stats.TotalSessions)
	co.aggLock.Lock()
	co.totalSessions++
	co.aggLock.Unlock()

	co.log.Printf("created session %q", session.Id)
	return session, nil
}

// getSessionActor returns the live actor for id, reviving it from the
// mirror when the session is persisted but not resident.
func (co *Coordinator) getSessionActor(ctx context.Context, id string) (*SessionActor, error) {
	co.sessionsLock.RLock()
	sa, ok := co.sessions[id]
	co.sessionsLock.RUnlock()
	if ok {
		return sa, nil
	}

	s, err := co.loadSession(ctx, id)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	if s.Expired(co.now()) {
		co.deleteSessionMirror(id)
		return nil, ErrSessionNotFound
	}

	co.sessionsLock.Lock()
	defer co.sessionsLock.Unlock()
	if sa, ok := co.sessions[id]; ok {
		return sa, nil
	}

	// revived sessions start with no connections
	s.ConnectionIds = []string{}
	s.Collaboration.ActiveCount = 0
	sa = newSessionActor(s, co)
	co.sessions[id] = sa
	go sa.run()
	return sa, nil
}

func (co *Coordinator) GetSession(ctx context.Context, id string) (types.Session, error) {
	sa, err := co.getSessionActor(ctx, id)
	if err != nil {
		return types.Session{}, err
	}

	snap, ok := sa.Snapshot()
	if !ok {
		return types.Session{}, ErrSessionNotFound
	}
	if snap.Expired(co.now()) {
		sa.ExpireIfDue(co.now())
		return types.Session{}, ErrSessionNotFound
	}
	return snap, nil
}

func (co *Coordinator) UpdateSession(ctx context.Context, id, requestingUserId string, data map[string]any, persistent *bool) (types.Session, error) {
	sa, err := co.getSessionActor(ctx, id)
	if err != nil {
		return types.Session{}, err
	}
	return sa.Update(requestingUserId, data, persistent)
}

func (co *Coordinator) DeleteSession(ctx context.Context, id, requestingUserId string) error {
	co.sessionsLock.RLock()
	sa, ok := co.sessions[id]
	co.sessionsLock.RUnlock()

	if ok {
		return sa.Delete(requestingUserId)
	}

	s, err := co.loadSession(ctx, id)
	if err != nil {
		return ErrSessionNotFound
	}
	if s.OwnerUserId != "" && requestingUserId != s.OwnerUserId {
		return ErrUnauthorized
	}
	co.deleteSessionMirror(id)
	return nil
}

// Room persistence and lifecycle.

func (co *Coordinator) persistRoom(r types.Room) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return co.kv.Put(context.Background(), roomKeyPrefix+r.Id, b, 0)
}

type CreateRoomParams struct {
	Name            string
	Kind            types.RoomKind
	OwnerUserId     string
	MaxParticipants int
	Locked          bool
	Settings        types.RoomSettings
	Data            map[string]any
}

func (co *Coordinator) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	if !params.Kind.Valid() {
		return types.Room{}, ErrUnknownRoomKind
	}

	id, err := co.sid.Generate()
	if err != nil {
		id = uuid.NewString()
	}

	maxParticipants := params.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = defaultMaxParticipants
	}

	now := co.now()
	room := types.Room{
		Id:              id,
		Name:            params.Name,
		Kind:            params.Kind,
		OwnerUserId:     params.OwnerUserId,
		Participants:    []types.Participant{},
		Data:            cloneData(params.Data),
		CreatedAt:       now,
		LastActivityAt:  now,
		MaxParticipants: maxParticipants,
		Locked:          params.Locked,
		Settings:        params.Settings,
	}

	if err := co.persistRoom(room); err != nil {
		return types.Room{}, err
	}

	r := newRoom(room, co)
	co.roomsLock.Lock()
	co.rooms[room.Id] = r
	co.roomsLock.Unlock()
	go r.start()

	co.stats.Incr(stats.ActiveRooms)
	co.log.Printf("created room %q (%s)", room.Id, room.Kind)
	return room, nil
}

// lookupRoom returns the live actor for id, reviving it from the
// key-value mirror when the room is persisted but not resident.
func (co *Coordinator) lookupRoom(id string) (*Room, error) {
	co.roomsLock.RLock()
	r, ok := co.rooms[id]
	co.roomsLock.RUnlock()
	if ok {
		return r, nil
	}

	b, err := co.kv.Get(context.Background(), roomKeyPrefix+id)
	if err != nil {
		return nil, ErrRoomNotFound
	}

	var state types.Room
	if err := json.Unmarshal(b, &state); err != nil {
		co.log.Printf("corrupt room mirror %q: %v", id, err)
		return nil, ErrRoomNotFound
	}

	co.roomsLock.Lock()
	defer co.roomsLock.Unlock()
	if r, ok := co.rooms[id]; ok {
		return r, nil
	}

	// revived rooms start with no participants
	state.Participants = []types.Participant{}
	r = newRoom(state, co)
	co.rooms[id] = r
	go r.start()
	co.stats.Incr(stats.ActiveRooms)
	return r, nil
}

func (co *Coordinator) GetRoom(ctx context.Context, id string) (types.Room, error) {
	r, err := co.lookupRoom(id)
	if err != nil {
		return types.Room{}, err
	}
	return r.Snapshot(), nil
}

type RoomUpdateParams struct {
	Name            *string
	Locked          *bool
	MaxParticipants *int
	Settings        *types.RoomSettings
}

func (co *Coordinator) UpdateRoom(ctx context.Context, id, requestingUserId string, params RoomUpdateParams) (types.Room, error) {
	r, err := co.lookupRoom(id)
	if err != nil {
		return types.Room{}, err
	}

	resp := make(chan roomUpdateResult, 1)
	upd := &roomUpdate{
		requestingUserId: requestingUserId,
		name:             params.Name,
		locked:           params.Locked,
		maxParticipants:  params.MaxParticipants,
		settings:         params.Settings,
		resp:             resp,
	}

	select {
	case r.updateChan <- upd:
	case <-r.done:
		return types.Room{}, ErrRoomNotFound
	}

	select {
	case res := <-resp:
		return res.room, res.err
	case <-r.done:
		return types.Room{}, ErrRoomNotFound
	case <-ctx.Done():
		return types.Room{}, ctx.Err()
	}
}

// DeleteRoom removes the room's mirror and unloads the actor,
// force-notifying every participant. Only the owner may delete an owned
// room.
func (co *Coordinator) DeleteRoom(ctx context.Context, id, requestingUserId string) error {
	r, err := co.lookupRoom(id)
	if err != nil {
		return err
	}

	state := r.Snapshot()
	if state.OwnerUserId != "" && requestingUserId != state.OwnerUserId {
		return ErrUnauthorized
	}

	if _, err := co.kv.Delete(ctx, roomKeyPrefix+id); err != nil {
		return err
	}

	done := make(chan struct{})
	select {
	case co.unloadRoomChan <- roomUnload{id: id, deleted: true, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListRoomsByUser returns rooms the user owns plus rooms they are
// currently connected to.
func (co *Coordinator) ListRoomsByUser(ctx context.Context, userId string) ([]types.Room, error) {
	seen := make(map[string]types.Room)

	pairs, err := co.kv.List(ctx, roomKeyPrefix)
	if err != nil {
		return nil, err
	}
	for _, b := range pairs {
		var room types.Room
		if err := json.Unmarshal(b, &room); err != nil {
			continue
		}
		if room.OwnerUserId == userId {
			seen[room.Id] = room
		}
	}

	co.roomsLock.RLock()
	live := make([]*Room, 0, len(co.rooms))
	for _, r := range co.rooms {
		live = append(live, r)
	}
	co.roomsLock.RUnlock()

	for _, r := range live {
		snap := r.Snapshot()
		if _, ok := seen[snap.Id]; ok {
			seen[snap.Id] = snap
			continue
		}
		for _, p := range snap.Participants {
			if p.UserId == userId {
				seen[snap.Id] = snap
				break
			}
		}
	}

	rooms := make([]types.Room, 0, len(seen))
	for _, room := range seen {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// RoomHistory returns the recent activity ring of a resident room. The
// ring is in-memory only, so an unloaded room has no history.
func (co *Coordinator) RoomHistory(ctx context.Context, id string) ([]types.RoomEvent, error) {
	co.roomsLock.RLock()
	r, ok := co.rooms[id]
	co.roomsLock.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r.History(), nil
}

// Websocket attachment.

type ConnectParams struct {
	SessionId string
	UserId    string
	RoomId    string
	Meta      types.ConnectionMeta
}

// Connect binds an upgraded websocket to a session and starts the read
// and write pumps. An empty session id creates a fresh session owned by
// the connecting user.
func (co *Coordinator) Connect(ctx context.Context, conn *websocket.Conn, params ConnectParams) (*Client, error) {
	var sa *SessionActor
	var err error

	if params.SessionId == "" {
		session, err := co.CreateSession(ctx, CreateSessionParams{
			OwnerUserId: params.UserId,
			IpAddress:   params.Meta.Ip,
			UserAgent:   params.Meta.UserAgent,
		})
		if err != nil {
			return nil, err
		}
		params.SessionId = session.Id
	}

	sa, err = co.getSessionActor(ctx, params.SessionId)
	if err != nil {
		return nil, err
	}

	c := newClient(uuid.NewString(), params.SessionId, params.UserId, conn, co, sa, params.Meta, co.log)
	if err := sa.Attach(c); err != nil {
		return nil, err
	}

	select {
	case co.RegisterChan <- c:
	case <-co.stop:
		return nil, context.Canceled
	}

	go c.Write()
	go c.Read()

	c.queueFrame(ConnectedFrame(params.SessionId, c.id, []string{"rooms", "collaboration", "heartbeat"}))
	if params.RoomId != "" {
		c.joinRoom(params.RoomId)
	}
	return c, nil
}

// ForceDisconnect closes a live connection with the administrative
// close code.
func (co *Coordinator) ForceDisconnect(connectionId string) error {
	co.clientsLock.RLock()
	c, ok := co.clients[connectionId]
	co.clientsLock.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	c.forceClose(CloseForceDisconnect, "disconnected by administrator")
	return nil
}

// Cleanup.

type CleanupReport struct {
	ExpiredSessions   int `json:"expired_sessions"`
	ClosedConnections int `json:"closed_connections"`
}

// Cleanup expires overdue sessions and closes idle or dead
// connections. The run loop invokes it every five minutes; the admin
// surface can trigger it on demand.
func (co *Coordinator) Cleanup(ctx context.Context) CleanupReport {
	var report CleanupReport
	now := co.now()

	co.sessionsLock.RLock()
	actors := make([]*SessionActor, 0, len(co.sessions))
	for _, sa := range co.sessions {
		actors = append(actors, sa)
	}
	co.sessionsLock.RUnlock()

	for _, sa := range actors {
		if sa.ExpireIfDue(now) {
			report.ExpiredSessions++
		}
	}

	co.clientsLock.RLock()
	clients := make([]*Client, 0, len(co.clients))
	for _, c := range co.clients {
		clients = append(clients, c)
	}
	co.clientsLock.RUnlock()

	for _, c := range clients {
		idle := now.Sub(time.UnixMilli(c.lastActivity.Load()))
		if !c.active.Load() {
			c.forceClose(CloseForceDisconnect, "connection dead")
			report.ClosedConnections++
			continue
		}
		if idle > idleConnectionTimeout {
			c.forceClose(CloseForceDisconnect, "idle timeout")
			report.ClosedConnections++
		}
	}

	return report
}

// Stats snapshot for the health and stats endpoints.

type Stats struct {
	ActiveConnections         int   `json:"active_connections"`
	ActiveSessions            int   `json:"active_sessions"`
	ActiveRooms               int   `json:"active_rooms"`
	TotalSessions             int64 `json:"total_sessions"`
	AvgSessionDurationMs      int64 `json:"avg_session_duration_ms"`
	PeakConcurrentConnections int   `json:"peak_concurrent_connections"`
}

func (co *Coordinator) Snapshot() Stats {
	co.clientsLock.RLock()
	connections := len(co.clients)
	co.clientsLock.RUnlock()

	co.sessionsLock.RLock()
	sessions := len(co.sessions)
	co.sessionsLock.RUnlock()

	co.roomsLock.RLock()
	rooms := len(co.rooms)
	co.roomsLock.RUnlock()

	co.aggLock.Lock()
	defer co.aggLock.Unlock()

	var avg int64
	if co.completedSessions > 0 {
		avg = (co.totalSessionTime / time.Duration(co.completedSessions)).Milliseconds()
	}

	return Stats{
		ActiveConnections:         connections,
		ActiveSessions:            sessions,
		ActiveRooms:               rooms,
		TotalSessions:             co.totalSessions,
		AvgSessionDurationMs:      avg,
		PeakConcurrentConnections: co.peakConnections,
	}
}

// Connections returns wire snapshots of every live connection.
func (co *Coordinator) Connections() []types.Connection {
	co.clientsLock.RLock()
	defer co.clientsLock.RUnlock()

	conns := make([]types.Connection, 0, len(co.clients))
	for _, c := range co.clients {
		conns = append(conns, c.Snapshot())
	}
	return conns
}
