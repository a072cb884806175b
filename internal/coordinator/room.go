package coordinator

import (
	"log"

	"github.com/youming-ai/parsify-realtime/internal/stats"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

const roomEventRingSize = 50

type exitReq struct {
	deleted bool
	done    chan struct{}
}

type joinRequest struct {
	client *Client
	// resp receives nil or the join rejection; optional
	resp chan error
}

type leaveRequest struct {
	client *Client
	notify bool
	done   chan struct{}
}

type publishRequest struct {
	client  *Client
	payload DataPayload
}

type opRequest struct {
	client  *Client
	payload CollaborationPayload
	// resp receives nil or the rejection; optional
	resp chan error
}

type roomUpdate struct {
	requestingUserId string
	name             *string
	locked           *bool
	maxParticipants  *int
	settings         *types.RoomSettings
	resp             chan roomUpdateResult
}

type roomUpdateResult struct {
	room types.Room
	err  error
}

// Room is the actor owning one collaboration room. All state mutations
// run on the actor goroutine; other goroutines talk to it over the
// request channels only.
type Room struct {
	state        types.Room
	co           *Coordinator
	log          *log.Logger
	participants map[*Client]*types.Participant

	joinChan    chan *joinRequest
	leaveChan   chan *leaveRequest
	publishChan chan *publishRequest
	opChan      chan *opRequest
	queryChan   chan chan types.Room
	historyChan chan chan []types.RoomEvent
	updateChan  chan *roomUpdate
	exit        chan exitReq
	done        chan struct{}

	recent []types.RoomEvent
}

func newRoom(state types.Room, co *Coordinator) *Room {
	return &Room{
		state:        state,
		co:           co,
		log:          co.log,
		participants: make(map[*Client]*types.Participant),
		joinChan:     make(chan *joinRequest, 256),
		leaveChan:    make(chan *leaveRequest, 256),
		publishChan:  make(chan *publishRequest, 256),
		opChan:       make(chan *opRequest, 256),
		queryChan:    make(chan chan types.Room, 64),
		historyChan:  make(chan chan []types.RoomEvent, 64),
		updateChan:   make(chan *roomUpdate, 64),
		exit:         make(chan exitReq),
		done:         make(chan struct{}),
	}
}

func (r *Room) Id() string { return r.state.Id }

func (r *Room) start() {
	r.log.Printf("starting room %q", r.state.Id)
	defer close(r.done)

	for {
		select {
		case join := <-r.joinChan:
			r.handleJoin(join)
		case leave := <-r.leaveChan:
			r.handleLeave(leave)
		case pub := <-r.publishChan:
			r.handlePublish(pub)
		case op := <-r.opChan:
			r.handleOp(op)
		case resp := <-r.queryChan:
			resp <- r.snapshot()
		case resp := <-r.historyChan:
			resp <- r.recentEvents()
		case upd := <-r.updateChan:
			r.handleUpdate(upd)
		case e := <-r.exit:
			r.handleExit(e)
			return
		}
	}
}

// Snapshot returns a copy of the room state, safe to read outside the
// actor goroutine.
func (r *Room) Snapshot() types.Room {
	resp := make(chan types.Room, 1)
	select {
	case r.queryChan <- resp:
		return <-resp
	case <-r.done:
		return r.state
	}
}

func (r *Room) snapshot() types.Room {
	snap := r.state
	snap.Participants = make([]types.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	snap.Data = cloneData(r.state.Data)
	return snap
}

func (r *Room) recordEvent(op, userId, connectionId string) {
	ev := types.RoomEvent{
		Operation:    op,
		UserId:       userId,
		ConnectionId: connectionId,
		Timestamp:    Now(),
	}
	r.recent = append(r.recent, ev)
	if len(r.recent) > roomEventRingSize {
		r.recent = r.recent[len(r.recent)-roomEventRingSize:]
	}
}

func (r *Room) recentEvents() []types.RoomEvent {
	events := make([]types.RoomEvent, len(r.recent))
	copy(events, r.recent)
	return events
}

// History returns a copy of the in-memory recent activity ring. The
// copy is taken on the actor goroutine; after the actor has stopped the
// ring is no longer written and can be read directly.
func (r *Room) History() []types.RoomEvent {
	resp := make(chan []types.RoomEvent, 1)
	select {
	case r.historyChan <- resp:
		return <-resp
	case <-r.done:
		return r.recentEvents()
	}
}

func (r *Room) handleJoin(join *joinRequest) {
	c := join.client

	reply := func(err error) {
		if join.resp != nil {
			join.resp <- err
		}
	}

	// idempotent join
	if _, ok := r.participants[c]; ok {
		c.queueFrame(RoomJoinedFrame(r.snapshot()))
		reply(nil)
		return
	}

	if r.state.Locked {
		c.queueFrame(ErrorFrame(ErrRoomLocked.Error()))
		reply(ErrRoomLocked)
		return
	}

	if len(r.participants) >= r.state.MaxParticipants {
		c.queueFrame(ErrorFrame(ErrRoomFull.Error()))
		reply(ErrRoomFull)
		return
	}

	if c.userId == "" && !r.state.Settings.AllowAnonymous {
		c.queueFrame(ErrorFrame(ErrUnauthorized.Error()))
		reply(ErrUnauthorized)
		return
	}

	role := types.RoleEditor
	if c.userId != "" && c.userId == r.state.OwnerUserId {
		role = types.RoleOwner
	}

	participant := &types.Participant{
		UserId:       c.userId,
		ConnectionId: c.id,
		JoinedAt:     Now(),
		Role:         role,
		Permissions:  defaultPermissions(r.state.Kind, role),
	}

	r.participants[c] = participant
	r.state.LastActivityAt = Now()
	c.addRoom(r)
	r.recordEvent("join", c.userId, c.id)

	c.queueFrame(RoomJoinedFrame(r.snapshot()))
	r.broadcast(UserJoinedFrame(r.state.Id, c.userId, c.id), c)
	reply(nil)
}

func (r *Room) handleLeave(leave *leaveRequest) {
	defer func() {
		if leave.done != nil {
			close(leave.done)
		}
	}()

	c := leave.client
	if _, ok := r.participants[c]; !ok {
		return
	}

	delete(r.participants, c)
	c.delRoom(r.state.Id)
	r.state.LastActivityAt = Now()
	r.recordEvent("leave", c.userId, c.id)

	if leave.notify {
		c.queueFrame(RoomLeftFrame(r.state.Id))
	}
	r.broadcast(UserLeftFrame(r.state.Id, c.userId, c.id), c)

	// a room with zero participants is deleted
	if len(r.participants) == 0 {
		r.co.requestRoomUnload(r.state.Id, false)
	}
}

func (r *Room) handlePublish(pub *publishRequest) {
	if _, ok := r.participants[pub.client]; !ok {
		pub.client.queueFrame(ErrorFrame(ErrNotParticipant.Error()))
		return
	}

	r.state.LastActivityAt = Now()
	r.broadcast(DataFrame(r.state.Id, pub.payload.Content, pub.client.id), pub.client)
}

// handleOp applies one collaboration operation: authorize, mutate a
// working copy, persist, then commit and broadcast. Persistence failures
// leave the in-memory state untouched so memory and storage cannot
// diverge.
func (r *Room) handleOp(op *opRequest) {
	c := op.client

	reply := func(err error) {
		if op.resp != nil {
			op.resp <- err
		}
	}

	participant, ok := r.participants[c]
	if !ok {
		c.queueFrame(ErrorFrame(ErrNotParticipant.Error()))
		reply(ErrNotParticipant)
		return
	}

	if !hasPermission(participant, op.payload.Operation) {
		c.queueFrame(ErrorFrame("Insufficient permissions"))
		reply(ErrInsufficientPermissions)
		return
	}

	data, err := applyOperation(cloneData(r.state.Data), op.payload)
	if err != nil {
		c.queueFrame(ErrorFrame(err.Error()))
		reply(err)
		return
	}

	candidate := r.state
	candidate.Data = data
	candidate.LastActivityAt = Now()

	if err := r.co.persistRoom(candidate); err != nil {
		r.log.Printf("persist room %q: %v", r.state.Id, err)
		c.queueFrame(ErrorFrame("internal error"))
		reply(err)
		return
	}

	r.state = candidate
	r.recordEvent(op.payload.Operation, c.userId, c.id)
	r.broadcast(CollaborationUpdateFrame(r.state.Id, op.payload.Operation, op.payload.Data, c.id), c)
	reply(nil)
}

func applyOperation(data map[string]any, payload CollaborationPayload) (map[string]any, error) {
	if data == nil {
		data = make(map[string]any)
	}

	switch payload.Operation {
	case OpUpdateData:
		for k, v := range payload.Data {
			data[k] = v
		}
		return data, nil
	case OpAppendData:
		items, _ := data["items"].([]any)
		items = append(items, payload.Data)
		data["items"] = items
		return data, nil
	case OpClearData:
		return make(map[string]any), nil
	default:
		return nil, ErrUnknownOperation
	}
}

func cloneData(data map[string]any) map[string]any {
	cloned := make(map[string]any, len(data))
	for k, v := range data {
		cloned[k] = v
	}
	return cloned
}

func (r *Room) handleUpdate(upd *roomUpdate) {
	if r.state.OwnerUserId != "" && upd.requestingUserId != r.state.OwnerUserId {
		upd.resp <- roomUpdateResult{err: ErrUnauthorized}
		return
	}

	candidate := r.state
	if upd.name != nil {
		candidate.Name = *upd.name
	}
	if upd.locked != nil {
		candidate.Locked = *upd.locked
	}
	if upd.maxParticipants != nil && *upd.maxParticipants > 0 {
		candidate.MaxParticipants = *upd.maxParticipants
	}
	if upd.settings != nil {
		candidate.Settings = *upd.settings
	}
	candidate.LastActivityAt = Now()

	if err := r.co.persistRoom(candidate); err != nil {
		upd.resp <- roomUpdateResult{err: err}
		return
	}

	r.state = candidate
	upd.resp <- roomUpdateResult{room: r.snapshot()}
}

// handleExit runs when the coordinator unloads the room, either because
// it emptied out or because the owner deleted it. Owner deletion
// force-notifies every participant first.
func (r *Room) handleExit(e exitReq) {
	r.log.Printf("room %q is exiting", r.state.Id)

	if e.deleted {
		r.broadcast(RoomLeftFrame(r.state.Id), nil)
	}

	for c := range r.participants {
		c.delRoom(r.state.Id)
	}
	r.participants = make(map[*Client]*types.Participant)

	if e.done != nil {
		close(e.done)
	}
}

// broadcast delivers best-effort to every participant except skip; a
// failed enqueue only marks that connection inactive.
func (r *Room) broadcast(frame *ServerFrame, skip *Client) {
	for c := range r.participants {
		if c == skip {
			continue
		}
		c.queueFrame(frame)
	}
	r.co.stats.Incr(stats.BroadcastsSent)
}
