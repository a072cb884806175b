package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/stats"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024

	// connections quiet for longer than this are reaped by the cleanup pass
	idleConnectionTimeout = 5 * time.Minute
)

// CloseForceDisconnect is the close code sent on an admin
// force-disconnect.
const CloseForceDisconnect = 4001

type Client struct {
	id        string
	sessionId string
	userId    string
	conn      *websocket.Conn
	co        *Coordinator
	session   *SessionActor
	log       *log.Logger
	meta      types.ConnectionMeta

	connectedAt  time.Time
	lastActivity atomic.Int64
	lastPing     atomic.Int64
	lastPong     atomic.Int64
	active       atomic.Bool

	send      chan *ServerFrame
	rooms     map[string]*Room
	roomsLock sync.RWMutex
	stop      chan struct{}
	stopOnce  sync.Once
	closeCode int
	closeText string
}

func newClient(id, sessionId, userId string, conn *websocket.Conn, co *Coordinator, session *SessionActor, meta types.ConnectionMeta, l *log.Logger) *Client {
	c := &Client{
		id:          id,
		sessionId:   sessionId,
		userId:      userId,
		conn:        conn,
		co:          co,
		session:     session,
		log:         l,
		meta:        meta,
		connectedAt: time.Now(),
		send:        make(chan *ServerFrame, 256),
		rooms:       make(map[string]*Room),
		stop:        make(chan struct{}),
	}
	c.active.Store(true)
	c.lastActivity.Store(time.Now().UnixMilli())
	return c
}

// Snapshot returns the wire representation of the connection.
func (c *Client) Snapshot() types.Connection {
	c.roomsLock.RLock()
	roomIds := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		roomIds = append(roomIds, id)
	}
	c.roomsLock.RUnlock()

	return types.Connection{
		Id:             c.id,
		SessionId:      c.sessionId,
		OwnerUserId:    c.userId,
		ConnectedAt:    c.connectedAt,
		LastActivityAt: time.UnixMilli(c.lastActivity.Load()),
		LastPingAt:     time.UnixMilli(c.lastPing.Load()),
		LastPongAt:     time.UnixMilli(c.lastPong.Load()),
		Metadata:       c.meta,
		RoomIds:        roomIds,
		Active:         c.active.Load(),
	}
}

// quotaIdentifier is what the quota service keys this connection's
// counters by: the user when known, else the client IP, else the
// session id.
func (c *Client) quotaIdentifier() string {
	if c.userId != "" {
		return c.userId
	}
	if c.meta.Ip != "" {
		return c.meta.Ip
	}
	return c.sessionId
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("write pump for connection %q exiting", c.id)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeFrame(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			if c.closeCode != 0 {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, msg)
			}
			return
		case <-ticker.C:
			c.lastPing.Store(time.Now().UnixMilli())
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("read pump for connection %q exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.lastPong.Store(time.Now().UnixMilli())
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.lastActivity.Store(time.Now().UnixMilli())

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(ErrorFrame("invalid message format"))
			continue
		}

		// quota gate before any dispatch; a denial drops the message
		// but never the socket
		res := c.co.quota.CheckAndConsume(context.Background(), c.quotaIdentifier(), quota.QuotaWebsocketMessages, 1, quota.Options{})
		if !res.Allowed {
			c.co.stats.Incr(stats.RateLimitedMessages)
			c.queueFrame(RateLimitedFrame(res.RetryAfter))
			continue
		}

		c.co.stats.Incr(stats.MessagesProcessed)
		c.dispatch(&frame)
	}
}

func (c *Client) dispatch(frame *ClientFrame) {
	switch frame.Type {
	case FramePing, FrameHeartbeat:
		c.queueFrame(PongFrame())
	case FrameData:
		payload, err := frame.DataPayload()
		if err != nil {
			c.queueFrame(ErrorFrame("invalid data payload"))
			return
		}
		c.publishData(payload)
	case FrameJoinRoom:
		payload, err := frame.JoinRoomPayload()
		if err != nil {
			c.queueFrame(ErrorFrame("invalid join_room payload"))
			return
		}
		c.joinRoom(payload.RoomId)
	case FrameLeaveRoom:
		payload, err := frame.LeaveRoomPayload()
		if err != nil {
			c.queueFrame(ErrorFrame("invalid leave_room payload"))
			return
		}
		c.leaveRoom(payload.RoomId)
	case FrameCollaboration:
		payload, err := frame.CollaborationPayload()
		if err != nil {
			c.queueFrame(ErrorFrame("invalid collaboration payload"))
			return
		}
		c.collaborate(payload)
	default:
		c.queueFrame(ErrorFrame("unknown message type"))
	}
}

// publishData broadcasts a data frame to all rooms the connection is in,
// or to the whole session when it is in none.
func (c *Client) publishData(payload DataPayload) {
	c.roomsLock.RLock()
	targets := make([]*Room, 0, len(c.rooms))
	if payload.RoomId != "" {
		if r, ok := c.rooms[payload.RoomId]; ok {
			targets = append(targets, r)
		}
	} else {
		for _, r := range c.rooms {
			targets = append(targets, r)
		}
	}
	c.roomsLock.RUnlock()

	if len(targets) == 0 && payload.RoomId == "" {
		c.session.Broadcast(DataFrame("", payload.Content, c.id), c)
		return
	}
	if len(targets) == 0 {
		c.queueFrame(ErrorFrame(ErrNotParticipant.Error()))
		return
	}

	for _, r := range targets {
		select {
		case r.publishChan <- &publishRequest{client: c, payload: payload}:
		default:
			c.log.Printf("publish channel full for room %q", r.Id())
			c.queueFrame(ErrorFrame("service unavailable"))
		}
	}
}

func (c *Client) joinRoom(roomId string) {
	room, err := c.co.lookupRoom(roomId)
	if err != nil {
		c.queueFrame(ErrorFrame(ErrRoomNotFound.Error()))
		return
	}

	select {
	case room.joinChan <- &joinRequest{client: c}:
	default:
		c.log.Printf("join channel full for room %q", roomId)
		c.queueFrame(ErrorFrame("service unavailable"))
	}
}

func (c *Client) leaveRoom(roomId string) {
	r := c.getRoom(roomId)
	if r == nil {
		c.queueFrame(ErrorFrame(ErrNotParticipant.Error()))
		return
	}

	select {
	case r.leaveChan <- &leaveRequest{client: c, notify: true}:
	default:
		c.log.Printf("leave channel full for room %q", roomId)
		c.queueFrame(ErrorFrame("service unavailable"))
	}
}

func (c *Client) collaborate(payload CollaborationPayload) {
	r := c.getRoom(payload.RoomId)
	if r == nil {
		c.queueFrame(ErrorFrame(ErrNotParticipant.Error()))
		return
	}

	select {
	case r.opChan <- &opRequest{client: c, payload: payload}:
	default:
		c.log.Printf("op channel full for room %q", payload.RoomId)
		c.queueFrame(ErrorFrame("service unavailable"))
	}
}

// queueFrame enqueues an outbound frame without blocking. A full send
// buffer marks the connection inactive so the next sweep removes it.
func (c *Client) queueFrame(frame *ServerFrame) bool {
	select {
	case c.send <- frame:
	default:
		c.log.Printf("send buffer full for connection %q, marking inactive", c.id)
		c.active.Store(false)
		return false
	}

	return true
}

func serializeFrame(frame *ServerFrame) ([]byte, error) {
	return json.Marshal(frame)
}

func (c *Client) writeMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		c.active.Store(false)
		return false
	}

	return true
}

// forceClose schedules a close frame with the given code and stops the
// connection. In-flight message handling completes; the read pump then
// runs the usual cleanup.
func (c *Client) forceClose(code int, reason string) {
	c.closeCode = code
	c.closeText = reason
	c.stopClient()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup detaches the connection from its rooms and session; removal is
// atomic from the caller's perspective because each room actor confirms
// the leave before the session detach proceeds.
func (c *Client) cleanup() {
	c.active.Store(false)
	c.leaveAllRooms()
	c.session.Detach(c)
	c.co.deRegisterChan <- c
	c.stopClient()
}

func (c *Client) leaveAllRooms() {
	c.roomsLock.RLock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.roomsLock.RUnlock()

	for _, room := range rooms {
		done := make(chan struct{})
		select {
		case room.leaveChan <- &leaveRequest{client: c, notify: true, done: done}:
			<-done
		case <-time.After(writeWait):
			c.log.Printf("leave channel full for room %q during cleanup", room.Id())
		}
	}
}

func (c *Client) delRoom(id string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, id)
}

func (c *Client) addRoom(r *Room) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[r.Id()] = r
}

func (c *Client) getRoom(id string) *Room {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	return c.rooms[id]
}
