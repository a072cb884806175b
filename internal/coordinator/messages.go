package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/youming-ai/parsify-realtime/internal/types"
)

type FrameType string

// Inbound frame types.
const (
	FrameData          FrameType = "data"
	FrameHeartbeat     FrameType = "heartbeat"
	FramePing          FrameType = "ping"
	FrameJoinRoom      FrameType = "join_room"
	FrameLeaveRoom     FrameType = "leave_room"
	FrameCollaboration FrameType = "collaboration"
)

// Outbound frame types.
const (
	FramePong                FrameType = "pong"
	FrameConnected           FrameType = "connected"
	FrameRoomJoined          FrameType = "room_joined"
	FrameRoomLeft            FrameType = "room_left"
	FrameUserJoined          FrameType = "user_joined"
	FrameUserLeft            FrameType = "user_left"
	FrameCollaborationUpdate FrameType = "collaboration_update"
	FrameRateLimited         FrameType = "rate_limited"
	FrameError               FrameType = "error"
)

// Collaboration operation vocabulary. The set is closed; anything else
// is rejected before touching room state.
const (
	OpUpdateData = "update_data"
	OpAppendData = "append_data"
	OpClearData  = "clear_data"
)

// ClientFrame is the envelope every inbound websocket message arrives
// in. Data is decoded per frame type into one of the payload structs
// below so the dispatch switch stays exhaustive over a closed union.
type ClientFrame struct {
	Type      FrameType       `json:"type"`
	SessionId string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

type DataPayload struct {
	RoomId  string         `json:"roomId,omitempty"`
	Content map[string]any `json:"content,omitempty"`
}

type JoinRoomPayload struct {
	RoomId string `json:"roomId"`
}

type LeaveRoomPayload struct {
	RoomId string `json:"roomId"`
}

type CollaborationPayload struct {
	RoomId    string         `json:"roomId"`
	Operation string         `json:"operation"`
	Data      map[string]any `json:"data,omitempty"`
}

func (f *ClientFrame) DataPayload() (DataPayload, error) {
	var p DataPayload
	if len(f.Data) == 0 {
		return p, nil
	}
	err := json.Unmarshal(f.Data, &p)
	return p, err
}

func (f *ClientFrame) JoinRoomPayload() (JoinRoomPayload, error) {
	var p JoinRoomPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, err
	}
	if p.RoomId == "" {
		return p, fmt.Errorf("join_room: missing roomId")
	}
	return p, nil
}

func (f *ClientFrame) LeaveRoomPayload() (LeaveRoomPayload, error) {
	var p LeaveRoomPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, err
	}
	if p.RoomId == "" {
		return p, fmt.Errorf("leave_room: missing roomId")
	}
	return p, nil
}

func (f *ClientFrame) CollaborationPayload() (CollaborationPayload, error) {
	var p CollaborationPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return p, err
	}
	if p.RoomId == "" || p.Operation == "" {
		return p, fmt.Errorf("collaboration: missing roomId or operation")
	}
	return p, nil
}

// ServerFrame is the outbound websocket message envelope.
type ServerFrame struct {
	Type         FrameType `json:"type"`
	SessionId    string    `json:"sessionId,omitempty"`
	ConnectionId string    `json:"connectionId,omitempty"`
	Data         any       `json:"data,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetryAfter   int64     `json:"retryAfter,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func newFrame(t FrameType) *ServerFrame {
	return &ServerFrame{Type: t, Timestamp: Now()}
}

func ConnectedFrame(sessionId, connectionId string, features []string) *ServerFrame {
	f := newFrame(FrameConnected)
	f.SessionId = sessionId
	f.ConnectionId = connectionId
	f.Data = map[string]any{"features": features}
	return f
}

func PongFrame() *ServerFrame {
	return newFrame(FramePong)
}

func RoomJoinedFrame(room types.Room) *ServerFrame {
	f := newFrame(FrameRoomJoined)
	f.Data = map[string]any{"room": room}
	return f
}

func RoomLeftFrame(roomId string) *ServerFrame {
	f := newFrame(FrameRoomLeft)
	f.Data = map[string]any{"roomId": roomId}
	return f
}

func UserJoinedFrame(roomId, userId, connectionId string) *ServerFrame {
	f := newFrame(FrameUserJoined)
	f.Data = map[string]any{"roomId": roomId, "userId": userId, "connectionId": connectionId}
	return f
}

func UserLeftFrame(roomId, userId, connectionId string) *ServerFrame {
	f := newFrame(FrameUserLeft)
	f.Data = map[string]any{"roomId": roomId, "userId": userId, "connectionId": connectionId}
	return f
}

func CollaborationUpdateFrame(roomId, operation string, data map[string]any, fromConnectionId string) *ServerFrame {
	f := newFrame(FrameCollaborationUpdate)
	f.Data = map[string]any{
		"roomId":    roomId,
		"operation": operation,
		"data":      data,
		"from":      fromConnectionId,
	}
	return f
}

func DataFrame(roomId string, content map[string]any, fromConnectionId string) *ServerFrame {
	f := newFrame(FrameData)
	f.Data = map[string]any{"roomId": roomId, "content": content, "from": fromConnectionId}
	return f
}

func RateLimitedFrame(retryAfter time.Duration) *ServerFrame {
	f := newFrame(FrameRateLimited)
	f.Error = "rate limit exceeded"
	f.RetryAfter = retryAfter.Milliseconds()
	return f
}

func ErrorFrame(msg string) *ServerFrame {
	f := newFrame(FrameError)
	f.Error = msg
	return f
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
