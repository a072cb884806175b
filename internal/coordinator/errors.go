package coordinator

import "errors"

var (
	ErrSessionNotFound         = errors.New("session not found")
	ErrRoomNotFound            = errors.New("room not found")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrRoomFull                = errors.New("room is full")
	ErrRoomLocked              = errors.New("room is locked")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrNotParticipant          = errors.New("not a participant of room")
	ErrUnknownRoomKind         = errors.New("unknown room kind")
	ErrUnknownOperation        = errors.New("unknown collaboration operation")
)
