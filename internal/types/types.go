package types

import (
	"time"
)

type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

type RoomKind string

const (
	RoomKindDocument   RoomKind = "document"
	RoomKindChat       RoomKind = "chat"
	RoomKindWhiteboard RoomKind = "whiteboard"
	RoomKindCode       RoomKind = "code"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindDocument, RoomKindChat, RoomKindWhiteboard, RoomKindCode:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type User struct {
	Id               string           `json:"id"`
	Email            string           `json:"email,omitempty"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
	CreatedAt        time.Time        `json:"created_at,omitempty"`
}

type RateLimitState struct {
	Tier         SubscriptionTier `json:"tier"`
	WindowStart  time.Time        `json:"window_start"`
	RequestCount int              `json:"request_count"`
}

type CollaborationState struct {
	RoomIds     []string `json:"room_ids"`
	ActiveCount int      `json:"active_count"`
}

type SecurityEvent struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type SecurityState struct {
	RiskScore    int             `json:"risk_score"`
	RecentEvents []SecurityEvent `json:"recent_events,omitempty"`
}

type Session struct {
	Id             string             `json:"id"`
	OwnerUserId    string             `json:"owner_user_id,omitempty"`
	IpAddress      string             `json:"ip_address,omitempty"`
	UserAgent      string             `json:"user_agent,omitempty"`
	Data           map[string]any     `json:"data,omitempty"`
	ConnectionIds  []string           `json:"connection_ids"`
	Persistent     bool               `json:"persistent,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastAccessedAt time.Time          `json:"last_accessed_at"`
	ExpiresAt      time.Time          `json:"expires_at"`
	RateLimit      RateLimitState     `json:"rate_limit"`
	Collaboration  CollaborationState `json:"collaboration"`
	Security       SecurityState      `json:"security"`
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type ConnectionMeta struct {
	Ip        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// Connection is the wire representation of a live websocket connection.
// The coordinator owns the underlying socket; this struct is what shows
// up in session snapshots and stats responses.
type Connection struct {
	Id             string         `json:"id"`
	SessionId      string         `json:"session_id"`
	OwnerUserId    string         `json:"owner_user_id,omitempty"`
	ConnectedAt    time.Time      `json:"connected_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	LastPingAt     time.Time      `json:"last_ping_at,omitempty"`
	LastPongAt     time.Time      `json:"last_pong_at,omitempty"`
	Metadata       ConnectionMeta `json:"metadata"`
	RoomIds        []string       `json:"room_ids"`
	Active         bool           `json:"active"`
}

type RoomSettings struct {
	AllowAnonymous bool `json:"allow_anonymous"`
	RequireAuth    bool `json:"require_auth"`
	AutoSave       bool `json:"auto_save"`
	VersionHistory bool `json:"version_history"`
}

// Participant references a Connection by id; it never owns the socket.
type Participant struct {
	UserId       string    `json:"user_id,omitempty"`
	ConnectionId string    `json:"connection_id"`
	JoinedAt     time.Time `json:"joined_at"`
	Role         Role      `json:"role"`
	Permissions  []string  `json:"permissions"`
}

type Room struct {
	Id              string         `json:"id"`
	Name            string         `json:"name"`
	Kind            RoomKind       `json:"kind"`
	OwnerUserId     string         `json:"owner_user_id,omitempty"`
	Participants    []Participant  `json:"participants"`
	Data            map[string]any `json:"data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	MaxParticipants int            `json:"max_participants"`
	Locked          bool           `json:"locked"`
	Settings        RoomSettings   `json:"settings"`
}

// RoomEvent is one entry of a room's in-memory activity ring. History is
// intentionally not persisted.
type RoomEvent struct {
	Operation    string    `json:"operation"`
	UserId       string    `json:"user_id,omitempty"`
	ConnectionId string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
