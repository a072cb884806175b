package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/coordinator"
	"github.com/youming-ai/parsify-realtime/internal/quota"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

type CreateSessionRequest struct {
	Data       map[string]any         `json:"data"`
	Persistent bool                   `json:"persistent"`
	Tier       types.SubscriptionTier `json:"tier"`
}

type UpdateSessionRequest struct {
	Data       map[string]any `json:"data"`
	Persistent *bool          `json:"persistent"`
}

type CreateRoomRequest struct {
	Name            string             `json:"name"`
	Kind            types.RoomKind     `json:"kind"`
	MaxParticipants int                `json:"max_participants"`
	Locked          bool               `json:"locked"`
	Settings        types.RoomSettings `json:"settings"`
	Data            map[string]any     `json:"data"`
}

type UpdateRoomRequest struct {
	Name            *string             `json:"name"`
	Locked          *bool               `json:"locked"`
	MaxParticipants *int                `json:"max_participants"`
	Settings        *types.RoomSettings `json:"settings"`
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *App) writeError(w http.ResponseWriter, err error) {
	var errResp *ApiError
	switch {
	case errors.Is(err, coordinator.ErrSessionNotFound),
		errors.Is(err, coordinator.ErrRoomNotFound),
		errors.Is(err, coordinator.ErrConnectionNotFound):
		errResp = NewNotFoundError()
	case errors.Is(err, coordinator.ErrUnauthorized):
		errResp = NewForbiddenError()
	case errors.Is(err, coordinator.ErrUnknownRoomKind):
		errResp = NewBadRequestError()
	default:
		errResp = NewInternalServerError(err)
		s.log.Printf("internal error: %v", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func clientIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *App) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errResp := NewBadRequestError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	userId, _ := UserId(r.Context())
	session, err := s.co.CreateSession(r.Context(), coordinator.CreateSessionParams{
		OwnerUserId: userId,
		IpAddress:   clientIp(r),
		UserAgent:   r.UserAgent(),
		Data:        req.Data,
		Persistent:  req.Persistent,
		Tier:        req.Tier,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, session)
}

func (s *App) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.co.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, session)
}

func (s *App) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, _ := UserId(r.Context())
	session, err := s.co.UpdateSession(r.Context(), r.PathValue("id"), userId, req.Data, req.Persistent)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, session)
}

func (s *App) deleteSession(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	if err := s.co.DeleteSession(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Name == "" || !req.Kind.Valid() {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, _ := UserId(r.Context())
	room, err := s.co.CreateRoom(r.Context(), coordinator.CreateRoomParams{
		Name:            req.Name,
		Kind:            req.Kind,
		OwnerUserId:     userId,
		MaxParticipants: req.MaxParticipants,
		Locked:          req.Locked,
		Settings:        req.Settings,
		Data:            req.Data,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *App) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.co.GetRoom(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *App) updateRoom(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	userId, _ := UserId(r.Context())
	room, err := s.co.UpdateRoom(r.Context(), r.PathValue("id"), userId, coordinator.RoomUpdateParams{
		Name:            req.Name,
		Locked:          req.Locked,
		MaxParticipants: req.MaxParticipants,
		Settings:        req.Settings,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *App) deleteRoom(w http.ResponseWriter, r *http.Request) {
	userId, _ := UserId(r.Context())
	if err := s.co.DeleteRoom(r.Context(), r.PathValue("id"), userId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *App) listRooms(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	rooms, err := s.co.ListRoomsByUser(r.Context(), userId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *App) roomHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.co.RoomHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, events)
}

type HealthResponse struct {
	Status   cache.HealthStatus `json:"status"`
	Database string             `json:"database"`
	Cache    cache.Health       `json:"cache"`
	Stats    coordinator.Stats  `json:"stats"`
}

func (s *App) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   cache.StatusHealthy,
		Database: "ok",
		Cache:    s.cache.HealthCheck(r.Context()),
		Stats:    s.co.Snapshot(),
	}

	if err := s.db.Ping(); err != nil {
		resp.Database = err.Error()
		resp.Status = cache.StatusUnhealthy
	}
	if resp.Cache.Status == cache.StatusUnhealthy {
		resp.Status = cache.StatusUnhealthy
	} else if resp.Cache.Status == cache.StatusDegraded && resp.Status == cache.StatusHealthy {
		resp.Status = cache.StatusDegraded
	}

	statusCode := http.StatusOK
	if resp.Status == cache.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJson(w, statusCode, resp)
}

type StatsResponse struct {
	Stats       coordinator.Stats  `json:"stats"`
	Connections []types.Connection `json:"connections"`
}

func (s *App) statsSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, http.StatusOK, StatsResponse{
		Stats:       s.co.Snapshot(),
		Connections: s.co.Connections(),
	})
}

func (s *App) adminCleanup(w http.ResponseWriter, r *http.Request) {
	report := s.co.Cleanup(r.Context())
	s.writeJson(w, http.StatusOK, report)
}

type DisconnectRequest struct {
	ConnectionId string `json:"connection_id"`
}

func (s *App) adminDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionId == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.co.ForceDisconnect(req.ConnectionId); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

type QuotaResetRequest struct {
	Identifier string          `json:"identifier"`
	QuotaType  quota.QuotaType `json:"quota_type"`
}

func (s *App) adminQuotaReset(w http.ResponseWriter, r *http.Request) {
	var req QuotaResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.QuotaType == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.quota.ResetQuota(r.Context(), req.Identifier, req.QuotaType); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

type QuotaOverrideRequest struct {
	Identifier string          `json:"identifier"`
	QuotaType  quota.QuotaType `json:"quota_type"`
	Limit      int64           `json:"limit"`
}

func (s *App) adminQuotaOverride(w http.ResponseWriter, r *http.Request) {
	var req QuotaOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identifier == "" || req.QuotaType == "" || req.Limit <= 0 {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.quota.SetOverride(r.Context(), req.Identifier, req.QuotaType, req.Limit); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

type CacheInvalidateRequest struct {
	Tags        []string `json:"tags"`
	Pattern     string   `json:"pattern"`
	OlderThanMs int64    `json:"older_than_ms"`
	Namespace   string   `json:"namespace"`
}

type CacheInvalidateResponse struct {
	Invalidated int `json:"invalidated"`
}

func (s *App) adminCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req CacheInvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	count, err := s.cache.Invalidate(r.Context(), cache.InvalidateOptions{
		Tags:      req.Tags,
		Pattern:   req.Pattern,
		OlderThan: time.Duration(req.OlderThanMs) * time.Millisecond,
		Namespace: req.Namespace,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, CacheInvalidateResponse{Invalidated: count})
}
