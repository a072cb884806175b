// Package quota implements tier-aware fixed-window rate limiting.
// Counters live authoritatively in the SQL store and are fronted by the
// cache service to absorb read bursts. The failure policy is fail-open:
// when a dependency misbehaves the request is admitted and the result
// says so, because rejecting legitimate traffic is worse than an
// occasional over-admit.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/youming-ai/parsify-realtime/internal/cache"
	"github.com/youming-ai/parsify-realtime/internal/database"
	"github.com/youming-ai/parsify-realtime/internal/types"
)

type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

type QuotaType string

const (
	QuotaWebsocketMessages QuotaType = "websocket_messages"
	QuotaApiRequests       QuotaType = "api_requests"
	QuotaSessionCreates    QuotaType = "session_creates"
	QuotaRoomJoins         QuotaType = "room_joins"
)

type quotaConfig struct {
	baseLimit int64
	period    Period
}

var quotaConfigs = map[QuotaType]quotaConfig{
	QuotaWebsocketMessages: {baseLimit: 60, period: PeriodMinute},
	QuotaApiRequests:       {baseLimit: 1000, period: PeriodHour},
	QuotaSessionCreates:    {baseLimit: 50, period: PeriodDay},
	QuotaRoomJoins:         {baseLimit: 300, period: PeriodHour},
}

var tierMultipliers = map[types.SubscriptionTier]int64{
	types.TierFree:       1,
	types.TierPro:        10,
	types.TierEnterprise: 100,
}

type Reason string

const (
	ReasonOk             Reason = "ok"
	ReasonBypass         Reason = "bypass"
	ReasonQuotaExceeded  Reason = "quota_exceeded"
	ReasonFailOpenOnErr  Reason = "fail_open_on_error"
	failOpenRemaining           = int64(1000)
	cacheNamespace              = "rate_limit"
	usersNamespace              = "users"
	counterCacheTTL             = 5 * time.Minute
)

type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	Limit      int64         `json:"limit"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after_ms,omitempty"`
	Reason     Reason        `json:"reason"`
}

type Options struct {
	CustomLimit      int64
	CustomPeriod     Period
	BypassIdentifier string
}

var (
	ipv4Re = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
	ipv6Re = regexp.MustCompile(`^[0-9a-fA-F:]*:[0-9a-fA-F:.]+$`)
)

// isIPAddress classifies the identifier so IP-keyed counters skip the
// subscription tier lookup.
func isIPAddress(identifier string) bool {
	return ipv4Re.MatchString(identifier) || ipv6Re.MatchString(identifier)
}

type Service struct {
	log    *log.Logger
	cache  *cache.Service
	db     database.Repository
	bypass map[string]struct{}

	// now is swapped in clock-sensitive tests
	now func() time.Time
}

func NewService(logger *log.Logger, c *cache.Service, db database.Repository, bypassIdentifiers []string) *Service {
	bypass := make(map[string]struct{}, len(bypassIdentifiers))
	for _, id := range bypassIdentifiers {
		bypass[id] = struct{}{}
	}

	return &Service{
		log:    logger,
		cache:  c,
		db:     db,
		bypass: bypass,
		now:    time.Now,
	}
}

// windowBounds resolves the fixed window around now. Windows are
// deterministic from the wall clock, not sliding.
func windowBounds(now time.Time, period Period) (time.Time, time.Time) {
	now = now.UTC()
	switch period {
	case PeriodMinute:
		start := now.Truncate(time.Minute)
		return start, start.Add(time.Minute)
	case PeriodHour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}
}

func counterCacheKey(identifier string, quotaType QuotaType, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", identifier, quotaType, periodStart.Unix())
}

func overrideCacheKey(identifier string, quotaType QuotaType) string {
	return fmt.Sprintf("override:%s:%s", identifier, quotaType)
}

// cachedOverride is the cached override record; a Limit of -1 marks the
// (common) no-override case so repeat lookups skip the SQL round trip.
type cachedOverride struct {
	Limit int64 `json:"limit"`
}

// CheckAndConsume atomically checks the counter for identifier/quotaType
// and consumes amount when within the limit. The read-modify-write has
// no compare-and-swap guard; concurrent callers can over-admit past the
// limit. That race is accepted, consistent with the fail-open policy.
func (s *Service) CheckAndConsume(ctx context.Context, identifier string, quotaType QuotaType, amount int64, opts Options) Result {
	if amount <= 0 {
		amount = 1
	}

	if s.isBypassed(identifier) || (opts.BypassIdentifier != "" && s.isBypassed(opts.BypassIdentifier)) {
		return Result{
			Allowed:   true,
			Remaining: int64(^uint64(0) >> 1),
			Limit:     0,
			Reason:    ReasonBypass,
		}
	}

	cfg, ok := quotaConfigs[quotaType]
	if !ok {
		cfg = quotaConfig{baseLimit: 100, period: PeriodMinute}
	}

	period := cfg.period
	if opts.CustomPeriod != "" {
		period = opts.CustomPeriod
	}

	now := s.now()
	periodStart, periodEnd := windowBounds(now, period)

	limit, err := s.resolveLimit(ctx, identifier, quotaType, cfg.baseLimit, opts)
	if err != nil {
		return s.failOpen(identifier, quotaType, err)
	}

	counter, err := s.loadCounter(ctx, identifier, quotaType, periodStart)
	if err != nil {
		return s.failOpen(identifier, quotaType, err)
	}

	if counter.UsedCount+amount > limit {
		remaining := limit - counter.UsedCount
		if remaining < 0 {
			remaining = 0
		}
		s.auditDenial(identifier, quotaType, counter.UsedCount, limit)
		return Result{
			Allowed:    false,
			Remaining:  remaining,
			Limit:      limit,
			ResetAt:    periodEnd,
			RetryAfter: periodEnd.Sub(now),
			Reason:     ReasonQuotaExceeded,
		}
	}

	updated, err := s.db.IncrementQuotaCounter(database.IncrementQuotaCounterParams{
		Identifier:  identifier,
		QuotaType:   string(quotaType),
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Amount:      amount,
		LimitCount:  limit,
	})
	if err != nil {
		return s.failOpen(identifier, quotaType, err)
	}

	s.cacheCounter(ctx, identifier, quotaType, updated)

	remaining := limit - updated.UsedCount
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   periodEnd,
		Reason:    ReasonOk,
	}
}

func (s *Service) isBypassed(identifier string) bool {
	_, ok := s.bypass[identifier]
	return ok
}

func (s *Service) failOpen(identifier string, quotaType QuotaType, err error) Result {
	s.log.Printf("quota: fail-open for %s/%s: %v", identifier, quotaType, err)
	return Result{
		Allowed:   true,
		Remaining: failOpenRemaining,
		Reason:    ReasonFailOpenOnErr,
	}
}

// resolveLimit applies, in priority order: the caller's custom limit, an
// administrative override, then baseLimit scaled by the subscription
// tier multiplier.
func (s *Service) resolveLimit(ctx context.Context, identifier string, quotaType QuotaType, baseLimit int64, opts Options) (int64, error) {
	if opts.CustomLimit > 0 {
		return opts.CustomLimit, nil
	}

	if override, ok, err := s.lookupOverride(ctx, identifier, quotaType); err != nil {
		return 0, err
	} else if ok {
		return override, nil
	}

	tier := types.TierFree
	if !isIPAddress(identifier) {
		t, err := s.lookupTier(ctx, identifier)
		if err != nil {
			return 0, err
		}
		tier = t
	}

	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = 1
	}
	return baseLimit * mult, nil
}

func (s *Service) lookupOverride(ctx context.Context, identifier string, quotaType QuotaType) (int64, bool, error) {
	key := overrideCacheKey(identifier, quotaType)

	var cached cachedOverride
	if ok, _ := s.cache.GetJSON(ctx, cacheNamespace, key, &cached); ok {
		if cached.Limit < 0 {
			return 0, false, nil
		}
		return cached.Limit, true, nil
	}

	override, err := s.db.GetQuotaOverride(identifier, string(quotaType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.cacheJSON(ctx, key, cachedOverride{Limit: -1})
			return 0, false, nil
		}
		return 0, false, err
	}

	s.cacheJSON(ctx, key, cachedOverride{Limit: override.LimitCount})
	return override.LimitCount, true, nil
}

func (s *Service) lookupTier(ctx context.Context, identifier string) (types.SubscriptionTier, error) {
	var user types.User
	if ok, _ := s.cache.GetJSON(ctx, usersNamespace, identifier, &user); ok {
		return user.SubscriptionTier, nil
	}

	dbUser, err := s.db.GetUserById(identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// unknown identifiers get the free tier
			return types.TierFree, nil
		}
		return "", err
	}

	user = types.User{
		Id:               dbUser.Id,
		Email:            dbUser.Email,
		SubscriptionTier: types.SubscriptionTier(dbUser.SubscriptionTier),
		CreatedAt:        dbUser.CreatedAt,
	}
	if err := s.cache.SetJSON(ctx, usersNamespace, identifier, user, cache.SetOptions{TTL: counterCacheTTL}); err != nil {
		s.log.Printf("quota: cache user %s: %v", identifier, err)
	}

	return user.SubscriptionTier, nil
}

// loadCounter reads the current window's counter, cache first, falling
// through to the authoritative store. A missing row is a zero counter.
func (s *Service) loadCounter(ctx context.Context, identifier string, quotaType QuotaType, periodStart time.Time) (database.QuotaCounter, error) {
	key := counterCacheKey(identifier, quotaType, periodStart)

	var cached database.QuotaCounter
	if ok, _ := s.cache.GetJSON(ctx, cacheNamespace, key, &cached); ok {
		return cached, nil
	}

	counter, err := s.db.GetQuotaCounter(identifier, string(quotaType), periodStart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.QuotaCounter{
				Identifier:  identifier,
				QuotaType:   string(quotaType),
				PeriodStart: periodStart,
			}, nil
		}
		return database.QuotaCounter{}, err
	}

	s.cacheCounter(ctx, identifier, quotaType, counter)
	return counter, nil
}

func (s *Service) cacheCounter(ctx context.Context, identifier string, quotaType QuotaType, counter database.QuotaCounter) {
	key := counterCacheKey(identifier, quotaType, counter.PeriodStart)
	if err := s.cache.SetJSON(ctx, cacheNamespace, key, counter, cache.SetOptions{
		TTL:  counterCacheTTL,
		Tags: []string{"rate_limit"},
	}); err != nil {
		s.log.Printf("quota: cache counter %s: %v", key, err)
	}
}

func (s *Service) cacheJSON(ctx context.Context, key string, v any) {
	if err := s.cache.SetJSON(ctx, cacheNamespace, key, v, cache.SetOptions{
		TTL:  counterCacheTTL,
		Tags: []string{"rate_limit"},
	}); err != nil {
		s.log.Printf("quota: cache %s: %v", key, err)
	}
}

// auditDenial records the rejection without blocking the caller.
func (s *Service) auditDenial(identifier string, quotaType QuotaType, used, limit int64) {
	go func() {
		err := s.db.AppendAuditEvent(database.AuditEvent{
			Kind:       "rate_limit_exceeded",
			Identifier: identifier,
			Detail:     fmt.Sprintf("quota_type=%s used=%d limit=%d", quotaType, used, limit),
		})
		if err != nil {
			s.log.Printf("quota: audit event: %v", err)
		}
	}()
}

// ResetQuota removes the counter rows for identifier/quotaType and
// synchronously invalidates every cached read so no stale result can be
// served after an explicit reset.
func (s *Service) ResetQuota(ctx context.Context, identifier string, quotaType QuotaType) error {
	if err := s.db.ResetQuotaCounter(identifier, string(quotaType)); err != nil {
		return err
	}

	pattern := fmt.Sprintf("%s:%s:%s:*", cacheNamespace, identifier, quotaType)
	if _, err := s.cache.Invalidate(ctx, cache.InvalidateOptions{Pattern: pattern}); err != nil {
		return err
	}
	return nil
}

// SetOverride installs an administrative limit override and invalidates
// cached state for the identifier/quotaType pair.
func (s *Service) SetOverride(ctx context.Context, identifier string, quotaType QuotaType, limit int64) error {
	if err := s.db.SetQuotaOverride(identifier, string(quotaType), limit); err != nil {
		return err
	}

	if _, err := s.cache.Delete(ctx, cacheNamespace, overrideCacheKey(identifier, quotaType)); err != nil {
		return err
	}
	pattern := fmt.Sprintf("%s:%s:%s:*", cacheNamespace, identifier, quotaType)
	if _, err := s.cache.Invalidate(ctx, cache.InvalidateOptions{Pattern: pattern}); err != nil {
		return err
	}
	return nil
}
