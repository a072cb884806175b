package cache

import (
	"context"
	"fmt"
	"time"
)

const degradedThreshold = 1000 * time.Millisecond

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type NamespaceHealth struct {
	Status       HealthStatus  `json:"status"`
	ResponseTime time.Duration `json:"response_time_ms"`
	Error        string        `json:"error,omitempty"`
}

type Health struct {
	Status       HealthStatus               `json:"status"`
	ResponseTime time.Duration              `json:"response_time_ms"`
	Namespaces   map[string]NamespaceHealth `json:"namespaces"`
}

// HealthCheck round-trips a synthetic key through every namespace.
// A namespace is degraded when its round trip exceeds one second and
// unhealthy when any operation fails; the overall status is the worst
// namespace status.
func (s *Service) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	health := Health{
		Status:     StatusHealthy,
		Namespaces: make(map[string]NamespaceHealth, len(s.namespaces)),
	}

	for name := range s.namespaces {
		nsHealth := s.checkNamespaceHealth(ctx, name)
		health.Namespaces[name] = nsHealth

		switch nsHealth.Status {
		case StatusUnhealthy:
			health.Status = StatusUnhealthy
		case StatusDegraded:
			if health.Status == StatusHealthy {
				health.Status = StatusDegraded
			}
		}
	}

	health.ResponseTime = time.Since(start)
	return health
}

func (s *Service) checkNamespaceHealth(ctx context.Context, ns string) NamespaceHealth {
	key := fmt.Sprintf("healthcheck:%d", time.Now().UnixNano())
	rkey := entryKey(ns, key)
	start := time.Now()

	if err := s.store.Put(ctx, rkey, []byte(`"ping"`), time.Minute); err != nil {
		werr := &WriteError{Namespace: ns, Key: key, Err: err}
		return NamespaceHealth{Status: StatusUnhealthy, ResponseTime: time.Since(start), Error: werr.Error()}
	}
	if _, err := s.store.Get(ctx, rkey); err != nil {
		rerr := &ReadError{Namespace: ns, Key: key, Err: err}
		return NamespaceHealth{Status: StatusUnhealthy, ResponseTime: time.Since(start), Error: rerr.Error()}
	}
	if _, err := s.store.Delete(ctx, rkey); err != nil {
		return NamespaceHealth{Status: StatusUnhealthy, ResponseTime: time.Since(start), Error: err.Error()}
	}

	elapsed := time.Since(start)
	status := StatusHealthy
	if elapsed > degradedThreshold {
		status = StatusDegraded
	}

	return NamespaceHealth{Status: status, ResponseTime: elapsed}
}
