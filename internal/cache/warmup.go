package cache

import (
	"context"
	"sort"
	"time"
)

type WarmupEntry struct {
	Namespace string
	Key       string
	Priority  int
	TTL       time.Duration
	Tags      []string
	Fetch     FetchFunc
}

// Warmup seeds missing or stale keys, highest priority first. Fresh keys
// are never overwritten. It returns the number of keys seeded; per-key
// fetch failures are logged and skipped.
func (s *Service) Warmup(ctx context.Context, entries []WarmupEntry) (int, error) {
	sorted := make([]WarmupEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	seeded := 0
	for _, we := range sorted {
		if err := s.checkNamespace(we.Namespace); err != nil {
			return seeded, err
		}

		if entry, ok := s.lookup(ctx, we.Namespace, we.Key); ok && entry.Fresh(s.now()) {
			continue
		}

		data, err := we.Fetch(ctx)
		if err != nil {
			s.log.Printf("cache: warmup fetch %s:%s: %v", we.Namespace, we.Key, err)
			continue
		}

		if err := s.Set(ctx, we.Namespace, we.Key, data, SetOptions{TTL: we.TTL, Tags: we.Tags}); err != nil {
			s.log.Printf("cache: warmup store %s:%s: %v", we.Namespace, we.Key, err)
			continue
		}
		seeded++
	}

	return seeded, nil
}

// StartWarmup runs Warmup immediately and then on every tick of interval
// until the returned stop function is called or ctx is cancelled.
func (s *Service) StartWarmup(ctx context.Context, entries []WarmupEntry, interval time.Duration) func() {
	stop := make(chan struct{})

	go func() {
		if _, err := s.Warmup(ctx, entries); err != nil {
			s.log.Printf("cache: warmup: %v", err)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.Warmup(ctx, entries); err != nil {
					s.log.Printf("cache: warmup: %v", err)
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { close(stop) }
}
