package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// FetchFunc loads a value from origin on a cache miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

type GetOrSetOptions struct {
	TTL  time.Duration
	Tags []string
	// StaleWhileRevalidate falls back to the last-known value, TTL
	// ignored, when the fetch fails.
	StaleWhileRevalidate bool
	// LockTimeout bounds the advisory lock lifetime; zero uses the
	// service default.
	LockTimeout time.Duration
}

// GetOrSet returns the cached value for ns:key, fetching and storing it
// on a miss. An advisory set-if-absent lock collapses most duplicate
// concurrent fetches: the lock loser backs off once, retries the read,
// then fetches on its own. Two goroutines racing past the lock can both
// call fetch; that duplicate fetch is accepted, a stale overwrite is
// not possible because both write the same origin result.
func (s *Service) GetOrSet(ctx context.Context, ns, key string, fetch FetchFunc, opts GetOrSetOptions) (json.RawMessage, error) {
	if err := s.checkNamespace(ns); err != nil {
		return nil, err
	}

	if data, ok, _ := s.Get(ctx, ns, key); ok {
		return data, nil
	}

	lockTTL := opts.LockTimeout
	if lockTTL <= 0 {
		lockTTL = s.lockTimeout
	}

	lkey := lockPrefix + ns + ":" + key
	acquired, err := s.store.SetIfAbsent(ctx, lkey, []byte("1"), lockTTL)
	if err != nil {
		s.log.Printf("cache: acquire lock %s: %v", lkey, err)
		// lock is best effort only; proceed as if acquired
		acquired = true
	}

	if !acquired {
		// another fetch is in flight; wait briefly and re-read once
		select {
		case <-time.After(s.lockBackoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s:%s: %v", ErrLockTimeout, ns, key, ctx.Err())
		}

		if data, ok, _ := s.Get(ctx, ns, key); ok {
			return data, nil
		}
		// still missing, fetch independently rather than blocking
	} else {
		defer func() {
			if _, err := s.store.Delete(ctx, lkey); err != nil {
				s.log.Printf("cache: release lock %s: %v", lkey, err)
			}
		}()
	}

	data, err := fetch(ctx)
	if err != nil {
		if opts.StaleWhileRevalidate {
			if entry, ok := s.lookup(ctx, ns, key); ok {
				s.log.Printf("cache: fetch %s:%s failed, serving stale: %v", ns, key, err)
				return entry.Data, nil
			}
		}
		return nil, err
	}

	if serr := s.Set(ctx, ns, key, data, SetOptions{TTL: opts.TTL, Tags: opts.Tags}); serr != nil {
		// the fetched value is still good; degrade to uncached
		s.log.Printf("cache: store fetched %s:%s: %v", ns, key, serr)
	}

	return data, nil
}
