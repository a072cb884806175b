// Package cache implements a two-tier, multi-namespace cache with tag
// based invalidation, TTL expiry, stale-while-revalidate reads and an
// advisory lock that collapses duplicate concurrent fetches.
//
// Tier one is an in-process expirable LRU and is a pure optimization:
// disabling it (negative LocalSize) changes performance, never
// semantics. Tier
// two is the shared kv.Store. Entries are retained in the store past
// their logical TTL so stale reads remain possible; logical freshness is
// always decided from the entry envelope, not from store expiry.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"path"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/youming-ai/parsify-realtime/internal/kv"
)

const (
	entryPrefix = "cache:"
	tagPrefix   = "cachetag:"
	lockPrefix  = "cachelock:"

	// staleRetention is how long an entry outlives its logical TTL in
	// the backing store, bounding stale-while-revalidate reads.
	staleRetention = 24 * time.Hour

	defaultLocalSize = 4096
	defaultLocalTTL  = time.Minute
)

// Entry is the envelope stored in the backing store for every cached
// value.
type Entry struct {
	Namespace      string          `json:"namespace"`
	Key            string          `json:"key"`
	Data           json.RawMessage `json:"data"`
	Timestamp      time.Time       `json:"timestamp"`
	TTLSeconds     int             `json:"ttl_seconds,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	Version        int             `json:"version"`
}

// Fresh reports whether the entry is within its logical TTL at now.
func (e *Entry) Fresh(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return true
	}
	return now.Sub(e.Timestamp) <= time.Duration(e.TTLSeconds)*time.Second
}

type Namespace struct {
	Name       string
	DefaultTTL time.Duration
}

type Config struct {
	// Namespaces is the static namespace set; operations against any
	// other namespace fail with ErrUnknownNamespace.
	Namespaces []Namespace
	// LocalSize is the in-process tier capacity; zero uses the
	// default, negative disables the tier.
	LocalSize int
	// LocalTTL caps how long the in-process tier holds an entry.
	LocalTTL time.Duration
	// LockBackoff is how long a lock loser waits before its single
	// retry read in GetOrSet.
	LockBackoff time.Duration
	// LockTimeout bounds advisory lock lifetime when the caller does
	// not override it.
	LockTimeout time.Duration
}

type Service struct {
	log        *log.Logger
	store      kv.Store
	local      *expirable.LRU[string, *Entry]
	namespaces map[string]Namespace

	lockBackoff time.Duration
	lockTimeout time.Duration

	// now is swapped in clock-sensitive tests
	now func() time.Time
}

func NewService(logger *log.Logger, store kv.Store, cfg Config) (*Service, error) {
	namespaces := make(map[string]Namespace, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		namespaces[ns.Name] = ns
	}

	localSize := cfg.LocalSize
	if localSize == 0 {
		localSize = defaultLocalSize
	}
	localTTL := cfg.LocalTTL
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}

	var local *expirable.LRU[string, *Entry]
	if localSize > 0 {
		local = expirable.NewLRU[string, *Entry](localSize, nil, localTTL)
	}

	lockBackoff := cfg.LockBackoff
	if lockBackoff <= 0 {
		lockBackoff = 100 * time.Millisecond
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}

	return &Service{
		log:         logger,
		store:       store,
		local:       local,
		namespaces:  namespaces,
		lockBackoff: lockBackoff,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}, nil
}

func (s *Service) checkNamespace(ns string) error {
	if _, ok := s.namespaces[ns]; !ok {
		return ErrUnknownNamespace
	}
	return nil
}

func entryKey(ns, key string) string { return entryPrefix + ns + ":" + key }

func tagKey(tag, ns, key string) string { return tagPrefix + tag + ":" + ns + ":" + key }

// Get returns the cached value for ns:key, or ok=false when absent or
// logically expired. Backing-store read failures are logged and treated
// as misses. Access stats are updated on hit and written back to the
// shared tier best effort.
func (s *Service) Get(ctx context.Context, ns, key string) (json.RawMessage, bool, error) {
	if err := s.checkNamespace(ns); err != nil {
		return nil, false, err
	}

	entry, ok := s.lookup(ctx, ns, key)
	if !ok || !entry.Fresh(s.now()) {
		return nil, false, nil
	}

	// lookup hands back pointers shared with the local tier, so the
	// stat update goes through a copy
	hit := *entry
	hit.AccessCount++
	hit.LastAccessedAt = s.now()
	s.writeBack(ctx, &hit)

	return hit.Data, true, nil
}

// writeBack replaces the stored entry after an access-stat update. A
// store failure only loses the stats, never the value.
func (s *Service) writeBack(ctx context.Context, entry *Entry) {
	rkey := entryKey(entry.Namespace, entry.Key)
	if s.local != nil {
		s.local.Add(rkey, entry)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	retention := staleRetention
	if entry.TTLSeconds > 0 {
		retention = time.Duration(entry.TTLSeconds)*time.Second + staleRetention
	}
	if err := s.store.Put(ctx, rkey, raw, retention); err != nil {
		s.log.Printf("cache: write back %s: %v", rkey, err)
	}
}

// lookup fetches the raw entry regardless of logical freshness, local
// tier first.
func (s *Service) lookup(ctx context.Context, ns, key string) (*Entry, bool) {
	rkey := entryKey(ns, key)

	if s.local != nil {
		if entry, ok := s.local.Get(rkey); ok {
			return entry, true
		}
	}

	raw, err := s.store.Get(ctx, rkey)
	if err != nil {
		if err != kv.ErrNotFound {
			s.log.Printf("cache: read %s: %v", rkey, err)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.log.Printf("cache: decode %s: %v", rkey, err)
		return nil, false
	}

	if s.local != nil {
		s.local.Add(rkey, &entry)
	}
	return &entry, true
}

type SetOptions struct {
	TTL     time.Duration
	Tags    []string
	Version int
}

// Set writes the value unconditionally. A backing-store failure is
// returned as *WriteError.
func (s *Service) Set(ctx context.Context, ns, key string, data json.RawMessage, opts SetOptions) error {
	if err := s.checkNamespace(ns); err != nil {
		return err
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.namespaces[ns].DefaultTTL
	}

	now := s.now()
	entry := &Entry{
		Namespace:      ns,
		Key:            key,
		Data:           data,
		Timestamp:      now,
		Tags:           opts.Tags,
		AccessCount:    0,
		LastAccessedAt: now,
		Version:        opts.Version,
	}
	if ttl > 0 {
		entry.TTLSeconds = int(ttl / time.Second)
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return &WriteError{Namespace: ns, Key: key, Err: err}
	}

	retention := staleRetention
	if ttl > 0 {
		retention = ttl + staleRetention
	}

	rkey := entryKey(ns, key)
	if err := s.store.Put(ctx, rkey, raw, retention); err != nil {
		return &WriteError{Namespace: ns, Key: key, Err: err}
	}

	for _, tag := range opts.Tags {
		if err := s.store.Put(ctx, tagKey(tag, ns, key), []byte("1"), retention); err != nil {
			s.log.Printf("cache: tag index %s %s:%s: %v", tag, ns, key, err)
		}
	}

	if s.local != nil {
		s.local.Add(rkey, entry)
	}

	return nil
}

// SetJSON marshals v and stores it under ns:key.
func (s *Service) SetJSON(ctx context.Context, ns, key string, v any, opts SetOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &WriteError{Namespace: ns, Key: key, Err: err}
	}
	return s.Set(ctx, ns, key, data, opts)
}

// GetJSON reads ns:key and unmarshals the value into out.
func (s *Service) GetJSON(ctx context.Context, ns, key string, out any) (bool, error) {
	data, ok, err := s.Get(ctx, ns, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.log.Printf("cache: decode value %s:%s: %v", ns, key, err)
		return false, nil
	}
	return true, nil
}

// Delete removes ns:key and its tag index entries, reporting whether the
// entry existed.
func (s *Service) Delete(ctx context.Context, ns, key string) (bool, error) {
	if err := s.checkNamespace(ns); err != nil {
		return false, err
	}
	return s.deleteEntry(ctx, ns, key), nil
}

func (s *Service) deleteEntry(ctx context.Context, ns, key string) bool {
	rkey := entryKey(ns, key)

	if entry, ok := s.lookup(ctx, ns, key); ok {
		for _, tag := range entry.Tags {
			if _, err := s.store.Delete(ctx, tagKey(tag, ns, key)); err != nil {
				s.log.Printf("cache: delete tag index %s: %v", tag, err)
			}
		}
	}

	if s.local != nil {
		s.local.Remove(rkey)
	}

	existed, err := s.store.Delete(ctx, rkey)
	if err != nil {
		s.log.Printf("cache: delete %s: %v", rkey, err)
		return false
	}
	return existed
}

type InvalidateOptions struct {
	Tags      []string
	Pattern   string
	OlderThan time.Duration
	Namespace string
}

// Invalidate removes every entry matching any of the supplied criteria.
// Criteria are evaluated independently and unioned; the returned count
// is of distinct entries removed.
func (s *Service) Invalidate(ctx context.Context, opts InvalidateOptions) (int, error) {
	// victim set keyed by "<ns>:<key>"
	victims := make(map[string][2]string)

	add := func(ns, key string) {
		victims[ns+":"+key] = [2]string{ns, key}
	}

	for _, tag := range opts.Tags {
		keys, err := s.store.List(ctx, tagPrefix+tag+":")
		if err != nil {
			s.log.Printf("cache: list tag %q: %v", tag, err)
			continue
		}
		for k := range keys {
			// cachetag:<tag>:<ns>:<key>
			rest := k[len(tagPrefix)+len(tag)+1:]
			if ns, key, ok := splitNsKey(rest); ok {
				add(ns, key)
			}
		}
	}

	if opts.Pattern != "" || opts.OlderThan > 0 || opts.Namespace != "" {
		entries, err := s.store.List(ctx, entryPrefix)
		if err != nil {
			s.log.Printf("cache: list entries: %v", err)
		} else {
			cutoff := s.now().Add(-opts.OlderThan)
			for k, raw := range entries {
				ns, key, ok := splitNsKey(k[len(entryPrefix):])
				if !ok {
					continue
				}

				if opts.Namespace != "" && ns == opts.Namespace {
					add(ns, key)
					continue
				}
				if opts.Pattern != "" {
					if matched, _ := path.Match(opts.Pattern, ns+":"+key); matched {
						add(ns, key)
						continue
					}
				}
				if opts.OlderThan > 0 {
					var entry Entry
					if err := json.Unmarshal(raw, &entry); err == nil && entry.Timestamp.Before(cutoff) {
						add(ns, key)
					}
				}
			}
		}
	}

	count := 0
	for _, pair := range victims {
		if s.deleteEntry(ctx, pair[0], pair[1]) {
			count++
		}
	}

	return count, nil
}

func splitNsKey(s string) (ns, key string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
