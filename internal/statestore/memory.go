package statestore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]string
	lists  map[string][]string
	expiry map[string]time.Time

	// notify is closed and replaced whenever a list grows, waking any
	// BLPop waiters so they can re-check their key.
	notify chan struct{}
}

// NewMemoryStore creates a new in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:     make(map[string]string),
		lists:  make(map[string][]string),
		expiry: make(map[string]time.Time),
		notify: make(chan struct{}),
	}
}

// purgeLocked drops expired keys. Caller holds mu.
func (s *MemoryStore) purgeLocked() {
	now := time.Now()
	for key, at := range s.expiry {
		if now.After(at) {
			delete(s.kv, key)
			delete(s.lists, key)
			delete(s.expiry, key)
		}
	}
}

func (s *MemoryStore) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	val, ok := s.kv[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	delete(s.lists, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	n := int64(0)
	if val, ok := s.kv[key]; ok {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.kv[key]; !ok {
		if _, ok := s.lists[key]; !ok {
			return nil
		}
	}
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lists[key] = append(s.lists[key], values...)
	s.wakeLocked()
	return nil
}

func (s *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// LPUSH prepends values one at a time, so the last value ends up at
	// the head, matching Redis semantics.
	list := s.lists[key]
	for _, v := range values {
		list = append([]string{v}, list...)
	}
	s.lists[key] = list
	s.wakeLocked()
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	list := s.lists[key]
	n := int64(len(list))
	if n == 0 {
		return []string{}, nil
	}

	// Redis-style negative indices.
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		s.purgeLocked()
		if list := s.lists[key]; len(list) > 0 {
			val := list[0]
			s.lists[key] = list[1:]
			s.mu.Unlock()
			return val, nil
		}
		wake := s.notify
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrPopTimeout
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return "", ErrPopTimeout
		}
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"adapter": "memory",
		"healthy": true,
		"details": map[string]interface{}{
			"keys":  len(s.kv),
			"lists": len(s.lists),
		},
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
