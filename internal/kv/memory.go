package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memValue struct {
	value   string
	expires time.Time
}

type memZSet struct {
	members map[string]int64 // member -> unix millis
	expires time.Time
}

type memList struct {
	items   []string
	expires time.Time
}

// Memory is an in-process Store. It backs single-node deployments and tests;
// it is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	values    map[string]memValue
	zsets     map[string]*memZSet
	lists     map[string]*memList
	published map[string][]string
	now       func() time.Time
}

// NewMemory creates an empty in-memory store. A nil clock defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		values:    make(map[string]memValue),
		zsets:     make(map[string]*memZSet),
		lists:     make(map[string]*memList),
		published: make(map[string][]string),
		now:       now,
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(exp, now time.Time) bool {
	return !exp.IsZero() && !now.Before(exp)
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok || expired(v.expires, m.now()) {
		delete(m.values, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = memValue{value: value, expires: expiry(m.now(), ttl)}
	return nil
}

// Del implements Store.
func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.values, k)
		delete(m.zsets, k)
		delete(m.lists, k)
	}
	return nil
}

// IncrWithTTL implements Store.
func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	v, ok := m.values[key]
	if !ok || expired(v.expires, now) {
		v = memValue{value: "0", expires: expiry(now, ttl)}
	}
	n, err := strconv.ParseInt(v.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	v.value = strconv.FormatInt(n, 10)
	m.values[key] = v
	return n, nil
}

// SlidingWindow implements Store.
func (m *Memory) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, limit int64, member string) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z, ok := m.zsets[key]
	if !ok || expired(z.expires, m.now()) {
		z = &memZSet{members: make(map[string]int64)}
		m.zsets[key] = z
	}

	cutoff := now.Add(-window).UnixMilli()
	for k, ts := range z.members {
		if ts <= cutoff {
			delete(z.members, k)
		}
	}

	var res WindowResult
	res.Count = int64(len(z.members))
	if res.Count < limit {
		z.members[member] = now.UnixMilli()
		z.expires = now.Add(window)
		res.Count++
		res.Added = true
	}

	var oldest int64 = -1
	for _, ts := range z.members {
		if oldest < 0 || ts < oldest {
			oldest = ts
		}
	}
	if oldest >= 0 {
		res.Oldest = time.UnixMilli(oldest)
	}
	return res, nil
}

// LPushTrim implements Store.
func (m *Memory) LPushTrim(_ context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.lists[key]
	if !ok || expired(l.expires, now) {
		l = &memList{}
		m.lists[key] = l
	}
	l.items = append([]string{value}, l.items...)
	if maxLen > 0 && int64(len(l.items)) > maxLen {
		l.items = l.items[:maxLen]
	}
	l.expires = expiry(now, ttl)
	return nil
}

// LRange implements Store.
func (m *Memory) LRange(_ context.Context, key string, n int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok || expired(l.expires, m.now()) {
		return nil, nil
	}
	items := l.items
	if n > 0 && int64(len(items)) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	copy(out, items)
	return out, nil
}

// Publish implements Store. Messages are retained per channel so callers can
// inspect them with Published.
func (m *Memory) Publish(_ context.Context, channel, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published[channel] = append(m.published[channel], message)
	return nil
}

// Published returns the messages sent on channel, oldest first.
func (m *Memory) Published(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.published[channel]))
	copy(out, m.published[channel])
	return out
}

// Keys returns the live keys of all value types in sorted order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var keys []string
	for k, v := range m.values {
		if !expired(v.expires, now) {
			keys = append(keys, k)
		}
	}
	for k, z := range m.zsets {
		if !expired(z.expires, now) {
			keys = append(keys, k)
		}
	}
	for k, l := range m.lists {
		if !expired(l.expires, now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
