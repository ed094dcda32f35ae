package httpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"anymail/internal/store"
)

type memStore struct {
	mu       sync.Mutex
	results  []store.SendResult
	tracking []store.TrackingEventRecord
	inbound  []store.InboundEventRecord
	fail     bool
}

func (m *memStore) InsertSendResults(_ context.Context, rows []store.SendResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.results = append(m.results, rows...)
	return nil
}

func (m *memStore) ListSendResults(_ context.Context, messageID string) ([]store.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.SendResult
	for _, r := range m.results {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListTrackingEvents(_ context.Context, messageID string) ([]store.TrackingEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TrackingEventRecord
	for _, r := range m.tracking {
		if r.Event.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) InsertTrackingEvent(_ context.Context, in store.TrackingEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.tracking = append(m.tracking, in)
	return nil
}

func (m *memStore) InsertInboundEvent(_ context.Context, in store.InboundEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	m.inbound = append(m.inbound, in)
	return nil
}

type memRedis struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (r *memRedis) SetNX(_ context.Context, key string, _ any, _ time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	r.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (r *memRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range keys {
		if r.keys[k] {
			delete(r.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func seqIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func fixedNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
