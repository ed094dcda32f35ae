// Package dedupe drops webhook events an ESP has already delivered.
package dedupe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "anymail:webhook:"

// Client is the part of a redis client the Deduper uses.
type Client interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Deduper struct {
	Redis Client
	TTL   time.Duration
}

// Open connects to the redis URL and checks it with a ping.
func Open(ctx context.Context, url string, ttl time.Duration) (*Deduper, *redis.Client, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, nil, errors.New("dedupe: redis url must use redis:// or rediss://")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return &Deduper{Redis: client, TTL: ttl}, client, nil
}

// FirstDelivery reports whether the event has not been seen within TTL and
// marks it seen. Events without an id are always first deliveries. Redis
// failures let the event through so nothing is lost.
func (d *Deduper) FirstDelivery(ctx context.Context, esp, eventID string) bool {
	if d == nil || eventID == "" {
		return true
	}
	ok, err := d.Redis.SetNX(ctx, key(esp, eventID), 1, d.TTL).Result()
	if err != nil {
		slog.Error("dedupe setnx failed", "err", err, "esp", esp, "event_id", eventID)
		return true
	}
	return ok
}

// Forget clears the mark set by FirstDelivery, so a redelivery of an event
// that could not be stored is accepted again.
func (d *Deduper) Forget(ctx context.Context, esp, eventID string) {
	if d == nil || eventID == "" {
		return
	}
	if err := d.Redis.Del(ctx, key(esp, eventID)).Err(); err != nil {
		slog.Error("dedupe del failed", "err", err, "esp", esp, "event_id", eventID)
	}
}

func key(esp, eventID string) string {
	return keyPrefix + strings.ToLower(esp) + ":" + eventID
}
