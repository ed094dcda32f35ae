package dedupe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ any, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestFirstDelivery(t *testing.T) {
	f := &fakeRedis{keys: map[string]time.Duration{}}
	d := &Deduper{Redis: f, TTL: time.Hour}
	ctx := context.Background()

	assert.True(t, d.FirstDelivery(ctx, "Mailgun", "evt-1"))
	assert.False(t, d.FirstDelivery(ctx, "Mailgun", "evt-1"))
	assert.True(t, d.FirstDelivery(ctx, "Postmark", "evt-1"))
	assert.Equal(t, time.Hour, f.keys["anymail:webhook:mailgun:evt-1"])
}

func TestFirstDelivery_NoEventID(t *testing.T) {
	f := &fakeRedis{keys: map[string]time.Duration{}}
	d := &Deduper{Redis: f, TTL: time.Hour}

	assert.True(t, d.FirstDelivery(context.Background(), "Mailjet", ""))
	assert.True(t, d.FirstDelivery(context.Background(), "Mailjet", ""))
	assert.Empty(t, f.keys)
}

func TestFirstDelivery_RedisDown(t *testing.T) {
	d := &Deduper{Redis: &fakeRedis{err: errors.New("connection refused")}}
	assert.True(t, d.FirstDelivery(context.Background(), "Mailgun", "evt-1"))
}

func TestForget(t *testing.T) {
	f := &fakeRedis{keys: map[string]time.Duration{}}
	d := &Deduper{Redis: f, TTL: time.Hour}
	ctx := context.Background()

	require.True(t, d.FirstDelivery(ctx, "Mailgun", "evt-1"))
	d.Forget(ctx, "Mailgun", "evt-1")
	assert.Empty(t, f.keys)
	assert.True(t, d.FirstDelivery(ctx, "Mailgun", "evt-1"))

	var nilDeduper *Deduper
	nilDeduper.Forget(ctx, "Mailgun", "evt-1")
}

func TestFirstDelivery_NilDeduper(t *testing.T) {
	var d *Deduper
	assert.True(t, d.FirstDelivery(context.Background(), "Mailgun", "evt-1"))
}

func TestOpen_InvalidURL(t *testing.T) {
	_, _, err := Open(context.Background(), "localhost:6379", time.Minute)
	require.Error(t, err)
}
