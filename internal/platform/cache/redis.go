// Package cache is the Redis-backed slot read cache. It doubles as an event
// sink that drops cached slot lists when bookings or schedules change.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/events"
)

const defaultNamespace = "clinic:"

// Redis stores raw byte values under a namespace with a fixed TTL. Read
// failures are reported as misses so the caller falls back to the source.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	logger    zerolog.Logger
}

// Dial parses a redis:// URL and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func New(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) *Redis {
	return &Redis{
		client:    client,
		namespace: defaultNamespace,
		ttl:       ttl,
		logger:    logger.With().Str("component", "slot_cache").Logger(),
	}
}

func (r *Redis) key(k string) string { return r.namespace + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache get")
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache set")
	}
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix, walking the keyspace
// with SCAN so the server is never blocked.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 200).Iterator()
	var batch []string
	deleted := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	return deleted, flush()
}

func (r *Redis) Name() string { return "slot_cache" }

// Deliver implements events.Sink.
func (r *Redis) Deliver(ctx context.Context, e events.Event) error {
	key, prefix, ok := invalidation(e)
	if !ok {
		return nil
	}
	if prefix {
		_, err := r.DeletePrefix(ctx, key)
		return err
	}
	return r.Delete(ctx, key)
}

// invalidation maps an event onto the cached slot keys it makes stale.
// Schedule changes affect every date of the doctor; everything else affects
// one day.
func invalidation(e events.Event) (key string, prefix bool, ok bool) {
	if e.DoctorID == "" {
		return "", false, false
	}
	if e.Type == events.ScheduleUpdated || e.Date == "" {
		return "slots:" + e.DoctorID + ":", true, true
	}
	return "slots:" + e.DoctorID + ":" + e.Date, false, true
}
