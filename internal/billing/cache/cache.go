// Package cache invalidates organization-scoped caches held by other
// services after a billing projection changes.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcourtman/membership-billing/internal/billing/background"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the pub/sub channel subscribers listen on.
const DefaultChannel = "billing:invalidate"

// Invalidator drops cached state derived from an organization's billing
// projection.
type Invalidator interface {
	InvalidateOrganization(ctx context.Context, organizationID string) error
}

// RedisClient is the subset of go-redis used by RedisInvalidator.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisInvalidator deletes the organization's cached billing key and
// announces the change on a pub/sub channel.
type RedisInvalidator struct {
	client  RedisClient
	prefix  string
	channel string
}

// NewRedisInvalidator connects to the Redis URL and verifies it with PING.
func NewRedisInvalidator(ctx context.Context, redisURL, prefix string) (*RedisInvalidator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisInvalidatorWithClient(client, prefix), nil
}

// NewRedisInvalidatorWithClient wraps a pre-built client.
func NewRedisInvalidatorWithClient(client RedisClient, prefix string) *RedisInvalidator {
	return &RedisInvalidator{client: client, prefix: prefix, channel: DefaultChannel}
}

// Key returns the cache key holding an organization's billing state.
func (r *RedisInvalidator) Key(organizationID string) string {
	return r.prefix + "org:" + organizationID + ":billing"
}

// InvalidateOrganization deletes the cached key and publishes the
// organization id.
func (r *RedisInvalidator) InvalidateOrganization(ctx context.Context, organizationID string) error {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil
	}
	if err := r.client.Del(ctx, r.Key(organizationID)).Err(); err != nil {
		return fmt.Errorf("delete cached billing state: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, organizationID).Err(); err != nil {
		return fmt.Errorf("publish billing invalidation: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}

// LogInvalidator only records the invalidation. It is used when no Redis
// URL is configured.
type LogInvalidator struct{}

func (LogInvalidator) InvalidateOrganization(_ context.Context, organizationID string) error {
	log.Debug().Str("organization_id", organizationID).Msg("Billing cache invalidation (no redis configured)")
	return nil
}

// Submitter schedules a best-effort task.
type Submitter interface {
	Submit(name string, fn background.Task) bool
}

// Scheduler fires invalidations through a background Submitter so callers
// never wait on, or fail because of, the cache.
type Scheduler struct {
	inv Invalidator
	sub Submitter
}

// NewScheduler returns a Scheduler for inv.
func NewScheduler(inv Invalidator, sub Submitter) *Scheduler {
	return &Scheduler{inv: inv, sub: sub}
}

// Invalidate schedules invalidation of organizationID. A nil Scheduler is a
// no-op.
func (s *Scheduler) Invalidate(organizationID string) {
	if s == nil || s.inv == nil || organizationID == "" {
		return
	}
	s.sub.Submit("cache:invalidate", func(ctx context.Context) error {
		return s.inv.InvalidateOrganization(ctx, organizationID)
	})
}
