package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clinic/queue-service/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// RedisClient is the subset of *redis.Client the role cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RoleCache keeps role permission sets in redis so every request does not hit
// postgres. Cache failures are logged and treated as misses.
type RoleCache struct {
	client  RedisClient
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewRoleCache(client RedisClient, ttl time.Duration, breaker *gobreaker.CircuitBreaker, logger zerolog.Logger) *RoleCache {
	return &RoleCache{client: client, ttl: ttl, breaker: breaker, logger: logger}
}

func roleKey(organizationID, roleID string) string {
	return "queue:role:" + organizationID + ":" + roleID
}

func (c *RoleCache) Get(ctx context.Context, organizationID, roleID string) (models.Role, bool) {
	if c == nil || c.client == nil {
		return models.Role{}, false
	}
	raw, err := c.execute(func() (interface{}, error) {
		return c.client.Get(ctx, roleKey(organizationID, roleID)).Result()
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("role_id", roleID).Msg("role cache read failed")
		}
		return models.Role{}, false
	}
	var role models.Role
	if err := json.Unmarshal([]byte(raw.(string)), &role); err != nil {
		c.logger.Warn().Err(err).Str("role_id", roleID).Msg("role cache entry corrupt")
		return models.Role{}, false
	}
	return role, true
}

func (c *RoleCache) Set(ctx context.Context, role models.Role) {
	if c == nil || c.client == nil || c.ttl <= 0 {
		return
	}
	payload, err := json.Marshal(role)
	if err != nil {
		return
	}
	_, err = c.execute(func() (interface{}, error) {
		return c.client.Set(ctx, roleKey(role.OrganizationID, role.ID), string(payload), c.ttl).Result()
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("role_id", role.ID).Msg("role cache write failed")
	}
}

// Invalidate drops a cached role after its permissions change.
func (c *RoleCache) Invalidate(ctx context.Context, organizationID, roleID string) {
	if c == nil || c.client == nil {
		return
	}
	_, err := c.execute(func() (interface{}, error) {
		return c.client.Del(ctx, roleKey(organizationID, roleID)).Result()
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("role_id", roleID).Msg("role cache invalidate failed")
	}
}

func (c *RoleCache) execute(fn func() (interface{}, error)) (interface{}, error) {
	if c.breaker == nil {
		return fn()
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		value, err := fn()
		if errors.Is(err, redis.Nil) {
			// a miss is not a redis failure
			return nil, nil
		}
		return value, err
	})
	if err == nil && result == nil {
		return nil, redis.Nil
	}
	return result, err
}
