// Package cache holds the short-TTL token validity cache that keeps the
// dispatcher from re-validating an auth token on every push.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-gateway/internal/device"
	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// CacheClient defines the subset of cache commands we need.
type CacheClient interface {
	// Get returns the value or an error when the key is absent.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// validityTTL bounds how long a token check result is trusted.
const validityTTL = 600 * time.Second

// TokenValidityCache remembers the last-check timestamp of auth tokens for
// a short window. The cached value is the epoch seconds of the last check,
// 0 meaning the token is known to be gone. It is not authoritative: misses
// consult the token provider and cache the outcome.
type TokenValidityCache struct {
	cache   CacheClient
	tokens  push.TokenProvider
	devices device.Store
	logger  *slog.Logger
}

func NewTokenValidityCache(cache CacheClient, tokens push.TokenProvider, devices device.Store, logger *slog.Logger) *TokenValidityCache {
	return &TokenValidityCache{
		cache:   cache,
		tokens:  tokens,
		devices: devices,
		logger:  logger.With("component", "TokenValidityCache"),
	}
}

// IsTokenLive reports whether the token still exists and was checked after
// maxAge. A token that no longer exists has its device registrations
// deleted and is negatively cached; a merely stale token is only excluded.
func (c *TokenValidityCache) IsTokenLive(ctx context.Context, tokenID int64, maxAge time.Time) bool {
	key := c.key(tokenID)

	var lastCheck int64
	if err := c.cache.Get(ctx, key, &lastCheck); err == nil {
		return lastCheck > maxAge.Unix()
	}

	token, err := c.tokens.TokenByID(ctx, tokenID)
	if errors.Is(err, push.ErrTokenNotFound) {
		// Token is gone for good, drop the push registrations tied to it.
		if _, err := c.devices.DeleteByAuthToken(ctx, tokenID); err != nil {
			c.logger.Warn("Failed to delete devices of revoked token", "token_id", tokenID, "err", err)
		}
		// Caching is an optimization, a failed write just means another
		// provider lookup next time.
		_ = c.cache.Set(ctx, key, int64(0), validityTTL)
		return false
	}
	if err != nil {
		c.logger.Warn("Token provider lookup failed", "token_id", tokenID, "err", err)
		return false
	}

	_ = c.cache.Set(ctx, key, token.LastCheck.Unix(), validityTTL)
	return token.LastCheck.After(maxAge)
}

func (c *TokenValidityCache) key(tokenID int64) string {
	return fmt.Sprintf("push:tokens:t%d", tokenID)
}
