// Package cache provides a Redis read-through cache for the enabled DLP
// rule set. Evaluation reads the full enabled set on every call, which makes
// it the one hot read in the engine; rule mutations are rare and invalidate
// the cached set. Statistics increments bypass the cache entirely.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/dlp"
	"github.com/dataguardlabs/dataguard/internal/domain/rule"
	"github.com/dataguardlabs/dataguard/internal/infrastructure/config"
	"github.com/dataguardlabs/dataguard/internal/metrics"

	"github.com/google/uuid"
)

const enabledRulesKey = "dataguard:dlp:enabled_rules"

// RuleCache decorates a dlp.RuleStore with a Redis-backed enabled-rule-set
// cache. Cache failures degrade to the underlying store; they never fail an
// evaluation.
type RuleCache struct {
	inner  dlp.RuleStore
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRuleCache connects to Redis and wraps inner.
func NewRuleCache(cfg config.RedisConfig, ttl time.Duration, inner dlp.RuleStore, logger *zap.Logger) (*RuleCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	logger.Info("rule cache initialized",
		zap.String("addr", cfg.URL),
		zap.Duration("ttl", ttl))

	return &RuleCache{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.Named("rulecache"),
	}, nil
}

// NewRuleCacheWithClient wraps an existing client, for tests.
func NewRuleCacheWithClient(client *redis.Client, ttl time.Duration, inner dlp.RuleStore, logger *zap.Logger) *RuleCache {
	return &RuleCache{inner: inner, client: client, ttl: ttl, logger: logger.Named("rulecache")}
}

// ListEnabled serves the enabled rule set from Redis when fresh, falling
// back to the inner store and repopulating on miss.
func (c *RuleCache) ListEnabled(ctx context.Context) ([]*rule.DLPRule, error) {
	payload, err := c.client.Get(ctx, enabledRulesKey).Bytes()
	if err == nil {
		var rules []*rule.DLPRule
		if err := json.Unmarshal(payload, &rules); err == nil {
			metrics.RuleCacheHits.WithLabelValues("hit").Inc()
			return rules, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		c.client.Del(ctx, enabledRulesKey)
	} else if err != redis.Nil {
		c.logger.Warn("rule cache read failed", zap.Error(err))
		metrics.RuleCacheHits.WithLabelValues("bypass").Inc()
		return c.inner.ListEnabled(ctx)
	}

	metrics.RuleCacheHits.WithLabelValues("miss").Inc()
	rules, err := c.inner.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(rules); err == nil {
		if err := c.client.Set(ctx, enabledRulesKey, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("rule cache write failed", zap.Error(err))
		}
	}
	return rules, nil
}

// GetRule passes through to the inner store; single-rule reads are
// administrative and not worth caching.
func (c *RuleCache) GetRule(ctx context.Context, id uuid.UUID) (*rule.DLPRule, error) {
	return c.inner.GetRule(ctx, id)
}

// CreateRule writes through and invalidates the cached set.
func (c *RuleCache) CreateRule(ctx context.Context, r *rule.DLPRule) error {
	if err := c.inner.CreateRule(ctx, r); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// UpdateRule writes through and invalidates the cached set.
func (c *RuleCache) UpdateRule(ctx context.Context, id uuid.UUID, apply func(r *rule.DLPRule) error) (*rule.DLPRule, error) {
	updated, err := c.inner.UpdateRule(ctx, id, apply)
	if err != nil {
		return nil, err
	}
	c.invalidate(ctx)
	return updated, nil
}

// RecordTrigger goes straight to the store. Counters are not part of the
// evaluation decision, so the cached set staying stale on statistics is
// harmless within the TTL.
func (c *RuleCache) RecordTrigger(ctx context.Context, id uuid.UUID, action rule.Action, at time.Time) error {
	return c.inner.RecordTrigger(ctx, id, action, at)
}

func (c *RuleCache) invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, enabledRulesKey).Err(); err != nil {
		c.logger.Warn("rule cache invalidation failed", zap.Error(err))
	}
}
