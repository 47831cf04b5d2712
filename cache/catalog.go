/*
Package cache shares the rule catalog between processes through Redis.

PURPOSE:
  Every accrual evaluation needs a catalog snapshot. Building one means two
  table scans; CatalogCache stores the serialized snapshot under one key with
  a TTL so a fleet of API and worker processes rebuild it once per TTL, not
  once per transaction.

CONSISTENCY:
  - The cached value is a whole snapshot (rules + campaigns), never a partial one
  - Catalog edits call Invalidate, which deletes the key
  - Redis failures fall back to the inner source; the cache is never required

SEE ALSO:
  - rules/catalog.go: Source, Invalidator, CachedSource (in-process layer)
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/rules"
)

const (
	DefaultKey = "loyalty:catalog:v1"
	DefaultTTL = 30 * time.Second
)

// snapshot is the cached wire form of a rules.Catalog.
type snapshot struct {
	Rules     []rules.ConversionRule `json:"rules"`
	Campaigns []rules.BonusCampaign  `json:"campaigns"`
	BuiltAt   time.Time              `json:"built_at"`
}

// CatalogCache implements rules.Source and rules.Invalidator over Redis.
type CatalogCache struct {
	client redis.Cmdable
	inner  rules.Source
	key    string
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCatalogCache(client redis.Cmdable, inner rules.Source, ttl time.Duration, log zerolog.Logger) *CatalogCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CatalogCache{
		client: client,
		inner:  inner,
		key:    DefaultKey,
		ttl:    ttl,
		log:    log.With().Str("component", "catalog_cache").Logger(),
	}
}

// WithKey returns a copy storing the snapshot under key.
func (c *CatalogCache) WithKey(key string) *CatalogCache {
	cp := *c
	cp.key = key
	return &cp
}

func (c *CatalogCache) Key() string { return c.key }

func (c *CatalogCache) Snapshot(ctx context.Context) (*rules.Catalog, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	switch {
	case err == nil:
		var snap snapshot
		if err := json.Unmarshal(raw, &snap); err == nil {
			return rules.NewCatalog(snap.Rules, snap.Campaigns), nil
		}
		c.log.Warn().Str("key", c.key).Msg("Discarding undecodable catalog snapshot")
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn().Err(err).Msg("Catalog cache read failed, using source")
		return c.inner.Snapshot(ctx)
	}

	cat, err := c.inner.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, cat)
	return cat, nil
}

func (c *CatalogCache) store(ctx context.Context, cat *rules.Catalog) {
	payload, err := json.Marshal(snapshot{
		Rules:     cat.Rules(),
		Campaigns: cat.Campaigns(),
		BuiltAt:   cat.BuiltAt().UTC(),
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to encode catalog snapshot")
		return
	}
	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("Catalog cache write failed")
	}
}

// Invalidate drops the shared snapshot.
func (c *CatalogCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("invalidate catalog cache: %w", err)
	}
	return nil
}
