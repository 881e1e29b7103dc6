package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	grantVersionKey = "rbac:grants:version"
	grantKeyPrefix  = "rbac:grants"
)

// GrantCache caches resolved effective permission sets per
// (subject, tenant) with a TTL.
//
// Invalidation is two-tier. Subject-scoped mutations (assignments,
// direct grants) delete the subject's entries for all tenants through a
// per-subject secondary index, avoiding pattern scans over the
// keyspace. Role-grant mutations have no reverse index from role to
// affected subjects, so they bump a global version folded into every
// key, orphaning all entries at once. The over-invalidation is accepted.
type GrantCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGrantCache instantiates the cache helper.
func NewGrantCache(client *redis.Client, ttl time.Duration) *GrantCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GrantCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *GrantCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, grantVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, grantVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *GrantCache) key(subjectID, tenantID, ver int64) string {
	return fmt.Sprintf("%s:%d:%d:%d", grantKeyPrefix, subjectID, tenantID, ver)
}

func (c *GrantCache) indexKey(subjectID int64) string {
	return fmt.Sprintf("%s:idx:%d", grantKeyPrefix, subjectID)
}

// FetchSet loads a cached effective set or populates it using the
// loader. Loader failures are never cached.
func (c *GrantCache) FetchSet(ctx context.Context, subjectID, tenantID int64, loader func(context.Context) (EffectiveSet, error)) (EffectiveSet, error) {
	if loader == nil {
		return EffectiveSet{}, errors.New("rbac: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}

	ver, err := c.Version(ctx)
	if err != nil {
		return EffectiveSet{}, err
	}
	key := c.key(subjectID, tenantID, ver)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var set EffectiveSet
		if err := json.Unmarshal(payload, &set); err == nil {
			return set, nil
		}
		// Corrupt entry; fall through and recompute.
	} else if !errors.Is(err, redis.Nil) {
		return EffectiveSet{}, err
	}

	set, err := loader(ctx)
	if err != nil {
		return EffectiveSet{}, err
	}
	raw, err := json.Marshal(set)
	if err != nil {
		return EffectiveSet{}, err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, raw, c.ttl)
	pipe.SAdd(ctx, c.indexKey(subjectID), key)
	pipe.Expire(ctx, c.indexKey(subjectID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return EffectiveSet{}, err
	}
	return set, nil
}

// InvalidateSubject drops the subject's cached sets for all tenants via
// the secondary index.
func (c *GrantCache) InvalidateSubject(ctx context.Context, subjectID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	idx := c.indexKey(subjectID)
	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	keys = append(keys, idx)
	return c.client.Del(ctx, keys...).Err()
}

// Bump invalidates every cached set by incrementing the global version
// and announcing it, so other nodes pick the new version up immediately
// instead of waiting for their next GET.
func (c *GrantCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, grantVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, grantVersionKey, strconv.FormatInt(ver, 10)).Err()
}
