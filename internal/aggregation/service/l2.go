package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/costflow/internal/aggregation/domain"
)

// generationTTL outlives any entry, which expires by the tenant's next midnight.
const generationTTL = 7 * 24 * time.Hour

// redisTier is the shared second tier. Each tenant has a set of its keys so
// invalidation does not need SCAN, and a generation counter that invalidation
// bumps. Entries written under an older generation are never served.
type redisTier struct {
	client *redis.Client
	prefix string
}

type l2Entry struct {
	Generation int64         `json:"generation"`
	Result     domain.Result `json:"result"`
}

func newRedisTier(client *redis.Client, prefix string) *redisTier {
	if client == nil {
		return nil
	}
	return &redisTier{client: client, prefix: prefix}
}

func (t *redisTier) key(fingerprint string) string {
	return t.prefix + "agg:" + fingerprint
}

func (t *redisTier) tenantKey(tenantID string) string {
	return t.prefix + "agg:tenant:" + tenantID
}

func (t *redisTier) generationKey(tenantID string) string {
	return t.prefix + "agg:gen:" + tenantID
}

func (t *redisTier) generation(ctx context.Context, tenantID string) (int64, error) {
	n, err := t.client.Get(ctx, t.generationKey(tenantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (t *redisTier) get(ctx context.Context, tenantID, fingerprint string) (*domain.Result, bool, error) {
	vals, err := t.client.MGet(ctx, t.key(fingerprint), t.generationKey(tenantID)).Result()
	if err != nil {
		return nil, false, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, false, nil
	}
	var gen int64
	if s, ok := vals[1].(string); ok {
		if gen, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, false, err
		}
	}
	return decodeEntry([]byte(raw), gen)
}

func decodeEntry(raw []byte, generation int64) (*domain.Result, bool, error) {
	var e l2Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	if e.Generation != generation {
		return nil, false, nil
	}
	return &e.Result, true, nil
}

func (t *redisTier) set(ctx context.Context, res *domain.Result, generation int64) error {
	payload, err := json.Marshal(l2Entry{Generation: generation, Result: *res})
	if err != nil {
		return err
	}
	key := t.key(res.Fingerprint)
	tenantKey := t.tenantKey(res.TenantID)
	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		pipe.ExpireAt(ctx, key, res.ExpiresAt)
		pipe.SAdd(ctx, tenantKey, key)
		// the set outlives entries by a day so late writers still land in it
		pipe.ExpireAt(ctx, tenantKey, res.ExpiresAt.Add(24*time.Hour))
		return nil
	})
	return err
}

func (t *redisTier) delete(ctx context.Context, fingerprint string) error {
	return t.client.Del(ctx, t.key(fingerprint)).Err()
}

// invalidateTenant bumps the generation before deleting, so a write racing the
// delete is still rejected on read.
func (t *redisTier) invalidateTenant(ctx context.Context, tenantID string) (int, error) {
	genKey := t.generationKey(tenantID)
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		return nil
	})
	if err != nil {
		return 0, err
	}

	tenantKey := t.tenantKey(tenantID)
	keys, err := t.client.SMembers(ctx, tenantKey).Result()
	if err != nil {
		return 0, err
	}
	keys = append(keys, tenantKey)
	removed, err := t.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
