package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/flowengine/internal/domain"
)

const tokenKeyPrefix = "flowengine:token:"

func tokenKey(key domain.TokenCacheKey) string {
	return tokenKeyPrefix + key.AdapterID + ":" + string(key.TokenType) + ":" + key.Scope
}

// casScript performs the compare-and-swap atomically server-side: a cached
// entry is only overwritten when its stored version still equals the
// caller's expected version (or no entry exists yet and expected is 0),
// exactly mirroring the Storage Gateway's Eq("version", ...) guarded UPDATE.
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local expected = tonumber(ARGV[1])
if current == false then
	if expected == 0 then
		redis.call('SET', KEYS[1], ARGV[2])
		return {1, ARGV[2]}
	end
	return {0, false}
end
local decoded = cjson.decode(current)
if decoded.version == expected then
	redis.call('SET', KEYS[1], ARGV[2])
	return {1, ARGV[2]}
end
return {0, current}
`)

// LoadTokenEntry implements tokencache.Store.
func (c *Client) LoadTokenEntry(key domain.TokenCacheKey) (*domain.TokenCacheEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := c.rdb.Get(ctx, tokenKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rediscache: load token entry %s/%s/%s: %w", key.AdapterID, key.TokenType, key.Scope, err)
	}
	var entry domain.TokenCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("rediscache: unmarshal token entry: %w", err)
	}
	return &entry, nil
}

// ListTokenEntries implements tokencache.Store.
func (c *Client) ListTokenEntries() ([]*domain.TokenCacheEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out []*domain.TokenCacheEntry
	iter := c.rdb.Scan(ctx, 0, tokenKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("rediscache: get token entry %s: %w", iter.Val(), err)
		}
		var entry domain.TokenCacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("rediscache: unmarshal token entry %s: %w", iter.Val(), err)
		}
		out = append(out, &entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediscache: scan token entries: %w", err)
	}
	return out, nil
}

// CompareAndSwapTokenEntry implements tokencache.Store via casScript, so the
// read-compare-write happens as a single atomic step inside Redis rather
// than racing across separate GET/SET round-trips.
func (c *Client) CompareAndSwapTokenEntry(expectedVersion int64, next *domain.TokenCacheEntry) (*domain.TokenCacheEntry, bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: marshal token entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := casScript.Run(ctx, c.rdb, []string{tokenKey(next.Key)}, expectedVersion, payload).Result()
	if err != nil {
		return nil, false, fmt.Errorf("rediscache: compare-and-swap token entry: %w", err)
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) != 2 {
		return nil, false, fmt.Errorf("rediscache: unexpected CAS script result %#v", result)
	}
	won := fields[0].(int64) == 1

	stored, ok := fields[1].(string)
	if !ok || stored == "" {
		return nil, false, nil // no entry existed and the caller lost an initial-insert race
	}
	var entry domain.TokenCacheEntry
	if err := json.Unmarshal([]byte(stored), &entry); err != nil {
		return nil, false, fmt.Errorf("rediscache: unmarshal CAS result: %w", err)
	}
	return &entry, won, nil
}
