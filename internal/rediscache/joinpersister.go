package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/flowengine/internal/domain"
)

const joinKeyPrefix = "flowengine:join:"

func joinKey(js *domain.JoinState) string {
	return joinKeyPrefix + js.FlowID + ":" + js.NodeID + ":" + js.CorrelationValue
}

// UpsertJoinState implements joinstore.Persister, storing js as a JSON blob
// keyed by its (flow, node, correlation value) triple. The key's TTL tracks
// js.ExpiresAt: Redis itself reclaims abandoned joins, so a sweep pass only
// needs to cover the in-memory view joinstore.Store already holds.
func (c *Client) UpsertJoinState(js *domain.JoinState) error {
	payload, err := json.Marshal(js)
	if err != nil {
		return fmt.Errorf("rediscache: marshal join state: %w", err)
	}
	ttl := time.Until(js.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute // matched/timed-out states still need to survive a restart briefly
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.rdb.Set(ctx, joinKey(js), payload, ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: upsert join state %s/%s/%s: %w", js.FlowID, js.NodeID, js.CorrelationValue, err)
	}
	return nil
}

// ListJoinStates implements joinstore.Persister, scanning every key under
// the join-state prefix. Called once, at Store startup.
func (c *Client) ListJoinStates() ([]*domain.JoinState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out []*domain.JoinState
	iter := c.rdb.Scan(ctx, 0, joinKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("rediscache: get join state %s: %w", iter.Val(), err)
		}
		var js domain.JoinState
		if err := json.Unmarshal(raw, &js); err != nil {
			return nil, fmt.Errorf("rediscache: unmarshal join state %s: %w", iter.Val(), err)
		}
		out = append(out, &js)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("rediscache: scan join states: %w", err)
	}
	return out, nil
}
