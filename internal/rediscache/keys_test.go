package rediscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/flowengine/internal/domain"
)

func TestJoinKeyIsStableAndScopedToCorrelationTriple(t *testing.T) {
	a := &domain.JoinState{FlowID: "flow-1", NodeID: "join-1", CorrelationValue: "order-42"}
	b := &domain.JoinState{FlowID: "flow-1", NodeID: "join-1", CorrelationValue: "order-43"}

	assert.Equal(t, joinKey(a), joinKey(a))
	assert.NotEqual(t, joinKey(a), joinKey(b))
	assert.Contains(t, joinKey(a), joinKeyPrefix)
	assert.Contains(t, joinKey(a), "flow-1")
	assert.Contains(t, joinKey(a), "join-1")
	assert.Contains(t, joinKey(a), "order-42")
}

func TestTokenKeyIsStableAndScopedToCacheKey(t *testing.T) {
	a := domain.TokenCacheKey{AdapterID: "adapter-1", TokenType: domain.TokenTypeAccess, Scope: "read"}
	b := domain.TokenCacheKey{AdapterID: "adapter-1", TokenType: domain.TokenTypeAccess, Scope: "write"}

	assert.Equal(t, tokenKey(a), tokenKey(a))
	assert.NotEqual(t, tokenKey(a), tokenKey(b))
	assert.Contains(t, tokenKey(a), tokenKeyPrefix)
	assert.Contains(t, tokenKey(a), "adapter-1")
}

func TestJoinStateTTLFallsBackToOneMinuteWhenExpired(t *testing.T) {
	js := &domain.JoinState{
		FlowID: "flow-1", NodeID: "join-1", CorrelationValue: "order-42",
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	ttl := time.Until(js.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	assert.Equal(t, time.Minute, ttl)
}
