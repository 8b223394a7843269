package storage

import (
	"context"
	"fmt"

	"github.com/ocx/flowengine/internal/domain"
)

// FindPolicy implements ingress.PolicyResolver. A route registers at most
// one InboundAuthPolicy per pattern+method, so the first match wins.
func (g *Gateway) FindPolicy(ctx context.Context, routePattern, method string) (*domain.InboundAuthPolicy, error) {
	var rows []domain.InboundAuthPolicy
	_, err := g.client.From("inbound_auth_policies").
		Select("*", "", false).
		Eq("route_pattern", routePattern).
		Eq("method", method).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: find auth policy for %s %s: %w", method, routePattern, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetAuthAdapter implements ingress.PolicyResolver.
func (g *Gateway) GetAuthAdapter(ctx context.Context, adapterID string) (*domain.AuthAdapter, error) {
	var rows []domain.AuthAdapter
	_, err := g.client.From("auth_adapters").
		Select("*", "", false).
		Eq("id", adapterID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("storage: get auth adapter %q: %w", adapterID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("storage: auth adapter %q not found", adapterID)
	}
	return &rows[0], nil
}

// SaveAuthAdapter upserts an outbound/inbound credential adapter definition.
func (g *Gateway) SaveAuthAdapter(ctx context.Context, adapter *domain.AuthAdapter) error {
	var result []domain.AuthAdapter
	_, err := g.client.From("auth_adapters").
		Upsert(adapter, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save auth adapter %q: %w", adapter.ID, err)
	}
	return nil
}

// SaveInboundAuthPolicy upserts a route pattern+method's auth policy.
func (g *Gateway) SaveInboundAuthPolicy(ctx context.Context, policy *domain.InboundAuthPolicy) error {
	var result []domain.InboundAuthPolicy
	_, err := g.client.From("inbound_auth_policies").
		Upsert(policy, "id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save auth policy %q: %w", policy.ID, err)
	}
	return nil
}
