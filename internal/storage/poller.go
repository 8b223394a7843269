package storage

import (
	"fmt"

	"github.com/ocx/flowengine/internal/domain"
)

// LoadPollerState implements poller.Persister.
func (g *Gateway) LoadPollerState(flowID, nodeID string) (*domain.PollerState, error) {
	var states []domain.PollerState
	_, err := g.client.From("poller_states").
		Select("*", "", false).
		Eq("flow_id", flowID).
		Eq("node_id", nodeID).
		ExecuteTo(&states)
	if err != nil {
		return nil, fmt.Errorf("storage: load poller state %s/%s: %w", flowID, nodeID, err)
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// SavePollerState implements poller.Persister.
func (g *Gateway) SavePollerState(ps *domain.PollerState) error {
	var result []domain.PollerState
	_, err := g.client.From("poller_states").
		Upsert(ps, "flow_id,node_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save poller state %s/%s: %w", ps.FlowID, ps.NodeID, err)
	}
	return nil
}
