package storage

import (
	"fmt"

	"github.com/ocx/flowengine/internal/domain"
)

// joinStateRow is the "join_states" table's row shape; domain.JoinState's
// own json tags map directly onto its columns.

// UpsertJoinState implements joinstore.Persister.
func (g *Gateway) UpsertJoinState(js *domain.JoinState) error {
	var result []domain.JoinState
	_, err := g.client.From("join_states").
		Upsert(js, "flow_id,node_id,correlation_value", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: upsert join state %s/%s/%s: %w", js.FlowID, js.NodeID, js.CorrelationValue, err)
	}
	return nil
}

// ListJoinStates implements joinstore.Persister, loading every
// outstanding join state on Store startup.
func (g *Gateway) ListJoinStates() ([]*domain.JoinState, error) {
	var states []domain.JoinState
	_, err := g.client.From("join_states").
		Select("*", "", false).
		ExecuteTo(&states)
	if err != nil {
		return nil, fmt.Errorf("storage: list join states: %w", err)
	}
	out := make([]*domain.JoinState, len(states))
	for i := range states {
		out[i] = &states[i]
	}
	return out, nil
}
