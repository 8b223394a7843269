package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ocx/flowengine/internal/scheduler"
)

// ListEnabledSchedules implements scheduler.Store.
func (g *Gateway) ListEnabledSchedules(ctx context.Context) ([]scheduler.ScheduleRecord, error) {
	var records []scheduler.ScheduleRecord
	_, err := g.client.From("schedule_records").
		Select("*", "", false).
		Eq("enabled", "true").
		ExecuteTo(&records)
	if err != nil {
		return nil, fmt.Errorf("storage: list enabled schedules: %w", err)
	}
	return records, nil
}

// UpdateScheduleLastRun implements scheduler.Store.
func (g *Gateway) UpdateScheduleLastRun(ctx context.Context, flowID, nodeID string, at time.Time) error {
	update := map[string]any{"last_run_at": at}
	var result []scheduler.ScheduleRecord
	_, err := g.client.From("schedule_records").
		Update(update, "", "").
		Eq("flow_id", flowID).
		Eq("node_id", nodeID).
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: update schedule last run %s/%s: %w", flowID, nodeID, err)
	}
	return nil
}

// SaveSchedule upserts a scheduler node's cron registration — called when
// a flow version activates or its scheduler trigger node's config changes.
func (g *Gateway) SaveSchedule(ctx context.Context, rec scheduler.ScheduleRecord) error {
	var result []scheduler.ScheduleRecord
	_, err := g.client.From("schedule_records").
		Upsert(rec, "flow_id,node_id", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("storage: save schedule %s/%s: %w", rec.FlowID, rec.NodeID, err)
	}
	return nil
}
