// Package scheduler registers cron jobs per (flowId, nodeId) scheduler-type
// node, activated on flow save/update rather than per execution.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerFunc is invoked on every cron fire for a registered node; it
// enqueues a trigger event for the owning flow.
type TriggerFunc func(ctx context.Context, flowID, nodeID string)

// ScheduleRecord is the persisted record of one scheduler node's cron job.
type ScheduleRecord struct {
	FlowID    string     `json:"flow_id"`
	NodeID    string     `json:"node_id"`
	CronExpr  string     `json:"cron_expr"`
	Timezone  string     `json:"timezone"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// Store is the Storage Gateway's schedule persistence contract.
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]ScheduleRecord, error)
	UpdateScheduleLastRun(ctx context.Context, flowID, nodeID string, at time.Time) error
}

// jobKey identifies one (flowId, nodeId) cron entry.
type jobKey struct{ flowID, nodeID string }

// Scheduler owns one robfig/cron/v3 instance and a registry mapping
// (flowId, nodeId) to its cron.EntryID, so enabling/disabling a node
// toggles a single job without disturbing the others.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	trigger TriggerFunc
	entries map[jobKey]cron.EntryID
	mu      sync.Mutex
	logger  *log.Logger
}

// New constructs a Scheduler. The cron parser accepts the standard 5-field
// expression plus @hourly/@daily-style descriptors.
func New(store Store, trigger TriggerFunc) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		store:   store,
		trigger: trigger,
		entries: make(map[jobKey]cron.EntryID),
		logger:  log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

// Start re-registers every enabled scheduler node from the Storage Gateway
// and starts the cron loop, so a restart never silently drops a job.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list enabled schedules: %w", err)
	}
	for _, sched := range schedules {
		if err := s.Register(sched); err != nil {
			s.logger.Printf("failed to register flow=%s node=%s expr=%q: %v", sched.FlowID, sched.NodeID, sched.CronExpr, err)
		}
	}
	s.cron.Start()
	s.logger.Printf("started with %d schedules", len(schedules))
	return nil
}

// Stop halts the cron loop.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Register adds (or replaces) the cron job for one scheduler node. Called
// on flow save/update, not per execution.
func (s *Scheduler) Register(sched ScheduleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := jobKey{sched.FlowID, sched.NodeID}
	if entryID, ok := s.entries[k]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, k)
	}
	if !sched.Enabled {
		return nil
	}

	expr := sched.CronExpr
	loc, err := resolveLocation(sched.Timezone)
	if err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("scheduler: parse cron expr %q: %w", expr, err)
	}
	locSchedule := inLocation{schedule, loc}

	flowID, nodeID := sched.FlowID, sched.NodeID
	entryID := s.cron.Schedule(locSchedule, cron.FuncJob(func() {
		s.fire(flowID, nodeID)
	}))
	s.entries[k] = entryID
	return nil
}

// Unregister disables a scheduler node's cron job.
func (s *Scheduler) Unregister(flowID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := jobKey{flowID, nodeID}
	if entryID, ok := s.entries[k]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, k)
	}
}

func (s *Scheduler) fire(flowID, nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.trigger(ctx, flowID, nodeID)

	if err := s.store.UpdateScheduleLastRun(ctx, flowID, nodeID, time.Now()); err != nil {
		s.logger.Printf("failed to update last_run_at for flow=%s node=%s: %v", flowID, nodeID, err)
	}
}

func resolveLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
	}
	return loc, nil
}

// inLocation wraps a cron.Schedule to evaluate Next() in a fixed timezone.
type inLocation struct {
	cron.Schedule
	loc *time.Location
}

func (l inLocation) Next(t time.Time) time.Time {
	return l.Schedule.Next(t.In(l.loc)).In(t.Location())
}
