// Package joinstore implements the join/correlation rendezvous store: two
// concurrent streams are matched on a correlation key within a TTL window.
package joinstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// Side identifies which edge of a join an incoming invocation represents.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Persister is the Storage Gateway's JoinState persistence contract.
type Persister interface {
	UpsertJoinState(*domain.JoinState) error
	ListJoinStates() ([]*domain.JoinState, error)
}

// Resumer lets the sweeper hand control back to whatever parked a run
// awaiting a join, once that join reaches a terminal state on its own
// (timeout). The orchestrator implements this to fail (strategy inner) or
// resume-with-partial-payload (strategy left/right) the waiting run.
type Resumer interface {
	ResumeJoin(ctx context.Context, state *domain.JoinState) error
}

// Store is the process-wide join/correlation rendezvous store. Keys are
// (flowId, nodeId, correlationValue); CAS-style upserts are serialized per
// key so that when two sides race to complete a join, exactly one observes
// the waiting→matched transition.
type Store struct {
	mu            sync.Mutex
	states        map[key]*domain.JoinState
	persister     Persister
	resumer       Resumer
	defaultTTL    time.Duration
	sweepInterval time.Duration
	logger        *log.Logger
	stopCh        chan struct{}
}

type key struct {
	flowID, nodeID, correlationValue string
}

// New constructs a Store and loads any persisted JoinStates.
func New(persister Persister, defaultTTL, sweepInterval time.Duration) (*Store, error) {
	s := &Store{
		states:        make(map[key]*domain.JoinState),
		persister:     persister,
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		logger:        log.New(log.Writer(), "[JOIN-STORE] ", log.LstdFlags),
		stopCh:        make(chan struct{}),
	}
	existing, err := persister.ListJoinStates()
	if err != nil {
		return nil, fmt.Errorf("joinstore: load existing states: %w", err)
	}
	for _, js := range existing {
		s.states[key{js.FlowID, js.NodeID, js.CorrelationValue}] = js
	}
	return s, nil
}

// SetResumer wires the callback invoked when a waiting join times out with
// a run parked on it. Construction of the orchestrator and the join store
// is mutually dependent (the orchestrator needs the store as its
// JoinCoordinator; the store needs the orchestrator as its Resumer), so
// main wires this after both are built rather than through New.
func (s *Store) SetResumer(r Resumer) {
	s.mu.Lock()
	s.resumer = r
	s.mu.Unlock()
}

// Start launches the background sweeper that transitions expired
// waiting states to timeout.
func (s *Store) Start() {
	go s.sweepLoop()
}

// Stop halts the sweeper.
func (s *Store) Stop() {
	close(s.stopCh)
}

// UpsertResult is what an executor invocation learns after upserting.
type UpsertResult struct {
	Status domain.JoinStatus
	State  *domain.JoinState
}

// Upsert records an incoming payload for the given side of a join,
// returning whether the join is now matched (and the merged payload
// available via State.Merged()), still waiting, or was already terminal.
// runID identifies the run making this call; it is recorded on a
// newly-created waiting state only, since that's the run whose branch
// stalls until the other side arrives (or the TTL sweeper resolves it).
func (s *Store) Upsert(flowID, nodeID, correlationKey, correlationValue, runID string, side Side, payload json.RawMessage, strategy domain.JoinStrategy, ttl time.Duration) (UpsertResult, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{flowID, nodeID, correlationValue}
	st, exists := s.states[k]
	if !exists {
		st = &domain.JoinState{
			FlowID:           flowID,
			NodeID:           nodeID,
			CorrelationKey:   correlationKey,
			CorrelationValue: correlationValue,
			Strategy:         strategy,
			ExpiresAt:        time.Now().Add(ttl),
			RunID:            runID,
		}
		applySide(st, side, payload, strategy)
		if st.Matched() {
			now := time.Now()
			st.Status = domain.JoinStatusMatched
			st.MatchedAt = &now
		} else if side == SideA {
			st.Status = domain.JoinStatusWaitingB
		} else {
			st.Status = domain.JoinStatusWaitingA
		}
		s.states[k] = st
		if err := s.persister.UpsertJoinState(st); err != nil {
			return UpsertResult{}, fmt.Errorf("joinstore: persist new state: %w", err)
		}
		return UpsertResult{Status: st.Status, State: st}, nil
	}

	if st.Status == domain.JoinStatusMatched || st.Status == domain.JoinStatusTimeout {
		// Matched states are never resurrected; a timed-out state also
		// stays terminal.
		return UpsertResult{Status: st.Status, State: st}, nil
	}

	applySide(st, side, payload, strategy)
	if st.Matched() {
		now := time.Now()
		st.Status = domain.JoinStatusMatched
		st.MatchedAt = &now
	}
	if err := s.persister.UpsertJoinState(st); err != nil {
		return UpsertResult{}, fmt.Errorf("joinstore: persist update: %w", err)
	}
	return UpsertResult{Status: st.Status, State: st}, nil
}

// applySide writes payload into the requested side. If that side is
// already populated it is overwritten (last write wins) under every
// strategy; strategy does not change this.
func applySide(st *domain.JoinState, side Side, payload json.RawMessage, strategy domain.JoinStrategy) {
	switch side {
	case SideA:
		st.StreamA = payload
	case SideB:
		st.StreamB = payload
	}
}

// sweepLoop transitions expired waiting states to timeout.
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepOnce() {
	now := time.Now()
	s.mu.Lock()
	var expired []*domain.JoinState
	for _, st := range s.states {
		if (st.Status == domain.JoinStatusWaitingA || st.Status == domain.JoinStatusWaitingB) && now.After(st.ExpiresAt) {
			st.Status = domain.JoinStatusTimeout
			expired = append(expired, st)
		}
	}
	s.mu.Unlock()

	for _, st := range expired {
		if err := s.persister.UpsertJoinState(st); err != nil {
			s.logger.Printf("failed to persist timeout for %s/%s/%s: %v", st.FlowID, st.NodeID, st.CorrelationValue, err)
			continue
		}
		s.logger.Printf("join timed out: flow=%s node=%s correlation=%s strategy=%s", st.FlowID, st.NodeID, st.CorrelationValue, st.Strategy)

		s.mu.Lock()
		resumer := s.resumer
		s.mu.Unlock()
		if st.RunID == "" || resumer == nil {
			continue
		}
		if err := resumer.ResumeJoin(context.Background(), st); err != nil {
			s.logger.Printf("failed to resume run %s for timed-out join %s/%s/%s: %v", st.RunID, st.FlowID, st.NodeID, st.CorrelationValue, err)
		}
	}
}

// Get returns the current state for a correlation value, if any.
func (s *Store) Get(flowID, nodeID, correlationValue string) (*domain.JoinState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key{flowID, nodeID, correlationValue}]
	return st, ok
}
