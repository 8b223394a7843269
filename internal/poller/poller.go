// Package poller implements the SFTP/blob poller subsystem: periodic
// remote-directory scans that emit at most one trigger event per unique
// file, deduped via a bounded fingerprint ring.
package poller

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// RemoteFile is one file listed by a RemoteSource, lazily fetched.
type RemoteFile struct {
	Name       string
	Path       string
	Size       int64
	ModifiedAt time.Time
	Fetch      func(ctx context.Context) ([]byte, error)
}

// RemoteSource lists and fetches files from one remote directory (SFTP
// host or blob bucket+prefix). Implemented by sftp.go and blob.go.
type RemoteSource interface {
	List(ctx context.Context, globPattern string) ([]RemoteFile, error)
}

// Persister is the Storage Gateway's PollerState persistence contract.
// Updates must be serialized per (flowId, nodeId).
type Persister interface {
	LoadPollerState(flowID, nodeID string) (*domain.PollerState, error)
	SavePollerState(*domain.PollerState) error
}

// EventSink is where a new-file trigger event is delivered — normally the
// Queue Abstraction's enqueue on the node's trigger topic.
type EventSink interface {
	Enqueue(ctx context.Context, topic string, payload []byte) error
}

// NodeConfig is a poller node's typed configuration.
type NodeConfig struct {
	FlowID        string
	NodeID        string
	PollerType    domain.PollerType
	GlobPattern   string
	TrackingMode  domain.TrackingMode
	Interval      time.Duration
	TriggerTopic  string
	RingSize      int
}

// Poller runs one node's periodic polling tick loop.
type Poller struct {
	cfg       NodeConfig
	source    RemoteSource
	persister Persister
	sink      EventSink
	logger    *log.Logger

	mu       sync.Mutex // serializes ticks for this (flowId, nodeId)
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Poller for one node.
func New(cfg NodeConfig, source RemoteSource, persister Persister, sink EventSink) *Poller {
	return &Poller{
		cfg:       cfg,
		source:    source,
		persister: persister,
		sink:      sink,
		logger:    log.New(log.Writer(), fmt.Sprintf("[POLLER %s/%s] ", cfg.FlowID, cfg.NodeID), log.LstdFlags),
		stopCh:    make(chan struct{}),
	}
}

// Run starts the periodic tick loop; blocks until ctx is canceled or Stop
// is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Stop halts the tick loop.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Tick runs one poll cycle: list, dedup, fetch, enqueue, persist. Exported
// so tests and manual "poll now" operations can invoke a single cycle.
func (p *Poller) Tick(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.persister.LoadPollerState(p.cfg.FlowID, p.cfg.NodeID)
	if err != nil {
		p.logger.Printf("load poller state: %v", err)
		return
	}
	if state == nil {
		state = &domain.PollerState{
			FlowID:     p.cfg.FlowID,
			NodeID:     p.cfg.NodeID,
			PollerType: p.cfg.PollerType,
			Enabled:    true,
		}
	}
	if !state.Enabled {
		return
	}

	files, err := p.source.List(ctx, p.cfg.GlobPattern)
	if err != nil {
		state.RecordError(err, time.Now())
		if saveErr := p.persister.SavePollerState(state); saveErr != nil {
			p.logger.Printf("persist list-error state: %v", saveErr)
		}
		p.logger.Printf("list failed, will retry next tick: %v", err)
		return
	}

	for _, f := range files {
		p.processFile(ctx, state, f)
	}
}

func (p *Poller) processFile(ctx context.Context, state *domain.PollerState, f RemoteFile) {
	// filename mode dedups without fetching; checksum mode must fetch first.
	if p.cfg.TrackingMode == domain.TrackingModeFilename {
		if state.Seen(domain.TrackingModeFilename, f.Name, "") {
			return
		}
	}

	content, err := f.Fetch(ctx)
	if err != nil {
		p.logger.Printf("fetch %s failed: %v", f.Name, err)
		return
	}

	checksum := ""
	if p.cfg.TrackingMode == domain.TrackingModeChecksum {
		sum := sha256.Sum256(content)
		checksum = hex.EncodeToString(sum[:])
		if state.Seen(domain.TrackingModeChecksum, f.Name, checksum) {
			return
		}
	}

	payload, err := json.Marshal(map[string]any{
		"file": map[string]any{
			"name":        f.Name,
			"path":        f.Path,
			"content":     content,
			"size":        f.Size,
			"modifiedAt":  f.ModifiedAt,
		},
		"_metadata": map[string]any{
			"pollerId":     p.cfg.NodeID,
			"trackingMode": p.cfg.TrackingMode,
			"checksum":     checksum,
		},
	})
	if err != nil {
		p.logger.Printf("marshal event for %s: %v", f.Name, err)
		return
	}

	if err := p.sink.Enqueue(ctx, p.cfg.TriggerTopic, payload); err != nil {
		p.logger.Printf("enqueue for %s failed, will retry next tick: %v", f.Name, err)
		return
	}

	state.RecordFile(f.Name, checksum, time.Now(), p.cfg.RingSize)
	if err := p.persister.SavePollerState(state); err != nil {
		// At-least-once: the event is already enqueued. A crash here just
		// means this file may be re-processed next tick.
		p.logger.Printf("persist fingerprint for %s failed: %v", f.Name, err)
	}
}
