package tokencache

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/flowengine/internal/domain"
)

// AdapterLookup resolves the AuthAdapter owning a cached entry's key, so
// the sweeper can drive a proactive refresh the same way an on-demand
// caller would.
type AdapterLookup func(adapterID string) (domain.AuthAdapter, bool)

// Sweeper periodically scans every cached entry and proactively refreshes
// ones nearing expiry, so a connector call never has to pay for a
// synchronous refresh on the hot path.
type Sweeper struct {
	cache    *Cache
	lookup   AdapterLookup
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
}

// NewSweeper constructs a Sweeper. interval defaults to one minute.
func NewSweeper(cache *Cache, lookup AdapterLookup, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		cache:    cache,
		lookup:   lookup,
		interval: interval,
		logger:   slog.Default().With("component", "tokencache-sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is canceled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() { close(s.stopCh) }

func (s *Sweeper) sweepOnce(ctx context.Context) {
	entries, err := s.cache.store.ListTokenEntries()
	if err != nil {
		s.logger.Warn("list token entries failed", "error", err)
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if entry.RefreshInFlight || !entry.NeedsRefresh(now, s.cache.refreshSkew) {
			continue
		}
		adapter, ok := s.lookup(entry.Key.AdapterID)
		if !ok {
			s.logger.Warn("no adapter found for cached entry, skipping proactive refresh", "adapter_id", entry.Key.AdapterID)
			continue
		}
		if _, err := s.cache.Get(ctx, adapter, entry.Key.TokenType, entry.Key.Scope); err != nil {
			s.logger.Warn("proactive refresh failed", "adapter_id", entry.Key.AdapterID, "error", err)
		}
	}
}
