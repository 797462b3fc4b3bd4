package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veilpay/clientvault/pkg/logger"
)

// Stats provides observability counters for monitoring the sweep.
type Stats struct {
	EntriesRemoved int64 // Total entries removed by sweeps
	SweepsRun      int64 // Total completed sweep passes
	IsRunning      bool  // Whether the sweep goroutine is running
}

// Sweeper periodically removes expired entries from a Store's region.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	removed atomic.Int64
	sweeps  atomic.Int64
}

// NewSweeper creates a sweeper over the given store. A non-positive
// interval is rejected at Start.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   store.logger,
	}
}

// Start begins the periodic sweep. Blocking; runs until the context is
// cancelled or Stop is called. Use Run for errgroup-style coordination.
func (sw *Sweeper) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.cancel != nil {
		sw.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	if sw.interval <= 0 {
		sw.mu.Unlock()
		return fmt.Errorf("sweep interval must be > 0, got %v", sw.interval)
	}
	sw.ctx, sw.cancel = context.WithCancel(ctx)
	sw.mu.Unlock()

	sw.running.Store(true)
	defer sw.running.Store(false)

	sw.logger.Info("expired-entry sweep started", logger.Duration(sw.interval))

	ticker := sw.store.clock.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return sw.ctx.Err()
		case <-ticker.Chan():
			removed := sw.store.CleanupExpired()
			sw.sweeps.Add(1)
			if removed > 0 {
				sw.removed.Add(int64(removed))
				sw.logger.Info("sweep removed expired entries", logger.Count("count", removed))
			}
		}
	}
}

// Stop cancels a running sweep.
func (sw *Sweeper) Stop() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.cancel == nil {
		return fmt.Errorf("sweeper not started")
	}
	sw.cancel()
	sw.cancel = nil
	return nil
}

// Run provides errgroup compatibility: starts the sweep and shuts it down
// when the context is cancelled.
func (sw *Sweeper) Run(ctx context.Context) func() error {
	return func() error {
		err := sw.Start(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
}

// Stats returns sweep counters.
func (sw *Sweeper) Stats() Stats {
	return Stats{
		EntriesRemoved: sw.removed.Load(),
		SweepsRun:      sw.sweeps.Load(),
		IsRunning:      sw.running.Load(),
	}
}

// CleanupExpired scans every managed prefix and deletes entries whose TTL
// has elapsed. Returns the number of entries removed. Values under managed
// prefixes that do not parse as entries are left in place; deleting what we
// cannot read belongs to CleanupAll only.
func (s *Store) CleanupExpired() int {
	now := s.clock.Now().UTC()
	removed := 0

	for _, key := range s.region.Keys() {
		if _, ok := ManagedKey(key); !ok {
			continue
		}

		raw, ok := s.region.Get(key)
		if !ok {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.ID == "" {
			continue
		}

		if entry.expired(now) {
			s.Remove(key)
			removed++
		}
	}

	return removed
}

// CleanupAll unconditionally removes every entry under any managed prefix.
// Invoked on session teardown. Returns the number of keys removed.
func (s *Store) CleanupAll() int {
	removed := 0
	for _, key := range s.region.Keys() {
		if _, ok := ManagedKey(key); !ok {
			continue
		}
		s.Remove(key)
		removed++
	}
	if removed > 0 {
		s.logger.Info("all sensitive entries removed", logger.Count("count", removed))
	}
	return removed
}
