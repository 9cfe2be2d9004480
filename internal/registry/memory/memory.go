// Package memory implements registry.Registry with an in-memory map
// guarded by a mutex. Intended for unit tests and local/dev runs where
// a Postgres instance is not available; not horizontally scalable and
// not durable across restarts (mirrors the teacher's
// internal/storage/memory.MemoryStorage).
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/openguard/guard/internal/clock"
	"github.com/openguard/guard/internal/registry"
)

// Registry is a thread-safe, in-memory registry.Registry.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*registry.ClusterRecord
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns an empty in-memory registry.
func New(clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		records: make(map[string]*registry.ClusterRecord),
		clock:   clk,
		logger:  logger,
	}
}

// Seed inserts a record directly, bypassing CAS. Used by tests and by
// administrative cluster import (spec §3 "created externally").
func (r *Registry) Seed(rec *registry.ClusterRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := rec.Clone()
	if stored.Rev == 0 {
		stored.Rev = 1
	}
	if stored.LastUpdated.IsZero() {
		stored.LastUpdated = r.clock.Now()
	}
	r.records[stored.ClusterID] = stored
}

func (r *Registry) Get(_ context.Context, clusterID string) (*registry.ClusterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[clusterID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Registry) List(_ context.Context, filter registry.ListFilter) ([]*registry.ClusterRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registry.ClusterRecord, 0, len(r.records))
	for _, rec := range r.records {
		if filter.BatchID != "" && rec.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (r *Registry) CompareAndSwap(_ context.Context, clusterID string, expectedRev int64, patch registry.Fields) (*registry.ClusterRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clusterID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	if rec.Rev != expectedRev {
		return nil, registry.ErrConflict
	}

	next := rec.Clone()
	applyFields(next, patch)
	next.Rev = rec.Rev + 1
	next.LastUpdated = r.clock.Now()

	r.records[clusterID] = next
	return next.Clone(), nil
}

func (r *Registry) AppendHistory(ctx context.Context, clusterID string, expectedRev int64, entry registry.UpgradeHistoryEntry) (*registry.ClusterRecord, error) {
	return r.CompareAndSwap(ctx, clusterID, expectedRev, registry.Fields{AppendHistory: &entry})
}

func (r *Registry) TransitionStatus(_ context.Context, clusterID string, expectedStatus, newStatus registry.Status, expectedRev int64, patch registry.Fields) (*registry.ClusterRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[clusterID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	if rec.Rev != expectedRev {
		return nil, registry.ErrConflict
	}
	if rec.Status != expectedStatus {
		return nil, registry.ErrPreconditionFailed
	}
	if !registry.IsValidTransition(expectedStatus, newStatus) {
		return nil, registry.ErrIllegalTransition
	}

	next := rec.Clone()
	next.Status = newStatus
	applyFields(next, patch)
	next.Rev = rec.Rev + 1
	next.LastUpdated = r.clock.Now()

	r.records[clusterID] = next
	return next.Clone(), nil
}

func applyFields(rec *registry.ClusterRecord, patch registry.Fields) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.TargetVersion != nil {
		rec.TargetVersion = patch.TargetVersion
	}
	if patch.PRURL != nil {
		rec.PRURL = *patch.PRURL
	}
	if patch.CurrentVersion != nil {
		rec.CurrentVersion = *patch.CurrentVersion
	}
	if patch.AppendHistory != nil {
		rec.UpgradeHistory = append(rec.UpgradeHistory, *patch.AppendHistory)
	}
}
