// Package batch implements the batch orchestrator (C8): resolves a
// named batch's cluster set, enforces the prerequisite-batch gate, and
// runs per-cluster state machines over a bounded worker pool (spec
// §4.8). Grounded on the teacher's bounded-concurrency fan-out for
// notification dispatch (internal/business/publishing/dispatcher.go
// style: semaphore-gated goroutines over a work list, aggregate
// results, let individual failures be independent).
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
	"github.com/openguard/guard/internal/upgrade"
)

// DependencyMap is the configured `{batch -> [prereq batches]}` map
// (spec §4.8 step 2).
type DependencyMap map[string][]string

// ProviderResolver returns the provider handles to use for one
// cluster's checks/validators (spec §6 — providers are per-cluster
// credentialed via CloudProvider.GenerateClusterToken).
type ProviderResolver func(ctx context.Context, cluster *registry.ClusterRecord) (ports.CheckContext, error)

// Orchestrator runs batches of cluster upgrades.
type Orchestrator struct {
	reg              registry.Registry
	machine          *upgrade.Machine
	deps             DependencyMap
	maxParallel      int
	resolveProviders ProviderResolver
	logger           *slog.Logger
}

// New constructs a batch Orchestrator. maxParallel is the
// `max_parallel_clusters` bound (spec default 5).
func New(reg registry.Registry, machine *upgrade.Machine, deps DependencyMap, maxParallel int, resolveProviders ProviderResolver, logger *slog.Logger) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{reg: reg, machine: machine, deps: deps, maxParallel: maxParallel, resolveProviders: resolveProviders, logger: logger}
}

// Result is one batch run's aggregate outcome (spec §4.8 step 4).
type Result struct {
	BatchID         string
	Attempted       int
	Successes       int
	Failures        int
	NoOps           int
	PerCluster      map[string]upgrade.Outcome
}

// ErrPrerequisitesNotMet is returned by Run when a prerequisite batch
// has a cluster that is not HEALTHY (spec §4.8 step 2).
type ErrPrerequisitesNotMet struct {
	Batch   string
	Offenders map[string][]string // prereq batch -> non-healthy cluster IDs
}

func (e *ErrPrerequisitesNotMet) Error() string {
	return fmt.Sprintf("batch: prerequisites for %q not met: %v", e.Batch, e.Offenders)
}

// Run executes spec §4.8's full flow for batchID.
func (o *Orchestrator) Run(ctx context.Context, batchID string) (Result, error) {
	if err := o.checkPrerequisites(ctx, batchID); err != nil {
		return Result{}, err
	}

	clusters, err := o.reg.List(ctx, registry.ListFilter{BatchID: batchID})
	if err != nil {
		return Result{}, fmt.Errorf("batch: list clusters for %q: %w", batchID, err)
	}

	result := Result{BatchID: batchID, Attempted: len(clusters), PerCluster: make(map[string]upgrade.Outcome, len(clusters))}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxParallel)

	for _, cluster := range clusters {
		cluster := cluster
		select {
		case <-ctx.Done():
			// Stop dispatching new work; in-flight workers still complete
			// or are cancelled via ctx propagation (spec §4.8, §5).
			wg.Wait()
			return result, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := o.runOne(ctx, cluster)

			mu.Lock()
			defer mu.Unlock()
			result.PerCluster[cluster.ClusterID] = outcome
			switch {
			case outcome.NoOp:
				result.NoOps++
			case outcome.Err != nil, outcome.RolledBack:
				result.Failures++
			default:
				result.Successes++
			}
		}()
	}

	wg.Wait()
	o.logger.Info("batch run complete", "batch_id", batchID, "attempted", result.Attempted, "successes", result.Successes, "failures", result.Failures, "no_ops", result.NoOps)
	return result, nil
}

func (o *Orchestrator) runOne(ctx context.Context, cluster *registry.ClusterRecord) upgrade.Outcome {
	pctx, err := o.resolveProviders(ctx, cluster)
	if err != nil {
		return upgrade.Outcome{ClusterID: cluster.ClusterID, Err: fmt.Errorf("resolve providers: %w", err)}
	}
	return o.machine.Run(ctx, cluster.ClusterID, pctx)
}

// checkPrerequisites enforces that every cluster in every prerequisite
// batch of batchID is HEALTHY (spec §4.8 step 2).
func (o *Orchestrator) checkPrerequisites(ctx context.Context, batchID string) error {
	prereqs := o.deps[batchID]
	if len(prereqs) == 0 {
		return nil
	}

	offenders := make(map[string][]string)
	for _, prereq := range prereqs {
		clusters, err := o.reg.List(ctx, registry.ListFilter{BatchID: prereq})
		if err != nil {
			return fmt.Errorf("batch: list prerequisite %q: %w", prereq, err)
		}
		for _, c := range clusters {
			if c.Status != registry.StatusHealthy {
				offenders[prereq] = append(offenders[prereq], c.ClusterID)
			}
		}
	}

	if len(offenders) > 0 {
		return &ErrPrerequisitesNotMet{Batch: batchID, Offenders: offenders}
	}
	return nil
}
