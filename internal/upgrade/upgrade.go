// Package upgrade implements the per-cluster upgrade state machine
// (C7): the eleven-step protocol of spec §4.7 driving one
// ClusterRecord from PENDING through either HEALTHY or
// FAILED_UPGRADE_ROLLED_BACK. Grounded on the teacher's long-lived
// per-request orchestration pattern (internal/core/history_service.go
// style: acquire resources, run a pipeline of stages, always release)
// generalized from a single HTTP-request lifecycle to a multi-stage,
// hours-long cluster lifecycle coordinated by a distributed lock.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openguard/guard/internal/checks"
	"github.com/openguard/guard/internal/clock"
	"github.com/openguard/guard/internal/gitops"
	"github.com/openguard/guard/internal/guarderrors"
	"github.com/openguard/guard/internal/lockmgr"
	"github.com/openguard/guard/internal/opmetrics"
	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
	"github.com/openguard/guard/internal/summarizer"
	"github.com/openguard/guard/internal/validation"
)

// Config carries the timing policy for one machine run (spec §6
// "configuration the core reads").
type Config struct {
	LockLeaseSeconds         int
	LockRenewIntervalSeconds int
	SoakWindowMinutes        int
	MRMergeWaitMinutes       int
	MRPollInterval           time.Duration
	PreCheckFailFast         bool
	VersionPath              string // dotted path to the version field in ConfigPath
	DefaultBranch            string
}

// DefaultConfig returns the default timings named in spec §4.7.
func DefaultConfig() Config {
	return Config{
		LockLeaseSeconds:         60 * 60,
		LockRenewIntervalSeconds: 10 * 60,
		SoakWindowMinutes:        10,
		MRMergeWaitMinutes:       30,
		MRPollInterval:           15 * time.Second,
		PreCheckFailFast:         true,
		VersionPath:              "spec.version",
		DefaultBranch:            "main",
	}
}

// Outcome is what one Run call reports back to the batch orchestrator
// (spec §4.8 "per-cluster terminal status").
type Outcome struct {
	ClusterID    string
	FinalStatus  registry.Status
	NoOp         bool // first TransitionStatus precondition failed: already in flight or past PENDING
	RolledBack   bool
	Err          error
}

// Machine drives one cluster through the state machine. Stateless
// aside from its dependencies; safe to reuse concurrently across
// clusters (each Run call acquires its own lock).
type Machine struct {
	reg        registry.Registry
	locks      *lockmgr.Manager
	checkReg   *checks.Registry
	checkRun   *checks.Runner
	validators *validation.Orchestrator
	thresholds validation.ValidationThresholds
	gitopsProd *gitops.Producer
	metrics    *opmetrics.Recorder
	clk        clock.Clock
	logger     *slog.Logger
	cfg        Config
	summarize  summarizer.Summarizer
}

// New constructs a Machine. summarize may be nil, in which case a
// summarizer.TemplateSummarizer formats the rollback PR's failure reason.
func New(reg registry.Registry, locks *lockmgr.Manager, checkReg *checks.Registry, checkRun *checks.Runner, validators *validation.Orchestrator, thresholds validation.ValidationThresholds, gitopsProd *gitops.Producer, metrics *opmetrics.Recorder, clk clock.Clock, logger *slog.Logger, cfg Config, summarize summarizer.Summarizer) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if summarize == nil {
		summarize = summarizer.TemplateSummarizer{}
	}
	return &Machine{
		reg: reg, locks: locks, checkReg: checkReg, checkRun: checkRun,
		validators: validators, thresholds: thresholds, gitopsProd: gitopsProd,
		metrics: metrics, clk: clk, logger: logger, cfg: cfg, summarize: summarize,
	}
}

// Run executes the full spec §4.7 protocol for one cluster.
func (m *Machine) Run(ctx context.Context, clusterID string, pctx ports.CheckContext) Outcome {
	span := m.metrics.StartSpan("upgrade.run", clusterID, "")
	var runErr error
	defer func() { span.Close(runErr) }()

	// Step 1: acquire lock with auto-renew.
	lease := time.Duration(m.cfg.LockLeaseSeconds) * time.Second
	renewInterval := time.Duration(m.cfg.LockRenewIntervalSeconds) * time.Second

	lockLease, err := m.locks.Acquire(ctx, clusterID, lease, true)
	if err != nil {
		runErr = err
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("acquire lock: %w", err)}
	}

	stop := make(chan struct{})
	lost := m.locks.AutoRenew(ctx, lockLease, lease, renewInterval, stop)

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		select {
		case <-lost:
			m.logger.Error("upgrade: lock lost mid-flight, cancelling", "cluster_id", clusterID)
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	defer func() {
		close(stop)
		cancelRun()
		if err := m.locks.Release(context.Background(), lockLease); err != nil {
			m.logger.Warn("upgrade: lock release failed, relying on lease expiry", "cluster_id", clusterID, "error", err)
		}
	}()

	outcome := m.run(runCtx, clusterID, pctx)
	runErr = outcome.Err
	return outcome
}

func (m *Machine) run(ctx context.Context, clusterID string, pctx ports.CheckContext) Outcome {
	cluster, err := m.reg.Get(ctx, clusterID)
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("get cluster: %w", err)}
	}

	// Step 2: PENDING -> PRE_CHECK_RUNNING. Non-PENDING status means
	// another worker is already processing this cluster, or it has
	// already progressed past this attempt (spec §4.7 step 2,
	// idempotency note).
	started, err := m.transition(ctx, cluster, registry.StatusPending, registry.StatusPreCheckRunning, registry.Fields{})
	if err != nil {
		if errors.Is(err, registry.ErrPreconditionFailed) || errors.Is(err, registry.ErrConflict) {
			return Outcome{ClusterID: clusterID, NoOp: true, FinalStatus: cluster.Status}
		}
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to pre-check-running: %w", err)}
	}
	cluster = started

	if cluster.TargetVersion == nil || *cluster.TargetVersion == "" {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("upgrade: cluster %s has no target_version", clusterID)}
	}
	targetVersion := *cluster.TargetVersion

	// Step 3: run pre-checks.
	results := checks.Run(ctx, m.checkReg, m.checkRun, cluster, pctx)
	failed, preViolations := firstCriticalFailure(m.checkReg, results)
	if failed {
		entry := registry.UpgradeHistoryEntry{Version: targetVersion, Outcome: "failed", Timestamp: m.clk.Now(), Violations: preViolations}
		cluster, err = m.transition(ctx, cluster, registry.StatusPreCheckRunning, registry.StatusPreCheckFailed, registry.Fields{AppendHistory: &entry})
		if err != nil {
			return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to pre-check-failed: %w", err)}
		}
		return Outcome{ClusterID: clusterID, FinalStatus: registry.StatusPreCheckFailed}
	}

	cluster, err = m.transition(ctx, cluster, registry.StatusPreCheckRunning, registry.StatusPreCheckPassed, registry.Fields{})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to pre-check-passed: %w", err)}
	}

	// Step 4: capture baseline snapshot, held only in-memory.
	baseline := m.validators.CaptureSnapshot(ctx, cluster, m.cfg.SoakWindowMinutes, cluster.MetricTags, m.logWarnSnapshot(clusterID))

	// Step 5: submit upgrade PR.
	mr, err := m.gitopsProd.SubmitUpgrade(ctx, gitops.UpgradeRequest{
		Repo: cluster.GitOpsRepo, DefaultBranch: m.cfg.DefaultBranch, ConfigPath: cluster.ConfigPath,
		BatchID: cluster.BatchID, TargetVersion: targetVersion, VersionPath: m.cfg.VersionPath, Owner: cluster.ReviewerHandle,
	})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("submit upgrade pr: %w", err)}
	}
	prURL := mr.MR.URL
	cluster, err = m.transition(ctx, cluster, registry.StatusPreCheckPassed, registry.StatusMRCreated, registry.Fields{PRURL: &prURL})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to mr-created: %w", err)}
	}

	// Step 6: wait for the PR to merge.
	merged, err := m.gitopsProd.WaitForMerge(ctx, cluster.GitOpsRepo, mr.MR.ID, time.Duration(m.cfg.MRMergeWaitMinutes)*time.Minute, m.cfg.MRPollInterval)
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("wait for merge: %w", err)}
	}
	if !merged {
		// No change was applied; abort without rollback (spec §4.7 step 6).
		return Outcome{ClusterID: clusterID, FinalStatus: registry.StatusMRCreated, Err: fmt.Errorf("upgrade: pr %s did not merge within wait window", prURL)}
	}

	cluster, err = m.transition(ctx, cluster, registry.StatusMRCreated, registry.StatusUpgrading, registry.Fields{})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to upgrading: %w", err)}
	}

	// Step 7: wait for the reconciler to converge.
	if err := m.waitForConvergence(ctx, cluster, pctx); err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("wait for convergence: %w", err)}
	}

	cluster, err = m.transition(ctx, cluster, registry.StatusUpgrading, registry.StatusPostCheckRunning, registry.Fields{})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to post-check-running: %w", err)}
	}

	// Step 9: capture current snapshot, run validators.
	current := m.validators.CaptureSnapshot(ctx, cluster, m.cfg.SoakWindowMinutes, cluster.MetricTags, m.logWarnSnapshot(clusterID))
	verdict := m.validators.Validate(ctx, cluster, baseline, current, m.thresholds)

	if verdict.Passed {
		entry := registry.UpgradeHistoryEntry{Version: targetVersion, Outcome: "success", Timestamp: m.clk.Now(), Violations: preViolations}
		newVersion := targetVersion
		cluster, err = m.transition(ctx, cluster, registry.StatusPostCheckRunning, registry.StatusHealthy, registry.Fields{AppendHistory: &entry, CurrentVersion: &newVersion})
		if err != nil {
			return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to healthy: %w", err)}
		}
		return Outcome{ClusterID: clusterID, FinalStatus: registry.StatusHealthy}
	}

	// Step 11: post-check failed, roll back.
	violations := verdict.Violations()
	cluster, err = m.transition(ctx, cluster, registry.StatusPostCheckRunning, registry.StatusRollbackRequired, registry.Fields{})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to rollback-required: %w", err)}
	}

	failureReason := "post-upgrade validation failed"
	if summary, err := m.summarize.Summarize(ctx, cluster, verdict); err != nil {
		m.logger.Warn("summarizer failed, falling back to default reason", "cluster_id", clusterID, "error", err)
	} else {
		failureReason = summary
	}

	if _, err := m.gitopsProd.SubmitRollback(ctx, gitops.RollbackRequest{
		Repo: cluster.GitOpsRepo, DefaultBranch: m.cfg.DefaultBranch, ConfigPath: cluster.ConfigPath,
		BatchID: cluster.BatchID, PreviousVersion: cluster.CurrentVersion, VersionPath: m.cfg.VersionPath,
		Owner: cluster.ReviewerHandle, FailureReason: failureReason, FailedMetrics: violations,
	}); err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("submit rollback pr: %w", err)}
	}

	historyViolations := append(append([]string(nil), preViolations...), violations...)
	entry := registry.UpgradeHistoryEntry{Version: targetVersion, Outcome: "failed", Timestamp: m.clk.Now(), Violations: historyViolations}
	_, err = m.transition(ctx, cluster, registry.StatusRollbackRequired, registry.StatusFailedUpgradeRolledBack, registry.Fields{AppendHistory: &entry})
	if err != nil {
		return Outcome{ClusterID: clusterID, Err: fmt.Errorf("transition to rolled-back: %w", err)}
	}

	return Outcome{ClusterID: clusterID, FinalStatus: registry.StatusFailedUpgradeRolledBack, RolledBack: true}
}

// waitForConvergence blocks until both of spec §4.7 step 7's
// conditions hold: the control-plane deployment reports updated
// replicas == desired, and a stabilisation window elapses without
// further changes.
func (m *Machine) waitForConvergence(ctx context.Context, cluster *registry.ClusterRecord, pctx ports.CheckContext) error {
	const pollInterval = 15 * time.Second
	const deploymentName = "istiod"
	const namespace = "istio-system"

	for {
		ready, err := pctx.Kubernetes.CheckDeploymentReady(ctx, deploymentName, namespace)
		if err != nil {
			if guarderrors.Classify(err) != guarderrors.Transient {
				return err
			}
		} else if ready {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	stabilisation := time.Duration(m.cfg.SoakWindowMinutes) * time.Minute
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stabilisation):
		return nil
	}
}

// transition performs TransitionStatus with up to
// registry.MaxCASRetries retries on Conflict, re-fetching the record
// and recomputing the CAS intent each time (spec §4.1 "at most twice
// before aborting the step").
func (m *Machine) transition(ctx context.Context, cluster *registry.ClusterRecord, from, to registry.Status, patch registry.Fields) (*registry.ClusterRecord, error) {
	current := cluster
	var lastErr error
	for attempt := 0; attempt <= registry.MaxCASRetries; attempt++ {
		updated, err := m.reg.TransitionStatus(ctx, current.ClusterID, from, to, current.Rev, patch)
		if err == nil {
			return updated, nil
		}
		lastErr = err
		if !errors.Is(err, registry.ErrConflict) {
			return nil, err
		}
		refetched, getErr := m.reg.Get(ctx, current.ClusterID)
		if getErr != nil {
			return nil, getErr
		}
		current = refetched
	}
	return nil, lastErr
}

func (m *Machine) logWarnSnapshot(clusterID string) func(metric string, err error) {
	return func(metric string, err error) {
		m.logger.Warn("upgrade: metric query failed, recording unknown", "cluster_id", clusterID, "metric", metric, "error", err)
	}
}

// firstCriticalFailure reports whether any critical check in results
// failed, per spec §4.4 (a failed non-critical check is recorded but
// never blocks the upgrade). Every failed check's message is still
// collected into violations for the upgrade_history entry, critical or
// not, so operators see the full picture.
func firstCriticalFailure(reg *checks.Registry, results []checks.Result) (bool, []string) {
	critical := make(map[string]bool, len(reg.Critical()))
	for _, c := range reg.Critical() {
		critical[c.Name()] = true
	}

	var violations []string
	failed := false
	for _, r := range results {
		if !r.Passed {
			violations = append(violations, fmt.Sprintf("%s: %s", r.Name, r.Message))
			if critical[r.Name] {
				failed = true
			}
		}
	}
	return failed, violations
}
