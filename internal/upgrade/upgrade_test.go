package upgrade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openguard/guard/internal/checks"
	"github.com/openguard/guard/internal/clock"
	"github.com/openguard/guard/internal/gitops"
	"github.com/openguard/guard/internal/lockmgr"
	"github.com/openguard/guard/internal/opmetrics"
	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
	"github.com/openguard/guard/internal/registry/memory"
	"github.com/openguard/guard/internal/validation"
)

// fakeKubernetes reports the control-plane deployment ready on the
// first poll, so waitForConvergence never actually sleeps 15s.
type fakeKubernetes struct {
	ports.KubernetesProvider
}

func (fakeKubernetes) CheckDeploymentReady(context.Context, string, string) (bool, error) {
	return true, nil
}

// fakeMetrics returns fixed scalars per metric name so validators see
// deterministic baseline/current snapshots.
type fakeMetrics struct {
	ports.MetricsProvider
	values map[string]float64
}

func (f fakeMetrics) QueryScalar(_ context.Context, metric string, _, _ time.Time, _ map[string]string, _ ports.AggregationKind) (float64, error) {
	v, ok := f.values[metric]
	if !ok {
		return 0, fmt.Errorf("fakeMetrics: no value for %s", metric)
	}
	return v, nil
}

// fakeGitOps is an in-memory GitOpsProvider: one file per repo/path,
// merge requests auto-merge on creation so WaitForMerge resolves
// immediately.
type fakeGitOps struct {
	ports.GitOpsProvider
	mu      sync.Mutex
	files   map[string]string
	mrs     map[string]ports.MRInfo
	nextID  int
	branches map[string]bool
}

func newFakeGitOps(initialContent string) *fakeGitOps {
	return &fakeGitOps{
		files:    map[string]string{"default": initialContent},
		mrs:      map[string]ports.MRInfo{},
		branches: map[string]bool{},
	}
}

func (f *fakeGitOps) CheckBranchExists(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return false, nil
}

func (f *fakeGitOps) CreateBranch(context.Context, string, string, string) error {
	return nil
}

func (f *fakeGitOps) GetFileContent(_ context.Context, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files["default"], nil
}

func (f *fakeGitOps) UpdateFile(_ context.Context, _, _, content, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[branch] = content
	f.files["default"] = content
	return nil
}

func (f *fakeGitOps) CreateMergeRequest(_ context.Context, _, source, _, title, _, _ string, _ bool) (ports.MRInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	mr := ports.MRInfo{ID: id, URL: "https://git.example/mr/" + id, State: "merged", Branch: source}
	f.mrs[id] = mr
	_ = title
	return mr, nil
}

func (f *fakeGitOps) GetMergeRequest(_ context.Context, _, id string) (ports.MRInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mrs[id], nil
}

func newTestMachine(t *testing.T, reg registry.Registry, gitProvider ports.GitOpsProvider, metricsValues map[string]float64, checkReg *checks.Registry, cfg Config) *Machine {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	locks := lockmgr.New(client, nil, lockmgr.WithPollInterval(5*time.Millisecond))

	checkRun := checks.NewRunner(true)

	validatorReg := validation.NewRegistry()
	require.NoError(t, validatorReg.Register(validation.NewLatencyValidator()))
	require.NoError(t, validatorReg.Register(validation.NewErrorRateValidator()))
	validatorOrch := validation.NewOrchestrator(validatorReg, fakeMetrics{values: metricsValues})

	idGen := clock.NewSequentialIDGenerator("test")
	realClock := clock.RealClock{}
	producer := gitops.New(gitProvider, idGen, realClock, nil)

	metrics := opmetrics.New(prometheus.NewRegistry(), nil)

	return New(reg, locks, checkReg, checkRun, validatorOrch, validation.DefaultThresholds(), producer, metrics, realClock, nil, cfg, nil)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockLeaseSeconds = 60
	cfg.LockRenewIntervalSeconds = 30
	cfg.SoakWindowMinutes = 0
	cfg.MRMergeWaitMinutes = 1
	cfg.MRPollInterval = 10 * time.Millisecond
	return cfg
}

func seedCluster(reg *memory.Registry, id, targetVersion string) {
	reg.Seed(&registry.ClusterRecord{
		ClusterID:      id,
		BatchID:        "batch-1",
		GitOpsRepo:     "org/repo",
		ConfigPath:     "clusters/" + id + ".yaml",
		CurrentVersion: "1.20.0",
		TargetVersion:  &targetVersion,
		Status:         registry.StatusPending,
		Rev:            1,
	})
}

func healthyMetrics() map[string]float64 {
	return map[string]float64{
		"latency_p95":    100,
		"latency_p99":    150,
		"error_rate_5xx": 0.001,
		"request_volume": 1000,
	}
}

func TestMachine_HappyPathReachesHealthy(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	seedCluster(reg, "cluster-a", "1.21.0")

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()

	machine := newTestMachine(t, reg, gitProvider, healthyMetrics(), checkReg, testConfig())

	pctx := ports.CheckContext{Kubernetes: fakeKubernetes{}}
	outcome := machine.Run(context.Background(), "cluster-a", pctx)

	require.NoError(t, outcome.Err)
	assert.Equal(t, registry.StatusHealthy, outcome.FinalStatus)
	assert.False(t, outcome.RolledBack)

	rec, err := reg.Get(context.Background(), "cluster-a")
	require.NoError(t, err)
	assert.Equal(t, "1.21.0", rec.CurrentVersion)
	require.Len(t, rec.UpgradeHistory, 1)
	assert.Equal(t, "success", rec.UpgradeHistory[0].Outcome)
}

type alwaysFailCheck struct {
	critical bool
}

func (c alwaysFailCheck) Name() string          { return "always-fail" }
func (alwaysFailCheck) Description() string     { return "fails for test purposes" }
func (c alwaysFailCheck) IsCritical() bool       { return c.critical }
func (alwaysFailCheck) Timeout() time.Duration   { return time.Second }
func (alwaysFailCheck) Execute(context.Context, *registry.ClusterRecord, ports.CheckContext) (checks.Result, error) {
	return checks.Result{Passed: false, Message: "nodes not ready"}, nil
}

func TestMachine_CriticalPreCheckFailureStopsBeforeGitOps(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	seedCluster(reg, "cluster-b", "1.21.0")

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()
	require.NoError(t, checkReg.Register(alwaysFailCheck{critical: true}))

	machine := newTestMachine(t, reg, gitProvider, healthyMetrics(), checkReg, testConfig())

	pctx := ports.CheckContext{Kubernetes: fakeKubernetes{}}
	outcome := machine.Run(context.Background(), "cluster-b", pctx)

	require.NoError(t, outcome.Err)
	assert.Equal(t, registry.StatusPreCheckFailed, outcome.FinalStatus)

	rec, err := reg.Get(context.Background(), "cluster-b")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPreCheckFailed, rec.Status)
	require.Len(t, rec.UpgradeHistory, 1)
	assert.Equal(t, "failed", rec.UpgradeHistory[0].Outcome)
}

func TestMachine_NonCriticalPreCheckFailureDoesNotBlockUpgrade(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	seedCluster(reg, "cluster-c", "1.21.0")

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()
	require.NoError(t, checkReg.Register(alwaysFailCheck{critical: false}))

	machine := newTestMachine(t, reg, gitProvider, healthyMetrics(), checkReg, testConfig())

	pctx := ports.CheckContext{Kubernetes: fakeKubernetes{}}
	outcome := machine.Run(context.Background(), "cluster-c", pctx)

	require.NoError(t, outcome.Err)
	assert.Equal(t, registry.StatusHealthy, outcome.FinalStatus)
}

func TestMachine_PostCheckFailureRollsBack(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	seedCluster(reg, "cluster-d", "1.21.0")

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()

	unhealthyMetrics := map[string]float64{
		"latency_p95":    100,
		"latency_p99":    150,
		"error_rate_5xx": 0.2, // far over the 0.01 default ceiling
		"request_volume": 1000,
	}
	machine := newTestMachine(t, reg, gitProvider, unhealthyMetrics, checkReg, testConfig())

	pctx := ports.CheckContext{Kubernetes: fakeKubernetes{}}
	outcome := machine.Run(context.Background(), "cluster-d", pctx)

	require.NoError(t, outcome.Err)
	assert.Equal(t, registry.StatusFailedUpgradeRolledBack, outcome.FinalStatus)
	assert.True(t, outcome.RolledBack)

	rec, err := reg.Get(context.Background(), "cluster-d")
	require.NoError(t, err)
	assert.Equal(t, "1.20.0", rec.CurrentVersion, "rollback must not advance CurrentVersion")
	require.Len(t, rec.UpgradeHistory, 1)
	assert.Equal(t, "failed", rec.UpgradeHistory[0].Outcome)
}

func TestMachine_NoTargetVersionFailsFast(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	reg.Seed(&registry.ClusterRecord{ClusterID: "cluster-e", BatchID: "batch-1", Status: registry.StatusPending, Rev: 1})

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()
	machine := newTestMachine(t, reg, gitProvider, healthyMetrics(), checkReg, testConfig())

	outcome := machine.Run(context.Background(), "cluster-e", ports.CheckContext{Kubernetes: fakeKubernetes{}})
	assert.Error(t, outcome.Err)
}

func TestMachine_SecondConcurrentRunIsNoOp(t *testing.T) {
	reg := memory.New(clock.RealClock{}, nil)
	seedCluster(reg, "cluster-f", "1.21.0")
	// Advance past PENDING so a fresh Run observes a non-PENDING status.
	_, err := reg.TransitionStatus(context.Background(), "cluster-f", registry.StatusPending, registry.StatusPreCheckRunning, 1, registry.Fields{})
	require.NoError(t, err)

	gitProvider := newFakeGitOps("spec:\n  version: \"1.20.0\"\n")
	checkReg := checks.NewRegistry()
	machine := newTestMachine(t, reg, gitProvider, healthyMetrics(), checkReg, testConfig())

	outcome := machine.Run(context.Background(), "cluster-f", ports.CheckContext{Kubernetes: fakeKubernetes{}})
	assert.True(t, outcome.NoOp)
}
