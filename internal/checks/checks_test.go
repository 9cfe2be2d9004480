package checks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
)

type fakeCheck struct {
	name     string
	critical bool
	timeout  time.Duration
	run      func(ctx context.Context) (Result, error)
}

func (f *fakeCheck) Name() string             { return f.name }
func (f *fakeCheck) Description() string      { return "fake" }
func (f *fakeCheck) IsCritical() bool         { return f.critical }
func (f *fakeCheck) Timeout() time.Duration   { return f.timeout }
func (f *fakeCheck) Execute(ctx context.Context, _ *registry.ClusterRecord, _ ports.CheckContext) (Result, error) {
	return f.run(ctx)
}

func TestRegistry_RejectsDuplicateNames(t *testing.T) {
	reg := NewRegistry()
	c := &fakeCheck{name: "nodes-ready", run: func(context.Context) (Result, error) { return Result{Passed: true}, nil }}
	require.NoError(t, reg.Register(c))
	assert.Error(t, reg.Register(c))
}

func TestRun_AllPass(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeCheck{name: "a", run: func(context.Context) (Result, error) { return Result{Passed: true}, nil }}))
	require.NoError(t, reg.Register(&fakeCheck{name: "b", run: func(context.Context) (Result, error) { return Result{Passed: true}, nil }}))

	runner := NewRunner(true)
	results := Run(context.Background(), reg, runner, &registry.ClusterRecord{}, ports.CheckContext{})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Passed)
	}
}

func TestRun_FailFastStopsAfterCriticalFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeCheck{name: "critical", critical: true, run: func(context.Context) (Result, error) {
		return Result{Passed: false, Message: "nope"}, nil
	}}))
	secondRan := false
	require.NoError(t, reg.Register(&fakeCheck{name: "second", run: func(context.Context) (Result, error) {
		secondRan = true
		return Result{Passed: true}, nil
	}}))

	runner := NewRunner(true)
	results := Run(context.Background(), reg, runner, &registry.ClusterRecord{}, ports.CheckContext{})
	require.Len(t, results, 1)
	assert.False(t, secondRan)
}

func TestRun_NonCriticalFailureDoesNotStopFailFast(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeCheck{name: "noncritical", run: func(context.Context) (Result, error) {
		return Result{Passed: false, Message: "minor"}, nil
	}}))
	secondRan := false
	require.NoError(t, reg.Register(&fakeCheck{name: "second", run: func(context.Context) (Result, error) {
		secondRan = true
		return Result{Passed: true}, nil
	}}))

	runner := NewRunner(true)
	Run(context.Background(), reg, runner, &registry.ClusterRecord{}, ports.CheckContext{})
	assert.True(t, secondRan)
}

func TestRun_TimeoutProducesFailure(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeCheck{
		name:    "slow",
		timeout: 10 * time.Millisecond,
		run: func(ctx context.Context) (Result, error) {
			select {
			case <-time.After(time.Second):
				return Result{Passed: true}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}))

	runner := NewRunner(false)
	results := Run(context.Background(), reg, runner, &registry.ClusterRecord{}, ports.CheckContext{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "timed out")
}

func TestRun_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeCheck{name: "panics", run: func(context.Context) (Result, error) {
		panic("boom")
	}}))

	runner := NewRunner(false)
	results := Run(context.Background(), reg, runner, &registry.ClusterRecord{}, ports.CheckContext{})
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Contains(t, results[0].Message, "panicked")
}
