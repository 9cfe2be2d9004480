// Package checks implements the pre-check registry and runner (C4):
// pluggable, ordered checks with per-check timeout and a fail-fast
// policy for critical failures (spec §4.4). Shaped after the check/
// validator split the teacher applies to its resilience decorators —
// here as an explicit registry instead of implicit method attributes
// (spec §9 "Decorator-based retry and rate-limit").
package checks

import (
	"context"
	"fmt"
	"time"

	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
)

// Result is one check's outcome. Transient — summarised into
// upgrade_history, never persisted on its own.
type Result struct {
	Name     string
	Passed   bool
	Message  string
	Violations []string
}

// Check is a pure, stateless pre-upgrade check.
type Check interface {
	Name() string
	Description() string
	IsCritical() bool
	Timeout() time.Duration
	Execute(ctx context.Context, cluster *registry.ClusterRecord, pctx ports.CheckContext) (Result, error)
}

// Registry holds checks in registration order. Safe to reuse
// concurrently across clusters once registration (startup-only) is
// complete — spec §5 "check/validator registries are read-mostly".
type Registry struct {
	checks []Check
	byName map[string]bool
}

// NewRegistry returns an empty check registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]bool)}
}

// Register adds a check, rejecting duplicate names.
func (r *Registry) Register(c Check) error {
	if r.byName[c.Name()] {
		return fmt.Errorf("checks: duplicate check name %q", c.Name())
	}
	r.byName[c.Name()] = true
	r.checks = append(r.checks, c)
	return nil
}

// All returns every registered check in registration order.
func (r *Registry) All() []Check {
	return append([]Check(nil), r.checks...)
}

// Critical returns only the critical checks, in registration order.
func (r *Registry) Critical() []Check {
	out := make([]Check, 0, len(r.checks))
	for _, c := range r.checks {
		if c.IsCritical() {
			out = append(out, c)
		}
	}
	return out
}

// defaultTimeout is applied when a Check reports a zero Timeout().
const defaultTimeout = 60 * time.Second

// Runner executes a Registry's checks against one cluster. Stateless;
// the same Runner can run concurrently across clusters (spec §4.4).
type Runner struct {
	FailFast bool
}

// NewRunner returns a Runner with the given fail-fast policy.
func NewRunner(failFast bool) *Runner {
	return &Runner{FailFast: failFast}
}

// Run executes every check in r's registry, in order, against
// cluster. On a critical failure with FailFast set, it stops and
// returns the partial results collected so far (spec §4.4 step 3).
func Run(ctx context.Context, reg *Registry, runner *Runner, cluster *registry.ClusterRecord, pctx ports.CheckContext) []Result {
	results := make([]Result, 0, len(reg.checks))

	for _, c := range reg.checks {
		result := runOne(ctx, c, cluster, pctx)
		results = append(results, result)

		if runner.FailFast && !result.Passed && c.IsCritical() {
			break
		}
	}
	return results
}

func runOne(ctx context.Context, c Check, cluster *registry.ClusterRecord, pctx ports.CheckContext) Result {
	timeout := c.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("check %s panicked: %v", c.Name(), rec)}
			}
		}()
		result, err := c.Execute(checkCtx, cluster, pctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-checkCtx.Done():
		return Result{
			Name:    c.Name(),
			Passed:  false,
			Message: fmt.Sprintf("timed out after %.0fs", timeout.Seconds()),
		}
	case o := <-done:
		if o.err != nil {
			return Result{
				Name:    c.Name(),
				Passed:  false,
				Message: o.err.Error(),
			}
		}
		o.result.Name = c.Name()
		return o.result
	}
}
