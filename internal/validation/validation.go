// Package validation implements the validator registry and orchestrator
// (C5): post-upgrade telemetry capture and threshold-based verdicts,
// generalizing the same registry/runner shape checks.Registry/Runner
// apply to pre-checks (spec §4.5 "analogous to C4"), grounded on the
// teacher's multi-phase configvalidator facade
// (pkg/configvalidator/validator.go) which runs an ordered set of
// pluggable validators against one parsed document and merges their
// results.
package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/registry"
)

// Severity distinguishes a validator violation that fails the overall
// verdict from one that is merely informational (spec §4.5 "Baseline
// == 0 ⇒ skip that metric with an info violation").
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityFail Severity = "fail"
)

// Violation is one concrete finding from a validator.
type Violation struct {
	Metric   string
	Message  string
	Severity Severity
}

// Result is one validator's outcome.
type Result struct {
	Name       string
	Passed     bool
	Violations []Violation
}

// MetricsSnapshot maps metric name to value. A nil pointer means the
// metric's query failed or returned no data — "unknown", never a
// synthesized zero (spec I-telemetry).
type MetricsSnapshot map[string]*float64

// Get returns the value for name and whether it is known.
func (s MetricsSnapshot) Get(name string) (float64, bool) {
	v, ok := s[name]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// ValidationThresholds carries every policy number a validator may
// consult. The orchestrator only transports these; threshold
// interpretation is each validator's concern (spec §4.5).
type ValidationThresholds struct {
	LatencyP95IncreasePercent float64
	LatencyP99IncreasePercent float64
	ErrorRateMax              float64
	ErrorRateRatioMax         float64 // current/baseline ceiling, spec default 2.0
	RequestVolumeDropMaxPct   float64 // spec default 20
}

// DefaultThresholds returns the values named as defaults in spec §4.5.
func DefaultThresholds() ValidationThresholds {
	return ValidationThresholds{
		LatencyP95IncreasePercent: 10,
		LatencyP99IncreasePercent: 10,
		ErrorRateMax:              0.01,
		ErrorRateRatioMax:         2.0,
		RequestVolumeDropMaxPct:   20,
	}
}

// Validator is a pure, stateless post-upgrade check over a baseline
// and current telemetry snapshot.
type Validator interface {
	Name() string
	Description() string
	IsCritical() bool
	Timeout() time.Duration
	RequiredMetrics() []string
	Validate(cluster *registry.ClusterRecord, baseline, current MetricsSnapshot, thresholds ValidationThresholds) Result
}

// Registry holds validators in registration order.
type Registry struct {
	validators []Validator
	byName     map[string]bool
}

// NewRegistry returns an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]bool)}
}

// Register adds a validator, rejecting duplicate names.
func (r *Registry) Register(v Validator) error {
	if r.byName[v.Name()] {
		return fmt.Errorf("validation: duplicate validator name %q", v.Name())
	}
	r.byName[v.Name()] = true
	r.validators = append(r.validators, v)
	return nil
}

// All returns every registered validator in registration order.
func (r *Registry) All() []Validator {
	return append([]Validator(nil), r.validators...)
}

// RequiredMetrics returns the deduplicated union of every registered
// validator's RequiredMetrics().
func (r *Registry) RequiredMetrics() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		for _, m := range v.RequiredMetrics() {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

const defaultTimeout = 60 * time.Second

// Orchestrator runs CaptureSnapshot and Validate against a registry's
// validators.
type Orchestrator struct {
	reg     *Registry
	metrics ports.MetricsProvider
	// FailFast, if set, stops at the first failing critical validator.
	// Off by default (spec §4.5: "we want the full verdict picture").
	FailFast bool
}

// NewOrchestrator builds an Orchestrator over reg, querying metrics
// through provider.
func NewOrchestrator(reg *Registry, provider ports.MetricsProvider) *Orchestrator {
	return &Orchestrator{reg: reg, metrics: provider}
}

// CaptureSnapshot aggregates the union of required metrics across
// registered validators, querying provider over
// [now-window, now] with the cluster's tags. A query failure becomes a
// nil entry, never a zero-fill (spec §4.5, I-telemetry).
func (o *Orchestrator) CaptureSnapshot(ctx context.Context, cluster *registry.ClusterRecord, windowMinutes int, tags map[string]string, logWarn func(metric string, err error)) MetricsSnapshot {
	end := time.Now()
	start := end.Add(-time.Duration(windowMinutes) * time.Minute)

	snapshot := make(MetricsSnapshot)
	for _, metric := range o.reg.RequiredMetrics() {
		value, err := o.metrics.QueryScalar(ctx, metric, start, end, tags, ports.AggP95)
		if err != nil {
			if logWarn != nil {
				logWarn(metric, err)
			}
			snapshot[metric] = nil
			continue
		}
		v := value
		snapshot[metric] = &v
	}
	return snapshot
}

// Verdict is the orchestrator's overall pass/fail decision plus every
// validator's individual Result.
type Verdict struct {
	Passed  bool
	Results []Result
}

// Violations concatenates every Result's violations, in validator
// registration order, for persistence into upgrade_history.
func (v Verdict) Violations() []string {
	out := make([]string, 0)
	for _, r := range v.Results {
		for _, viol := range r.Violations {
			out = append(out, fmt.Sprintf("%s: %s (%s)", r.Name, viol.Message, viol.Severity))
		}
	}
	return out
}

// Validate runs every registered validator against baseline/current,
// each under its own timeout with panic recovery, and computes the
// overall verdict: pass iff every non-critical result is
// neutral-or-passed and every critical result passed (spec §4.5).
func (o *Orchestrator) Validate(ctx context.Context, cluster *registry.ClusterRecord, baseline, current MetricsSnapshot, thresholds ValidationThresholds) Verdict {
	results := make([]Result, 0, len(o.reg.validators))
	passed := true

	for _, v := range o.reg.validators {
		result := runOne(ctx, v, cluster, baseline, current, thresholds)
		results = append(results, result)

		if !result.Passed && v.IsCritical() {
			passed = false
			if o.FailFast {
				break
			}
		}
	}

	return Verdict{Passed: passed, Results: results}
}

func runOne(ctx context.Context, v Validator, cluster *registry.ClusterRecord, baseline, current MetricsSnapshot, thresholds ValidationThresholds) Result {
	timeout := v.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("validator %s panicked: %v", v.Name(), rec)
			}
		}()
		done <- v.Validate(cluster, baseline, current, thresholds)
	}()

	select {
	case <-vctx.Done():
		return Result{Name: v.Name(), Passed: false, Violations: []Violation{{
			Message:  fmt.Sprintf("timed out after %.0fs", timeout.Seconds()),
			Severity: SeverityFail,
		}}}
	case err := <-errCh:
		return Result{Name: v.Name(), Passed: false, Violations: []Violation{{
			Message:  err.Error(),
			Severity: SeverityFail,
		}}}
	case r := <-done:
		r.Name = v.Name()
		return r
	}
}
