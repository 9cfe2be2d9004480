package validation

import (
	"fmt"
	"time"

	"github.com/openguard/guard/internal/registry"
)

// LatencyValidator fails when p95 or p99 latency increased beyond the
// configured percentage over baseline (spec §4.5). Baseline == 0 skips
// that metric with an info violation rather than dividing by zero.
type LatencyValidator struct {
	critical bool
	timeout  time.Duration
}

// NewLatencyValidator returns the latency validator every implementation
// must ship (spec §4.5), critical by default.
func NewLatencyValidator() *LatencyValidator {
	return &LatencyValidator{critical: true, timeout: 30 * time.Second}
}

func (v *LatencyValidator) Name() string        { return "latency" }
func (v *LatencyValidator) Description() string  { return "compares p95/p99 latency against baseline" }
func (v *LatencyValidator) IsCritical() bool     { return v.critical }
func (v *LatencyValidator) Timeout() time.Duration { return v.timeout }
func (v *LatencyValidator) RequiredMetrics() []string {
	return []string{"latency_p95", "latency_p99"}
}

func (v *LatencyValidator) Validate(_ *registry.ClusterRecord, baseline, current MetricsSnapshot, thresholds ValidationThresholds) Result {
	var violations []Violation
	passed := true

	for _, check := range []struct {
		metric        string
		increasePct   float64
	}{
		{"latency_p95", thresholds.LatencyP95IncreasePercent},
		{"latency_p99", thresholds.LatencyP99IncreasePercent},
	} {
		base, baseKnown := baseline.Get(check.metric)
		cur, curKnown := current.Get(check.metric)

		if !baseKnown || !curKnown {
			violations = append(violations, Violation{
				Metric:   check.metric,
				Message:  fmt.Sprintf("%s unknown in baseline or current snapshot", check.metric),
				Severity: SeverityFail,
			})
			passed = false
			continue
		}

		if base == 0 {
			violations = append(violations, Violation{
				Metric:   check.metric,
				Message:  fmt.Sprintf("%s baseline is zero, skipping comparison", check.metric),
				Severity: SeverityInfo,
			})
			continue
		}

		pctChange := (cur - base) / base * 100
		if pctChange > check.increasePct {
			violations = append(violations, Violation{
				Metric:   check.metric,
				Message:  fmt.Sprintf("%s increased %.1f%% (baseline %.3f, current %.3f), threshold %.1f%%", check.metric, pctChange, base, cur, check.increasePct),
				Severity: SeverityFail,
			})
			passed = false
		}
	}

	return Result{Passed: passed, Violations: violations}
}

// ErrorRateValidator fails on an elevated 5xx rate, a large jump
// relative to baseline, or a request-volume collapse (spec §4.5).
type ErrorRateValidator struct {
	critical bool
	timeout  time.Duration
}

// NewErrorRateValidator returns the error-rate validator every
// implementation must ship (spec §4.5), critical by default.
func NewErrorRateValidator() *ErrorRateValidator {
	return &ErrorRateValidator{critical: true, timeout: 30 * time.Second}
}

func (v *ErrorRateValidator) Name() string        { return "error_rate" }
func (v *ErrorRateValidator) Description() string { return "compares 5xx rate and request volume against baseline" }
func (v *ErrorRateValidator) IsCritical() bool     { return v.critical }
func (v *ErrorRateValidator) Timeout() time.Duration { return v.timeout }
func (v *ErrorRateValidator) RequiredMetrics() []string {
	return []string{"error_rate_5xx", "request_volume"}
}

func (v *ErrorRateValidator) Validate(_ *registry.ClusterRecord, baseline, current MetricsSnapshot, thresholds ValidationThresholds) Result {
	var violations []Violation
	passed := true

	currentRate, currentRateKnown := current.Get("error_rate_5xx")
	baselineRate, baselineRateKnown := baseline.Get("error_rate_5xx")
	currentVolume, currentVolumeKnown := current.Get("request_volume")
	baselineVolume, baselineVolumeKnown := baseline.Get("request_volume")

	if !currentRateKnown {
		return Result{Passed: false, Violations: []Violation{{
			Metric: "error_rate_5xx", Message: "current error rate unknown", Severity: SeverityFail,
		}}}
	}

	if currentRate > thresholds.ErrorRateMax {
		violations = append(violations, Violation{
			Metric:   "error_rate_5xx",
			Message:  fmt.Sprintf("current 5xx rate %.4f exceeds max %.4f", currentRate, thresholds.ErrorRateMax),
			Severity: SeverityFail,
		})
		passed = false
	}

	ratioCeiling := thresholds.ErrorRateRatioMax
	if ratioCeiling <= 0 {
		ratioCeiling = 2.0
	}
	if baselineRateKnown && baselineRate > 0 {
		ratio := currentRate / baselineRate
		if ratio > ratioCeiling {
			violations = append(violations, Violation{
				Metric:   "error_rate_5xx",
				Message:  fmt.Sprintf("5xx rate ratio %.2fx over baseline exceeds %.2fx", ratio, ratioCeiling),
				Severity: SeverityFail,
			})
			passed = false
		}
	}

	dropCeiling := thresholds.RequestVolumeDropMaxPct
	if dropCeiling <= 0 {
		dropCeiling = 20
	}
	if baselineVolumeKnown && currentVolumeKnown && baselineVolume > 0 {
		dropPct := (baselineVolume - currentVolume) / baselineVolume * 100
		if dropPct > dropCeiling {
			violations = append(violations, Violation{
				Metric:   "request_volume",
				Message:  fmt.Sprintf("request volume dropped %.1f%% (baseline %.1f, current %.1f), threshold %.1f%%", dropPct, baselineVolume, currentVolume, dropCeiling),
				Severity: SeverityFail,
			})
			passed = false
		}
	}

	return Result{Passed: passed, Violations: violations}
}
