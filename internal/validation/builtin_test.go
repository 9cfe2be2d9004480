package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(f float64) *float64 { return &f }

func TestLatencyValidator_PassesWithinThreshold(t *testing.T) {
	v := NewLatencyValidator()
	baseline := MetricsSnapshot{"latency_p95": ptr(100), "latency_p99": ptr(150)}
	current := MetricsSnapshot{"latency_p95": ptr(105), "latency_p99": ptr(155)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.True(t, result.Passed)
}

func TestLatencyValidator_FailsBeyondThreshold(t *testing.T) {
	v := NewLatencyValidator()
	baseline := MetricsSnapshot{"latency_p95": ptr(100), "latency_p99": ptr(150)}
	current := MetricsSnapshot{"latency_p95": ptr(130), "latency_p99": ptr(155)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.False(t, result.Passed)
	assert.Len(t, result.Violations, 1)
	assert.Equal(t, "latency_p95", result.Violations[0].Metric)
}

func TestLatencyValidator_ZeroBaselineIsInfoNotFail(t *testing.T) {
	v := NewLatencyValidator()
	baseline := MetricsSnapshot{"latency_p95": ptr(0), "latency_p99": ptr(150)}
	current := MetricsSnapshot{"latency_p95": ptr(10), "latency_p99": ptr(155)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.True(t, result.Passed)
	sawInfoViolation := false
	for _, viol := range result.Violations {
		if viol.Metric == "latency_p95" {
			assert.Equal(t, SeverityInfo, viol.Severity)
			sawInfoViolation = true
		}
	}
	assert.True(t, sawInfoViolation)
}

func TestLatencyValidator_UnknownMetricFails(t *testing.T) {
	v := NewLatencyValidator()
	baseline := MetricsSnapshot{"latency_p95": nil, "latency_p99": ptr(150)}
	current := MetricsSnapshot{"latency_p95": ptr(10), "latency_p99": ptr(155)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.False(t, result.Passed)
}

func TestErrorRateValidator_PassesUnderThresholds(t *testing.T) {
	v := NewErrorRateValidator()
	baseline := MetricsSnapshot{"error_rate_5xx": ptr(0.002), "request_volume": ptr(1000)}
	current := MetricsSnapshot{"error_rate_5xx": ptr(0.003), "request_volume": ptr(980)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.True(t, result.Passed)
}

func TestErrorRateValidator_FailsOnAbsoluteMax(t *testing.T) {
	v := NewErrorRateValidator()
	baseline := MetricsSnapshot{"error_rate_5xx": ptr(0.001), "request_volume": ptr(1000)}
	current := MetricsSnapshot{"error_rate_5xx": ptr(0.05), "request_volume": ptr(1000)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.False(t, result.Passed)
}

func TestErrorRateValidator_FailsOnVolumeDrop(t *testing.T) {
	v := NewErrorRateValidator()
	baseline := MetricsSnapshot{"error_rate_5xx": ptr(0.001), "request_volume": ptr(1000)}
	current := MetricsSnapshot{"error_rate_5xx": ptr(0.001), "request_volume": ptr(500)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.False(t, result.Passed)
}

func TestErrorRateValidator_UnknownCurrentRateFails(t *testing.T) {
	v := NewErrorRateValidator()
	baseline := MetricsSnapshot{"error_rate_5xx": ptr(0.001), "request_volume": ptr(1000)}
	current := MetricsSnapshot{"error_rate_5xx": nil, "request_volume": ptr(1000)}

	result := v.Validate(nil, baseline, current, DefaultThresholds())
	assert.False(t, result.Passed)
}

func TestOrchestrator_VerdictFailsIfAnyCriticalValidatorFails(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(NewLatencyValidator())
	_ = reg.Register(NewErrorRateValidator())
	orch := NewOrchestrator(reg, nil)

	baseline := MetricsSnapshot{
		"latency_p95": ptr(100), "latency_p99": ptr(150),
		"error_rate_5xx": ptr(0.001), "request_volume": ptr(1000),
	}
	current := MetricsSnapshot{
		"latency_p95": ptr(200), "latency_p99": ptr(155),
		"error_rate_5xx": ptr(0.001), "request_volume": ptr(1000),
	}

	verdict := orch.Validate(context.Background(), nil, baseline, current, DefaultThresholds())
	assert.False(t, verdict.Passed)
	assert.NotEmpty(t, verdict.Violations())
}
