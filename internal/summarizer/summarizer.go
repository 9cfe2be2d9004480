// Package summarizer produces a human-readable summary of an upgrade
// failure from its validation results, grounded on original_source's
// FailureAnalyzer (src/guard/llm/analyzer.py). That analyzer is itself
// a stub — analyze_failure returns the literal string "Failure
// analysis placeholder" behind a TODO, with no model call wired in —
// and spec §4.11 carries it forward the same way: a single Summarize
// function that returns a templated string, with no LLM call wired
// in. This is explicitly non-load-bearing — the upgrade state machine
// never blocks on it and never lets it affect a verdict.
package summarizer

import (
	"context"
	"fmt"

	"github.com/openguard/guard/internal/registry"
	"github.com/openguard/guard/internal/validation"
)

// Summarizer produces a prose explanation of why a cluster's upgrade
// failed, for inclusion in the rollback PR description or an
// operator-facing dashboard. TemplateSummarizer is the only
// implementation in this core; the interface exists so a real,
// model-backed implementation has a stable call site to attach to
// later, matching the original's shape without pretending to
// integrate an LLM.
type Summarizer interface {
	Summarize(ctx context.Context, cluster *registry.ClusterRecord, verdict validation.Verdict) (string, error)
}

// TemplateSummarizer formats a summary directly from the verdict's
// violations. It never calls out, never blocks, and never fails.
type TemplateSummarizer struct{}

// New returns the stub Summarizer used throughout this core.
func New() Summarizer {
	return TemplateSummarizer{}
}

func (TemplateSummarizer) Summarize(_ context.Context, cluster *registry.ClusterRecord, verdict validation.Verdict) (string, error) {
	return fmt.Sprintf("upgrade for cluster %s failed validation: %v", cluster.ClusterID, verdict.Violations()), nil
}
