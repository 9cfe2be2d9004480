// Package gitops implements the GitOps change producer (C6): it never
// mutates clusters directly, only proposes desired-state changes as
// pull/merge requests against a Git-backed repository through the
// GitOpsProvider port (spec §1, §4.6). Grounded on the teacher's
// dotted-path config mutation and YAML re-encoding
// (internal/config/update_validator.go, cmd/server/handlers/config_update.go)
// generalized from in-memory struct patching to document-preserving
// yaml.Node edits, since the upstream here is a file committed to a
// repository rather than a live process's config struct.
package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openguard/guard/internal/clock"
	"github.com/openguard/guard/internal/ports"
)

// PRResult is what a producer flow hands back to the upgrade state
// machine.
type PRResult struct {
	MR      ports.MRInfo
	Branch  string
}

// Producer submits upgrade and rollback pull requests.
type Producer struct {
	provider ports.GitOpsProvider
	ids      clock.IDGenerator
	clk      clock.Clock
	logger   *slog.Logger
}

// New constructs a Producer.
func New(provider ports.GitOpsProvider, ids clock.IDGenerator, clk clock.Clock, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{provider: provider, ids: ids, clk: clk, logger: logger}
}

// UpgradeRequest names the inputs to SubmitUpgrade.
type UpgradeRequest struct {
	Repo          string
	DefaultBranch string
	ConfigPath    string
	BatchID       string
	TargetVersion string
	VersionPath   string // dotted path to the version field, e.g. "spec.version"
	Owner         string
	ExtraUpdates  []FieldUpdate
}

// SubmitUpgrade implements spec §4.6's upgrade flow: branch
// `upgrade/<target>-<batch>-<shortid>` off the default branch, apply
// the ordered field updates to the document at ConfigPath, commit, and
// open a draft PR assigning Owner.
func (p *Producer) SubmitUpgrade(ctx context.Context, req UpgradeRequest) (PRResult, error) {
	shortID := p.ids.ShortID()
	branch := fmt.Sprintf("upgrade/%s-%s-%s", req.TargetVersion, req.BatchID, shortID)

	updates := append([]FieldUpdate{{Path: req.VersionPath, Value: req.TargetVersion}}, req.ExtraUpdates...)
	title := fmt.Sprintf("Upgrade %s to %s", req.BatchID, req.TargetVersion)
	message := fmt.Sprintf("guard: upgrade batch %s to version %s", req.BatchID, req.TargetVersion)

	mr, err := p.commitAndOpen(ctx, req.Repo, req.DefaultBranch, branch, req.ConfigPath, updates, title, message, req.Owner, true)
	if err != nil {
		return PRResult{}, fmt.Errorf("gitops: submit upgrade: %w", err)
	}
	return PRResult{MR: mr, Branch: branch}, nil
}

// RollbackRequest names the inputs to SubmitRollback.
type RollbackRequest struct {
	Repo              string
	DefaultBranch     string
	ConfigPath        string
	BatchID           string
	PreviousVersion   string
	VersionPath       string
	Owner             string
	FailureReason     string
	FailedMetrics     []string
	ExtraUpdates      []FieldUpdate
}

// SubmitRollback implements spec §4.6's rollback flow: branch
// `rollback/<previous>-<batch>-<timestamp>`, reset the version field,
// commit including the failure reason and failed metrics, and open a
// non-draft, high-priority PR.
func (p *Producer) SubmitRollback(ctx context.Context, req RollbackRequest) (PRResult, error) {
	timestamp := p.clk.Now().UTC().Format("20060102T150405Z")
	branch := fmt.Sprintf("rollback/%s-%s-%s", req.PreviousVersion, req.BatchID, timestamp)

	updates := append([]FieldUpdate{{Path: req.VersionPath, Value: req.PreviousVersion}}, req.ExtraUpdates...)
	title := fmt.Sprintf("[HIGH PRIORITY] Rollback %s to %s", req.BatchID, req.PreviousVersion)
	message := fmt.Sprintf("guard: rollback batch %s to %s\n\nreason: %s\nfailed metrics: %v",
		req.BatchID, req.PreviousVersion, req.FailureReason, req.FailedMetrics)

	mr, err := p.commitAndOpen(ctx, req.Repo, req.DefaultBranch, branch, req.ConfigPath, updates, title, message, req.Owner, false)
	if err != nil {
		return PRResult{}, fmt.Errorf("gitops: submit rollback: %w", err)
	}
	return PRResult{MR: mr, Branch: branch}, nil
}

func (p *Producer) commitAndOpen(ctx context.Context, repo, defaultBranch, branch, path string, updates []FieldUpdate, title, message, owner string, draft bool) (ports.MRInfo, error) {
	exists, err := p.provider.CheckBranchExists(ctx, repo, branch)
	if err != nil {
		return ports.MRInfo{}, fmt.Errorf("check branch: %w", err)
	}
	if !exists {
		if err := p.provider.CreateBranch(ctx, repo, branch, defaultBranch); err != nil {
			return ports.MRInfo{}, fmt.Errorf("create branch: %w", err)
		}
	}

	// The content committed on defaultBranch before this edit is the
	// retrievable backup for a later rollback (spec §4.6 — "sufficient
	// to have committed the prior state on the default branch").
	content, err := p.provider.GetFileContent(ctx, repo, path, defaultBranch)
	if err != nil {
		return ports.MRInfo{}, fmt.Errorf("fetch config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return ports.MRInfo{}, fmt.Errorf("parse config: %w", err)
	}

	for _, u := range updates {
		if err := SetField(&doc, u.Path, u.Value, false); err != nil {
			return ports.MRInfo{}, err
		}
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return ports.MRInfo{}, fmt.Errorf("encode config: %w", err)
	}

	if err := p.provider.UpdateFile(ctx, repo, path, string(out), message, branch); err != nil {
		return ports.MRInfo{}, fmt.Errorf("update file: %w", err)
	}

	mr, err := p.provider.CreateMergeRequest(ctx, repo, branch, defaultBranch, title, message, owner, draft)
	if err != nil {
		return ports.MRInfo{}, fmt.Errorf("create merge request: %w", err)
	}

	p.logger.Info("gitops: pull request submitted", "repo", repo, "branch", branch, "mr_url", mr.URL, "draft", draft)
	return mr, nil
}

// mergedState is the GitOpsProvider state value meaning the MR landed.
const mergedState = "merged"

// WaitForMerge polls GetMergeRequest every pollInterval until the MR
// reports the merged state or timeout elapses (spec §4.7 step 6: "how
// merging is detected is outside the core contract... polls the
// GitOpsProvider for merge state, bounded by a configurable wait
// window").
func (p *Producer) WaitForMerge(ctx context.Context, repo, id string, timeout, pollInterval time.Duration) (bool, error) {
	deadline := p.clk.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		mr, err := p.provider.GetMergeRequest(ctx, repo, id)
		if err != nil {
			return false, fmt.Errorf("gitops: poll merge request: %w", err)
		}
		if mr.State == mergedState {
			return true, nil
		}
		if p.clk.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
