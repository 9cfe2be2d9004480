// Package providers wires C9 (rate limiting) and C10 (retry) in as
// explicit middleware wrapping provider ports at construction time
// (spec §9), matching the teacher's chain-of-responsibility middleware
// style (internal/infrastructure/publishing/middleware.go): each
// decorator wraps an inner implementation of the same port interface,
// so the two compose by nesting constructor calls, e.g.
//
//	p := providers.NewRetryingGitOpsProvider(
//	        providers.NewRateLimitedGitOpsProvider(inner, limiter, "gitops"),
//	        retry.DefaultPolicy())
package providers

import (
	"context"

	"github.com/openguard/guard/internal/ports"
	"github.com/openguard/guard/internal/ratelimit"
	"github.com/openguard/guard/internal/retry"
)

// RateLimitedGitOpsProvider gates every call against a named
// ratelimit.Limiter bucket before delegating to inner.
type RateLimitedGitOpsProvider struct {
	inner   ports.GitOpsProvider
	limiter *ratelimit.Limiter
	bucket  string
}

// NewRateLimitedGitOpsProvider wraps inner, acquiring one token from
// bucket before every call.
func NewRateLimitedGitOpsProvider(inner ports.GitOpsProvider, limiter *ratelimit.Limiter, bucket string) *RateLimitedGitOpsProvider {
	return &RateLimitedGitOpsProvider{inner: inner, limiter: limiter, bucket: bucket}
}

func (p *RateLimitedGitOpsProvider) acquire(ctx context.Context) error {
	return p.limiter.Acquire(ctx, p.bucket, 1)
}

func (p *RateLimitedGitOpsProvider) CreateBranch(ctx context.Context, repo, name, from string) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	return p.inner.CreateBranch(ctx, repo, name, from)
}

func (p *RateLimitedGitOpsProvider) GetFileContent(ctx context.Context, repo, path, ref string) (string, error) {
	if err := p.acquire(ctx); err != nil {
		return "", err
	}
	return p.inner.GetFileContent(ctx, repo, path, ref)
}

func (p *RateLimitedGitOpsProvider) UpdateFile(ctx context.Context, repo, path, content, message, branch string) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	return p.inner.UpdateFile(ctx, repo, path, content, message, branch)
}

func (p *RateLimitedGitOpsProvider) CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description, assignee string, draft bool) (ports.MRInfo, error) {
	if err := p.acquire(ctx); err != nil {
		return ports.MRInfo{}, err
	}
	return p.inner.CreateMergeRequest(ctx, repo, sourceBranch, targetBranch, title, description, assignee, draft)
}

func (p *RateLimitedGitOpsProvider) GetMergeRequest(ctx context.Context, repo, id string) (ports.MRInfo, error) {
	if err := p.acquire(ctx); err != nil {
		return ports.MRInfo{}, err
	}
	return p.inner.GetMergeRequest(ctx, repo, id)
}

func (p *RateLimitedGitOpsProvider) AddMergeRequestComment(ctx context.Context, repo, id, comment string) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	return p.inner.AddMergeRequestComment(ctx, repo, id, comment)
}

func (p *RateLimitedGitOpsProvider) CheckBranchExists(ctx context.Context, repo, name string) (bool, error) {
	if err := p.acquire(ctx); err != nil {
		return false, err
	}
	return p.inner.CheckBranchExists(ctx, repo, name)
}

// RetryingGitOpsProvider retries transient failures from inner under
// policy (spec §4.9's exponential backoff).
type RetryingGitOpsProvider struct {
	inner  ports.GitOpsProvider
	policy retry.Policy
}

// NewRetryingGitOpsProvider wraps inner with policy's retry behavior.
func NewRetryingGitOpsProvider(inner ports.GitOpsProvider, policy retry.Policy) *RetryingGitOpsProvider {
	return &RetryingGitOpsProvider{inner: inner, policy: policy}
}

func (p *RetryingGitOpsProvider) CreateBranch(ctx context.Context, repo, name, from string) error {
	policy := p.policy
	policy.OperationName = "gitops.create_branch"
	return retry.Do(ctx, policy, func() error { return p.inner.CreateBranch(ctx, repo, name, from) })
}

func (p *RetryingGitOpsProvider) GetFileContent(ctx context.Context, repo, path, ref string) (string, error) {
	policy := p.policy
	policy.OperationName = "gitops.get_file_content"
	return retry.DoValue(ctx, policy, func() (string, error) { return p.inner.GetFileContent(ctx, repo, path, ref) })
}

func (p *RetryingGitOpsProvider) UpdateFile(ctx context.Context, repo, path, content, message, branch string) error {
	policy := p.policy
	policy.OperationName = "gitops.update_file"
	return retry.Do(ctx, policy, func() error { return p.inner.UpdateFile(ctx, repo, path, content, message, branch) })
}

func (p *RetryingGitOpsProvider) CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description, assignee string, draft bool) (ports.MRInfo, error) {
	policy := p.policy
	policy.OperationName = "gitops.create_merge_request"
	return retry.DoValue(ctx, policy, func() (ports.MRInfo, error) {
		return p.inner.CreateMergeRequest(ctx, repo, sourceBranch, targetBranch, title, description, assignee, draft)
	})
}

func (p *RetryingGitOpsProvider) GetMergeRequest(ctx context.Context, repo, id string) (ports.MRInfo, error) {
	policy := p.policy
	policy.OperationName = "gitops.get_merge_request"
	return retry.DoValue(ctx, policy, func() (ports.MRInfo, error) { return p.inner.GetMergeRequest(ctx, repo, id) })
}

func (p *RetryingGitOpsProvider) AddMergeRequestComment(ctx context.Context, repo, id, comment string) error {
	policy := p.policy
	policy.OperationName = "gitops.add_merge_request_comment"
	return retry.Do(ctx, policy, func() error { return p.inner.AddMergeRequestComment(ctx, repo, id, comment) })
}

func (p *RetryingGitOpsProvider) CheckBranchExists(ctx context.Context, repo, name string) (bool, error) {
	policy := p.policy
	policy.OperationName = "gitops.check_branch_exists"
	return retry.DoValue(ctx, policy, func() (bool, error) { return p.inner.CheckBranchExists(ctx, repo, name) })
}
