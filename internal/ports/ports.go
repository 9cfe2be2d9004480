// Package ports defines the external interfaces GUARD's core consumes
// (spec §6). Every concrete cloud/Kubernetes/mesh/VCS/telemetry/secrets
// binding is deliberately out of scope (spec §1); only the abstract
// capability sets live here, generalizing the teacher's duck-typed
// provider clients (internal/infrastructure/k8s, llm, publishing) into
// plain Go interfaces (spec §9 "translate to a capability set of
// abstract operations").
package ports

import (
	"context"
	"time"
)

// ClusterInfo is the shape CloudProvider.GetClusterInfo returns.
type ClusterInfo struct {
	Endpoint string
	CACert   string
	Version  string
	Status   string
}

// ClusterToken is a short-lived, single-use credential for talking to
// a cluster's API server.
type ClusterToken struct {
	Token     string
	ExpiresAt time.Time
	Endpoint  string
	CACert    string
}

// CloudProvider abstracts the cloud SDK used to obtain cluster-scoped
// credentials and inventory.
type CloudProvider interface {
	AssumeRole(ctx context.Context, roleRef, sessionName string) error
	GetSecret(ctx context.Context, name string) (string, error)
	GetClusterInfo(ctx context.Context, name string) (ClusterInfo, error)
	GenerateClusterToken(ctx context.Context, name string) (ClusterToken, error)
	ListClusters(ctx context.Context, region string) ([]string, error)
}

// DeploymentStatus is the shape KubernetesProvider.GetDeployment
// returns.
type DeploymentStatus struct {
	Desired   int32
	Ready     int32
	Available int32
	Updated   int32
}

// ExecResult is the shape of ExecInPod's output.
type ExecResult struct {
	Stdout string
	Stderr string
}

// KubernetesProvider abstracts the Kubernetes API surface the checks
// and the state machine's convergence wait need.
type KubernetesProvider interface {
	GetNodes(ctx context.Context) ([]string, error)
	CheckNodesReady(ctx context.Context) (allReady bool, unreadyNames []string, err error)
	GetPods(ctx context.Context, namespace, selector string) ([]string, error)
	CheckPodsReady(ctx context.Context, namespace, selector string) (bool, error)
	GetDeployment(ctx context.Context, name, namespace string) (DeploymentStatus, error)
	CheckDeploymentReady(ctx context.Context, name, namespace string) (bool, error)
	GetNamespaces(ctx context.Context, selector string) ([]string, error)
	RestartDeployment(ctx context.Context, name, namespace string) error
	RestartDaemonSet(ctx context.Context, name, namespace string) error
	RestartStatefulSet(ctx context.Context, name, namespace string) error
	ExecInPod(ctx context.Context, namespace, pod, container string, cmd []string) (ExecResult, error)
}

// AggregationKind names the aggregation function QueryScalar applies
// over the window (e.g. p95, p99, avg, sum).
type AggregationKind string

const (
	AggP95 AggregationKind = "p95"
	AggP99 AggregationKind = "p99"
	AggAvg AggregationKind = "avg"
	AggSum AggregationKind = "sum"
)

// Alert is one active alert returned by CheckActiveAlerts.
type Alert struct {
	Name    string
	Message string
	Labels  map[string]string
}

// MetricsProvider abstracts the telemetry backend used for baseline
// and post-upgrade snapshot capture. A query that fails must surface a
// non-nil error so the caller can record "unknown" rather than a
// synthesized zero (spec I-telemetry).
type MetricsProvider interface {
	QueryScalar(ctx context.Context, metric string, start, end time.Time, tags map[string]string, agg AggregationKind) (float64, error)
	QueryTimeseries(ctx context.Context, metric string, start, end time.Time, tags map[string]string) ([]float64, error)
	QueryStatistics(ctx context.Context, metric string, start, end time.Time, tags map[string]string) (map[string]float64, error)
	CheckActiveAlerts(ctx context.Context, tags map[string]string) (healthy bool, alerts []Alert, err error)
	GetMonitorStatus(ctx context.Context, id string) (string, error)
	QueryRaw(ctx context.Context, providerQuery string, start, end time.Time) (map[string]float64, error)
}

// MRInfo is the shape returned by CreateMergeRequest/GetMergeRequest.
// State mirrors the VCS's native merge-request state machine; the
// upgrade state machine only cares about "merged" vs not.
type MRInfo struct {
	ID     string
	URL    string
	State  string // e.g. "opened", "merged", "closed"
	Branch string
}

// FieldUpdate is one dotted-path write applied by UpdateFile's caller
// before committing (spec §4.6).
type FieldUpdate struct {
	Path  string
	Value string
}

// GitOpsProvider abstracts the Git-hosting API used to propose desired
// state changes as pull/merge requests.
type GitOpsProvider interface {
	CreateBranch(ctx context.Context, repo, name, from string) error
	GetFileContent(ctx context.Context, repo, path, ref string) (string, error)
	UpdateFile(ctx context.Context, repo, path, content, message, branch string) error
	CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description, assignee string, draft bool) (MRInfo, error)
	GetMergeRequest(ctx context.Context, repo, id string) (MRInfo, error)
	AddMergeRequestComment(ctx context.Context, repo, id, comment string) error
	CheckBranchExists(ctx context.Context, repo, name string) (bool, error)
}

// CheckContext carries provider handles and free-form extras to a
// Check's Execute method (spec §4.4).
type CheckContext struct {
	Cloud      CloudProvider
	Kubernetes KubernetesProvider
	Metrics    MetricsProvider
	Extras     map[string]any
}
