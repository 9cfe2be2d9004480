// Package registry implements the persistent cluster registry (C2):
// CRUD plus conditional updates over ClusterRecord, with linearizable
// reads and writes per cluster_id and a monotonically increasing `rev`
// used as the optimistic-concurrency token (spec §3, §4.1).
package registry

import (
	"fmt"
	"time"
)

// Status is one of the cluster lifecycle states in the directed graph
// of spec §4.7. Any transition not present in validTransitions is
// rejected by the registry (invariant I1).
type Status string

const (
	StatusPending                    Status = "PENDING"
	StatusPreCheckRunning             Status = "PRE_CHECK_RUNNING"
	StatusPreCheckPassed              Status = "PRE_CHECK_PASSED"
	StatusPreCheckFailed               Status = "PRE_CHECK_FAILED"
	StatusMRCreated                    Status = "MR_CREATED"
	StatusUpgrading                    Status = "UPGRADING"
	StatusPostCheckRunning             Status = "POST_CHECK_RUNNING"
	StatusHealthy                      Status = "HEALTHY"
	StatusRollbackRequired             Status = "ROLLBACK_REQUIRED"
	StatusFailedUpgradeRolledBack      Status = "FAILED_UPGRADE_ROLLED_BACK"
)

// validTransitions encodes the directed graph in spec §4.7. A
// transition is legal iff to is present in validTransitions[from].
var validTransitions = map[Status][]Status{
	StatusPending:             {StatusPreCheckRunning},
	StatusPreCheckRunning:     {StatusPreCheckPassed, StatusPreCheckFailed},
	StatusPreCheckPassed:      {StatusMRCreated},
	StatusMRCreated:           {StatusUpgrading},
	StatusUpgrading:           {StatusPostCheckRunning},
	StatusPostCheckRunning:    {StatusHealthy, StatusRollbackRequired},
	StatusRollbackRequired:    {StatusFailedUpgradeRolledBack},
	// Terminal-for-this-attempt / terminal states have no outgoing edges;
	// a cluster re-enters the machine only via administrative re-import
	// back to PENDING, which is outside upgrade-logic scope (spec §3
	// "Ownership & lifecycle").
	StatusPreCheckFailed:          {},
	StatusHealthy:                 {},
	StatusFailedUpgradeRolledBack: {},
}

// IsValidTransition reports whether from -> to is an edge of the
// upgrade state graph (I1).
func IsValidTransition(from, to Status) bool {
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// activeStatuses is the set referenced by invariant I3: at most one
// orchestrator process may observe a cluster in one of these statuses
// at a time. Enforcement is via the lock manager (C3); the registry
// only records which status is currently held.
var activeStatuses = map[Status]bool{
	StatusPreCheckRunning:  true,
	StatusUpgrading:        true,
	StatusPostCheckRunning: true,
}

// IsActive reports whether s is one of the active-set statuses of I3.
func IsActive(s Status) bool { return activeStatuses[s] }

// IsTerminal reports whether s has no outgoing edges in the state
// graph — HEALTHY, PRE_CHECK_FAILED, or FAILED_UPGRADE_ROLLED_BACK.
func IsTerminal(s Status) bool { return len(validTransitions[s]) == 0 }

// UpgradeHistoryEntry is one append-only audit record (invariant I5).
type UpgradeHistoryEntry struct {
	Version    string    `json:"version"`
	Outcome    string    `json:"outcome"` // "success" or "failed"
	Timestamp  time.Time `json:"timestamp"`
	Violations []string  `json:"violations,omitempty"`
}

// ClusterRecord is the unit of persistent state (spec §3).
type ClusterRecord struct {
	ClusterID string `json:"cluster_id"`
	BatchID   string `json:"batch_id"`

	Environment string `json:"environment"`
	Region      string `json:"region"`

	GitOpsRepo string `json:"gitops_repo"`
	ConfigPath string `json:"config_path"`

	CloudRoleRef string `json:"cloud_role_ref"`

	CurrentVersion string  `json:"current_version"`
	TargetVersion  *string `json:"target_version,omitempty"`

	MetricTags map[string]string `json:"metric_tags,omitempty"`

	Team           string `json:"team"`
	ReviewerHandle string `json:"reviewer_handle"`

	Status Status `json:"status"`
	Rev    int64  `json:"rev"`

	LastUpdated    time.Time             `json:"last_updated"`
	UpgradeHistory []UpgradeHistoryEntry `json:"upgrade_history,omitempty"`

	// PRURL is carried in patch_fields across PRE_CHECK_PASSED ->
	// MR_CREATED (spec §4.7 step 5). Merge polling in step 6 uses the
	// merge request ID returned at creation, not this field.
	PRURL string `json:"pr_url,omitempty"`

	// MeshID and MultiCluster mirror original_source's ClusterMetadata
	// (src/guard/core/models.py), dropped by the spec's distillation and
	// not excluded by any Non-goal: MeshID names the Istio mesh a
	// multi-cluster deployment belongs to, and MultiCluster marks a
	// cluster as part of one.
	MeshID       *string `json:"mesh_id,omitempty"`
	MultiCluster bool    `json:"multi_cluster,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by callers that
// read a record, compute new field values, and CompareAndSwap.
func (c *ClusterRecord) Clone() *ClusterRecord {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TargetVersion != nil {
		v := *c.TargetVersion
		clone.TargetVersion = &v
	}
	if c.MeshID != nil {
		v := *c.MeshID
		clone.MeshID = &v
	}
	clone.MetricTags = copyStringMap(c.MetricTags)
	clone.UpgradeHistory = append([]UpgradeHistoryEntry(nil), c.UpgradeHistory...)
	return &clone
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Fields is a sparse set of field updates applied atomically by
// CompareAndSwap. Only non-nil fields are written.
type Fields struct {
	Status         *Status
	TargetVersion  *string
	PRURL          *string
	AppendHistory  *UpgradeHistoryEntry
	CurrentVersion *string
}

func (f Fields) String() string {
	return fmt.Sprintf("Fields{status=%v target=%v prURL=%v history=%v}", f.Status, f.TargetVersion, f.PRURL, f.AppendHistory != nil)
}
