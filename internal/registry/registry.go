package registry

import (
	"context"
	"errors"

	"github.com/openguard/guard/internal/guarderrors"
)

// Sentinel errors surfaced by every Registry implementation. Callers
// should use errors.Is against these, not string matching.
var (
	// ErrNotFound is returned by Get/CompareAndSwap when cluster_id does
	// not exist.
	ErrNotFound = errors.New("registry: cluster not found")

	// ErrConflict is returned by CompareAndSwap when the stored rev does
	// not match expectedRev (I2). Precondition kind, never blindly
	// retried (spec §7).
	ErrConflict = errors.New("registry: rev conflict")

	// ErrPreconditionFailed is returned by TransitionStatus when the
	// stored status does not match expectedStatus (ABA-safe alongside
	// rev checking).
	ErrPreconditionFailed = errors.New("registry: precondition failed")

	// ErrIllegalTransition is returned when expectedStatus -> newStatus
	// is not an edge of the graph in spec §4.7 (I1).
	ErrIllegalTransition = errors.New("registry: illegal status transition")
)

// ListFilter narrows List to a batch and/or status.
type ListFilter struct {
	BatchID string
	Status  *Status
}

// Registry is the C2 port: CRUD plus the single conditional-write
// mutation path (spec §4.1). Implementations must provide linearizable
// reads and writes per cluster_id.
type Registry interface {
	// Get returns the record and its rev, or ErrNotFound.
	Get(ctx context.Context, clusterID string) (*ClusterRecord, error)

	// List returns every record matching filter. A GSI on batch_id
	// backs BatchID filtering in the Postgres implementation.
	List(ctx context.Context, filter ListFilter) ([]*ClusterRecord, error)

	// CompareAndSwap is the only mutation path. It fails with
	// ErrConflict if the stored rev != expectedRev, or ErrNotFound if
	// clusterID does not exist. On success the stored rev is
	// incremented by exactly one (I2).
	CompareAndSwap(ctx context.Context, clusterID string, expectedRev int64, patch Fields) (*ClusterRecord, error)

	// AppendHistory is a convenience CAS that only appends one
	// UpgradeHistoryEntry (I5).
	AppendHistory(ctx context.Context, clusterID string, expectedRev int64, entry UpgradeHistoryEntry) (*ClusterRecord, error)

	// TransitionStatus performs a CAS that additionally requires the
	// stored status to equal expectedStatus and the transition to be a
	// legal edge of the graph (I1). patch carries any fields that must
	// land atomically with the status change (e.g. PRURL, TargetVersion).
	TransitionStatus(ctx context.Context, clusterID string, expectedStatus, newStatus Status, expectedRev int64, patch Fields) (*ClusterRecord, error)
}

// MaxCASRetries bounds how many times the state machine retries a
// single logical step after an ErrConflict before aborting it (spec
// §4.1: "at most twice before aborting the step").
const MaxCASRetries = 2

// ClassifyCASError maps a registry error to the guarderrors taxonomy so
// callers outside this package can decide retry behavior uniformly.
func ClassifyCASError(err error) guarderrors.Kind {
	switch {
	case err == nil:
		return guarderrors.Unknown
	case errors.Is(err, ErrNotFound):
		return guarderrors.NotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrIllegalTransition):
		return guarderrors.Precondition
	default:
		return guarderrors.Classify(err)
	}
}
