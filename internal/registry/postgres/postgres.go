// Package postgres implements registry.Registry on top of PostgreSQL
// via pgx/v5, using a `rev` column and conditional UPDATE statements
// for optimistic concurrency (spec §3 I2, §4.1). Mirrors the
// connection-handling style of the teacher's internal/database/postgres
// package, generalized from a raw connection pool wrapper to a typed
// repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openguard/guard/internal/registry"
)

// Registry is a PostgreSQL-backed registry.Registry.
type Registry struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an already-connected pgxpool.Pool. Callers own the pool's
// lifecycle (Connect/Close); this mirrors the teacher's pattern of
// handing a live *pgxpool.Pool to repository constructors rather than
// having the repository manage connection setup itself.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{pool: pool, logger: logger}
}

const selectColumns = `
	cluster_id, batch_id, environment, region, gitops_repo, config_path,
	cloud_role_ref, current_version, target_version, metric_tags, team,
	reviewer_handle, status, rev, last_updated, upgrade_history, pr_url,
	mesh_id, multi_cluster`

func (r *Registry) Get(ctx context.Context, clusterID string) (*registry.ClusterRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM clusters WHERE cluster_id = $1`, clusterID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: get %s: %w", clusterID, err)
	}
	return rec, nil
}

func (r *Registry) List(ctx context.Context, filter registry.ListFilter) ([]*registry.ClusterRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM clusters WHERE 1=1`
	args := []any{}
	if filter.BatchID != "" {
		args = append(args, filter.BatchID)
		query += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []*registry.ClusterRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("registry/postgres: list scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CompareAndSwap performs the single conditional UPDATE that backs
// every mutation. The WHERE clause checks rev = expectedRev, which is
// the ABA-safe optimistic-concurrency guard required by I2.
func (r *Registry) CompareAndSwap(ctx context.Context, clusterID string, expectedRev int64, patch registry.Fields) (*registry.ClusterRecord, error) {
	return r.casWithStatusGuard(ctx, clusterID, nil, expectedRev, patch)
}

func (r *Registry) AppendHistory(ctx context.Context, clusterID string, expectedRev int64, entry registry.UpgradeHistoryEntry) (*registry.ClusterRecord, error) {
	return r.CompareAndSwap(ctx, clusterID, expectedRev, registry.Fields{AppendHistory: &entry})
}

// TransitionStatus additionally guards on the stored status matching
// expectedStatus and validates the edge is legal before issuing the
// UPDATE (I1).
func (r *Registry) TransitionStatus(ctx context.Context, clusterID string, expectedStatus, newStatus registry.Status, expectedRev int64, patch registry.Fields) (*registry.ClusterRecord, error) {
	if !registry.IsValidTransition(expectedStatus, newStatus) {
		return nil, registry.ErrIllegalTransition
	}
	patch.Status = &newStatus
	return r.casWithStatusGuard(ctx, clusterID, &expectedStatus, expectedRev, patch)
}

func (r *Registry) casWithStatusGuard(ctx context.Context, clusterID string, expectedStatus *registry.Status, expectedRev int64, patch registry.Fields) (*registry.ClusterRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := r.getForUpdate(ctx, tx, clusterID)
	if err != nil {
		return nil, err
	}
	if current.Rev != expectedRev {
		return nil, registry.ErrConflict
	}
	if expectedStatus != nil && current.Status != *expectedStatus {
		return nil, registry.ErrPreconditionFailed
	}

	next := current.Clone()
	applyFields(next, patch)
	next.Rev = current.Rev + 1
	next.LastUpdated = time.Now().UTC()

	historyJSON, err := json.Marshal(next.UpgradeHistory)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: marshal history: %w", err)
	}
	metricTagsJSON, err := json.Marshal(next.MetricTags)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: marshal metric_tags: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE clusters SET
			status = $1, rev = $2, last_updated = $3, upgrade_history = $4,
			target_version = $5, pr_url = $6, current_version = $7,
			metric_tags = $8
		WHERE cluster_id = $9 AND rev = $10`,
		string(next.Status), next.Rev, next.LastUpdated, historyJSON,
		next.TargetVersion, nullableString(next.PRURL), next.CurrentVersion,
		metricTagsJSON, clusterID, expectedRev,
	)
	if err != nil {
		return nil, fmt.Errorf("registry/postgres: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another writer won the race between our SELECT ... FOR UPDATE
		// and this UPDATE; surface it as the same conflict a caller
		// would see without the explicit row lock.
		return nil, registry.ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("registry/postgres: commit: %w", err)
	}
	return next, nil
}

func (r *Registry) getForUpdate(ctx context.Context, tx pgx.Tx, clusterID string) (*registry.ClusterRecord, error) {
	row := tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM clusters WHERE cluster_id = $1 FOR UPDATE`, clusterID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select for update: %w", err)
	}
	return rec, nil
}

// rowScanner covers both pgx.Row (QueryRow) and pgx.Rows (Query).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*registry.ClusterRecord, error) {
	var rec registry.ClusterRecord
	var historyJSON, metricTagsJSON []byte
	var prURL *string

	err := row.Scan(
		&rec.ClusterID, &rec.BatchID, &rec.Environment, &rec.Region,
		&rec.GitOpsRepo, &rec.ConfigPath, &rec.CloudRoleRef,
		&rec.CurrentVersion, &rec.TargetVersion, &metricTagsJSON,
		&rec.Team, &rec.ReviewerHandle, &rec.Status, &rec.Rev,
		&rec.LastUpdated, &historyJSON, &prURL, &rec.MeshID, &rec.MultiCluster,
	)
	if err != nil {
		return nil, err
	}

	if prURL != nil {
		rec.PRURL = *prURL
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &rec.UpgradeHistory); err != nil {
			return nil, fmt.Errorf("unmarshal upgrade_history: %w", err)
		}
	}
	if len(metricTagsJSON) > 0 {
		if err := json.Unmarshal(metricTagsJSON, &rec.MetricTags); err != nil {
			return nil, fmt.Errorf("unmarshal metric_tags: %w", err)
		}
	}
	return &rec, nil
}

func applyFields(rec *registry.ClusterRecord, patch registry.Fields) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.TargetVersion != nil {
		rec.TargetVersion = patch.TargetVersion
	}
	if patch.PRURL != nil {
		rec.PRURL = *patch.PRURL
	}
	if patch.CurrentVersion != nil {
		rec.CurrentVersion = *patch.CurrentVersion
	}
	if patch.AppendHistory != nil {
		rec.UpgradeHistory = append(rec.UpgradeHistory, *patch.AppendHistory)
	}
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
