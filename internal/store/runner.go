package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/terrpan/fleetd/internal/fleet"
)

const runnerCols = `id, name, credential_id, remote_id, status, platform,
	architecture, isolation, labels, work_dir, pid, container_id,
	instance_name, error_message, pool_id, ephemeral, last_heartbeat,
	created_at, updated_at`

// CreateRunner inserts a standalone runner row.  Pool-owned runners go
// through ReserveRunner instead so the capacity check and the insert are
// one transaction.
func (s *Store) CreateRunner(ctx context.Context, r *fleet.Runner) error {
	return insertRunner(ctx, s.db, r)
}

// ReserveRunner atomically checks the pool's active-runner count against
// max_runners and inserts the pending row.  Inserting before returning
// is what reserves capacity: later ScaleUp calls see this row in their
// active count even though provisioning has not begun.
func (s *Store) ReserveRunner(ctx context.Context, pool *fleet.Pool, r *fleet.Runner) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	active, err := countRunners(ctx, tx, pool.ID, fleet.ActiveStatuses())
	if err != nil {
		return err
	}
	if active >= pool.MaxRunners {
		return fmt.Errorf("%w: pool %s has %d active of max %d",
			ErrPoolAtCapacity, pool.Name, active, pool.MaxRunners)
	}

	if err := insertRunner(ctx, tx, r); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRunner fetches a runner by id.
func (s *Store) GetRunner(ctx context.Context, id string) (*fleet.Runner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runnerCols+` FROM runners WHERE id = ?`, id)
	return scanRunner(row)
}

// GetRunnerByRemoteID fetches a runner by its remote registration id.
// Zero is "not registered yet" and never matches.
func (s *Store) GetRunnerByRemoteID(ctx context.Context, remoteID int64) (*fleet.Runner, error) {
	if remoteID == 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runnerCols+` FROM runners WHERE remote_id = ?`, remoteID)
	return scanRunner(row)
}

// ListRunners returns every runner row.
func (s *Store) ListRunners(ctx context.Context) ([]*fleet.Runner, error) {
	return s.listRunners(ctx,
		`SELECT `+runnerCols+` FROM runners ORDER BY created_at`)
}

// ListNonTerminalRunners returns runners reconciliation should inspect.
func (s *Store) ListNonTerminalRunners(ctx context.Context) ([]*fleet.Runner, error) {
	return s.listRunners(ctx,
		`SELECT `+runnerCols+` FROM runners WHERE status != ? ORDER BY created_at`,
		fleet.StatusRemoving)
}

// ListRunnersByPool returns a pool's runners, optionally filtered by
// status.
func (s *Store) ListRunnersByPool(ctx context.Context, poolID string, statuses ...fleet.Status) ([]*fleet.Runner, error) {
	query := `SELECT ` + runnerCols + ` FROM runners WHERE pool_id = ?`
	args := []any{poolID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at`
	return s.listRunners(ctx, query, args...)
}

// CountRunners counts a pool's runners in the given statuses.
func (s *Store) CountRunners(ctx context.Context, poolID string, statuses ...fleet.Status) (int, error) {
	return countRunners(ctx, s.db, poolID, statuses)
}

// OldestIdleRunner returns the pool's longest-idle online ephemeral
// runner, the FIFO scale-down victim.  ErrNotFound when the pool has no
// idle runner.
func (s *Store) OldestIdleRunner(ctx context.Context, poolID string) (*fleet.Runner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runnerCols+` FROM runners
		WHERE pool_id = ? AND status = ? AND ephemeral = 1
		ORDER BY created_at ASC LIMIT 1`,
		poolID, fleet.StatusOnline)
	return scanRunner(row)
}

// UpdateRunner rewrites the mutable backend fields of a runner row.
// Status is deliberately not included; use SetRunnerStatus.
func (s *Store) UpdateRunner(ctx context.Context, r *fleet.Runner) error {
	labels, err := json.Marshal(sliceOrEmpty(r.Labels))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET name = ?, remote_id = ?, labels = ?,
			work_dir = ?, pid = ?, container_id = ?, instance_name = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.RemoteID, string(labels), r.WorkDir, r.PID,
		r.ContainerID, r.InstanceName, r.ErrorMessage, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update runner %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunnerStatus moves a runner through the lifecycle, enforcing the
// transition table.  The optional message lands in error_message (and is
// cleared on a non-error transition).
func (s *Store) SetRunnerStatus(ctx context.Context, id string, to fleet.Status, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var from fleet.Status
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runners WHERE id = ?`, id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status of %s: %w", id, err)
	}

	if err := fleet.CheckTransition(from, to); err != nil {
		return err
	}

	if to != fleet.StatusError {
		message = ""
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runners SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		to, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set status of %s: %w", id, err)
	}
	return tx.Commit()
}

// TouchHeartbeat records runner liveness.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runners SET last_heartbeat = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// DeleteRunner removes a runner row.  Deleting an already-deleted runner
// is a no-op: cleanup paths race by design and must stay idempotent.
func (s *Store) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	return err
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func insertRunner(ctx context.Context, e execer, r *fleet.Runner) error {
	labels, err := json.Marshal(sliceOrEmpty(r.Labels))
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	_, err = e.ExecContext(ctx, `
		INSERT INTO runners (`+runnerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.CredentialID, r.RemoteID, r.Status, r.Platform,
		r.Architecture, r.Isolation, string(labels), r.WorkDir, r.PID,
		r.ContainerID, r.InstanceName, r.ErrorMessage, r.PoolID,
		r.Ephemeral, nullableTime(r.LastHeartbeat), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert runner %s: %w", r.Name, err)
	}
	return nil
}

func countRunners(ctx context.Context, e execer, poolID string, statuses []fleet.Status) (int, error) {
	query := `SELECT COUNT(*) FROM runners WHERE pool_id = ?`
	args := []any{poolID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	var n int
	if err := e.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runners: %w", err)
	}
	return n, nil
}

func (s *Store) listRunners(ctx context.Context, query string, args ...any) ([]*fleet.Runner, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRunner(r rowScanner) (*fleet.Runner, error) {
	var (
		rn        fleet.Runner
		labels    string
		heartbeat sql.NullTime
	)
	err := r.Scan(
		&rn.ID, &rn.Name, &rn.CredentialID, &rn.RemoteID, &rn.Status,
		&rn.Platform, &rn.Architecture, &rn.Isolation, &labels,
		&rn.WorkDir, &rn.PID, &rn.ContainerID, &rn.InstanceName,
		&rn.ErrorMessage, &rn.PoolID, &rn.Ephemeral, &heartbeat,
		&rn.CreatedAt, &rn.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runner: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &rn.Labels); err != nil {
		return nil, fmt.Errorf("decode runner labels: %w", err)
	}
	if heartbeat.Valid {
		rn.LastHeartbeat = heartbeat.Time
	}
	return &rn, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
