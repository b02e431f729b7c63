package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/terrpan/fleetd/internal/fleet"
)

const poolCols = `id, name, credential_id, platform, architecture, isolation,
	labels, min_runners, warm_runners, max_runners, idle_timeout_secs,
	enabled, privileged, mount_docker_socket, devices, image`

// CreatePool inserts a pool after validating its scaling bounds.
func (s *Store) CreatePool(ctx context.Context, p *fleet.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	labels, devices, err := encodePoolLists(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pools (`+poolCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.CredentialID, p.Platform, p.Architecture, p.Isolation,
		labels, p.MinRunners, p.WarmRunners, p.MaxRunners,
		int64(p.IdleTimeout/time.Second), p.Enabled, p.Privileged,
		p.MountDockerSocket, devices, p.Image,
	)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", p.Name, err)
	}
	return nil
}

// UpdatePool rewrites a pool row after validating its bounds.
func (s *Store) UpdatePool(ctx context.Context, p *fleet.Pool) error {
	if err := p.Validate(); err != nil {
		return err
	}
	labels, devices, err := encodePoolLists(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pools SET name = ?, credential_id = ?, platform = ?,
			architecture = ?, isolation = ?, labels = ?, min_runners = ?,
			warm_runners = ?, max_runners = ?, idle_timeout_secs = ?,
			enabled = ?, privileged = ?, mount_docker_socket = ?,
			devices = ?, image = ?
		WHERE id = ?`,
		p.Name, p.CredentialID, p.Platform, p.Architecture, p.Isolation,
		labels, p.MinRunners, p.WarmRunners, p.MaxRunners,
		int64(p.IdleTimeout/time.Second), p.Enabled, p.Privileged,
		p.MountDockerSocket, devices, p.Image, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pool %s: %w", p.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPool fetches a pool by id.
func (s *Store) GetPool(ctx context.Context, id string) (*fleet.Pool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+poolCols+` FROM pools WHERE id = ?`, id)
	return scanPool(row)
}

// ListPools returns every pool, enabled or not.
func (s *Store) ListPools(ctx context.Context) ([]*fleet.Pool, error) {
	return s.listPools(ctx, `SELECT `+poolCols+` FROM pools ORDER BY name`)
}

// ListEnabledPools returns the pools the autoscaler should maintain.
func (s *Store) ListEnabledPools(ctx context.Context) ([]*fleet.Pool, error) {
	return s.listPools(ctx,
		`SELECT `+poolCols+` FROM pools WHERE enabled = 1 ORDER BY name`)
}

// ListEnabledPoolsByCredential scopes enabled pools to one credential,
// the unit the webhook dispatcher routes on.
func (s *Store) ListEnabledPoolsByCredential(ctx context.Context, credentialID string) ([]*fleet.Pool, error) {
	return s.listPools(ctx,
		`SELECT `+poolCols+` FROM pools WHERE enabled = 1 AND credential_id = ? ORDER BY name`,
		credentialID)
}

// DeletePool removes a pool row.  Missing rows are not an error.
func (s *Store) DeletePool(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pools WHERE id = ?`, id)
	return err
}

func (s *Store) listPools(ctx context.Context, query string, args ...any) ([]*fleet.Pool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodePoolLists(p *fleet.Pool) (labels, devices string, err error) {
	lb, err := json.Marshal(sliceOrEmpty(p.Labels))
	if err != nil {
		return "", "", fmt.Errorf("encode labels: %w", err)
	}
	dv, err := json.Marshal(sliceOrEmpty(p.Devices))
	if err != nil {
		return "", "", fmt.Errorf("encode devices: %w", err)
	}
	return string(lb), string(dv), nil
}

func sliceOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanPool(r rowScanner) (*fleet.Pool, error) {
	var (
		p               fleet.Pool
		labels, devices string
		idleSecs        int64
	)
	err := r.Scan(
		&p.ID, &p.Name, &p.CredentialID, &p.Platform, &p.Architecture,
		&p.Isolation, &labels, &p.MinRunners, &p.WarmRunners, &p.MaxRunners,
		&idleSecs, &p.Enabled, &p.Privileged, &p.MountDockerSocket,
		&devices, &p.Image,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	if err := json.Unmarshal([]byte(labels), &p.Labels); err != nil {
		return nil, fmt.Errorf("decode pool labels: %w", err)
	}
	if err := json.Unmarshal([]byte(devices), &p.Devices); err != nil {
		return nil, fmt.Errorf("decode pool devices: %w", err)
	}
	p.IdleTimeout = time.Duration(idleSecs) * time.Second
	return &p, nil
}
