package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/terrpan/fleetd/internal/fleet"
)

const credentialCols = `id, name, kind, scope, target, sealed_token,
	sealed_private_key, app_client_id, installation_id,
	sealed_webhook_secret, created_at`

// CreateCredential inserts a credential row.
func (s *Store) CreateCredential(ctx context.Context, c *fleet.Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Kind, c.Scope, c.Target, c.SealedToken,
		c.SealedPrivateKey, c.AppClientID, c.InstallationID,
		c.SealedWebhookSecret, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credential %s: %w", c.Name, err)
	}
	return nil
}

// GetCredential fetches a credential by id.
func (s *Store) GetCredential(ctx context.Context, id string) (*fleet.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// CredentialByInstallation finds the app credential holding the given
// installation id.  Used by the webhook dispatcher's fallback path.
func (s *Store) CredentialByInstallation(ctx context.Context, installationID int64) (*fleet.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialCols+` FROM credentials
		 WHERE kind = ? AND installation_id = ?`,
		fleet.KindApp, installationID)
	return scanCredential(row)
}

// ListCredentials returns every stored credential.
func (s *Store) ListCredentials(ctx context.Context) ([]*fleet.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialCols+` FROM credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential row.  Missing rows are not an
// error.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (*fleet.Credential, error) {
	var c fleet.Credential
	err := r.Scan(
		&c.ID, &c.Name, &c.Kind, &c.Scope, &c.Target, &c.SealedToken,
		&c.SealedPrivateKey, &c.AppClientID, &c.InstallationID,
		&c.SealedWebhookSecret, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan credential: %w", err)
	}
	return &c, nil
}
