package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pandalabs/panda-mcp/internal/gate/credential"
)

const listCredentialsSQL = `SELECT identity, secret_hash, scopes
	FROM credentials ORDER BY identity`

const upsertCredentialSQL = `INSERT INTO credentials (identity, secret_hash, scopes)
	VALUES ($1, $2, $3)
	ON CONFLICT (identity) DO UPDATE SET secret_hash = $2, scopes = $3`

// CredentialRepository loads gate credentials from the credentials table.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

// NewCredentialRepository returns a CredentialRepository that uses the given pool.
func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

// List returns every credential, ordered by identity. The store snapshots
// the result at startup; hot reload is out of scope.
func (r *CredentialRepository) List(ctx context.Context) ([]credential.Credential, error) {
	rows, err := r.pool.Query(ctx, listCredentialsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []credential.Credential
	for rows.Next() {
		var c credential.Credential
		if err := rows.Scan(&c.Identity, &c.SecretHash, &c.Scopes); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

// Upsert inserts a credential or replaces the hash and scopes of an
// existing identity.
func (r *CredentialRepository) Upsert(ctx context.Context, c credential.Credential) error {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := r.pool.Exec(ctx, upsertCredentialSQL, c.Identity, c.SecretHash, scopes)
	if err != nil {
		return fmt.Errorf("upserting credential %q: %w", c.Identity, err)
	}
	return nil
}
