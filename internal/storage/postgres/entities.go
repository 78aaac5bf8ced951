package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, t model.Tenant) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)`,
		t.ID, t.Name, createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var t model.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Tenant{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// --- API keys ---

func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.TenantID, k.Prefix, k.KeyHash, string(k.Permission), k.Label, createdAt, k.RevokedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

func (s *Store) APIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at
		 FROM api_keys WHERE prefix = $1 AND revoked_at IS NULL`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: api keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at
		 FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM api_keys WHERE tenant_id = $1 AND id = $2)`,
			tenantID, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: revoke api key check: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]model.APIKey, error) {
	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		var perm string
		var label *string
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Prefix, &k.KeyHash, &perm, &label, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		k.Permission = model.Permission(perm)
		if label != nil {
			k.Label = *label
		}
		k.CreatedAt = k.CreatedAt.UTC()
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p model.Project) error {
	now := time.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, tenant_id, name, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.Name, p.Archived, createdAt, updatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, tenantID, id uuid.UUID) (model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, archived, created_at, updated_at
		 FROM projects WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&p.ID, &p.TenantID, &p.Name, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: get project: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, tenantID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, tenant_id, name, archived, created_at, updated_at
	      FROM projects WHERE tenant_id = $1`
	if !includeArchived {
		q += ` AND archived = FALSE`
	}
	q += ` ORDER BY name ASC LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, q, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan project: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p model.Project) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $1, updated_at = now() WHERE tenant_id = $2 AND id = $3`,
		p.Name, p.TenantID, p.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ArchiveProject(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET archived = TRUE, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: archive project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
