package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// --- Tenants ---

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t model.Tenant) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID.String(), t.Name, createdAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	var t model.Tenant
	var idStr string
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = ?`, id.String(),
	).Scan(&idStr, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Tenant{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get tenant: %w", err)
	}
	t.ID = id
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	return t, nil
}

// --- API keys ---

// CreateAPIKey inserts an api key row.
func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) error {
	createdAt := k.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID.String(), k.TenantID.String(), k.Prefix, k.KeyHash, string(k.Permission),
		k.Label, createdAt.UnixMilli(), nullTime(k.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

// APIKeysByPrefix returns unrevoked keys matching a prefix.
func (s *Store) APIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at
		 FROM api_keys WHERE prefix = ? AND revoked_at IS NULL`, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: api keys by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListAPIKeys returns all keys for a tenant, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, prefix, key_hash, permission, label, created_at, revoked_at
		 FROM api_keys WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// RevokeAPIKey marks a key revoked. Revocation is idempotent.
func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE tenant_id = ? AND id = ? AND revoked_at IS NULL`,
		time.Now().UnixMilli(), tenantID.String(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: revoke api key rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already-revoked.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM api_keys WHERE tenant_id = ? AND id = ?`,
			tenantID.String(), id.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: revoke api key check: %w", err)
		}
		if exists == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}

func scanAPIKeys(rows *sql.Rows) ([]model.APIKey, error) {
	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		var id, tenant, perm string
		var label sql.NullString
		var createdAt int64
		var revokedAt sql.NullInt64
		if err := rows.Scan(&id, &tenant, &k.Prefix, &k.KeyHash, &perm, &label, &createdAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		kid, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("storage: parse api key id: %w", err)
		}
		tid, err := uuid.Parse(tenant)
		if err != nil {
			return nil, fmt.Errorf("storage: parse tenant id: %w", err)
		}
		k.ID = kid
		k.TenantID = tid
		k.Permission = model.Permission(perm)
		k.Label = label.String
		k.CreatedAt = time.UnixMilli(createdAt).UTC()
		if revokedAt.Valid {
			t := time.UnixMilli(revokedAt.Int64).UTC()
			k.RevokedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Projects ---

// CreateProject inserts a project row.
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, tenant_id, name, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.TenantID.String(), p.Name, boolToInt(p.Archived),
		createdAt.UnixMilli(), updatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id, archived or not.
func (s *Store) GetProject(ctx context.Context, tenantID, id uuid.UUID) (model.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, archived, created_at, updated_at
		 FROM projects WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id.String(),
	)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, storage.ErrNotFound
	}
	return p, err
}

// ListProjects returns projects ordered by name. Archived projects are
// excluded from the default listing.
func (s *Store) ListProjects(ctx context.Context, tenantID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"tenant_id = ?"}
	args := []any{tenantID.String()}
	if !includeArchived {
		conds = append(conds, "archived = 0")
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, archived, created_at, updated_at
		 FROM projects WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY name ASC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list projects: %w", err)
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject updates a project's mutable fields.
func (s *Store) UpdateProject(ctx context.Context, p model.Project) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		p.Name, time.Now().UnixMilli(), p.TenantID.String(), p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update project: %w", err)
	}
	return requireRow(res, "update project")
}

// ArchiveProject soft-deletes a project: excluded from default listings,
// retained for history.
func (s *Store) ArchiveProject(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET archived = 1, updated_at = ? WHERE tenant_id = ? AND id = ?`,
		time.Now().UnixMilli(), tenantID.String(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: archive project: %w", err)
	}
	return requireRow(res, "archive project")
}

func scanProject(row rowScanner) (model.Project, error) {
	var p model.Project
	var id, tenant string
	var archived int
	var createdAt, updatedAt int64
	if err := row.Scan(&id, &tenant, &p.Name, &archived, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Project{}, err
		}
		return model.Project{}, fmt.Errorf("storage: scan project: %w", err)
	}
	pid, err := uuid.Parse(id)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: parse project id: %w", err)
	}
	tid, err := uuid.Parse(tenant)
	if err != nil {
		return model.Project{}, fmt.Errorf("storage: parse tenant id: %w", err)
	}
	p.ID = pid
	p.TenantID = tid
	p.Archived = archived != 0
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return p, nil
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: %s rows affected: %w", op, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
