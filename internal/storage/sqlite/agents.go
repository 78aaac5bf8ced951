package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// UpsertAgent creates or refreshes an agent row. Idempotent: conflicting
// writes keep existing fields unless the incoming value is non-empty, and
// last_seen only moves forward.
func (s *Store) UpsertAgent(ctx context.Context, agent model.Agent) error {
	meta, err := marshalJSON(agent.Metadata)
	if err != nil {
		return fmt.Errorf("storage: encode agent metadata: %w", err)
	}
	lastSeen := agent.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = lastSeen
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, agent_id) DO UPDATE SET
		     project_id = COALESCE(excluded.project_id, agents.project_id),
		     name = CASE WHEN excluded.name != '' THEN excluded.name ELSE agents.name END,
		     type = CASE WHEN excluded.type != '' THEN excluded.type ELSE agents.type END,
		     last_seen = MAX(agents.last_seen, excluded.last_seen),
		     metadata = COALESCE(excluded.metadata, agents.metadata)`,
		agent.TenantID.String(), agent.AgentID, nullUUID(agent.ProjectID),
		agent.Name, agent.Type, lastSeen.UnixMilli(), meta, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves one agent by id.
func (s *Store) GetAgent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at
		 FROM agents WHERE tenant_id = ? AND agent_id = ?`,
		tenantID.String(), agentID,
	)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Agent{}, storage.ErrNotFound
	}
	return a, err
}

// ListAgents returns agents for a tenant ordered by last_seen descending.
func (s *Store) ListAgents(ctx context.Context, tenantID uuid.UUID, f storage.AgentFilter) ([]model.Agent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var conds []string
	var args []any
	conds = append(conds, "tenant_id = ?")
	args = append(args, tenantID.String())
	if f.ProjectID != nil {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID.String())
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at
		 FROM agents WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY last_seen DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var a model.Agent
	var tenant string
	var project, name, typ, meta sql.NullString
	var lastSeen, createdAt int64
	if err := row.Scan(&tenant, &a.AgentID, &project, &name, &typ, &lastSeen, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, err
		}
		return model.Agent{}, fmt.Errorf("storage: scan agent: %w", err)
	}
	tid, err := uuid.Parse(tenant)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: parse tenant id: %w", err)
	}
	a.TenantID = tid
	if project.Valid {
		pid, err := uuid.Parse(project.String)
		if err != nil {
			return model.Agent{}, fmt.Errorf("storage: parse project id: %w", err)
		}
		a.ProjectID = &pid
	}
	a.Name = name.String
	a.Type = typ.String
	a.LastSeen = time.UnixMilli(lastSeen).UTC()
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
			return model.Agent{}, fmt.Errorf("storage: decode agent metadata: %w", err)
		}
	}
	return a, nil
}
