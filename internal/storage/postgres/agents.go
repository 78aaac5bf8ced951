package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// UpsertAgent creates or refreshes an agent row. Idempotent; last_seen only
// moves forward and empty incoming fields never clobber stored values.
func (s *Store) UpsertAgent(ctx context.Context, agent model.Agent) error {
	lastSeen := agent.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = lastSeen
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
		     project_id = COALESCE(EXCLUDED.project_id, agents.project_id),
		     name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE agents.name END,
		     type = CASE WHEN EXCLUDED.type <> '' THEN EXCLUDED.type ELSE agents.type END,
		     last_seen = GREATEST(agents.last_seen, EXCLUDED.last_seen),
		     metadata = COALESCE(EXCLUDED.metadata, agents.metadata)`,
		agent.TenantID, agent.AgentID, agent.ProjectID,
		agent.Name, agent.Type, lastSeen, agent.Metadata, createdAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert agent: %w", err)
	}
	return nil
}

// GetAgent retrieves one agent by id.
func (s *Store) GetAgent(ctx context.Context, tenantID uuid.UUID, agentID string) (model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at
		 FROM agents WHERE tenant_id = $1 AND agent_id = $2`,
		tenantID, agentID,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	defer rows.Close()

	agents, err := scanAgents(rows)
	if err != nil {
		return model.Agent{}, err
	}
	if len(agents) == 0 {
		return model.Agent{}, storage.ErrNotFound
	}
	return agents[0], nil
}

// ListAgents returns agents for a tenant ordered by last_seen descending.
func (s *Store) ListAgents(ctx context.Context, tenantID uuid.UUID, f storage.AgentFilter) ([]model.Agent, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if f.ProjectID != nil {
		args = append(args, *f.ProjectID)
		conds = append(conds, "project_id = $"+strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, "type = $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, agent_id, project_id, name, type, last_seen, metadata, created_at
		 FROM agents WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY last_seen DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	return scanAgents(rows)
}

func scanAgents(rows pgx.Rows) ([]model.Agent, error) {
	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var name, typ *string
		if err := rows.Scan(&a.TenantID, &a.AgentID, &a.ProjectID, &name, &typ,
			&a.LastSeen, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		if name != nil {
			a.Name = *name
		}
		if typ != nil {
			a.Type = *typ
		}
		a.LastSeen = a.LastSeen.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
