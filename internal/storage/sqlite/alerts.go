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

// CreateAlertRule inserts a rule row.
func (s *Store) CreateAlertRule(ctx context.Context, r model.AlertRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("storage: encode rule params: %w", err)
	}
	now := time.Now()
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_rules (id, tenant_id, name, condition, params, project_id, agent_id, enabled, webhook_url, cooldown_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.TenantID.String(), r.Name, string(r.Condition), string(params),
		nullUUID(r.ProjectID), nullStr(r.AgentID), boolToInt(r.Enabled), nullStr(r.WebhookURL),
		int64(r.Cooldown/time.Second), createdAt.UnixMilli(), createdAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create alert rule: %w", err)
	}
	return nil
}

// GetAlertRule retrieves one rule by id.
func (s *Store) GetAlertRule(ctx context.Context, tenantID, id uuid.UUID) (model.AlertRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, condition, params, project_id, agent_id, enabled, webhook_url, cooldown_seconds, created_at, updated_at
		 FROM alert_rules WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id.String(),
	)
	r, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlertRule{}, storage.ErrNotFound
	}
	return r, err
}

// ListAlertRules returns rules for a tenant, optionally enabled only.
func (s *Store) ListAlertRules(ctx context.Context, tenantID uuid.UUID, enabledOnly bool) ([]model.AlertRule, error) {
	conds := []string{"tenant_id = ?"}
	args := []any{tenantID.String()}
	if enabledOnly {
		conds = append(conds, "enabled = 1")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, condition, params, project_id, agent_id, enabled, webhook_url, cooldown_seconds, created_at, updated_at
		 FROM alert_rules WHERE `+strings.Join(conds, " AND ")+` ORDER BY created_at ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateAlertRule rewrites a rule's mutable fields.
func (s *Store) UpdateAlertRule(ctx context.Context, r model.AlertRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("storage: encode rule params: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET name = ?, params = ?, enabled = ?, webhook_url = ?, cooldown_seconds = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		r.Name, string(params), boolToInt(r.Enabled), nullStr(r.WebhookURL),
		int64(r.Cooldown/time.Second), time.Now().UnixMilli(),
		r.TenantID.String(), r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update alert rule: %w", err)
	}
	return requireRow(res, "update alert rule")
}

// DeleteAlertRule removes a rule. History rows are retained.
func (s *Store) DeleteAlertRule(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_rules WHERE tenant_id = ? AND id = ?`,
		tenantID.String(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: delete alert rule: %w", err)
	}
	return requireRow(res, "delete alert rule")
}

// InsertAlertFiring appends one alert history record.
func (s *Store) InsertAlertFiring(ctx context.Context, f model.AlertFiring) error {
	evidence, err := marshalJSON(f.Evidence)
	if err != nil {
		return fmt.Errorf("storage: encode firing evidence: %w", err)
	}
	firedAt := f.FiredAt
	if firedAt.IsZero() {
		firedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_history (id, rule_id, tenant_id, subject, fired_at, evidence, dispatch_status, dispatch_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID.String(), f.RuleID.String(), f.TenantID.String(), f.Subject,
		firedAt.UnixMilli(), evidence, f.DispatchStatus, nullStr(f.DispatchError),
	)
	if err != nil {
		return fmt.Errorf("storage: insert alert firing: %w", err)
	}
	return nil
}

// UpdateFiringDispatch records the webhook delivery outcome.
func (s *Store) UpdateFiringDispatch(ctx context.Context, id uuid.UUID, status, dispatchErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_history SET dispatch_status = ?, dispatch_error = ? WHERE id = ?`,
		status, nullStr(dispatchErr), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update firing dispatch: %w", err)
	}
	return requireRow(res, "update firing dispatch")
}

// ListAlertFirings returns history records, newest first.
func (s *Store) ListAlertFirings(ctx context.Context, tenantID uuid.UUID, f storage.FiringFilter) ([]model.AlertFiring, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"tenant_id = ?"}
	args := []any{tenantID.String()}
	if f.RuleID != nil {
		conds = append(conds, "rule_id = ?")
		args = append(args, f.RuleID.String())
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_id, tenant_id, subject, fired_at, evidence, dispatch_status, dispatch_error
		 FROM alert_history WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY fired_at DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert firings: %w", err)
	}
	defer rows.Close()

	var firings []model.AlertFiring
	for rows.Next() {
		var fr model.AlertFiring
		var id, rule, tenant string
		var firedAt int64
		var evidence, dispatchErr sql.NullString
		if err := rows.Scan(&id, &rule, &tenant, &fr.Subject, &firedAt, &evidence, &fr.DispatchStatus, &dispatchErr); err != nil {
			return nil, fmt.Errorf("storage: scan alert firing: %w", err)
		}
		fid, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("storage: parse firing id: %w", err)
		}
		rid, err := uuid.Parse(rule)
		if err != nil {
			return nil, fmt.Errorf("storage: parse rule id: %w", err)
		}
		tid, err := uuid.Parse(tenant)
		if err != nil {
			return nil, fmt.Errorf("storage: parse tenant id: %w", err)
		}
		fr.ID = fid
		fr.RuleID = rid
		fr.TenantID = tid
		fr.FiredAt = time.UnixMilli(firedAt).UTC()
		fr.DispatchError = dispatchErr.String
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &fr.Evidence); err != nil {
				return nil, fmt.Errorf("storage: decode firing evidence: %w", err)
			}
		}
		firings = append(firings, fr)
	}
	return firings, rows.Err()
}

// LatestFiring returns the most recent firing time for (rule, subject).
func (s *Store) LatestFiring(ctx context.Context, ruleID uuid.UUID, subject string) (time.Time, error) {
	var firedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT fired_at FROM alert_history WHERE rule_id = ? AND subject = ?
		 ORDER BY fired_at DESC LIMIT 1`,
		ruleID.String(), subject,
	).Scan(&firedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: latest firing: %w", err)
	}
	return time.UnixMilli(firedAt).UTC(), nil
}

func scanAlertRule(row rowScanner) (model.AlertRule, error) {
	var r model.AlertRule
	var id, tenant, cond, params string
	var project, agent, webhook sql.NullString
	var enabled int
	var cooldownSecs, createdAt, updatedAt int64
	if err := row.Scan(&id, &tenant, &r.Name, &cond, &params, &project, &agent, &enabled, &webhook, &cooldownSecs, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AlertRule{}, err
		}
		return model.AlertRule{}, fmt.Errorf("storage: scan alert rule: %w", err)
	}
	rid, err := uuid.Parse(id)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: parse rule id: %w", err)
	}
	tid, err := uuid.Parse(tenant)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: parse tenant id: %w", err)
	}
	r.ID = rid
	r.TenantID = tid
	r.Condition = model.AlertCondition(cond)
	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: decode rule params: %w", err)
	}
	if project.Valid {
		pid, err := uuid.Parse(project.String)
		if err != nil {
			return model.AlertRule{}, fmt.Errorf("storage: parse rule project id: %w", err)
		}
		r.ProjectID = &pid
	}
	r.AgentID = agent.String
	r.Enabled = enabled != 0
	r.WebhookURL = webhook.String
	r.Cooldown = time.Duration(cooldownSecs) * time.Second
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return r, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
