package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

func (s *Store) CreateAlertRule(ctx context.Context, r model.AlertRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("storage: encode rule params: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO alert_rules (id, tenant_id, name, condition, params, project_id, agent_id, enabled, webhook_url, cooldown_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		r.ID, r.TenantID, r.Name, string(r.Condition), params,
		r.ProjectID, emptyToNil(r.AgentID), r.Enabled, emptyToNil(r.WebhookURL),
		int64(r.Cooldown/time.Second), createdAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("storage: create alert rule: %w", err)
	}
	return nil
}

func (s *Store) GetAlertRule(ctx context.Context, tenantID, id uuid.UUID) (model.AlertRule, error) {
	rows, err := s.pool.Query(ctx,
		alertRuleColumns+` FROM alert_rules WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return model.AlertRule{}, fmt.Errorf("storage: get alert rule: %w", err)
	}
	defer rows.Close()

	rules, err := scanAlertRules(rows)
	if err != nil {
		return model.AlertRule{}, err
	}
	if len(rules) == 0 {
		return model.AlertRule{}, storage.ErrNotFound
	}
	return rules[0], nil
}

func (s *Store) ListAlertRules(ctx context.Context, tenantID uuid.UUID, enabledOnly bool) ([]model.AlertRule, error) {
	q := alertRuleColumns + ` FROM alert_rules WHERE tenant_id = $1`
	if enabledOnly {
		q += ` AND enabled = TRUE`
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert rules: %w", err)
	}
	defer rows.Close()
	return scanAlertRules(rows)
}

func (s *Store) UpdateAlertRule(ctx context.Context, r model.AlertRule) error {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return fmt.Errorf("storage: encode rule params: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_rules SET name = $1, params = $2, enabled = $3, webhook_url = $4, cooldown_seconds = $5, updated_at = now()
		 WHERE tenant_id = $6 AND id = $7`,
		r.Name, params, r.Enabled, emptyToNil(r.WebhookURL),
		int64(r.Cooldown/time.Second), r.TenantID, r.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAlertRule(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_rules WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) InsertAlertFiring(ctx context.Context, f model.AlertFiring) error {
	firedAt := f.FiredAt
	if firedAt.IsZero() {
		firedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alert_history (id, rule_id, tenant_id, subject, fired_at, evidence, dispatch_status, dispatch_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.RuleID, f.TenantID, f.Subject, firedAt, f.Evidence,
		f.DispatchStatus, emptyToNil(f.DispatchError),
	)
	if err != nil {
		return fmt.Errorf("storage: insert alert firing: %w", err)
	}
	return nil
}

func (s *Store) UpdateFiringDispatch(ctx context.Context, id uuid.UUID, status, dispatchErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_history SET dispatch_status = $1, dispatch_error = $2 WHERE id = $3`,
		status, emptyToNil(dispatchErr), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update firing dispatch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListAlertFirings(ctx context.Context, tenantID uuid.UUID, f storage.FiringFilter) ([]model.AlertFiring, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if f.RuleID != nil {
		args = append(args, *f.RuleID)
		conds = append(conds, "rule_id = $"+strconv.Itoa(len(args)))
	}
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx,
		`SELECT id, rule_id, tenant_id, subject, fired_at, evidence, dispatch_status, dispatch_error
		 FROM alert_history WHERE `+strings.Join(conds, " AND ")+
			` ORDER BY fired_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert firings: %w", err)
	}
	defer rows.Close()

	var firings []model.AlertFiring
	for rows.Next() {
		var fr model.AlertFiring
		var dispatchErr *string
		if err := rows.Scan(&fr.ID, &fr.RuleID, &fr.TenantID, &fr.Subject,
			&fr.FiredAt, &fr.Evidence, &fr.DispatchStatus, &dispatchErr); err != nil {
			return nil, fmt.Errorf("storage: scan alert firing: %w", err)
		}
		if dispatchErr != nil {
			fr.DispatchError = *dispatchErr
		}
		fr.FiredAt = fr.FiredAt.UTC()
		firings = append(firings, fr)
	}
	return firings, rows.Err()
}

func (s *Store) LatestFiring(ctx context.Context, ruleID uuid.UUID, subject string) (time.Time, error) {
	var firedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT fired_at FROM alert_history WHERE rule_id = $1 AND subject = $2
		 ORDER BY fired_at DESC LIMIT 1`,
		ruleID, subject,
	).Scan(&firedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, storage.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: latest firing: %w", err)
	}
	return firedAt.UTC(), nil
}

const alertRuleColumns = `SELECT id, tenant_id, name, condition, params, project_id, agent_id, enabled, webhook_url, cooldown_seconds, created_at, updated_at`

func scanAlertRules(rows pgx.Rows) ([]model.AlertRule, error) {
	var rules []model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var cond string
		var params []byte
		var agent, webhook *string
		var cooldownSecs int64
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &cond, &params, &r.ProjectID,
			&agent, &r.Enabled, &webhook, &cooldownSecs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan alert rule: %w", err)
		}
		r.Condition = model.AlertCondition(cond)
		if err := json.Unmarshal(params, &r.Params); err != nil {
			return nil, fmt.Errorf("storage: decode rule params: %w", err)
		}
		if agent != nil {
			r.AgentID = *agent
		}
		if webhook != nil {
			r.WebhookURL = *webhook
		}
		r.Cooldown = time.Duration(cooldownSecs) * time.Second
		r.CreatedAt = r.CreatedAt.UTC()
		r.UpdatedAt = r.UpdatedAt.UTC()
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
