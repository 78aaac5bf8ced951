package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

const defaultQueryLimit = 10000

// InsertEvents appends a batch in one transaction. Per-tenant ids come from
// the tenant_seq counter row, which also serializes conflicting writers for
// the tenant: the UPDATE takes a row lock for the duration of the tx.
func (s *Store) InsertEvents(ctx context.Context, tenantID uuid.UUID, events []model.Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin insert events: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO tenant_seq (tenant_id, last_id) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET last_id = tenant_seq.last_id + excluded.last_id
		 RETURNING last_id`,
		tenantID.String(), len(events),
	).Scan(&lastID)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve event ids: %w", err)
	}
	firstID := lastID - int64(len(events)) + 1

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("storage: prepare insert event: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, len(events))
	for i, e := range events {
		id := firstID + int64(i)
		payload, err := marshalJSON(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("storage: encode payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			tenantID.String(), id, nullUUID(e.ProjectID), e.AgentID, string(e.EventType),
			e.Timestamp.UnixMilli(), e.ReceivedAt.UnixMilli(), payload, boolToInt(e.Test),
		); err != nil {
			return nil, fmt.Errorf("storage: insert event: %w", err)
		}
		ids[i] = id
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit insert events: %w", err)
	}
	return ids, nil
}

// GetEvents returns a cursor page in ascending id order. It reads limit+1
// rows to decide HasMore without a second count query.
func (s *Store) GetEvents(ctx context.Context, tenantID uuid.UUID, f storage.EventFilter) (storage.EventPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := eventWhere(tenantID, f)
	q := `SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test
	      FROM events WHERE ` + where + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return storage.EventPage{}, fmt.Errorf("storage: get events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return storage.EventPage{}, err
	}

	page := storage.EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		page.NextCursor = page.Events[limit-1].ID
	}
	return page, nil
}

// RecentAgentEvents returns the newest limit events for an agent, reordered
// ascending so the derive package can scan forward.
func (s *Store) RecentAgentEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test
		 FROM (SELECT * FROM events WHERE tenant_id = ? AND agent_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`,
		tenantID.String(), agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent agent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TaskEvents returns task lifecycle events in ascending id order.
func (s *Store) TaskEvents(ctx context.Context, tenantID uuid.UUID, f storage.EventFilter) ([]model.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	where, args := eventWhere(tenantID, f)
	q := `SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test
	      FROM events WHERE ` + where + `
	      AND event_type IN ('task_started', 'task_completed', 'task_failed')
	      ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: task events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// TimelineEvents returns all events whose payload task_id matches.
func (s *Store) TimelineEvents(ctx context.Context, tenantID uuid.UUID, taskID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test
		 FROM events WHERE tenant_id = ? AND json_extract(payload, '$.task_id') = ?
		 ORDER BY id ASC LIMIT ?`,
		tenantID.String(), taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: timeline events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PipelineEvents returns the newest limit generic events carrying pipeline
// payload kinds for one agent, ascending.
func (s *Store) PipelineEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test
		 FROM (
		     SELECT * FROM events
		     WHERE tenant_id = ? AND agent_id = ?
		       AND event_type IN ('log', 'milestone', 'custom')
		       AND json_extract(payload, '$.kind') IN
		           ('plan', 'plan_step', 'queue_snapshot', 'todo', 'scheduled', 'report_issue')
		     ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		tenantID.String(), agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pipeline events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AggregateMetrics returns per-event-type counts over the filter window.
func (s *Store) AggregateMetrics(ctx context.Context, tenantID uuid.UUID, f storage.MetricFilter) ([]model.MetricBucket, error) {
	where, args := metricWhere(tenantID, f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE `+where+` GROUP BY event_type ORDER BY event_type`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: aggregate metrics: %w", err)
	}
	defer rows.Close()

	var buckets []model.MetricBucket
	for rows.Next() {
		var b model.MetricBucket
		var et string
		if err := rows.Scan(&et, &b.Count); err != nil {
			return nil, fmt.Errorf("storage: scan metric bucket: %w", err)
		}
		b.EventType = model.EventType(et)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// CostSummary aggregates llm_call payload fields grouped by model.
func (s *Store) CostSummary(ctx context.Context, tenantID uuid.UUID, f storage.MetricFilter) (model.CostSummary, error) {
	where, args := metricWhere(tenantID, f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(json_extract(payload, '$.model'), ''),
		        COUNT(*),
		        COALESCE(SUM(CAST(json_extract(payload, '$.cost_usd') AS REAL)), 0),
		        COALESCE(SUM(CAST(json_extract(payload, '$.input_tokens') AS INTEGER)), 0),
		        COALESCE(SUM(CAST(json_extract(payload, '$.output_tokens') AS INTEGER)), 0)
		 FROM events WHERE `+where+` AND json_extract(payload, '$.kind') = 'llm_call'
		 GROUP BY 1`,
		args...)
	if err != nil {
		return model.CostSummary{}, fmt.Errorf("storage: cost summary: %w", err)
	}
	defer rows.Close()

	sum := model.CostSummary{ByModel: map[string]float64{}}
	for rows.Next() {
		var mdl string
		var calls, in, out int64
		var usd float64
		if err := rows.Scan(&mdl, &calls, &usd, &in, &out); err != nil {
			return model.CostSummary{}, fmt.Errorf("storage: scan cost row: %w", err)
		}
		sum.Calls += calls
		sum.TotalUSD += usd
		sum.InputTokens += in
		sum.OutputTokens += out
		if mdl != "" {
			sum.ByModel[mdl] += usd
		}
	}
	return sum, rows.Err()
}

// CostTimeseries buckets llm_call cost by the given interval.
func (s *Store) CostTimeseries(ctx context.Context, tenantID uuid.UUID, f storage.MetricFilter, bucket time.Duration) ([]model.CostPoint, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	bucketMs := bucket.Milliseconds()

	where, args := metricWhere(tenantID, f)
	q := `SELECT (ts / ?) * ?,
	             COALESCE(SUM(CAST(json_extract(payload, '$.cost_usd') AS REAL)), 0),
	             COUNT(*)
	      FROM events WHERE ` + where + ` AND json_extract(payload, '$.kind') = 'llm_call'
	      GROUP BY 1 ORDER BY 1`
	rows, err := s.db.QueryContext(ctx, q, append([]any{bucketMs, bucketMs}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("storage: cost timeseries: %w", err)
	}
	defer rows.Close()

	var points []model.CostPoint
	for rows.Next() {
		var p model.CostPoint
		var bucketStart int64
		if err := rows.Scan(&bucketStart, &p.USD, &p.Calls); err != nil {
			return nil, fmt.Errorf("storage: scan cost point: %w", err)
		}
		p.Bucket = time.UnixMilli(bucketStart).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// eventWhere builds the shared WHERE clause for event listing filters.
func eventWhere(tenantID uuid.UUID, f storage.EventFilter) (string, []any) {
	var conds []string
	var args []any
	conds = append(conds, "tenant_id = ?")
	args = append(args, tenantID.String())
	if f.Cursor > 0 {
		conds = append(conds, "id > ?")
		args = append(args, f.Cursor)
	}
	if f.ProjectID != nil {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID.String())
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		conds = append(conds, "ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if !f.IncludeTest {
		conds = append(conds, "test = 0")
	}
	return strings.Join(conds, " AND "), args
}

func metricWhere(tenantID uuid.UUID, f storage.MetricFilter) (string, []any) {
	return eventWhere(tenantID, storage.EventFilter{
		ProjectID:   f.ProjectID,
		AgentID:     f.AgentID,
		Since:       f.Since,
		Until:       f.Until,
		IncludeTest: f.IncludeTest,
	})
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var tenant string
		var project sql.NullString
		var et string
		var ts, recv int64
		var payload sql.NullString
		var test int
		if err := rows.Scan(&tenant, &e.ID, &project, &e.AgentID, &et, &ts, &recv, &payload, &test); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		tid, err := uuid.Parse(tenant)
		if err != nil {
			return nil, fmt.Errorf("storage: parse tenant id: %w", err)
		}
		e.TenantID = tid
		if project.Valid {
			pid, err := uuid.Parse(project.String)
			if err != nil {
				return nil, fmt.Errorf("storage: parse project id: %w", err)
			}
			e.ProjectID = &pid
		}
		e.EventType = model.EventType(et)
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.ReceivedAt = time.UnixMilli(recv).UTC()
		e.Test = test != 0
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("storage: decode payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// marshalJSON encodes a map for storage, with deterministic output for nil.
func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	// json.Marshal sorts map keys, so equal payloads encode identically.
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
