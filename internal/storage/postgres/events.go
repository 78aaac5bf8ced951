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

const defaultQueryLimit = 10000

// InsertEvents appends a batch using the COPY protocol inside one
// transaction. Per-tenant ids come from the tenant_seq counter row; the
// UPDATE takes a row lock that serializes conflicting writers for the tenant
// until commit, so readers never observe a half-applied batch and ids
// preserve submission order.
func (s *Store) InsertEvents(ctx context.Context, tenantID uuid.UUID, events []model.Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	var ids []int64
	err := withRetry(ctx, 3, 25*time.Millisecond, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin insert events: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		var lastID int64
		err = tx.QueryRow(ctx,
			`INSERT INTO tenant_seq (tenant_id, last_id) VALUES ($1, $2)
			 ON CONFLICT (tenant_id) DO UPDATE SET last_id = tenant_seq.last_id + EXCLUDED.last_id
			 RETURNING last_id`,
			tenantID, int64(len(events)),
		).Scan(&lastID)
		if err != nil {
			return fmt.Errorf("storage: reserve event ids: %w", err)
		}
		firstID := lastID - int64(len(events)) + 1

		columns := []string{"tenant_id", "id", "project_id", "agent_id", "event_type", "ts", "received_at", "payload", "test"}
		rows := make([][]any, len(events))
		ids = make([]int64, len(events))
		for i, e := range events {
			id := firstID + int64(i)
			ids[i] = id
			rows[i] = []any{
				tenantID, id, e.ProjectID, e.AgentID, string(e.EventType),
				e.Timestamp, e.ReceivedAt, e.Payload, e.Test,
			}
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"events"}, columns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("storage: copy events: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit insert events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetEvents returns a cursor page in ascending id order.
func (s *Store) GetEvents(ctx context.Context, tenantID uuid.UUID, f storage.EventFilter) (storage.EventPage, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := eventWhere(tenantID, f)
	q := eventColumns + ` FROM events WHERE ` + where +
		` ORDER BY id ASC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, q, args...)
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

// RecentAgentEvents returns the newest limit events for an agent, ascending.
func (s *Store) RecentAgentEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		eventColumns+` FROM (
		     SELECT * FROM events WHERE tenant_id = $1 AND agent_id = $2 ORDER BY id DESC LIMIT $3
		 ) sub ORDER BY id ASC`,
		tenantID, agentID, limit,
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
	q := eventColumns + ` FROM events WHERE ` + where +
		` AND event_type IN ('task_started', 'task_completed', 'task_failed')
		 ORDER BY id ASC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, q, args...)
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
	rows, err := s.pool.Query(ctx,
		eventColumns+` FROM events WHERE tenant_id = $1 AND payload->>'task_id' = $2
		 ORDER BY id ASC LIMIT $3`,
		tenantID, taskID, limit,
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
	rows, err := s.pool.Query(ctx,
		eventColumns+` FROM (
		     SELECT * FROM events
		     WHERE tenant_id = $1 AND agent_id = $2
		       AND event_type IN ('log', 'milestone', 'custom')
		       AND payload->>'kind' IN
		           ('plan', 'plan_step', 'queue_snapshot', 'todo', 'scheduled', 'report_issue')
		     ORDER BY id DESC LIMIT $3
		 ) sub ORDER BY id ASC`,
		tenantID, agentID, limit,
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
	rows, err := s.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE `+where+
			` GROUP BY event_type ORDER BY event_type`,
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
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(payload->>'model', ''),
		        COUNT(*),
		        COALESCE(SUM((payload->>'cost_usd')::DOUBLE PRECISION), 0),
		        COALESCE(SUM((payload->>'input_tokens')::BIGINT), 0),
		        COALESCE(SUM((payload->>'output_tokens')::BIGINT), 0)
		 FROM events WHERE `+where+` AND payload->>'kind' = 'llm_call'
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

	where, args := metricWhere(tenantID, f)
	n := len(args)
	q := `SELECT to_timestamp(floor(extract(epoch FROM ts) / $` + strconv.Itoa(n+1) + `) * $` + strconv.Itoa(n+1) + `),
	             COALESCE(SUM((payload->>'cost_usd')::DOUBLE PRECISION), 0),
	             COUNT(*)
	      FROM events WHERE ` + where + ` AND payload->>'kind' = 'llm_call'
	      GROUP BY 1 ORDER BY 1`
	args = append(args, bucket.Seconds())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: cost timeseries: %w", err)
	}
	defer rows.Close()

	var points []model.CostPoint
	for rows.Next() {
		var p model.CostPoint
		if err := rows.Scan(&p.Bucket, &p.USD, &p.Calls); err != nil {
			return nil, fmt.Errorf("storage: scan cost point: %w", err)
		}
		p.Bucket = p.Bucket.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

const eventColumns = `SELECT tenant_id, id, project_id, agent_id, event_type, ts, received_at, payload, test`

// eventWhere builds the shared WHERE clause with $n placeholders.
func eventWhere(tenantID uuid.UUID, f storage.EventFilter) (string, []any) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Cursor > 0 {
		add("id > $%d", f.Cursor)
	}
	if f.ProjectID != nil {
		add("project_id = $%d", *f.ProjectID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.Since != nil {
		add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("ts <= $%d", *f.Until)
	}
	if !f.IncludeTest {
		conds = append(conds, "test = FALSE")
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

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var et string
		if err := rows.Scan(
			&e.TenantID, &e.ID, &e.ProjectID, &e.AgentID, &et,
			&e.Timestamp, &e.ReceivedAt, &e.Payload, &e.Test,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.EventType = model.EventType(et)
		e.Timestamp = e.Timestamp.UTC()
		e.ReceivedAt = e.ReceivedAt.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
