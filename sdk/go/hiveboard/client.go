package hiveboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Hiveboard server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the tenant API key sent as a bearer token on every request.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Hiveboard API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("hiveboard: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hiveboard: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// Ingest submits a batch of events and returns per-event outcomes. A partial
// or fully rejected batch is NOT an error: inspect the result's Status and
// Results, and retry only the rejected subset.
func (c *Client) Ingest(ctx context.Context, env BatchEnvelope) (*IngestResult, error) {
	encoded, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/ingest", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("hiveboard: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: POST /v1/ingest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: read response body: %w", err)
	}

	// 200 (accepted), 207 (partial), and 400 with a "rejected" result all
	// carry an IngestResult. A 400 without one is a batch-level rejection.
	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
	case http.StatusBadRequest:
		var probe struct {
			Data *IngestResult `json:"data"`
		}
		if err := json.Unmarshal(bodyBytes, &probe); err != nil || probe.Data == nil || probe.Data.Status == "" {
			return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
		}
		return probe.Data, nil
	default:
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("hiveboard: decode response envelope: %w", err)
	}
	var result IngestResult
	if err := json.Unmarshal(envelope.Data, &result); err != nil {
		return nil, fmt.Errorf("hiveboard: decode ingest result: %w", err)
	}
	return &result, nil
}

// AgentOptions are optional filters for ListAgents.
type AgentOptions struct {
	ProjectID *uuid.UUID
	Type      string
	Limit     int
}

// ListAgents lists the tenant's agents with their derived statuses.
func (c *Client) ListAgents(ctx context.Context, opts *AgentOptions) ([]Agent, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ProjectID != nil {
			params.Set("project_id", opts.ProjectID.String())
		}
		if opts.Type != "" {
			params.Set("type", opts.Type)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/v1/agents"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var agents []Agent
	if err := c.get(ctx, path, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent retrieves one agent with its derived status.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// AgentPipeline retrieves an agent's derived pipeline (todos, schedule,
// issues, queue, plan progress).
func (c *Client) AgentPipeline(ctx context.Context, agentID string) (*Pipeline, error) {
	var p Pipeline
	if err := c.get(ctx, "/v1/agents/"+url.PathEscape(agentID)+"/pipeline", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TaskOptions are optional filters for ListTasks.
type TaskOptions struct {
	ProjectID *uuid.UUID
	AgentID   string
	Status    string
}

// ListTasks lists derived tasks, optionally filtered.
func (c *Client) ListTasks(ctx context.Context, opts *TaskOptions) ([]Task, error) {
	params := url.Values{}
	if opts != nil {
		if opts.ProjectID != nil {
			params.Set("project_id", opts.ProjectID.String())
		}
		if opts.AgentID != "" {
			params.Set("agent_id", opts.AgentID)
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
	}
	path := "/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var tasks []Task
	if err := c.get(ctx, path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskTimeline retrieves the ordered events of one task.
func (c *Client) TaskTimeline(ctx context.Context, taskID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/v1/tasks/"+url.PathEscape(taskID)+"/timeline", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// EventOptions are optional filters for Events.
type EventOptions struct {
	AgentID   string
	ProjectID *uuid.UUID
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Cursor    string
}

// EventsPage is one page of the event log. Cursor is the opaque token for
// the next page; an empty cursor means end of results.
type EventsPage struct {
	Events []Event
	Cursor string
}

// Events reads a page of the tenant's event log in insertion order.
func (c *Client) Events(ctx context.Context, opts *EventOptions) (*EventsPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.AgentID != "" {
			params.Set("agent_id", opts.AgentID)
		}
		if opts.ProjectID != nil {
			params.Set("project_id", opts.ProjectID.String())
		}
		if opts.EventType != "" {
			params.Set("event_type", opts.EventType)
		}
		if opts.Since != nil {
			params.Set("since", opts.Since.Format(time.RFC3339))
		}
		if opts.Until != nil {
			params.Set("until", opts.Until.Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Cursor != "" {
			params.Set("cursor", opts.Cursor)
		}
	}
	path := "/v1/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: GET /v1/events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope struct {
		Data   []Event `json:"data"`
		Cursor string  `json:"cursor"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("hiveboard: decode events page: %w", err)
	}
	return &EventsPage{Events: envelope.Data, Cursor: envelope.Cursor}, nil
}

// Metrics retrieves event counts grouped by type.
func (c *Client) Metrics(ctx context.Context) ([]MetricBucket, error) {
	var buckets []MetricBucket
	if err := c.get(ctx, "/v1/metrics", &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// Costs retrieves the tenant's aggregated LLM spend.
func (c *Client) Costs(ctx context.Context) (*CostSummary, error) {
	var summary CostSummary
	if err := c.get(ctx, "/v1/costs", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, name string) (*Project, error) {
	var project Project
	if err := c.post(ctx, "/v1/projects", map[string]string{"name": name}, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects lists the tenant's projects.
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	path := "/v1/projects"
	if includeArchived {
		path += "?include_archived=true"
	}
	var projects []Project
	if err := c.get(ctx, path, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ArchiveProject archives a project. Archived projects reject new events.
func (c *Client) ArchiveProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var project Project
	if err := c.post(ctx, "/v1/projects/"+id.String()+"/archive", nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// CreateAlertRule creates an alert rule.
func (c *Client) CreateAlertRule(ctx context.Context, req CreateAlertRuleRequest) (*AlertRule, error) {
	var rule AlertRule
	if err := c.post(ctx, "/v1/alerts/rules", req, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListAlertRules lists the tenant's alert rules.
func (c *Client) ListAlertRules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule
	if err := c.get(ctx, "/v1/alerts/rules", &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// DeleteAlertRule deletes an alert rule. Returns nil on success (204).
func (c *Client) DeleteAlertRule(ctx context.Context, id uuid.UUID) error {
	return c.doDelete(ctx, "/v1/alerts/rules/"+id.String(), nil)
}

// AlertHistory retrieves recorded firings, newest first.
func (c *Client) AlertHistory(ctx context.Context, limit int) ([]AlertFiring, error) {
	path := "/v1/alerts/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var firings []AlertFiring
	if err := c.get(ctx, path, &firings); err != nil {
		return nil, err
	}
	return firings, nil
}

// Health retrieves the server health report. No authentication required.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hiveboard: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("hiveboard: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("hiveboard: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hiveboard: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("hiveboard: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hiveboard: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("hiveboard: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content, nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("hiveboard: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
