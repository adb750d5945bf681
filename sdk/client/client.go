package client

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
)

// Client is a minimal HTTP client for the API gateway.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Page is a cursor-paginated gateway response. Items are left raw so each
// command can decode only the fields it prints.
type Page struct {
	Items      json.RawMessage `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Scope narrows a request to a tenant and optionally one facility.
type Scope struct {
	Tenant   string `json:"tenant,omitempty"`
	Facility string `json:"facility,omitempty"`
}

// TimeRange bounds a report window.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// SubmitReportRequest mirrors the gateway report submit payload.
type SubmitReportRequest struct {
	Scope    Scope     `json:"scope,omitempty"`
	Category string    `json:"category"`
	Range    TimeRange `json:"range,omitempty"`
	Preset   string    `json:"preset,omitempty"`
	Format   string    `json:"format,omitempty"`
}

// TaskOpRequest carries the optional fields of a task lifecycle post.
type TaskOpRequest struct {
	Assignee string `json:"assignee,omitempty"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ListOptions are shared query parameters for paginated list endpoints.
type ListOptions struct {
	Tenant   string
	Facility string
	Cursor   string
	Limit    int
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Tenant != "" {
		v.Set("tenant", o.Tenant)
	}
	if o.Facility != "" {
		v.Set("facility", o.Facility)
	}
	if o.Cursor != "" {
		v.Set("cursor", o.Cursor)
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	return v
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// doRaw fetches a response body verbatim, for exports that are not JSON.
func (c *Client) doRaw(ctx context.Context, path string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return nil, "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// GetStatus fetches the gateway status snapshot.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPhases fetches the phase registry snapshot.
func (c *Client) GetPhases(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/phases", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecords lists aggregated records, optionally filtered by phase.
func (c *Client) ListRecords(ctx context.Context, phase string, opts ListOptions) (*Page, error) {
	v := opts.values()
	if phase != "" {
		v.Set("phase", phase)
	}
	return c.getPage(ctx, "/api/v1/records", v)
}

// GetRecord fetches one record; raw returns the unprocessed upstream body.
func (c *Client) GetRecord(ctx context.Context, id string, raw bool) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("record id required")
	}
	path := "/api/v1/records/" + url.PathEscape(id)
	if raw {
		path += "?raw=true"
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitReport requests a report and returns the accepted request ID.
func (c *Client) SubmitReport(ctx context.Context, req *SubmitReportRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/reports", req, &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

// ListReports lists archived bundle metadata, newest first.
func (c *Client) ListReports(ctx context.Context, category string, opts ListOptions) (*Page, error) {
	v := opts.values()
	if category != "" {
		v.Set("category", category)
	}
	return c.getPage(ctx, "/api/v1/reports", v)
}

// GetReport fetches an archived bundle by ID.
func (c *Client) GetReport(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("bundle id required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/reports/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportReport fetches a bundle rendered in the given format.
func (c *Client) ExportReport(ctx context.Context, id, format string) ([]byte, string, error) {
	if id == "" {
		return nil, "", fmt.Errorf("bundle id required")
	}
	path := "/api/v1/reports/" + url.PathEscape(id) + "/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	return c.doRaw(ctx, path)
}

// ListTasks lists action tasks, optionally filtered by state.
func (c *Client) ListTasks(ctx context.Context, state string, opts ListOptions) (*Page, error) {
	v := opts.values()
	if state != "" {
		v.Set("state", state)
	}
	return c.getPage(ctx, "/api/v1/tasks", v)
}

// GetTask fetches one task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("task id required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskEvents fetches the lifecycle history of a task.
func (c *Client) TaskEvents(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("task id required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskOp posts a lifecycle operation. The gateway accepts it asynchronously;
// the returned status is "accepted", not the new task state.
func (c *Client) TaskOp(ctx context.Context, id, op string, req *TaskOpRequest) error {
	if id == "" {
		return fmt.Errorf("task id required")
	}
	if op == "" {
		return fmt.Errorf("task op required")
	}
	path := "/api/v1/tasks/" + url.PathEscape(id) + "/" + url.PathEscape(op)
	return c.doJSON(ctx, http.MethodPost, path, req, nil)
}

// QueryAudit lists audit trail entries matching the filter.
func (c *Client) QueryAudit(ctx context.Context, category, outcome string, opts ListOptions) (*Page, error) {
	v := opts.values()
	if category != "" {
		v.Set("category", category)
	}
	if outcome != "" {
		v.Set("outcome", outcome)
	}
	return c.getPage(ctx, "/api/v1/audit", v)
}

// AuditStats fetches per-category counts over a window such as "24h".
func (c *Client) AuditStats(ctx context.Context, window string) (map[string]any, error) {
	path := "/api/v1/audit/stats"
	if window != "" {
		path += "?window=" + url.QueryEscape(window)
	}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EvaluatePolicy runs an access check and records the decision in the audit
// trail. Simulate runs the same check without recording it.
func (c *Client) EvaluatePolicy(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return c.policyCheck(ctx, "/api/v1/policy/evaluate", input)
}

// SimulatePolicy runs an access check without audit side effects.
func (c *Client) SimulatePolicy(ctx context.Context, input json.RawMessage) (map[string]any, error) {
	return c.policyCheck(ctx, "/api/v1/policy/simulate", input)
}

func (c *Client) policyCheck(ctx context.Context, path string, input json.RawMessage) (map[string]any, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("policy input required")
	}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, path, input, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PolicyRules fetches the active rule and grant set.
func (c *Client) PolicyRules(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/policy/rules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSchema registers or replaces a phase payload schema.
func (c *Client) RegisterSchema(ctx context.Context, id string, schema json.RawMessage) error {
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	body := map[string]any{"id": id, "schema": schema}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/schemas", body, nil)
}

// ListSchemas lists registered schema IDs.
func (c *Client) ListSchemas(ctx context.Context) (*Page, error) {
	return c.getPage(ctx, "/api/v1/schemas", nil)
}

// GetSchema fetches a schema document by ID.
func (c *Client) GetSchema(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("schema id required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schemas/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSchema removes a schema by ID.
func (c *Client) DeleteSchema(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/schemas/"+url.PathEscape(id), nil, nil)
}

// ListQuarantine lists quarantined records.
func (c *Client) ListQuarantine(ctx context.Context, opts ListOptions) (*Page, error) {
	return c.getPage(ctx, "/api/v1/quarantine", opts.values())
}

// RetryQuarantine resubmits a quarantined record through ingest.
func (c *Client) RetryQuarantine(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("quarantine id required")
	}
	var resp struct {
		EnvelopeID string `json:"envelope_id"`
	}
	path := "/api/v1/quarantine/" + url.PathEscape(id) + "/retry"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.EnvelopeID, nil
}

// DeleteQuarantine discards a quarantined record.
func (c *Client) DeleteQuarantine(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("quarantine id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/quarantine/"+url.PathEscape(id), nil, nil)
}

// ListSchedules lists recurring report schedules.
func (c *Client) ListSchedules(ctx context.Context, opts ListOptions) (*Page, error) {
	return c.getPage(ctx, "/api/v1/schedules", opts.values())
}

// UpsertSchedule creates or replaces a report schedule from raw JSON.
func (c *Client) UpsertSchedule(ctx context.Context, schedule json.RawMessage) (json.RawMessage, error) {
	if len(schedule) == 0 {
		return nil, fmt.Errorf("schedule required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/schedules", schedule, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSchedule fetches a schedule by ID.
func (c *Client) GetSchedule(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("schedule id required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/schedules/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSchedule removes a schedule by ID.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("schedule id required")
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/schedules/"+url.PathEscape(id), nil, nil)
}

// EffectiveSettings fetches the merged settings for a tenant or facility.
func (c *Client) EffectiveSettings(ctx context.Context, tenant, facility string) (map[string]any, error) {
	v := url.Values{}
	if tenant != "" {
		v.Set("tenant", tenant)
	}
	if facility != "" {
		v.Set("facility", facility)
	}
	path := "/api/v1/settings/effective"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetSettings writes a settings document at its declared scope.
func (c *Client) SetSettings(ctx context.Context, doc json.RawMessage) (json.RawMessage, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("settings document required")
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/settings", doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getPage(ctx context.Context, path string, v url.Values) (*Page, error) {
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page Page
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
