package actionlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Actionline HTTP API client.
type Client struct {
	BaseURL     string
	ContextID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, contextID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ContextID: contextID,
		Timeout:   10 * time.Second,
	}
}

// Action represents the API action model.
type Action struct {
	ID             string         `json:"id"`
	ContextID      string         `json:"context_id"`
	ContextType    string         `json:"context_type"`
	ParentActionID string         `json:"parent_action_id,omitempty"`
	Type           string         `json:"type"`
	FieldBindings  []FieldBinding `json:"field_bindings,omitempty"`
	CreatedAt      string         `json:"created_at"`
}

// FieldBinding declares a field the action may carry values for.
type FieldBinding struct {
	FieldKey string          `json:"field_key"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID          int64           `json:"id"`
	ContextID   string          `json:"context_id"`
	ContextType string          `json:"context_type"`
	ActionID    string          `json:"action_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	OccurredAt  string          `json:"occurred_at"`
}

// Reference represents a link from an action to a source record.
type Reference struct {
	ID             string          `json:"id"`
	ActionID       string          `json:"action_id"`
	SourceRecordID string          `json:"source_record_id"`
	TargetFieldKey string          `json:"target_field_key,omitempty"`
	Mode           string          `json:"mode"`
	Snapshot       json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

// Resolution is the read-time value of a reference.
type Resolution struct {
	ReferenceID string          `json:"reference_id"`
	Value       json.RawMessage `json:"value"`
	Label       string          `json:"label,omitempty"`
	Status      string          `json:"status"`
	Drift       bool            `json:"drift"`
}

// Record represents a source record.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Label     string          `json:"label,omitempty"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// ComposeRequest is the composition payload.
type ComposeRequest struct {
	Action      ComposeAction  `json:"action"`
	FieldValues []FieldValue   `json:"field_values,omitempty"`
	ExtraEvents []ExtraEvent   `json:"extra_events,omitempty"`
	References  []ReferenceReq `json:"references,omitempty"`
}

type ComposeAction struct {
	ContextType    string         `json:"context_type"`
	ParentActionID string         `json:"parent_action_id,omitempty"`
	Type           string         `json:"type"`
	FieldBindings  []FieldBinding `json:"field_bindings,omitempty"`
}

type FieldValue struct {
	FieldName string          `json:"field_name"`
	Value     json.RawMessage `json:"value,omitempty"`
}

type ExtraEvent struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ReferenceReq struct {
	SourceRecordID string `json:"source_record_id"`
	TargetFieldKey string `json:"target_field_key,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// ComposeResult bundles everything a composition created.
type ComposeResult struct {
	Action     Action      `json:"action"`
	Events     []Event     `json:"events"`
	References []Reference `json:"references,omitempty"`
}

// ActionDetail is an action with its events and references.
type ActionDetail struct {
	Action     Action      `json:"action"`
	Events     []Event     `json:"events"`
	References []Reference `json:"references,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Compose creates an action with its events and references in one call.
func (c *Client) Compose(ctx context.Context, req ComposeRequest) (ComposeResult, error) {
	var resp ComposeResult
	err := c.do(ctx, http.MethodPost, c.contextPath("compose"), req, &resp)
	return resp, err
}

// GetAction fetches an action with its events and references.
func (c *Client) GetAction(ctx context.Context, id string) (ActionDetail, error) {
	var resp ActionDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/actions/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// References lists references of an action.
func (c *Client) References(ctx context.Context, actionID string) ([]Reference, error) {
	var resp []Reference
	endpoint := fmt.Sprintf("v0/actions/%s/references", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddReferences attaches references to an existing action.
func (c *Client) AddReferences(ctx context.Context, actionID string, refs []ReferenceReq) ([]Reference, error) {
	body := map[string]any{"references": refs}
	var resp []Reference
	endpoint := fmt.Sprintf("v0/actions/%s/references", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Resolve resolves a reference to its current value.
func (c *Client) Resolve(ctx context.Context, referenceID string) (Resolution, error) {
	var resp Resolution
	endpoint := fmt.Sprintf("v0/references/%s/resolve", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ToggleMode flips a reference between static and dynamic. Pass an empty mode
// to flip, or name the target mode explicitly.
func (c *Client) ToggleMode(ctx context.Context, referenceID, mode string) (Reference, error) {
	body := map[string]any{}
	if mode != "" {
		body["mode"] = mode
	}
	var resp Reference
	endpoint := fmt.Sprintf("v0/references/%s/toggle", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetSnapshot replaces the stored snapshot of a reference.
func (c *Client) SetSnapshot(ctx context.Context, referenceID string, value json.RawMessage) (Reference, error) {
	body := map[string]any{"value": value}
	var resp Reference
	endpoint := fmt.Sprintf("v0/references/%s/snapshot", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// DeleteReference removes a reference. The record it pointed at is untouched.
func (c *Client) DeleteReference(ctx context.Context, referenceID string) error {
	endpoint := fmt.Sprintf("v0/references/%s", url.PathEscape(referenceID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// PutRecord creates or updates a source record.
func (c *Client) PutRecord(ctx context.Context, id, kind, label string, fields json.RawMessage) (Record, error) {
	body := map[string]any{
		"kind":   kind,
		"label":  label,
		"fields": fields,
	}
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// GetRecord fetches a source record.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordLinks lists references pointing at a record.
func (c *Client) RecordLinks(ctx context.Context, id string) ([]Reference, error) {
	var resp []Reference
	endpoint := fmt.Sprintf("v0/records/%s/links", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events in the client's context.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.contextPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) contextPath(p string) string {
	contextID := url.PathEscape(c.ContextID)
	return fmt.Sprintf("v0/contexts/%s/%s", contextID, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
