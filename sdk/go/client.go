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
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Action represents the projected action state.
type Action struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	ContextID      string         `json:"context_id"`
	ContextType    string         `json:"context_type"`
	ParentActionID *string        `json:"parent_action_id,omitempty"`
	FieldBindings  []string       `json:"field_bindings,omitempty"`
	FieldValues    map[string]any `json:"field_values"`
	Status         string         `json:"status,omitempty"`
	References     []Reference    `json:"references,omitempty"`
	Retracted      bool           `json:"retracted"`
	EventCount     int            `json:"event_count"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Reference is one resolved link slot on an action.
type Reference struct {
	ID             string `json:"id"`
	TargetFieldKey string `json:"target_field_key"`
	SourceRecordID string `json:"source_record_id"`
	SourceFieldKey string `json:"source_field_key,omitempty"`
	Mode           string `json:"mode"`
	SnapshotValue  any    `json:"snapshot_value,omitempty"`
	Multiple       bool   `json:"multiple,omitempty"`
}

// Event is one log entry in an action's history.
type Event struct {
	ActionID    string `json:"action_id"`
	Sequence    int64  `json:"sequence"`
	Type        string `json:"type"`
	ContextID   string `json:"context_id"`
	ContextType string `json:"context_type"`
	OccurredAt  string `json:"occurred_at"`
	Payload     any    `json:"payload"`
}

// Resolved is the outcome of resolving one reference.
type Resolved struct {
	Value any    `json:"value"`
	Mode  string `json:"mode"`
	Stale bool   `json:"stale"`
}

// Drift reports snapshot divergence for a static reference.
type Drift struct {
	Drift         bool `json:"drift"`
	LiveValue     any  `json:"live_value"`
	SnapshotValue any  `json:"snapshot_value"`
}

// Record is a source document referenced by actions.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updated_at"`
}

// FieldValue pairs a field key with its recorded value.
type FieldValue struct {
	FieldName string `json:"field_name"`
	Value     any    `json:"value"`
}

// ReferenceInput declares one reference on compose or amend.
type ReferenceInput struct {
	SourceRecordID string `json:"source_record_id"`
	SourceFieldKey string `json:"source_field_key,omitempty"`
	TargetFieldKey string `json:"target_field_key"`
	Mode           string `json:"mode,omitempty"`
}

// ComposeRequest declares a new action.
type ComposeRequest struct {
	ContextID      string           `json:"context_id"`
	ContextType    string           `json:"context_type"`
	Type           string           `json:"type"`
	FieldBindings  []string         `json:"field_bindings,omitempty"`
	FieldValues    []FieldValue     `json:"field_values,omitempty"`
	References     []ReferenceInput `json:"references,omitempty"`
	ParentActionID *string          `json:"parent_action_id,omitempty"`
}

// AmendRequest appends field values or references to an action.
type AmendRequest struct {
	BaseSequence int64            `json:"base_sequence,omitempty"`
	FieldValues  []FieldValue     `json:"field_values,omitempty"`
	References   []ReferenceInput `json:"references,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Compose declares a new action.
func (c *Client) Compose(ctx context.Context, req ComposeRequest) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", req, &resp)
	return resp, err
}

// GetAction fetches the projected state of an action.
func (c *Client) GetAction(ctx context.Context, actionID string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Amend appends new field values or references to an action.
func (c *Client) Amend(ctx context.Context, actionID string, req AmendRequest) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/amend", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, req, &resp)
	return resp, err
}

// History returns the ordered event history of an action.
func (c *Client) History(ctx context.Context, actionID string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v0/actions/%s/events", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStatus records a status change.
func (c *Client) SetStatus(ctx context.Context, actionID, status string) (Action, error) {
	body := map[string]any{
		"type":    "action.status.changed",
		"payload": map[string]any{"status": status},
	}
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/events", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Retract marks an action retracted.
func (c *Client) Retract(ctx context.Context, actionID string) (Action, error) {
	body := map[string]any{
		"type":    "action.retracted",
		"payload": map[string]any{},
	}
	var resp Action
	endpoint := fmt.Sprintf("v0/actions/%s/events", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ResolveReference resolves one reference to its current value.
func (c *Client) ResolveReference(ctx context.Context, referenceID string) (Resolved, error) {
	var resp struct {
		Resolved Resolved `json:"resolved"`
	}
	endpoint := fmt.Sprintf("v0/references/%s/resolve", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Resolved, err
}

// ResolveBatch resolves many references in one round trip.
func (c *Client) ResolveBatch(ctx context.Context, referenceIDs []string) (map[string]Resolved, error) {
	body := map[string]any{"reference_ids": referenceIDs}
	var resp map[string]Resolved
	err := c.do(ctx, http.MethodPost, "v0/references/resolve", body, &resp)
	return resp, err
}

// CheckDrift reports snapshot drift for a static reference.
func (c *Client) CheckDrift(ctx context.Context, referenceID string) (Drift, error) {
	var resp Drift
	endpoint := fmt.Sprintf("v0/references/%s/drift", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetReferenceMode converts a reference between static and dynamic.
func (c *Client) SetReferenceMode(ctx context.Context, referenceID, mode string) (Reference, error) {
	body := map[string]any{"mode": mode}
	var resp Reference
	endpoint := fmt.Sprintf("v0/references/%s/mode", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// OverwriteSnapshot replaces a static reference snapshot with a new value.
func (c *Client) OverwriteSnapshot(ctx context.Context, referenceID string, value any) (Reference, error) {
	body := map[string]any{"value": value}
	var resp Reference
	endpoint := fmt.Sprintf("v0/references/%s/snapshot", url.PathEscape(referenceID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// PutRecord creates or replaces a record.
func (c *Client) PutRecord(ctx context.Context, recordID string, fields map[string]any) (Record, error) {
	body := map[string]any{"fields": fields}
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(recordID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// GetRecord fetches a record by id.
func (c *Client) GetRecord(ctx context.Context, recordID string) (Record, error) {
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(recordID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetRecordField sets one field on a record.
func (c *Client) SetRecordField(ctx context.Context, recordID, fieldKey string, value any) (Record, error) {
	body := map[string]any{"value": value}
	var resp Record
	endpoint := fmt.Sprintf("v0/records/%s/fields/%s", url.PathEscape(recordID), url.PathEscape(fieldKey))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// DeleteRecord removes a record. Static snapshots pointing at it survive.
func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	endpoint := fmt.Sprintf("v0/records/%s", url.PathEscape(recordID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
