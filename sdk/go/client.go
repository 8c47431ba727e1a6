package changelinesdk

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

// Client is a minimal Changeline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Entity represents the API entity model.
type Entity struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Kind       string  `json:"kind"`
	Ref        int64   `json:"ref"`
	Subject    string  `json:"subject"`
	Status     string  `json:"status"`
	Version    int64   `json:"version"`
	OwnerID    string  `json:"owner_id"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DeletedAt  *string `json:"deleted_at,omitempty"`
	VotesCount int     `json:"votes_count"`
	IsWatching bool    `json:"is_watching"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	OldStatus  string `json:"old_status,omitempty"`
	NewStatus  string `json:"new_status,omitempty"`
	ActorID    string `json:"actor_id"`
	Source     string `json:"source"`
	Payload    string `json:"payload,omitempty"`
}

// EntityUpdate carries the fields of a versioned update. Version is the
// entity version the caller last read and is required; nil fields are
// left unchanged.
type EntityUpdate struct {
	Version      int64   `json:"version"`
	Subject      *string `json:"subject,omitempty"`
	Status       *string `json:"status,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	CustomFields *string `json:"custom_fields,omitempty"`
	Comment      string  `json:"comment,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether the error is a version conflict. The
// response body carries the current version and entity state.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// PaginatedEntities wraps entity listings with cursors.
type PaginatedEntities struct {
	Items      []Entity `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// CreateEntity creates an entity.
func (c *Client) CreateEntity(ctx context.Context, kind, subject string) (Entity, error) {
	body := map[string]any{
		"kind":    kind,
		"subject": subject,
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.projectPath("entities"), body, &resp)
	return resp, err
}

// GetEntity fetches an entity by id.
func (c *Client) GetEntity(ctx context.Context, id string) (Entity, error) {
	var resp Entity
	endpoint := c.projectPath(fmt.Sprintf("entities/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateEntity applies a versioned update. On a stale version the error
// is an *APIError with IsConflict() true; re-read and retry with the
// current version.
func (c *Client) UpdateEntity(ctx context.Context, id string, update EntityUpdate) (Entity, error) {
	var resp Entity
	endpoint := c.projectPath(fmt.Sprintf("entities/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, update, &resp)
	return resp, err
}

// DeleteEntity soft-deletes an entity at the given version.
func (c *Client) DeleteEntity(ctx context.Context, id string, version int64) (Entity, error) {
	var resp Entity
	endpoint := c.projectPath(fmt.Sprintf("entities/%s?version=%d", url.PathEscape(id), version))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// ListEntities returns one page of entities.
func (c *Client) ListEntities(ctx context.Context, kind, status string, limit int, cursor string) (PaginatedEntities, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("entities")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp PaginatedEntities
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Watch subscribes the authenticated actor to an entity.
func (c *Client) Watch(ctx context.Context, id string) error {
	endpoint := c.projectPath(fmt.Sprintf("entities/%s/watch", url.PathEscape(id)))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Unwatch removes the subscription.
func (c *Client) Unwatch(ctx context.Context, id string) error {
	endpoint := c.projectPath(fmt.Sprintf("entities/%s/watch", url.PathEscape(id)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Vote records an up or down vote.
func (c *Client) Vote(ctx context.Context, id, direction string) error {
	endpoint := c.projectPath(fmt.Sprintf("entities/%s/vote", url.PathEscape(id)))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"direction": direction}, nil)
}

// Star stars the project for the authenticated actor.
func (c *Client) Star(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.projectPath("star"), nil, nil)
}

// Unstar removes the star.
func (c *Client) Unstar(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("star"), nil, nil)
}

// Events returns events after the given cursor id. A zero cursor
// returns the most recent events.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := c.projectPath("events")
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp []Event
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
