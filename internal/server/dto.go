package server

import (
	"encoding/base64"
	"fmt"
	"strings"

	"changeline/internal/domain"
)

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ProjectResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{ID: p.ID, Name: p.Name, CreatedAt: p.CreatedAt}
}

type CreateEntityRequest struct {
	ID           string         `json:"id,omitempty"`
	Kind         string         `json:"kind" enum:"userstory,task,issue"`
	Subject      string         `json:"subject"`
	Status       string         `json:"status,omitempty"`
	AssigneeID   string         `json:"assignee_id,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// UpdateEntityRequest carries the field delta plus the version the
// client last observed. The version is mandatory: the server never
// guesses what state an edit was based on.
type UpdateEntityRequest struct {
	Version      int64   `json:"version"`
	Subject      *string `json:"subject,omitempty"`
	Status       *string `json:"status,omitempty"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	CustomFields *string `json:"custom_fields,omitempty"`
	Comment      string  `json:"comment,omitempty"`
}

type EntityResponse struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Kind         string  `json:"kind"`
	Ref          int64   `json:"ref"`
	Subject      string  `json:"subject"`
	Status       string  `json:"status"`
	Version      int64   `json:"version"`
	OwnerID      string  `json:"owner_id"`
	AssigneeID   *string `json:"assignee_id,omitempty"`
	CustomFields *string `json:"custom_fields,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
	DeletedAt    *string `json:"deleted_at,omitempty"`
	VotesCount   int     `json:"votes_count"`
	IsWatching   bool    `json:"is_watching"`
}

func entityResponse(e domain.Entity) EntityResponse {
	return EntityResponse{
		ID:           e.ID,
		ProjectID:    e.ProjectID,
		Kind:         e.Kind,
		Ref:          e.Ref,
		Subject:      e.Subject,
		Status:       e.Status,
		Version:      e.Version,
		OwnerID:      e.OwnerID,
		AssigneeID:   e.AssigneeID,
		CustomFields: e.CustomFieldsJSON,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    e.UpdatedAt,
		DeletedAt:    e.DeletedAt,
	}
}

func mapEntities(items []domain.Entity) []EntityResponse {
	res := make([]EntityResponse, 0, len(items))
	for _, e := range items {
		res = append(res, entityResponse(e))
	}
	return res
}

type paginatedEntities struct {
	Items      []EntityResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Diff      string `json:"diff,omitempty"`
	Snapshot  string `json:"snapshot,omitempty"`
	Comment   string `json:"comment,omitempty"`
	ActorID   string `json:"actor_id"`
	IsHidden  bool   `json:"is_hidden"`
	CreatedAt string `json:"created_at"`
}

func historyResponse(h domain.HistoryEntry) HistoryResponse {
	return HistoryResponse{
		ID:        h.ID,
		Type:      h.Type,
		Diff:      h.DiffJSON,
		Snapshot:  h.SnapshotJSON,
		Comment:   h.Comment,
		ActorID:   h.ActorID,
		IsHidden:  h.IsHidden,
		CreatedAt: h.CreatedAt,
	}
}

type EventResponse struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts"`
	Type       string  `json:"type"`
	EntityID   string  `json:"entity_id"`
	EntityKind string  `json:"entity_kind"`
	OldStatus  string  `json:"old_status,omitempty"`
	NewStatus  string  `json:"new_status,omitempty"`
	ActorID    string  `json:"actor_id"`
	Source     string  `json:"source"`
	Payload    string  `json:"payload,omitempty"`
	DeletedAt  *string `json:"deleted_at,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityID:   e.EntityID,
		EntityKind: e.EntityKind,
		OldStatus:  e.OldStatus,
		NewStatus:  e.NewStatus,
		ActorID:    e.ActorID,
		Source:     e.Source,
		Payload:    e.Payload,
		DeletedAt:  e.DeletedAt,
	}
}

type VoteRequest struct {
	Direction string `json:"direction" enum:"up,down"`
}

type VoteResponse struct {
	ActorID   string `json:"actor_id"`
	Direction string `json:"direction"`
}

type NotificationResponse struct {
	EventID   int64  `json:"event_id"`
	EntityID  string `json:"entity_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
}

type DeliveryResponse struct {
	ID            string `json:"id"`
	Endpoint      string `json:"endpoint"`
	EventID       int64  `json:"event_id"`
	Attempts      int    `json:"attempts"`
	Status        string `json:"status"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

func deliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:            d.ID,
		Endpoint:      d.Endpoint,
		EventID:       d.EventID,
		Attempts:      d.Attempts,
		Status:        d.Status,
		LastError:     d.LastError,
		NextAttemptAt: d.NextAttemptAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(createdAt + "|" + id))
}

func parseCompositeCursor(cursor string) (createdAt, id string, err error) {
	if cursor == "" {
		return "", "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
