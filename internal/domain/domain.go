package domain

// Entity kinds tracked by the mutation pipeline.
const (
	KindUserStory = "userstory"
	KindTask      = "task"
	KindIssue     = "issue"
)

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Entity is a tracked work item (user story, task or issue). Version
// increases by one on every accepted mutation and never resets.
type Entity struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	Kind             string  `json:"kind" enum:"userstory,task,issue"`
	Ref              int64   `json:"ref"`
	Subject          string  `json:"subject"`
	Status           string  `json:"status"`
	Version          int64   `json:"version"`
	OwnerID          string  `json:"owner_id"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	CustomFieldsJSON *string `json:"custom_fields_json,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
	DeletedAt        *string `json:"deleted_at,omitempty" format:"date-time"`
}

// History entry types.
const (
	HistoryCreate = "create"
	HistoryChange = "change"
	HistoryDelete = "delete"
)

// HistoryEntry is the immutable audit record of one applied mutation:
// the per-field diff, a full snapshot of the resulting state and an
// optional free-text comment.
type HistoryEntry struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	EntityID     string `json:"entity_id"`
	EntityKind   string `json:"entity_kind"`
	Type         string `json:"type" enum:"create,change,delete"`
	DiffJSON     string `json:"diff_json,omitempty"`
	SnapshotJSON string `json:"snapshot_json,omitempty"`
	Comment      string `json:"comment,omitempty"`
	ActorID      string `json:"actor_id"`
	IsHidden     bool   `json:"is_hidden"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// Event is the durable propagation record of one applied mutation.
// Exactly one row exists per accepted mutation; it is written in the
// same transaction as the entity write, and notification fan-out and
// outbound webhook delivery key off it.
type Event struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	Type       string  `json:"type"`
	ProjectID  string  `json:"project_id"`
	EntityID   string  `json:"entity_id"`
	EntityKind string  `json:"entity_kind"`
	OldStatus  string  `json:"old_status,omitempty"`
	NewStatus  string  `json:"new_status,omitempty"`
	ActorID    string  `json:"actor_id"`
	Source     string  `json:"source" enum:"api,webhook,import"`
	Payload    string  `json:"payload_json,omitempty"`
	DeletedAt  *string `json:"deleted_at,omitempty" format:"date-time"`
}

// Vote directions.
const (
	VoteUp   = "up"
	VoteDown = "down"
)

type Vote struct {
	EntityID  string `json:"entity_id"`
	ActorID   string `json:"actor_id"`
	Direction string `json:"direction" enum:"up,down"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Notification struct {
	EventID   int64  `json:"event_id"`
	ActorID   string `json:"actor_id"`
	EntityID  string `json:"entity_id"`
	Type      string `json:"type"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Delivery statuses for outbound webhook payloads.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Delivery tracks the outbound delivery of one Event to one endpoint.
type Delivery struct {
	ID            string `json:"id"`
	Endpoint      string `json:"endpoint"`
	EventID       int64  `json:"event_id"`
	Attempts      int    `json:"attempts"`
	Status        string `json:"status" enum:"pending,delivered,failed"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}
