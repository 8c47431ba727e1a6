package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"changeline/internal/config"
	"changeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES (?,?,?)`,
		p.ID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- versioned entity store ---

const entityColumns = `id,project_id,kind,ref,subject,status,version,owner_id,assignee_id,custom_fields_json,created_at,updated_at,deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var e domain.Entity
	var assignee, customFields, deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Ref, &e.Subject, &e.Status, &e.Version,
		&e.OwnerID, &assignee, &customFields, &e.CreatedAt, &e.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if assignee.Valid {
		e.AssigneeID = &assignee.String
	}
	if customFields.Valid {
		e.CustomFieldsJSON = &customFields.String
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.String
	}
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Kind, e.Ref, e.Subject, e.Status, e.Version, e.OwnerID,
		nullableStringPtr(e.AssigneeID), nullableStringPtr(e.CustomFieldsJSON),
		e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.DeletedAt))
	return err
}

// GetEntity reads the current state and version snapshot of an entity.
func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	return scanEntity(tx.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
}

// GetEntityByRef resolves a commit-message reference like US#12.
func (r Repo) GetEntityByRef(ctx context.Context, projectID, kind string, ref int64) (domain.Entity, error) {
	return scanEntity(r.DB.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE project_id=? AND kind=? AND ref=? AND deleted_at IS NULL`,
		projectID, kind, ref))
}

// NextRef allocates the next per-project per-kind reference number.
func (r Repo) NextRef(ctx context.Context, tx *sql.Tx, projectID, kind string) (int64, error) {
	var ref int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ref),0)+1 FROM entities WHERE project_id=? AND kind=?`,
		projectID, kind).Scan(&ref)
	return ref, err
}

// UpdateEntityVersioned is the store's conditional write: it persists the
// new state and bumps the version only if the row still carries the
// expected version. A false return with nil error means a concurrent
// writer won the race; the caller must re-read and decide.
func (r Repo) UpdateEntityVersioned(ctx context.Context, tx *sql.Tx, e domain.Entity, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE entities
SET subject=?, status=?, assignee_id=?, custom_fields_json=?, updated_at=?, deleted_at=?, version=version+1
WHERE id=? AND version=?`,
		e.Subject, e.Status, nullableStringPtr(e.AssigneeID), nullableStringPtr(e.CustomFieldsJSON),
		e.UpdatedAt, nullableStringPtr(e.DeletedAt), e.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type EntityFilters struct {
	ProjectID       string
	Kind            string
	Status          string
	AssigneeID      string
	IncludeDeleted  bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + entityColumns + ` FROM entities ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// --- history ---

func (r Repo) InsertHistory(ctx context.Context, h domain.HistoryEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO history(id,project_id,entity_id,entity_kind,type,diff_json,snapshot_json,comment,actor_id,is_hidden,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, h.EntityID, h.EntityKind, h.Type, nullable(h.DiffJSON), nullable(h.SnapshotJSON),
		h.Comment, h.ActorID, boolToInt(h.IsHidden), h.CreatedAt)
	return err
}

func (r Repo) ListHistory(ctx context.Context, entityID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,entity_id,entity_kind,type,diff_json,snapshot_json,comment,actor_id,is_hidden,created_at
FROM history WHERE entity_id=? ORDER BY created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		var diff, snapshot sql.NullString
		var hidden int
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.EntityID, &h.EntityKind, &h.Type, &diff, &snapshot,
			&h.Comment, &h.ActorID, &hidden, &h.CreatedAt); err != nil {
			return nil, err
		}
		if diff.Valid {
			h.DiffJSON = diff.String
		}
		if snapshot.Valid {
			h.SnapshotJSON = snapshot.String
		}
		h.IsHidden = hidden != 0
		res = append(res, h)
	}
	return res, nil
}

// --- propagation events ---

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var payload, deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityID, &e.EntityKind,
		&e.OldStatus, &e.NewStatus, &e.ActorID, &e.Source, &payload, &deletedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	if deletedAt.Valid {
		e.DeletedAt = &deletedAt.String
	}
	return e, nil
}

const eventColumns = `id,ts,type,project_id,entity_id,entity_kind,old_status,new_status,actor_id,source,payload_json,deleted_at`

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- notifications ---

// InsertNotification is idempotent under redelivery: the (event, actor)
// pair is the primary key, so re-running fan-out for an event never
// duplicates a row.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(event_id,actor_id,entity_id,type,created_at)
VALUES (?,?,?,?,?)`, n.EventID, n.ActorID, n.EntityID, n.Type, n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, actorID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id,actor_id,entity_id,type,created_at FROM notifications
WHERE actor_id=? ORDER BY created_at DESC, event_id DESC LIMIT ?`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.EventID, &n.ActorID, &n.EntityID, &n.Type, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

// --- outbound deliveries ---

func (r Repo) UpsertDelivery(ctx context.Context, d domain.Delivery) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deliveries(id,endpoint,event_id,attempts,status,last_error,next_attempt_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(endpoint,event_id) DO UPDATE SET attempts=excluded.attempts, status=excluded.status,
last_error=excluded.last_error, next_attempt_at=excluded.next_attempt_at, updated_at=excluded.updated_at`,
		d.ID, d.Endpoint, d.EventID, d.Attempts, d.Status, d.LastError, d.NextAttemptAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDelivery(ctx context.Context, endpoint string, eventID int64) (domain.Delivery, error) {
	var d domain.Delivery
	err := r.DB.QueryRowContext(ctx, `SELECT id,endpoint,event_id,attempts,status,last_error,next_attempt_at,updated_at
FROM deliveries WHERE endpoint=? AND event_id=?`, endpoint, eventID).
		Scan(&d.ID, &d.Endpoint, &d.EventID, &d.Attempts, &d.Status, &d.LastError, &d.NextAttemptAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListDeliveries(ctx context.Context, status string, limit int) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,endpoint,event_id,attempts,status,last_error,next_attempt_at,updated_at FROM deliveries ` +
		where + ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.ID, &d.Endpoint, &d.EventID, &d.Attempts, &d.Status, &d.LastError, &d.NextAttemptAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
