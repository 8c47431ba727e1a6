package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"changeline/internal/config"
	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/repo"
	"changeline/internal/throttle"
	"changeline/internal/watch"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Watch  watch.Registry
	Events events.Writer
	Gate   *throttle.Gate
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Watch:  watch.Registry{DB: db},
		Events: events.Writer{DB: db},
		Gate:   throttle.NewGate(cfg.Throttle.Classes, nil),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// InitProject creates a project with its default workflow config.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// CreateOptions are parameters for creating a tracked entity.
type CreateOptions struct {
	ID           string
	ProjectID    string
	Kind         string
	Subject      string
	Status       string
	AssigneeID   string
	CustomFields map[string]any
	ActorID      string
	Source       string
}

// Create inserts a new entity at version 1, records its creation event
// and auto-subscribes the owner as a watcher.
func (e Engine) Create(ctx context.Context, opts CreateOptions) (MutationOutcome, error) {
	if e.Config == nil {
		return MutationOutcome{}, errors.New("config not loaded")
	}
	if opts.Subject == "" {
		return rejected("subject is required"), nil
	}
	switch opts.Kind {
	case domain.KindUserStory, domain.KindTask, domain.KindIssue:
	default:
		return rejected(fmt.Sprintf("unknown kind %q", opts.Kind)), nil
	}
	if opts.Source == "" {
		opts.Source = "api"
	}
	if d := e.admit(opts.ActorID, opts.Source); !d.Allowed {
		return throttled(d.RetryAfter), nil
	}
	status := opts.Status
	if status == "" {
		status = e.Config.Workflow.Default
	}
	if !e.Config.StatusKnown(status) {
		return rejected(fmt.Sprintf("status %q not in project workflow", status)), nil
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rejected(fmt.Sprintf("project %s not found", opts.ProjectID)), nil
		}
		return MutationOutcome{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	ent := domain.Entity{
		ID:        id,
		ProjectID: opts.ProjectID,
		Kind:      opts.Kind,
		Subject:   opts.Subject,
		Status:    status,
		Version:   1,
		OwnerID:   opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.AssigneeID != "" {
		ent.AssigneeID = &opts.AssigneeID
	}
	if len(opts.CustomFields) > 0 {
		data, err := json.Marshal(opts.CustomFields)
		if err != nil {
			return MutationOutcome{}, err
		}
		s := string(data)
		ent.CustomFieldsJSON = &s
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MutationOutcome{}, err
	}
	defer tx.Rollback()
	ent.Ref, err = e.Repo.NextRef(ctx, tx, opts.ProjectID, opts.Kind)
	if err != nil {
		return MutationOutcome{}, err
	}
	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		return MutationOutcome{}, fmt.Errorf("insert entity: %w", err)
	}
	eventID, err := e.Events.Append(ctx, tx, "entity.create", ent.ProjectID, ent.Kind, ent.ID,
		"", ent.Status, opts.ActorID, opts.Source, nil, events.EventPayload{"subject": ent.Subject, "ref": ent.Ref})
	if err != nil {
		return MutationOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return MutationOutcome{}, err
	}

	out := MutationOutcome{Kind: OutcomeApplied, Entity: ent, NewVersion: ent.Version, EventID: eventID}
	e.propagate(ctx, propagation{
		event:       eventID,
		eventType:   "entity.create",
		entity:      ent,
		historyType: domain.HistoryCreate,
		actorID:     opts.ActorID,
	})
	return out, nil
}

func (e Engine) admit(actorID, source string) throttle.Decision {
	if e.Gate == nil {
		return throttle.Decision{Allowed: true}
	}
	return e.Gate.Admit(throttle.ClassFor(actorID, source))
}

// propagation carries what fan-out needs after a committed mutation.
type propagation struct {
	event       int64
	eventType   string
	entity      domain.Entity
	old         *domain.Entity
	historyType string
	comment     string
	actorID     string
}

// propagate runs the post-commit fan-out: history append, watcher
// auto-subscription and notification rows. The steps are independent;
// a failure in one is logged and does not undo the others. Outbound
// webhook delivery keys off the committed event row and is handled
// asynchronously by the emitter.
func (e Engine) propagate(ctx context.Context, p propagation) {
	if err := e.appendHistory(ctx, p); err != nil {
		e.logger().Printf("propagate: history for entity %s: %v", p.entity.ID, err)
	}
	if err := e.notifyWatchers(ctx, p); err != nil {
		e.logger().Printf("propagate: notify for entity %s: %v", p.entity.ID, err)
	}
}

func (e Engine) appendHistory(ctx context.Context, p propagation) error {
	snapshot, err := json.Marshal(p.entity)
	if err != nil {
		return err
	}
	var diffJSON string
	if p.old != nil {
		diff := diffEntities(*p.old, p.entity)
		if len(diff) > 0 {
			data, err := json.Marshal(diff)
			if err != nil {
				return err
			}
			diffJSON = string(data)
		}
	}
	return e.Repo.InsertHistory(ctx, domain.HistoryEntry{
		ID:           uuid.NewString(),
		ProjectID:    p.entity.ProjectID,
		EntityID:     p.entity.ID,
		EntityKind:   p.entity.Kind,
		Type:         p.historyType,
		DiffJSON:     diffJSON,
		SnapshotJSON: string(snapshot),
		Comment:      p.comment,
		ActorID:      p.actorID,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	})
}

func (e Engine) notifyWatchers(ctx context.Context, p propagation) error {
	if p.comment != "" {
		if err := e.Watch.RecordComment(ctx, p.entity.ID, p.entity.OwnerID, p.actorID); err != nil {
			return err
		}
	} else if err := e.Watch.AddWatcher(ctx, p.entity.ID, p.actorID); err != nil {
		return err
	}
	watchers, err := e.Watch.ListWatchers(ctx, p.entity.ID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	for _, actor := range watchers {
		if actor == p.actorID {
			continue
		}
		if err := e.Repo.InsertNotification(ctx, domain.Notification{
			EventID:   p.event,
			ActorID:   actor,
			EntityID:  p.entity.ID,
			Type:      p.eventType,
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// diffEntities returns changed fields as {field: [old, new]} pairs.
func diffEntities(old, cur domain.Entity) map[string][2]any {
	diff := map[string][2]any{}
	if old.Subject != cur.Subject {
		diff["subject"] = [2]any{old.Subject, cur.Subject}
	}
	if old.Status != cur.Status {
		diff["status"] = [2]any{old.Status, cur.Status}
	}
	if !strPtrEqual(old.AssigneeID, cur.AssigneeID) {
		diff["assignee_id"] = [2]any{strPtrVal(old.AssigneeID), strPtrVal(cur.AssigneeID)}
	}
	if !strPtrEqual(old.CustomFieldsJSON, cur.CustomFieldsJSON) {
		diff["custom_fields"] = [2]any{strPtrVal(old.CustomFieldsJSON), strPtrVal(cur.CustomFieldsJSON)}
	}
	if !strPtrEqual(old.DeletedAt, cur.DeletedAt) {
		diff["deleted_at"] = [2]any{strPtrVal(old.DeletedAt), strPtrVal(cur.DeletedAt)}
	}
	return diff
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrVal(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
