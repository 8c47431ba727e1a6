package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"changeline/internal/db"
	"changeline/internal/domain"
	"changeline/internal/migrate"
	"changeline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedProject(t *testing.T, r repo.Repo, ctx context.Context, id string) {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	p := domain.Project{ID: id, Name: id, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedEntity(t *testing.T, r repo.Repo, ctx context.Context, id, projectID, kind string, createdAt string) domain.Entity {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	ref, err := r.NextRef(ctx, tx, projectID, kind)
	if err != nil {
		t.Fatalf("next ref: %v", err)
	}
	e := domain.Entity{
		ID:        id,
		ProjectID: projectID,
		Kind:      kind,
		Ref:       ref,
		Subject:   "subject " + id,
		Status:    "new",
		Version:   1,
		OwnerID:   "alice",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if err := r.InsertEntity(ctx, tx, e); err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return e
}

func TestNextRefCountsPerKind(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)

	a := seedEntity(t, r, ctx, "us-1", "proj-1", domain.KindUserStory, now)
	b := seedEntity(t, r, ctx, "us-2", "proj-1", domain.KindUserStory, now)
	c := seedEntity(t, r, ctx, "task-1", "proj-1", domain.KindTask, now)

	if a.Ref != 1 || b.Ref != 2 {
		t.Fatalf("userstory refs = %d, %d, want 1, 2", a.Ref, b.Ref)
	}
	if c.Ref != 1 {
		t.Fatalf("task ref = %d, want 1 (refs are per kind)", c.Ref)
	}
}

func TestUpdateEntityVersionedAppliesOnExpectedVersion(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)
	e := seedEntity(t, r, ctx, "ent-1", "proj-1", domain.KindTask, now)

	e.Status = "closed"
	applied := conditionalWrite(t, r, ctx, e, 1)
	if !applied {
		t.Fatal("write against current version should apply")
	}
	got, err := r.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	if got.Status != "closed" {
		t.Fatalf("status = %q, want closed", got.Status)
	}
}

func TestUpdateEntityVersionedRefusesStaleVersion(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)
	e := seedEntity(t, r, ctx, "ent-1", "proj-1", domain.KindTask, now)

	e.Status = "in-progress"
	if applied := conditionalWrite(t, r, ctx, e, 1); !applied {
		t.Fatal("first write should apply")
	}

	// second writer still believes version 1
	e.Status = "closed"
	if applied := conditionalWrite(t, r, ctx, e, 1); applied {
		t.Fatal("stale write must not apply")
	}
	got, err := r.GetEntity(ctx, "ent-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "in-progress" {
		t.Fatalf("status = %q, stale write must not overwrite", got.Status)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2 (stale write must not bump)", got.Version)
	}
}

func conditionalWrite(t *testing.T, r repo.Repo, ctx context.Context, e domain.Entity, expected int64) bool {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	applied, err := r.UpdateEntityVersioned(ctx, tx, e, expected)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return applied
}

func TestGetEntityByRefSkipsDeleted(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)
	e := seedEntity(t, r, ctx, "ent-1", "proj-1", domain.KindIssue, now)

	got, err := r.GetEntityByRef(ctx, "proj-1", domain.KindIssue, e.Ref)
	if err != nil {
		t.Fatalf("get by ref: %v", err)
	}
	if got.ID != "ent-1" {
		t.Fatalf("id = %q, want ent-1", got.ID)
	}

	e.DeletedAt = &now
	conditionalWrite(t, r, ctx, e, 1)
	if _, err := r.GetEntityByRef(ctx, "proj-1", domain.KindIssue, e.Ref); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted entity should not resolve by ref, got %v", err)
	}
}

func TestListEntitiesCursorPagination(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute).Format(time.RFC3339)
		seedEntity(t, r, ctx, fmt.Sprintf("ent-%d", i), "proj-1", domain.KindTask, ts)
	}

	first, err := r.ListEntities(ctx, repo.EntityFilters{ProjectID: "proj-1", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("page size = %d, want 2", len(first))
	}
	if first[0].ID != "ent-4" || first[1].ID != "ent-3" {
		t.Fatalf("order = %s, %s, want newest first", first[0].ID, first[1].ID)
	}

	last := first[len(first)-1]
	second, err := r.ListEntities(ctx, repo.EntityFilters{
		ProjectID:       "proj-1",
		Limit:           2,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(second) != 2 || second[0].ID != "ent-2" || second[1].ID != "ent-1" {
		t.Fatalf("page 2 = %v, want ent-2, ent-1", ids(second))
	}
}

func ids(items []domain.Entity) []string {
	var out []string
	for _, e := range items {
		out = append(out, e.ID)
	}
	return out
}

func TestEventsAfterReturnsAscendingFromCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)
	seedEntity(t, r, ctx, "ent-1", "proj-1", domain.KindTask, now)
	for i := 0; i < 3; i++ {
		insertEvent(t, r.DB, ctx, "proj-1", "ent-1", now)
	}

	latest, err := r.LatestEventID(ctx, "proj-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == 0 {
		t.Fatal("latest event id should be set")
	}
	events, err := r.EventsAfter(ctx, 10, latest-2, "proj-1")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].ID >= events[1].ID {
		t.Fatal("events must be ascending by id")
	}
}

func insertEvent(t *testing.T, conn *sql.DB, ctx context.Context, projectID, entityID, ts string) {
	t.Helper()
	_, err := conn.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_id,entity_kind,old_status,new_status,actor_id,source)
VALUES (?,?,?,?,?,?,?,?,?)`, ts, "entity.change", projectID, entityID, domain.KindTask, "new", "closed", "alice", "api")
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func TestUpsertDeliveryIsKeyedByEndpointAndEvent(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedProject(t, r, ctx, "proj-1")
	now := time.Now().UTC().Format(time.RFC3339)
	seedEntity(t, r, ctx, "ent-1", "proj-1", domain.KindTask, now)
	insertEvent(t, r.DB, ctx, "proj-1", "ent-1", now)
	eventID, err := r.LatestEventID(ctx, "proj-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}

	d := domain.Delivery{
		ID:        "d-1",
		Endpoint:  "https://example.test/hook",
		EventID:   eventID,
		Attempts:  1,
		Status:    domain.DeliveryPending,
		UpdatedAt: now,
	}
	if err := r.UpsertDelivery(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	d.Attempts = 2
	d.Status = domain.DeliveryFailed
	d.LastError = "status 500"
	if err := r.UpsertDelivery(ctx, d); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := r.GetDelivery(ctx, d.Endpoint, eventID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 2 || got.Status != domain.DeliveryFailed {
		t.Fatalf("delivery = %+v, want attempts 2 failed", got)
	}
	failed, err := r.ListDeliveries(ctx, domain.DeliveryFailed, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("failed deliveries = %d, want 1", len(failed))
	}
}
