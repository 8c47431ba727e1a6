package watch

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"changeline/internal/db"
	"changeline/internal/domain"
	"changeline/internal/migrate"
)

func newTestRegistry(t *testing.T) (Registry, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	seed(t, conn, ctx)
	reg := Registry{DB: conn, Now: func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }}
	return reg, ctx
}

func seed(t *testing.T, conn *sql.DB, ctx context.Context) {
	t.Helper()
	now := "2025-01-01T00:00:00Z"
	if _, err := conn.ExecContext(ctx, `INSERT INTO projects(id,name,created_at) VALUES ('proj-1','test',?)`, now); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	_, err := conn.ExecContext(ctx, `INSERT INTO entities(id,project_id,kind,ref,subject,status,version,owner_id,created_at,updated_at)
VALUES ('ent-1','proj-1','task',1,'subject','new',1,'owner',?,?)`, now, now)
	if err != nil {
		t.Fatalf("seed entity: %v", err)
	}
}

func TestAddWatcherIdempotent(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		if err := reg.AddWatcher(ctx, "ent-1", "alice"); err != nil {
			t.Fatalf("add watcher: %v", err)
		}
	}
	watchers, err := reg.ListWatchers(ctx, "ent-1")
	if err != nil {
		t.Fatalf("list watchers: %v", err)
	}
	if len(watchers) != 1 || watchers[0] != "alice" {
		t.Fatalf("watchers = %v, want [alice]", watchers)
	}
}

func TestRecordCommentSubscribesCommenterAndOwner(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.RecordComment(ctx, "ent-1", "owner", "bob"); err != nil {
		t.Fatalf("record comment: %v", err)
	}
	// redelivery must not duplicate
	if err := reg.RecordComment(ctx, "ent-1", "owner", "bob"); err != nil {
		t.Fatalf("record comment again: %v", err)
	}
	watchers, err := reg.ListWatchers(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(watchers) != 2 || watchers[0] != "bob" || watchers[1] != "owner" {
		t.Fatalf("watchers = %v, want [bob owner]", watchers)
	}
}

func TestRemoveWatcher(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.AddWatcher(ctx, "ent-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := reg.RemoveWatcher(ctx, "ent-1", "alice"); err != nil {
		t.Fatal(err)
	}
	watching, err := reg.IsWatching(ctx, "ent-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if watching {
		t.Fatal("alice still watching after removal")
	}
}

func TestRecordVoteOverwrites(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.RecordVote(ctx, "ent-1", "alice", domain.VoteUp); err != nil {
		t.Fatal(err)
	}
	if err := reg.RecordVote(ctx, "ent-1", "alice", domain.VoteDown); err != nil {
		t.Fatal(err)
	}
	voters, err := reg.ListVoters(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(voters) != 1 || voters[0].Direction != domain.VoteDown {
		t.Fatalf("voters = %#v, want one down vote", voters)
	}
	count, err := reg.VotesCount(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != -1 {
		t.Fatalf("votes count = %d, want -1", count)
	}
}

func TestRecordVoteRejectsBadDirection(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.RecordVote(ctx, "ent-1", "alice", "sideways"); err == nil {
		t.Fatal("expected direction error")
	}
}

func TestStarIdempotentAndUnstar(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	for i := 0; i < 2; i++ {
		if err := reg.Star(ctx, "proj-1", "carol"); err != nil {
			t.Fatal(err)
		}
	}
	fans, err := reg.ListFans(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(fans) != 1 || fans[0] != "carol" {
		t.Fatalf("fans = %v, want [carol]", fans)
	}
	if err := reg.Unstar(ctx, "proj-1", "carol"); err != nil {
		t.Fatal(err)
	}
	fans, err = reg.ListFans(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(fans) != 0 {
		t.Fatalf("fans = %v, want empty", fans)
	}
}

func TestAddWatcherEmptyActorIgnored(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.AddWatcher(ctx, "ent-1", ""); err != nil {
		t.Fatal(err)
	}
	watchers, err := reg.ListWatchers(ctx, "ent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(watchers) != 0 {
		t.Fatalf("watchers = %v, want empty", watchers)
	}
}
