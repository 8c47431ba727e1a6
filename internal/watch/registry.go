package watch

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"changeline/internal/domain"
)

var errBadDirection = errors.New("vote direction must be up or down")

// Registry tracks per-entity watchers and voters and per-project fans.
// Every operation is idempotent so event fan-out can be re-delivered
// without duplicating rows.
type Registry struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Registry) now() string {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// AddWatcher subscribes an actor to an entity. Re-adding is a no-op.
func (r Registry) AddWatcher(ctx context.Context, entityID, actorID string) error {
	if actorID == "" {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO watchers(entity_id,actor_id,created_at) VALUES (?,?,?)`,
		entityID, actorID, r.now())
	return err
}

func (r Registry) RemoveWatcher(ctx context.Context, entityID, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM watchers WHERE entity_id=? AND actor_id=?`, entityID, actorID)
	return err
}

// RecordComment auto-subscribes the commenter and the entity owner.
func (r Registry) RecordComment(ctx context.Context, entityID, ownerID, commenterID string) error {
	if err := r.AddWatcher(ctx, entityID, commenterID); err != nil {
		return err
	}
	return r.AddWatcher(ctx, entityID, ownerID)
}

// RecordVote casts or replaces the actor's vote on an entity. One
// active vote per actor; a new direction overwrites the previous one.
func (r Registry) RecordVote(ctx context.Context, entityID, actorID, direction string) error {
	if direction != domain.VoteUp && direction != domain.VoteDown {
		return errBadDirection
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO votes(entity_id,actor_id,direction,created_at) VALUES (?,?,?,?)
ON CONFLICT(entity_id,actor_id) DO UPDATE SET direction=excluded.direction`,
		entityID, actorID, direction, r.now())
	return err
}

func (r Registry) ClearVote(ctx context.Context, entityID, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM votes WHERE entity_id=? AND actor_id=?`, entityID, actorID)
	return err
}

// Star marks a project as followed by an actor. Idempotent.
func (r Registry) Star(ctx context.Context, projectID, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO stars(project_id,actor_id,created_at) VALUES (?,?,?)`,
		projectID, actorID, r.now())
	return err
}

func (r Registry) Unstar(ctx context.Context, projectID, actorID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM stars WHERE project_id=? AND actor_id=?`, projectID, actorID)
	return err
}

func (r Registry) ListWatchers(ctx context.Context, entityID string) ([]string, error) {
	return r.listActors(ctx, `SELECT actor_id FROM watchers WHERE entity_id=? ORDER BY actor_id`, entityID)
}

func (r Registry) ListVoters(ctx context.Context, entityID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT entity_id,actor_id,direction,created_at FROM votes WHERE entity_id=? ORDER BY actor_id`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.EntityID, &v.ActorID, &v.Direction, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (r Registry) ListFans(ctx context.Context, projectID string) ([]string, error) {
	return r.listActors(ctx, `SELECT actor_id FROM stars WHERE project_id=? ORDER BY actor_id`, projectID)
}

// VotesCount returns the net vote total (up minus down) for an entity.
func (r Registry) VotesCount(ctx context.Context, entityID string) (int, error) {
	var total sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(CASE direction WHEN 'up' THEN 1 ELSE -1 END) FROM votes WHERE entity_id=?`, entityID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}

// IsWatching reports whether the actor watches the entity.
func (r Registry) IsWatching(ctx context.Context, entityID, actorID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM watchers WHERE entity_id=? AND actor_id=?`,
		entityID, actorID).Scan(&n)
	return n > 0, err
}

func (r Registry) listActors(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, err
		}
		res = append(res, actor)
	}
	return res, nil
}
