package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changeline/internal/domain"
	"changeline/internal/events"
	"changeline/internal/repo"
)

// MutationIntent is one proposed change against the base version its
// proposer last observed. It is immutable; a retry builds a new intent
// against the refreshed version.
type MutationIntent struct {
	EntityID    string
	BaseVersion int64
	ActorID     string
	Source      string // api, webhook or import

	SetSubject       *string
	SetStatus        *string
	Assignee         *string
	AssigneeProvided bool
	SetCustomFields  *string
	Comment          string
	Delete           bool
}

// Outcome kinds.
const (
	OutcomeApplied   = "applied"
	OutcomeConflict  = "conflict"
	OutcomeRejected  = "rejected"
	OutcomeThrottled = "throttled"
)

// MutationOutcome is the result of applying one intent. Conflict is a
// normal outcome, not an error: the caller gets the true current state
// and version and decides what to do with them.
type MutationOutcome struct {
	Kind       string
	Entity     domain.Entity
	NewVersion int64
	// set on conflict
	CurrentVersion int64
	Current        *domain.Entity
	// set on rejection
	Reason string
	// set on throttle
	RetryAfter time.Duration
	EventID    int64
}

func rejected(reason string) MutationOutcome {
	return MutationOutcome{Kind: OutcomeRejected, Reason: reason}
}

func throttled(retryAfter time.Duration) MutationOutcome {
	return MutationOutcome{Kind: OutcomeThrottled, RetryAfter: retryAfter}
}

// Apply runs one intent through the full gate sequence: admission,
// validation, the conditional write and post-commit fan-out. Exactly
// one version check runs per attempt. Webhook-originated intents get a
// bounded automatic retry against the refreshed version because no
// human is present to resolve the conflict; everything else surfaces
// conflict immediately.
func (e Engine) Apply(ctx context.Context, intent MutationIntent) (MutationOutcome, error) {
	if e.Config == nil {
		return MutationOutcome{}, errors.New("config not loaded")
	}
	if intent.Source == "" {
		intent.Source = "api"
	}
	if d := e.admit(intent.ActorID, intent.Source); !d.Allowed {
		return throttled(d.RetryAfter), nil
	}
	if intent.SetStatus != nil && !e.Config.StatusKnown(*intent.SetStatus) {
		return rejected(fmt.Sprintf("status %q not in project workflow", *intent.SetStatus)), nil
	}

	attempts := 1
	if intent.Source == "webhook" {
		attempts = e.Config.ResolverAttempts()
	}
	backoff := e.Config.ResolverBackoff()
	baseVersion := intent.BaseVersion

	var out MutationOutcome
	var err error
	for attempt := 1; ; attempt++ {
		out, err = e.applyOnce(ctx, intent, baseVersion)
		if err != nil {
			return MutationOutcome{}, err
		}
		if out.Kind != OutcomeConflict || attempt >= attempts {
			break
		}
		// refresh the observed version and try once more
		baseVersion = out.CurrentVersion
		select {
		case <-ctx.Done():
			return MutationOutcome{}, ctx.Err()
		case <-time.After(backoff << (attempt - 1)):
		}
	}
	return out, nil
}

// applyOnce performs a single optimistic-concurrency attempt: read,
// build the new state, conditionally write it and append the event in
// the same transaction. The event therefore exists exactly once per
// applied intent, never per attempt.
func (e Engine) applyOnce(ctx context.Context, intent MutationIntent, baseVersion int64) (MutationOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MutationOutcome{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetEntityTx(ctx, tx, intent.EntityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rejected(fmt.Sprintf("entity %s not found", intent.EntityID)), nil
		}
		return MutationOutcome{}, err
	}
	if cur.DeletedAt != nil {
		return rejected(fmt.Sprintf("entity %s is deleted", intent.EntityID)), nil
	}
	if cur.Version != baseVersion {
		current := cur
		return MutationOutcome{Kind: OutcomeConflict, CurrentVersion: cur.Version, Current: &current}, nil
	}

	now := e.now().UTC().Format(time.RFC3339)
	next := cur
	if intent.SetSubject != nil {
		next.Subject = *intent.SetSubject
	}
	if intent.SetStatus != nil {
		next.Status = *intent.SetStatus
	}
	if intent.AssigneeProvided {
		next.AssigneeID = intent.Assignee
	}
	if intent.SetCustomFields != nil {
		next.CustomFieldsJSON = intent.SetCustomFields
	}
	next.UpdatedAt = now
	if intent.Delete {
		next.DeletedAt = &now
	}

	applied, err := e.Repo.UpdateEntityVersioned(ctx, tx, next, baseVersion)
	if err != nil {
		return MutationOutcome{}, err
	}
	if !applied {
		// a concurrent writer committed between our read and write
		fresh, err := e.Repo.GetEntityTx(ctx, tx, intent.EntityID)
		if err != nil {
			return MutationOutcome{}, err
		}
		return MutationOutcome{Kind: OutcomeConflict, CurrentVersion: fresh.Version, Current: &fresh}, nil
	}
	next.Version = baseVersion + 1

	evtType := "entity.change"
	historyType := domain.HistoryChange
	if intent.Delete {
		evtType = "entity.delete"
		historyType = domain.HistoryDelete
	}
	payload := events.EventPayload{"version": next.Version}
	if intent.Comment != "" {
		payload["comment"] = intent.Comment
	}
	if intent.Delete {
		payload["deleted_at"] = now
	}
	eventID, err := e.Events.Append(ctx, tx, evtType, next.ProjectID, next.Kind, next.ID,
		cur.Status, next.Status, intent.ActorID, intent.Source, next.DeletedAt, payload)
	if err != nil {
		return MutationOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return MutationOutcome{}, err
	}

	out := MutationOutcome{Kind: OutcomeApplied, Entity: next, NewVersion: next.Version, EventID: eventID}
	e.propagate(ctx, propagation{
		event:       eventID,
		eventType:   evtType,
		entity:      next,
		old:         &cur,
		historyType: historyType,
		comment:     intent.Comment,
		actorID:     intent.ActorID,
	})
	return out, nil
}
