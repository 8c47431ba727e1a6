package engine

import (
	"context"
	"errors"

	"changeline/internal/commitmsg"
	"changeline/internal/repo"
)

// ApplyCommitMessages parses pushed commit messages into actions and
// applies each as its own intent, in order of appearance. A reference
// that resolves to no entity is logged and skipped so one bad action
// never blocks the rest of the push.
func (e Engine) ApplyCommitMessages(ctx context.Context, projectID, actorID string, messages []string) ([]MutationOutcome, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	verbs := make([]string, 0, len(e.Config.Commit.Verbs))
	for v := range e.Config.Commit.Verbs {
		verbs = append(verbs, v)
	}
	parser := commitmsg.NewParser(verbs)

	var outcomes []MutationOutcome
	for _, message := range messages {
		for _, action := range parser.Parse(message) {
			ent, err := e.Repo.GetEntityByRef(ctx, projectID, action.Kind, action.Ref)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					e.logger().Printf("commit: skip unresolved reference %s#%d in %q", action.Kind, action.Ref, message)
					continue
				}
				return outcomes, err
			}
			intent := MutationIntent{
				EntityID:    ent.ID,
				BaseVersion: ent.Version,
				ActorID:     actorID,
				Source:      "webhook",
				Comment:     action.Comment,
			}
			if status := e.Config.Commit.Verbs[action.Verb]; status != "" {
				s := status
				intent.SetStatus = &s
			}
			out, err := e.Apply(ctx, intent)
			if err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}
