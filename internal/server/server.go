package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"changeline/internal/domain"
	"changeline/internal/engine"
	"changeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"version conflict"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Changeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Changeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerWatch(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerDeliveries(group, cfg.Engine)
	registerHooks(router, basePath, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "rejected"
	case http.StatusTooManyRequests:
		return "throttled"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

// outcomeError maps a non-applied outcome onto the envelope. Conflict
// replies carry the true current version and state so the client can
// re-derive its delta without another read.
func outcomeError(out engine.MutationOutcome) huma.StatusError {
	switch out.Kind {
	case engine.OutcomeConflict:
		details := map[string]any{"current_version": out.CurrentVersion}
		if out.Current != nil {
			details["current"] = entityResponse(*out.Current)
		}
		return newAPIError(http.StatusConflict, "conflict", "version conflict", details)
	case engine.OutcomeThrottled:
		return newAPIError(http.StatusTooManyRequests, "throttled", "rate limit exceeded",
			map[string]any{"retry_after_ms": out.RetryAfter.Milliseconds()})
	case engine.OutcomeRejected:
		return newAPIError(http.StatusUnprocessableEntity, "rejected", out.Reason, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "unexpected outcome", nil)
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal := principalFromContext(ctx)
		out, err := e.Create(ctx, engine.CreateOptions{
			ID:           input.Body.ID,
			ProjectID:    input.ProjectID,
			Kind:         input.Body.Kind,
			Subject:      input.Body.Subject,
			Status:       input.Body.Status,
			AssigneeID:   input.Body.AssigneeID,
			CustomFields: input.Body.CustomFields,
			ActorID:      actorID,
			Source:       principal.mutationSource(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if out.Kind != engine.OutcomeApplied {
			return nil, outcomeError(out)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(out.Entity)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID      string `path:"project_id"`
		Kind           string `query:"kind"`
		Status         string `query:"status"`
		AssigneeID     string `query:"assignee_id"`
		IncludeDeleted bool   `query:"include_deleted"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedEntities `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListEntities(ctx, repo.EntityFilters{
			ProjectID:       input.ProjectID,
			Kind:            input.Kind,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			IncludeDeleted:  input.IncludeDeleted,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEntities{Items: []EntityResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapEntities(items)
		return &struct {
			Body paginatedEntities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ent.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found in project", nil)
		}
		resp := entityResponse(ent)
		if count, err := e.Watch.VotesCount(ctx, ent.ID); err == nil {
			resp.VotesCount = count
		}
		if p := principalFromContext(ctx); p.ActorID != "" {
			if watching, err := e.Watch.IsWatching(ctx, ent.ID, p.ActorID); err == nil {
				resp.IsWatching = watching
			}
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/entities/{id}",
		Summary:     "Update entity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		ID        string              `path:"id"`
		Body      UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if input.Body.Version <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "version is required", nil)
		}
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ent.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found in project", nil)
		}
		principal := principalFromContext(ctx)
		intent := engine.MutationIntent{
			EntityID:        input.ID,
			BaseVersion:     input.Body.Version,
			ActorID:         principal.ActorID,
			Source:          principal.mutationSource(),
			SetSubject:      input.Body.Subject,
			SetStatus:       input.Body.Status,
			SetCustomFields: input.Body.CustomFields,
			Comment:         input.Body.Comment,
		}
		if input.Body.AssigneeID != nil {
			intent.AssigneeProvided = true
			if *input.Body.AssigneeID != "" {
				intent.Assignee = input.Body.AssigneeID
			}
		}
		out, err := e.Apply(ctx, intent)
		if err != nil {
			return nil, handleError(err)
		}
		if out.Kind != engine.OutcomeApplied {
			return nil, outcomeError(out)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(out.Entity)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-entity",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/entities/{id}",
		Summary:     "Delete entity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Version   int64  `query:"version"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if input.Version <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "version is required", nil)
		}
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ent.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found in project", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal := principalFromContext(ctx)
		out, err := e.Apply(ctx, engine.MutationIntent{
			EntityID:    input.ID,
			BaseVersion: input.Version,
			ActorID:     actorID,
			Source:      principal.mutationSource(),
			Delete:      true,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if out.Kind != engine.OutcomeApplied {
			return nil, outcomeError(out)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(out.Entity)}, nil
	})
}

func registerWatch(api huma.API, e engine.Engine) {
	type entityPath struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}

	resolveEntity := func(ctx context.Context, input entityPath) (domain.Entity, huma.StatusError) {
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return domain.Entity{}, handleError(err)
		}
		if ent.ProjectID != input.ProjectID {
			return domain.Entity{}, newAPIError(http.StatusNotFound, "not_found", "entity not found in project", nil)
		}
		return ent, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "watch-entity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/entities/{id}/watch",
		Summary:       "Watch entity",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, statusErr := resolveEntity(ctx, *input)
		if statusErr != nil {
			return nil, statusErr
		}
		if err := e.Watch.AddWatcher(ctx, ent.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unwatch-entity",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/entities/{id}/watch",
		Summary:       "Unwatch entity",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, statusErr := resolveEntity(ctx, *input)
		if statusErr != nil {
			return nil, statusErr
		}
		if err := e.Watch.RemoveWatcher(ctx, ent.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-watchers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities/{id}/watchers",
		Summary:     "List watchers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body []string `json:"body"`
	}, error) {
		ent, statusErr := resolveEntity(ctx, *input)
		if statusErr != nil {
			return nil, statusErr
		}
		watchers, err := e.Watch.ListWatchers(ctx, ent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if watchers == nil {
			watchers = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: watchers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "vote-entity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/entities/{id}/vote",
		Summary:       "Vote on entity",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string      `path:"project_id"`
		ID        string      `path:"id"`
		Body      VoteRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, statusErr := resolveEntity(ctx, entityPath{ProjectID: input.ProjectID, ID: input.ID})
		if statusErr != nil {
			return nil, statusErr
		}
		if err := e.Watch.RecordVote(ctx, ent.ID, actorID, input.Body.Direction); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unvote-entity",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/entities/{id}/vote",
		Summary:       "Clear vote",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, statusErr := resolveEntity(ctx, *input)
		if statusErr != nil {
			return nil, statusErr
		}
		if err := e.Watch.ClearVote(ctx, ent.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-voters",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities/{id}/voters",
		Summary:     "List voters",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *entityPath) (*struct {
		Body []VoteResponse `json:"body"`
	}, error) {
		ent, statusErr := resolveEntity(ctx, *input)
		if statusErr != nil {
			return nil, statusErr
		}
		votes, err := e.Watch.ListVoters(ctx, ent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]VoteResponse, 0, len(votes))
		for _, v := range votes {
			res = append(res, VoteResponse{ActorID: v.ActorID, Direction: v.Direction})
		}
		return &struct {
			Body []VoteResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "star-project",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/star",
		Summary:       "Star project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Watch.Star(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unstar-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/star",
		Summary:       "Unstar project",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Watch.Unstar(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fans",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/fans",
		Summary:     "List project fans",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		fans, err := e.Watch.ListFans(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if fans == nil {
			fans = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: fans}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/entities/{id}/history",
		Summary:     "Entity history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []HistoryResponse `json:"body"`
	}, error) {
		ent, err := e.Repo.GetEntity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ent.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "entity not found in project", nil)
		}
		entries, err := e.Repo.ListHistory(ctx, ent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]HistoryResponse, 0, len(entries))
		for _, h := range entries {
			if h.IsHidden {
				continue
			}
			res = append(res, historyResponse(h))
		}
		return &struct {
			Body []HistoryResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List propagation events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit" default:"50"`
		Type      string `query:"type"`
		EntityID  string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, normalizeLimit(input.Limit), input.After, input.ProjectID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.ProjectID, input.Type, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List my notifications",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListNotifications(ctx, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			res = append(res, NotificationResponse{
				EventID:   n.EventID,
				EntityID:  n.EntityID,
				Type:      n.Type,
				CreatedAt: n.CreatedAt,
			})
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "List outbound webhook deliveries",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,delivered,failed,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DeliveryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeliveries(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]DeliveryResponse, 0, len(items))
		for _, d := range items {
			res = append(res, deliveryResponse(d))
		}
		return &struct {
			Body []DeliveryResponse `json:"body"`
		}{Body: res}, nil
	})
}
