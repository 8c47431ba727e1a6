package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"changeline/internal/config"
	"changeline/internal/engine"
	"changeline/internal/hooks"
)

const maxHookBody = 1 << 20

// registerHooks mounts the inbound webhook endpoint on the raw router.
// Signature verification needs the exact request bytes, so this stays
// outside the schema layer.
func registerHooks(router chi.Router, basePath string, e engine.Engine) {
	router.Post(path.Join(basePath, "/hooks/{provider}"), func(w http.ResponseWriter, r *http.Request) {
		provider := chi.URLParam(r, "provider")
		body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read body", nil))
			return
		}
		var providerCfg config.ProviderConfig
		if e.Config != nil {
			providerCfg = e.Config.Providers[provider]
		}
		push, err := hooks.Normalize(provider, providerCfg, r.Header, r.URL.Query(), body)
		if err != nil {
			switch {
			case errors.Is(err, hooks.ErrUnknownProvider):
				respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil))
			case errors.Is(err, hooks.ErrBadSignature):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil))
			default:
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			}
			return
		}
		projectID := ""
		if e.Config != nil {
			projectID = e.Config.Project.ID
		}
		outcomes, err := e.ApplyCommitMessages(r.Context(), projectID, push.ActorID, push.Messages)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		applied := 0
		for _, out := range outcomes {
			if out.Kind == engine.OutcomeApplied {
				applied++
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]int{"actions": len(outcomes), "applied": applied})
	})
}
