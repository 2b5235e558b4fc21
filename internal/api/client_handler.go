package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sungwon/mail-dispatch/internal/auth"
	"github.com/sungwon/mail-dispatch/internal/logger"
)

type createClientRequest struct {
	Client string `json:"client"`
}

type createClientResponse struct {
	Client string `json:"client"`
	APIKey string `json:"api_key"`
}

// handleCreateClient provisions a tenant and returns its API key. The key
// secret is shown exactly once; only its bcrypt hash is stored.
func (a *API) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Dots separate the client name from the secret in the presented key.
	if req.Client == "" || strings.Contains(req.Client, ".") {
		respondError(w, http.StatusBadRequest, "client name is required and must not contain dots")
		return
	}

	key, hash, err := auth.GenerateAPIKey(req.Client)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	if _, err := a.clients.CreateClient(r.Context(), req.Client, hash); err != nil {
		respondDomainError(w, log, err)
		return
	}

	log.Info().Str("client", req.Client).Msg("client provisioned")
	respondJSON(w, http.StatusCreated, createClientResponse{
		Client: req.Client,
		APIKey: key,
	})
}

// handlePurgeClient removes every transaction of a tenant; messages and
// history follow by cascade. The route is authenticated and a client may
// only purge its own data.
func (a *API) handlePurgeClient(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	name := chi.URLParam(r, "name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "client name is required")
		return
	}
	if name != auth.ClientFromContext(r.Context()) {
		respondError(w, http.StatusForbidden, "a client may only purge itself")
		return
	}

	purged, err := a.clients.PurgeClient(r.Context(), name)
	if err != nil {
		respondDomainError(w, log, err)
		return
	}

	log.Info().Str("client", name).Int64("transactions", purged).Msg("client purged")
	respondJSON(w, http.StatusOK, map[string]int64{"purged_transactions": purged})
}
