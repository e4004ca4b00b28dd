package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/harumakino16/setlink/internal/billing/store"
)

type AccountHandler struct {
	entitlements *store.EntitlementStore
	logger       *slog.Logger
}

func NewAccountHandler(es *store.EntitlementStore, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{entitlements: es, logger: logger}
}

// Provision creates a free-plan entitlement for a newly signed-up user.
// Idempotent: an existing entitlement is returned unchanged, so the signup
// collaborator can call this on every login.
func (h *AccountHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID         string `json:"uid"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, KindValidation, "invalid request body")
		return
	}
	if req.UID == "" || req.Email == "" {
		writeError(w, http.StatusBadRequest, KindValidation, "uid and email are required")
		return
	}

	ent, err := h.entitlements.Create(req.UID, req.Email, req.DisplayName)
	if err != nil {
		h.logger.Error("provision entitlement", "uid", req.UID, "error", err)
		writeError(w, http.StatusInternalServerError, KindInternal, "failed to provision entitlement")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":  ent.UserID,
		"plan": ent.Plan,
	})
}
