package api

import (
	"encoding/json"
	"net/http"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/permissions"
)

// ListPermissionsResponse is the response body for listing permission
// requests.
type ListPermissionsResponse struct {
	Permissions []*permissions.DecoratedRequest `json:"permissions"`
	Total       int                             `json:"total"`
}

// DecideRequest is the request body for answering a permission request.
type DecideRequest struct {
	Decision string `json:"decision"`
}

// ListPermissions returns permission requests newest-first, with diff
// previews for file-changing tools.
// GET /api/permissions?sessionId=&status=pending
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var status domain.PermissionStatus
	if s := q.Get("status"); s != "" {
		status = domain.PermissionStatus(s)
		if !status.IsValid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "unknown permission status")
			return
		}
	}

	list, err := h.broker.ListDecorated(r.Context(), sqlite.PermissionFilter{
		SessionID: q.Get("sessionId"),
		Status:    status,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if list == nil {
		list = []*permissions.DecoratedRequest{}
	}
	h.writeJSON(w, http.StatusOK, ListPermissionsResponse{Permissions: list, Total: len(list)})
}

// DecidePermission records the user's answer to a pending request. The
// waiting MCP sidecar picks the decision up from the store.
// POST /api/permissions/{id}
func (h *Handler) DecidePermission(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	decided, err := h.broker.Decide(r.Context(), r.PathValue("id"), domain.Decision(req.Decision))
	if err != nil {
		// A request that already left pending rejects like any other
		// unanswerable one; there is no state for the client to retry.
		if domain.IsConflict(err) {
			h.writeError(w, http.StatusBadRequest, "not_pending", err.Error())
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decided)
}
