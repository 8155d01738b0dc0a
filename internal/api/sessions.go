package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/events"
	"github.com/memva/memva/internal/infrastructure/sqlite"
)

// CreateSessionRequest is the request body for creating a session.
type CreateSessionRequest struct {
	// Title is the display name. Defaults to the project directory name.
	Title string `json:"title,omitempty"`

	// ProjectPath is the working directory agent runs execute in (required).
	ProjectPath string `json:"project_path"`

	// Settings optionally overrides the global agent settings.
	Settings *domain.SessionSettings `json:"settings,omitempty"`
}

// UpdateSessionRequest is the request body for patching a session.
// Absent fields are left unchanged.
type UpdateSessionRequest struct {
	Title  *string `json:"title,omitempty"`
	Status *string `json:"status,omitempty"`
}

// SessionSummary is a session decorated for listings.
type SessionSummary struct {
	*domain.Session

	// LatestAssistantEvent is the newest assistant message, the
	// listing's activity snippet.
	LatestAssistantEvent *domain.Event `json:"latest_assistant_event,omitempty"`

	// PendingPermissionCount is how many permission requests await the
	// user's decision.
	PendingPermissionCount int `json:"pending_permission_count"`
}

// ListSessionsResponse is the response body for listing sessions.
type ListSessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Total    int              `json:"total"`
}

// ActiveJobResponse is the response body for the active-job endpoint.
type ActiveJobResponse struct {
	Job *domain.Job `json:"job"`
}

// SessionSettingsResponse is the response body for session settings.
// Settings is null when the session inherits all globals.
type SessionSettingsResponse struct {
	Settings *domain.SessionSettings `json:"settings"`
}

// CreateSession registers a new session rooted at a project directory.
// POST /api/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if req.ProjectPath == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "project_path is required")
		return
	}
	if err := req.Settings.Validate(); err != nil {
		h.writeDomainError(w, err)
		return
	}

	title := req.Title
	if title == "" {
		title = filepath.Base(req.ProjectPath)
	}

	session := &domain.Session{
		ID:          uuid.NewString(),
		Title:       title,
		ProjectPath: req.ProjectPath,
		Settings:    req.Settings,
	}
	if err := h.sessions.Create(r.Context(), session); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, session)
}

// ListSessions returns sessions decorated with their latest assistant
// snippet and pending-permission count.
// GET /api/sessions?status=active|archived
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	var status domain.SessionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.SessionStatus(s)
		if !status.IsValid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "status must be active or archived")
			return
		}
	}

	list, err := h.sessions.List(r.Context(), sqlite.SessionFilter{Status: status})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}

	// One query per decoration, not per session.
	snippets, err := h.pipeline.LatestAssistantPerSession(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	pending, err := h.broker.PendingCounts(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := ListSessionsResponse{
		Sessions: make([]SessionSummary, 0, len(list)),
		Total:    len(list),
	}
	for _, s := range list {
		resp.Sessions = append(resp.Sessions, SessionSummary{
			Session:                s,
			LatestAssistantEvent:   snippets[s.ID],
			PendingPermissionCount: pending[s.ID],
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetSession returns a single session.
// GET /api/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// UpdateSession patches the title or lifecycle status.
// PATCH /api/sessions/{id}
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	session, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if req.Title != nil {
		if *req.Title == "" {
			h.writeError(w, http.StatusBadRequest, "validation_error", "title must not be empty")
			return
		}
		session.Title = *req.Title
	}
	if req.Status != nil {
		status := domain.SessionStatus(*req.Status)
		if !status.IsValid() {
			h.writeError(w, http.StatusBadRequest, "validation_error", "status must be active or archived")
			return
		}
		session.Status = status
	}

	if err := h.sessions.Update(r.Context(), session); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// ListSessionEvents returns a page of the session's event history.
// GET /api/sessions/{id}/events?since_timestamp=…|since_event_id=…|include_all=true&limit=…
func (h *Handler) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	page, err := h.pipeline.ListForSession(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// ActiveJob returns the session's in-flight run, or null.
// GET /api/sessions/{id}/active-job
func (h *Handler) ActiveJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.sessions.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	job, err := h.queue.ActiveSessionRunJob(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ActiveJobResponse{Job: job})
}

// GetSessionSettings returns the session's setting overrides.
// GET /api/session/{sessionId}/settings
func (h *Handler) GetSessionSettings(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SessionSettingsResponse{Settings: session.Settings})
}

// PutSessionSettings replaces the session's setting overrides.
// PUT /api/session/{sessionId}/settings
func (h *Handler) PutSessionSettings(w http.ResponseWriter, r *http.Request) {
	var settings domain.SessionSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	if err := settings.Validate(); err != nil {
		h.writeDomainError(w, err)
		return
	}

	id := r.PathValue("sessionId")
	if err := h.sessions.UpdateSettings(r.Context(), id, &settings); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, SessionSettingsResponse{Settings: &settings})
}

// parseListOptions reads the events-page query parameters.
func parseListOptions(r *http.Request) (events.ListOptions, error) {
	var opts events.ListOptions
	q := r.URL.Query()

	if raw := q.Get("since_timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return opts, domain.NewValidation("since_timestamp", "must be RFC 3339")
		}
		opts.SinceTimestamp = &ts
	}
	opts.SinceEventUUID = q.Get("since_event_id")

	if raw := q.Get("include_all"); raw != "" {
		includeAll, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, domain.NewValidation("include_all", "must be a boolean")
		}
		opts.IncludeAll = includeAll
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return opts, domain.NewValidation("limit", "must be a positive integer")
		}
		opts.Limit = limit
	}
	return opts, nil
}
