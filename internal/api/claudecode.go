package api

import (
	"context"
	"net/http"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
)

// SubmitPrompt appends a user event, enqueues the run, and streams the
// run's events back until the client disconnects. Disconnecting aborts
// the run this request started.
// POST /api/claude-code/{sessionId} (multipart field "prompt")
func (h *Handler) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	prompt := r.FormValue("prompt")

	userEvent, err := h.pipeline.AppendUserEvent(r.Context(), sessionID, prompt)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	// The conversation has moved on; prompts raised for the previous
	// turn can no longer be answered.
	if _, err := h.broker.ExpireAfterUserMessage(r.Context(), sessionID, userEvent.Timestamp); err != nil {
		h.writeDomainError(w, err)
		return
	}

	job, err := h.queue.EnqueueSessionRun(r.Context(), domain.SessionRunPayload{
		SessionID:     sessionID,
		Prompt:        prompt,
		UserEventUUID: userEvent.UUID,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	sseHeaders(w)

	// Back the stream up one tick so the caller sees their own event.
	since := userEvent.Timestamp.Add(-time.Nanosecond)
	if err := h.pipeline.StreamSSE(r.Context(), w, sessionID, since); err != nil {
		log.ErrorErr(log.CatHTTP, "prompt stream ended", err, "session_id", sessionID)
	}

	h.stopRunOnDisconnect(sessionID, job.ID)
}

// StreamEvents is the live tail: full history, then new events as they
// land. Observers never affect the run.
// GET /api/claude-code/{sessionId}
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if _, err := h.sessions.Get(r.Context(), sessionID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	sseHeaders(w)
	if err := h.pipeline.StreamSSE(r.Context(), w, sessionID, time.Time{}); err != nil {
		log.ErrorErr(log.CatHTTP, "tail stream ended", err, "session_id", sessionID)
	}
}

// stopRunOnDisconnect aborts the run a prompt submission started, but
// only while that same run is still the session's active one.
func (h *Handler) stopRunOnDisconnect(sessionID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, err := h.queue.ActiveSessionRunJob(ctx, sessionID)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "checking active run after disconnect failed", err, "session_id", sessionID)
		return
	}
	if active == nil || active.ID != jobID {
		return // The run already finished, or a newer one took over.
	}

	if h.aborts.Abort(sessionID) {
		log.Info(log.CatHTTP, "client disconnect aborted run", "session_id", sessionID, "job_id", jobID)
		return
	}

	// Not claimed yet: a pending run can be cancelled outright. Losing
	// the race to a worker claim is fine, the abort registry has it now.
	if err := h.queue.Cancel(ctx, jobID); err != nil {
		if domain.IsConflict(err) || domain.IsNotFound(err) {
			if h.aborts.Abort(sessionID) {
				log.Info(log.CatHTTP, "client disconnect aborted run", "session_id", sessionID, "job_id", jobID)
			}
			return
		}
		log.ErrorErr(log.CatHTTP, "cancelling run after disconnect failed", err, "session_id", sessionID, "job_id", jobID)
		return
	}
	log.Info(log.CatHTTP, "client disconnect cancelled queued run", "session_id", sessionID, "job_id", jobID)
}
