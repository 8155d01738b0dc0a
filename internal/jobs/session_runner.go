package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/mcp"
	"github.com/memva/memva/internal/permissions"
)

// SessionRunner executes session-runner jobs: one agent run per job,
// driven by the streamer. It owns the session's claude_status for the
// duration of the run.
type SessionRunner struct {
	sessions *sqlite.SessionRepository
	settings *sqlite.SettingsRepository
	events   *sqlite.EventRepository
	streamer *claude.Streamer
	broker   *permissions.Broker
	aborts   *AbortRegistry

	// executable is the daemon binary, re-invoked as the MCP permission
	// sidecar for each run.
	executable string
	dbPath     string
}

// SessionRunnerConfig wires the runner's collaborators.
type SessionRunnerConfig struct {
	DB         *sqlite.DB
	Streamer   *claude.Streamer
	Broker     *permissions.Broker
	Aborts     *AbortRegistry
	Executable string
}

// NewSessionRunner creates the session-runner handler.
func NewSessionRunner(cfg SessionRunnerConfig) *SessionRunner {
	return &SessionRunner{
		sessions:   cfg.DB.SessionRepository(),
		settings:   cfg.DB.SettingsRepository(),
		events:     cfg.DB.EventRepository(),
		streamer:   cfg.Streamer,
		broker:     cfg.Broker,
		aborts:     cfg.Aborts,
		executable: cfg.Executable,
		dbPath:     cfg.DB.Path(),
	}
}

// runSummary is the result payload recorded on completed runs.
type runSummary struct {
	SessionID    string  `json:"session_id,omitempty"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMs   int64   `json:"duration_ms"`
	Aborted      bool    `json:"aborted,omitempty"`
}

// Execute runs the agent for one prompt. A user abort completes the job
// without error; a timeout or agent failure marks the session errored
// and lets the queue decide on a retry.
func (h *SessionRunner) Execute(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	var payload domain.SessionRunPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return nil, fmt.Errorf("decoding session-runner payload: %w", err)
	}
	if payload.SessionID == "" {
		return nil, errors.New("session-runner payload missing session_id")
	}

	session, err := h.sessions.Get(ctx, payload.SessionID)
	if err != nil {
		return nil, err
	}

	if err := h.sessions.UpdateClaudeStatus(ctx, session.ID, domain.ClaudeProcessing); err != nil {
		return nil, err
	}

	global, err := h.settings.Get(ctx)
	if err != nil {
		return nil, h.failSetup(session.ID, err)
	}
	effective := domain.EffectiveSettings(*global, session.Settings)

	resume, err := h.events.LatestClaudeSessionID(ctx, session.ID)
	if err != nil {
		return nil, h.failSetup(session.ID, err)
	}

	var parent *string
	latest, err := h.events.LatestEvent(ctx, session.ID)
	switch {
	case err == nil:
		parent = &latest.UUID
	case !domain.IsNotFound(err):
		return nil, h.failSetup(session.ID, err)
	}

	mcpConfig := ""
	if effective.PermissionMode != domain.PermissionModeBypass {
		mcpConfig, err = mcp.BuildConfig(h.executable, session.ID, h.dbPath)
		if err != nil {
			return nil, h.failSetup(session.ID, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	release := h.aborts.Track(session.ID, cancel)
	defer release()

	result, runErr := h.streamer.Run(runCtx, claude.RunOptions{
		SessionID:         session.ID,
		Prompt:            payload.Prompt,
		ProjectPath:       session.ProjectPath,
		ResumeSessionID:   resume,
		InitialParentUUID: parent,
		MaxTurns:          effective.MaxTurns,
		PermissionMode:    effective.PermissionMode,
		MCPConfig:         mcpConfig,
	})

	// Bookkeeping writes survive the run context: a shutdown cancelled
	// the run, not the status record.
	bctx, bcancel := bookkeepingContext()
	defer bcancel()

	// The run is over; nothing can answer its permission requests.
	if n, cerr := h.broker.CancelForSession(bctx, session.ID); cerr != nil {
		log.ErrorErr(log.CatJobs, "cancelling pending permissions failed", cerr, "session_id", session.ID)
	} else if n > 0 {
		log.Info(log.CatJobs, "cancelled pending permissions at run end", "session_id", session.ID, "count", n)
	}

	if runErr != nil {
		h.setStatus(bctx, session.ID, domain.ClaudeError)
		return nil, runErr
	}

	// User aborts land here too: the session completed from the user's
	// point of view.
	h.setStatus(bctx, session.ID, domain.ClaudeCompleted)

	out, err := json.Marshal(runSummary{
		SessionID:    result.SessionID,
		NumTurns:     result.NumTurns,
		TotalCostUSD: result.TotalCostUSD,
		DurationMs:   result.DurationMs,
		Aborted:      result.Aborted,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding run summary: %w", err)
	}
	return out, nil
}

// failSetup resets the session before surfacing a setup failure, so a
// broken run never leaves processing dangling.
func (h *SessionRunner) failSetup(sessionID string, err error) error {
	ctx, cancel := bookkeepingContext()
	defer cancel()
	h.setStatus(ctx, sessionID, domain.ClaudeError)
	return err
}

func (h *SessionRunner) setStatus(ctx context.Context, sessionID string, status domain.ClaudeStatus) {
	if err := h.sessions.UpdateClaudeStatus(ctx, sessionID, status); err != nil {
		log.ErrorErr(log.CatJobs, "updating session status failed", err,
			"session_id", sessionID, "status", string(status))
	}
}

// bookkeepingContext bounds status writes independently of the run.
func bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
