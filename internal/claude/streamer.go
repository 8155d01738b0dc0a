package claude

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/memva/memva/internal/config"
	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
)

// DefaultRunTimeout bounds a run when neither the options nor the agent
// config specify a deadline.
const DefaultRunTimeout = 30 * time.Minute

// EventStore persists stream events as they arrive.
type EventStore interface {
	Append(ctx context.Context, event *domain.Event) error
}

// SessionStore records agent session-id rotation the moment it is
// observed, so a crash mid-run never loses the resume id.
type SessionStore interface {
	UpdateClaudeSessionID(ctx context.Context, sessionID, claudeSessionID string) error
}

// RunOptions configures one agent run for a session.
type RunOptions struct {
	// SessionID is the owning memva session.
	SessionID string

	Prompt      string
	ProjectPath string

	// ResumeSessionID continues an earlier agent conversation when set.
	ResumeSessionID string

	// InitialParentUUID is the uuid of the session's most recent stored
	// event; the first event of this run chains onto it. Nil for a
	// session with no events.
	InitialParentUUID *string

	MaxTurns       int
	PermissionMode domain.PermissionMode

	// Timeout bounds the run. Zero falls back to the agent config, then
	// DefaultRunTimeout.
	Timeout time.Duration

	// MCPConfig wires the permission sidecar. Empty (or bypass mode)
	// runs without the broker.
	MCPConfig string

	// OnEvent observes every parsed frame before storage.
	OnEvent func(StreamEvent)

	// OnStoredEvent fires only after the store has committed the event.
	// Downstream fan-out never sees unpersisted events.
	OnStoredEvent func(*domain.Event)
}

// RunResult summarizes a finished run.
type RunResult struct {
	// SessionID is the agent's latest session id: the rotated id when
	// the agent assigned a new one, otherwise the resume id.
	SessionID string

	NumTurns     int
	TotalCostUSD float64
	DurationMs   int64

	// Aborted is true when the run ended on the caller's cancellation
	// rather than the agent finishing. Not an error.
	Aborted bool
}

// Streamer runs the agent subprocess for a session and appends each
// frame to the event store, maintaining the session's parent chain.
type Streamer struct {
	sessions SessionStore
	events   EventStore
	agent    config.AgentConfig
	spawn    SpawnFunc
}

// NewStreamer wires a streamer to the store. The real CLI is used
// unless WithSpawn substitutes a fake.
func NewStreamer(sessions SessionStore, events EventStore, agent config.AgentConfig) *Streamer {
	return &Streamer{
		sessions: sessions,
		events:   events,
		agent:    agent,
		spawn:    Spawn,
	}
}

// WithSpawn overrides how the subprocess is created. Tests drive the
// streamer with a scripted fake.
func (s *Streamer) WithSpawn(spawn SpawnFunc) *Streamer {
	s.spawn = spawn
	return s
}

// runState carries the per-run mutable bookkeeping.
type runState struct {
	result         *RunResult
	parentUUID     *string
	agentSessionID string
	errorResult    bool
	errorText      string
	storedInit     bool
}

// Run executes one agent run to completion. ctx is the cancel token:
// worker shutdown, client disconnect, and user abort all arrive through
// it. Cancellation before the first assistant message is deferred until
// the agent's session id is established (the init frame plus any
// rotation are still persisted); cancellation after it stores the
// in-flight message and stops. Neither path returns an error. A timeout
// does: the returned error contains "timed out" and marks the run
// failed.
func (s *Streamer) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.agent.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}

	cfg := ProcessConfig{
		Binary:          s.agent.Binary,
		WorkDir:         opts.ProjectPath,
		Prompt:          opts.Prompt,
		ResumeSessionID: opts.ResumeSessionID,
		Model:           s.agent.Model,
		MaxTurns:        opts.MaxTurns,
		PermissionMode:  opts.PermissionMode,
		MCPConfig:       opts.MCPConfig,
		Timeout:         timeout,
	}
	if opts.PermissionMode != domain.PermissionModeBypass {
		// Everything beyond reading routes through the broker.
		cfg.AllowedTools = []string{"Read", PermissionPromptTool}
	}

	// The subprocess deliberately detaches from ctx: a cancel before the
	// first assistant message must keep the stream alive until the
	// agent's session id is established. The deadline still applies.
	proc, err := s.spawn(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("spawning agent: %w", err)
	}

	run := &runState{
		result:         &RunResult{SessionID: opts.ResumeSessionID},
		parentUUID:     opts.InitialParentUUID,
		agentSessionID: opts.ResumeSessionID,
	}

	log.Info(log.CatAgent, "Agent run starting",
		"session", opts.SessionID,
		"resume", opts.ResumeSessionID,
		"permissionMode", string(opts.PermissionMode),
		"maxTurns", opts.MaxTurns)

	var (
		abortRequested bool
		abortAccepted  bool
		hasAssistant   bool
		received       int
	)

	done := ctx.Done()

loop:
	for {
		select {
		case <-done:
			done = nil
			abortRequested = true
			if hasAssistant {
				// Nothing in flight; every received frame is stored
				// before the next receive.
				abortAccepted = true
				break loop
			}
			log.Debug(log.CatAgent, "Abort deferred until first assistant message", "session", opts.SessionID)

		case ev, ok := <-proc.Events():
			if !ok {
				break loop
			}
			received++

			if opts.OnEvent != nil {
				opts.OnEvent(ev)
			}

			s.trackRotation(opts.SessionID, run, ev)

			if ev.IsResult() {
				run.result.NumTurns = ev.NumTurns
				run.result.TotalCostUSD = ev.TotalCostUSD
				run.result.DurationMs = ev.DurationMs
				if ev.IsError {
					run.errorResult = true
					run.errorText = ev.Result
				}
			}

			if abortRequested && !hasAssistant {
				// Deferred abort: keep only the init frame. The first
				// assistant message accepts the abort and is discarded.
				if ev.IsAssistant() {
					abortAccepted = true
					break loop
				}
				if ev.IsInit() && !run.storedInit {
					if err := s.storeEvent(opts, run, ev); err != nil {
						proc.Cancel()
						proc.Wait()
						return run.result, err
					}
				}
				continue
			}

			if !storableType(ev.Type) {
				continue
			}
			if err := s.storeEvent(opts, run, ev); err != nil {
				proc.Cancel()
				proc.Wait()
				return run.result, err
			}
			if ev.IsAssistant() {
				hasAssistant = true
			}
			if abortRequested {
				abortAccepted = true
				break loop
			}
		}
	}

	if abortRequested || abortAccepted {
		proc.Cancel()
	}
	proc.Wait()

	var procErr error
	select {
	case procErr = <-proc.Errors():
	default:
	}

	if abortRequested {
		// User aborts are not errors, even when the process died first.
		run.result.Aborted = true
		log.Info(log.CatAgent, "Agent run aborted",
			"session", opts.SessionID, "agentSession", run.agentSessionID, "events", received)
		return run.result, nil
	}

	if procErr != nil {
		if errors.Is(procErr, ErrTimeout) {
			return run.result, fmt.Errorf("agent run exceeded %v: %w", timeout, procErr)
		}
		if received == 0 && opts.ResumeSessionID != "" {
			// Resume failed before producing anything; keep the old id
			// so the caller can retry or start fresh.
			log.Warn(log.CatAgent, "Resume failed with no output, keeping original session id",
				"session", opts.SessionID, "resume", opts.ResumeSessionID, "error", procErr.Error())
			run.result.SessionID = opts.ResumeSessionID
			return run.result, nil
		}
		return run.result, procErr
	}

	if run.errorResult {
		return run.result, fmt.Errorf("agent reported error result: %s", run.errorText)
	}

	log.Info(log.CatAgent, "Agent run completed",
		"session", opts.SessionID,
		"agentSession", run.agentSessionID,
		"turns", run.result.NumTurns,
		"durationMs", run.result.DurationMs)
	return run.result, nil
}

// trackRotation persists a changed agent session id immediately, so a
// crash between now and the end of the run still leaves the session
// resumable.
func (s *Streamer) trackRotation(sessionID string, run *runState, ev StreamEvent) {
	if ev.SessionID == "" || ev.SessionID == run.agentSessionID {
		return
	}
	run.agentSessionID = ev.SessionID
	run.result.SessionID = ev.SessionID

	sctx, cancel := storeContext()
	defer cancel()
	if err := s.sessions.UpdateClaudeSessionID(sctx, sessionID, ev.SessionID); err != nil {
		log.ErrorErr(log.CatAgent, "Failed to persist agent session id", err,
			"session", sessionID, "agentSession", ev.SessionID)
		return
	}
	log.Debug(log.CatAgent, "Agent session id rotated",
		"session", sessionID, "agentSession", ev.SessionID)
}

// storeEvent appends one frame to the session's chain and advances the
// parent pointer only after the store commits.
func (s *Streamer) storeEvent(opts RunOptions, run *runState, ev StreamEvent) error {
	cwd := ev.CWD
	if cwd == "" {
		cwd = opts.ProjectPath
	}

	event := &domain.Event{
		UUID:           uuid.NewString(),
		MemvaSessionID: opts.SessionID,
		SessionID:      ev.SessionID,
		EventType:      domain.EventType(ev.Type),
		Timestamp:      time.Now().UTC(),
		ParentUUID:     run.parentUUID,
		IsSidechain:    ev.ParentToolUseID != "",
		CWD:            cwd,
		ProjectName:    filepath.Base(cwd),
		Data:           ev.Raw,
		Visible:        eventVisible(ev),
	}

	sctx, cancel := storeContext()
	defer cancel()
	if err := s.events.Append(sctx, event); err != nil {
		return fmt.Errorf("storing %s event: %w", ev.Type, err)
	}

	run.parentUUID = &event.UUID
	if ev.IsInit() {
		run.storedInit = true
	}
	if opts.OnStoredEvent != nil {
		opts.OnStoredEvent(event)
	}
	return nil
}

// storableType filters the stream to the frame types the log keeps.
func storableType(t string) bool {
	switch t {
	case EventSystem, EventUser, EventAssistant, EventResult:
		return true
	default:
		return false
	}
}

// eventVisible marks protocol noise invisible: system frames and the
// agent's user envelopes (tool results, prompt echoes) stay out of UI
// reads. Prompts are stored separately at submission time.
func eventVisible(ev StreamEvent) bool {
	switch ev.Type {
	case EventAssistant, EventResult:
		return true
	default:
		return false
	}
}

// storeContext returns a short background context for writes that must
// survive the run's cancellation: the in-flight message on abort, the
// init frame during a deferred abort, and rotation persistence.
func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
