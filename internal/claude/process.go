package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
)

// PermissionPromptTool is the fully qualified MCP tool the agent calls
// to request permission for a gated tool.
const PermissionPromptTool = "mcp__permissions__approval_prompt"

// ErrTimeout is returned when a run exceeds its configured deadline.
var ErrTimeout = errors.New("agent run timed out")

// AgentProcess is one live agent subprocess. The streamer consumes
// Events until the channel closes, then Wait reaps the process and
// Errors yields the exit error, if any.
type AgentProcess interface {
	// Events yields parsed stdout frames. Closed when the stream ends.
	Events() <-chan StreamEvent

	// Errors yields at most one terminal error (exit failure, timeout,
	// scanner overflow). Buffered; never blocks the producer.
	Errors() <-chan error

	// Cancel kills the subprocess. Safe to call more than once.
	Cancel()

	// Wait blocks until the process is reaped and all pipes drained.
	Wait()
}

// SpawnFunc creates an agent process. Tests substitute a scripted fake.
type SpawnFunc func(ctx context.Context, cfg ProcessConfig) (AgentProcess, error)

// ProcessConfig holds everything needed to exec one agent run.
type ProcessConfig struct {
	Binary          string
	WorkDir         string
	Prompt          string
	ResumeSessionID string
	Model           string
	MaxTurns        int
	PermissionMode  domain.PermissionMode

	// MCPConfig is the JSON blob for --mcp-config wiring the permission
	// sidecar. Ignored under bypassPermissions.
	MCPConfig string

	// AllowedTools is the agent's tool allowlist. Ignored under
	// bypassPermissions.
	AllowedTools []string

	// Timeout bounds the whole run. Zero means no deadline.
	Timeout time.Duration
}

// process is the real CLI-backed AgentProcess.
type process struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	events    chan StreamEvent
	errors    chan error
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	readers sync.WaitGroup
	done    sync.WaitGroup
}

// Spawn execs the agent CLI and starts the stream readers. The prompt
// is written to stdin. The given ctx bounds the subprocess together
// with cfg.Timeout; the caller decides whether that ctx is tied to the
// run or detached (abort handling wants the process to outlive the run
// context until the deferred abort point).
func Spawn(ctx context.Context, cfg ProcessConfig) (AgentProcess, error) {
	var procCtx context.Context
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	args := buildArgs(cfg)
	log.Debug(log.CatAgent, "Spawning agent process", "binary", binary, "args", strings.Join(args, " "), "workDir", cfg.WorkDir)

	// #nosec G204 -- args are built from ProcessConfig, not user input
	cmd := exec.CommandContext(procCtx, binary, args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = strings.NewReader(cfg.Prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	p := &process{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		events: make(chan StreamEvent, 100),
		errors: make(chan error, 10),
		ctx:    procCtx,
		cancel: cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting agent process: %w", err)
	}
	log.Debug(log.CatAgent, "Agent process started", "pid", cmd.Process.Pid)

	p.readers.Add(2)
	go p.parseStdout()
	go p.drainStderr()
	p.done.Add(1)
	go p.reap()

	return p, nil
}

// buildArgs constructs the CLI arguments for one run. Permission
// plumbing (MCP config, prompt tool, allowlist) is omitted entirely
// under bypassPermissions.
func buildArgs(cfg ProcessConfig) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.ResumeSessionID)
	}

	if cfg.PermissionMode == domain.PermissionModeBypass {
		args = append(args, "--dangerously-skip-permissions")
		return args
	}

	if cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", string(cfg.PermissionMode))
	}
	if cfg.MCPConfig != "" {
		args = append(args, "--mcp-config", cfg.MCPConfig)
		args = append(args, "--permission-prompt-tool", PermissionPromptTool)
		if len(cfg.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
		}
	}

	return args
}

func (p *process) Events() <-chan StreamEvent { return p.events }
func (p *process) Errors() <-chan error       { return p.errors }

// Cancel kills the subprocess. The flag is set before the context is
// cancelled so reap doesn't misreport the kill as a failure.
func (p *process) Cancel() {
	p.cancelled.Store(true)
	p.cancel()
}

// Wait blocks until the pipes are drained and the process is reaped.
func (p *process) Wait() {
	p.done.Wait()
}

// parseStdout reads stream-json lines and forwards parsed events.
// Unparseable lines are logged and skipped.
func (p *process) parseStdout() {
	defer p.readers.Done()
	defer close(p.events)

	scanner := bufio.NewScanner(p.stdout)
	// Assistant frames can be large; a single line holds a whole turn.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := ParseStreamEvent(line)
		if err != nil {
			log.Debug(log.CatAgent, "Skipping unparseable stream line", "error", err)
			continue
		}
		log.Debug(log.CatAgent, "Stream event", "type", ev.Type, "subtype", ev.Subtype)

		select {
		case p.events <- ev:
		case <-p.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		p.sendError(fmt.Errorf("reading agent stdout: %w", err))
	}
}

// drainStderr logs stderr output for debugging.
func (p *process) drainStderr() {
	defer p.readers.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		log.Debug(log.CatAgent, "Agent stderr", "line", scanner.Text())
	}
}

// reap waits for the pipes to drain, then for the process to exit, and
// classifies the outcome. Reading fully before Wait avoids the exec
// package closing the pipes under the scanner.
func (p *process) reap() {
	defer p.done.Done()

	p.readers.Wait()
	err := p.cmd.Wait()

	if p.cancelled.Load() {
		log.Debug(log.CatAgent, "Agent process cancelled")
		return
	}
	if p.ctx.Err() == context.DeadlineExceeded {
		log.Debug(log.CatAgent, "Agent process timed out")
		p.sendError(ErrTimeout)
		return
	}
	if err != nil {
		log.Debug(log.CatAgent, "Agent process failed", "error", err)
		p.sendError(fmt.Errorf("agent process exited: %w", err))
		return
	}
	log.Debug(log.CatAgent, "Agent process completed")
}

// sendError forwards an error without ever blocking the producer.
func (p *process) sendError(err error) {
	select {
	case p.errors <- err:
	default:
		log.Debug(log.CatAgent, "Error channel full, dropping error", "error", err)
	}
}

var _ AgentProcess = (*process)(nil)
