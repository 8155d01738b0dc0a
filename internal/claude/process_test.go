package claude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memva/memva/internal/domain"
)

func TestBuildArgs_GatedRun(t *testing.T) {
	args := buildArgs(ProcessConfig{
		Prompt:          "hello",
		ResumeSessionID: "agent-1",
		MaxTurns:        50,
		PermissionMode:  domain.PermissionModeDefault,
		MCPConfig:       `{"mcpServers":{}}`,
		AllowedTools:    []string{"Read", PermissionPromptTool},
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--print")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--verbose")
	assert.Contains(t, joined, "--max-turns 50")
	assert.Contains(t, joined, "--resume agent-1")
	assert.Contains(t, joined, "--permission-mode default")
	assert.Contains(t, joined, `--mcp-config {"mcpServers":{}}`)
	assert.Contains(t, joined, "--permission-prompt-tool mcp__permissions__approval_prompt")
	assert.Contains(t, joined, "--allowedTools Read,mcp__permissions__approval_prompt")
	assert.NotContains(t, joined, "--dangerously-skip-permissions")

	// The prompt goes to stdin, never argv.
	assert.NotContains(t, args, "hello")
}

func TestBuildArgs_BypassSkipsPermissionPlumbing(t *testing.T) {
	args := buildArgs(ProcessConfig{
		Prompt:         "hello",
		PermissionMode: domain.PermissionModeBypass,
		MCPConfig:      `{"mcpServers":{}}`,
		AllowedTools:   []string{"Read", PermissionPromptTool},
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--dangerously-skip-permissions")
	assert.NotContains(t, joined, "--mcp-config")
	assert.NotContains(t, joined, "--permission-prompt-tool")
	assert.NotContains(t, joined, "--allowedTools")
	assert.NotContains(t, joined, "--permission-mode")
}

func TestBuildArgs_FreshRunOmitsResume(t *testing.T) {
	args := buildArgs(ProcessConfig{
		Prompt:         "hello",
		PermissionMode: domain.PermissionModePlan,
	})

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "--resume")
	assert.NotContains(t, joined, "--max-turns")
	assert.Contains(t, joined, "--permission-mode plan")
}

func TestParseStreamEvent_AssistantWithBlocks(t *testing.T) {
	line := []byte(`{"type":"assistant","session_id":"s1","message":{"id":"m1","role":"assistant","content":[` +
		`{"type":"thinking","thinking":"mull it over"},` +
		`{"type":"text","text":"Here is "},` +
		`{"type":"text","text":"the answer"},` +
		`{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"/a"}}` +
		`],"usage":{"input_tokens":10,"output_tokens":5}}}`)

	ev, err := ParseStreamEvent(line)
	require.NoError(t, err)

	assert.True(t, ev.IsAssistant())
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "Here is the answer", ev.Message.Text())

	tools := ev.Message.ToolUses()
	require.Len(t, tools, 1)
	assert.Equal(t, "Write", tools[0].Name)
	assert.Equal(t, "t1", tools[0].ID)
	assert.JSONEq(t, `{"file_path":"/a"}`, string(tools[0].Input))

	require.NotNil(t, ev.Message.Usage)
	assert.Equal(t, 10, ev.Message.Usage.InputTokens)

	// Raw preserves the line verbatim for storage.
	assert.Equal(t, string(line), string(ev.Raw))
}

func TestParseStreamEvent_InitFrame(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(`{"type":"system","subtype":"init","session_id":"s1","cwd":"/work"}`))
	require.NoError(t, err)
	assert.True(t, ev.IsInit())
	assert.Equal(t, "/work", ev.CWD)
}

func TestParseStreamEvent_ToolResultEnvelope(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(
		`{"type":"user","session_id":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"done"}]}}`))
	require.NoError(t, err)
	assert.True(t, ev.HasToolResult())
	assert.False(t, ev.IsAssistant())
}

func TestParseStreamEvent_ResultFrame(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(
		`{"type":"result","subtype":"success","session_id":"s1","num_turns":3,"total_cost_usd":0.12,"duration_ms":4500,"result":"done"}`))
	require.NoError(t, err)
	assert.True(t, ev.IsResult())
	assert.Equal(t, 3, ev.NumTurns)
	assert.InDelta(t, 0.12, ev.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(4500), ev.DurationMs)
	assert.False(t, ev.IsError)
}

func TestParseStreamEvent_Invalid(t *testing.T) {
	_, err := ParseStreamEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestParseStreamEvent_SidechainFlag(t *testing.T) {
	ev, err := ParseStreamEvent([]byte(
		`{"type":"assistant","session_id":"s1","parent_tool_use_id":"t9","message":{"role":"assistant","content":[{"type":"text","text":"sub"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "t9", ev.ParentToolUseID)
}
