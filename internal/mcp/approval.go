package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/memva/memva/internal/domain"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/permissions"
)

// ServerName is the MCP server name the agent CLI addresses. Combined
// with the tool name it yields the CLI-visible tool id
// mcp__permissions__approval_prompt.
const ServerName = "permissions"

// ToolApprovalPrompt is the tool the agent calls before running a
// non-allowlisted tool.
const ToolApprovalPrompt = "approval_prompt"

// ApprovalArgs is the input the agent CLI sends to the approval tool.
type ApprovalArgs struct {
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// PermissionResult is the payload shape the agent CLI expects back,
// serialized as the tool result's text content.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// NewPermissionServer builds the sidecar server for one session: a
// single approval_prompt tool that records the request in the store and
// blocks until the user answers.
func NewPermissionServer(broker *permissions.Broker, sessionID, version string) *Server {
	s := NewServer(ServerName, version,
		WithInstructions("Relays tool permission prompts to the memva UI for approval."))
	s.RegisterTool(Tool{
		Name:        ToolApprovalPrompt,
		Description: "Request user approval before executing a tool",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"tool_name":   {Type: "string", Description: "Name of the tool requesting permission"},
				"input":       {Type: "object", Description: "The tool's input arguments"},
				"tool_use_id": {Type: "string", Description: "The tool use id from the agent stream"},
			},
			Required: []string{"tool_name"},
		},
	}, approvalHandler(broker, sessionID))
	return s
}

func approvalHandler(broker *permissions.Broker, sessionID string) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var in ApprovalArgs
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("parsing approval arguments: %w", err)
		}
		if in.ToolName == "" {
			return nil, errors.New("tool_name is required")
		}

		req, err := broker.CreateRequest(ctx, sessionID, in.ToolName, in.ToolUseID, in.Input)
		if err != nil {
			return nil, fmt.Errorf("recording permission request: %w", err)
		}
		log.Info(log.CatMCP, "awaiting permission decision",
			"request_id", req.ID, "tool", in.ToolName)

		final, err := broker.WaitForDecision(ctx, req.ID)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The sidecar is going down; answer deny so the agent does
			// not hang on a response that will never come.
			return permissionResult(denyResult("Permission request cancelled"))
		}
		if err != nil {
			return nil, fmt.Errorf("waiting for decision: %w", err)
		}
		return permissionResult(resultForStatus(final, in.Input))
	}
}

// resultForStatus maps a terminal request to the agent payload. Only an
// approval allows; every other outcome denies with a reason.
func resultForStatus(req *domain.PermissionRequest, input json.RawMessage) PermissionResult {
	switch req.Status {
	case domain.PermissionApproved:
		updated := input
		if len(updated) == 0 {
			updated = json.RawMessage(`{}`)
		}
		return PermissionResult{Behavior: "allow", UpdatedInput: updated}
	case domain.PermissionDenied:
		return denyResult("Permission denied by user")
	case domain.PermissionExpired:
		return denyResult("Permission request expired before a decision was made")
	case domain.PermissionSuperseded:
		return denyResult("Permission request superseded by a newer user message")
	case domain.PermissionCancelled:
		return denyResult("Permission request cancelled")
	case domain.PermissionTimeout:
		return denyResult("Permission request timed out")
	default:
		return denyResult(fmt.Sprintf("Permission not granted: %s", req.Status))
	}
}

func denyResult(message string) PermissionResult {
	return PermissionResult{Behavior: "deny", Message: message}
}

func permissionResult(result PermissionResult) (*ToolCallResult, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling permission result: %w", err)
	}
	return SuccessResult(string(payload)), nil
}
