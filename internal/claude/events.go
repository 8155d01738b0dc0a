// Package claude drives headless agent runs and streams their output
// into the event store.
package claude

import (
	"encoding/json"
	"strings"
)

// Stream event types observed on the agent's stdout.
const (
	EventSystem    = "system"
	EventUser      = "user"
	EventAssistant = "assistant"
	EventResult    = "result"

	// SubtypeInit is the first system frame of a run; it carries the
	// agent's session id.
	SubtypeInit = "init"
)

// StreamEvent is one parsed line of the agent's stream-json output.
// The agent emits a tagged union: system frames, echoed user envelopes
// (often carrying tool results), assistant turns, and a terminal result
// frame with usage stats.
type StreamEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	CWD       string `json:"cwd,omitempty"`

	// Message holds the nested content for user and assistant frames.
	Message *Message `json:"message,omitempty"`

	// ParentToolUseID is set on sidechain frames spawned by a tool call.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// Result frame fields.
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`

	// Raw is the original line, stored verbatim as the event payload.
	Raw json.RawMessage `json:"-"`
}

// Message holds the content of a user or assistant frame.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is a single part of a message: text, thinking, a tool
// call, or a tool result paired back by tool_use_id.
type ContentBlock struct {
	Type     string `json:"type,omitempty"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// Tool use fields (type == "tool_use")
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result fields (type == "tool_result")
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage holds raw token counts from assistant frames.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ParseStreamEvent parses a single stdout line. The raw line is retained
// on the event so it can be persisted verbatim.
func ParseStreamEvent(line []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return StreamEvent{}, err
	}
	ev.Raw = make([]byte, len(line))
	copy(ev.Raw, line)
	return ev, nil
}

// IsInit reports whether this is the system init frame.
func (e *StreamEvent) IsInit() bool {
	return e.Type == EventSystem && e.Subtype == SubtypeInit
}

// IsAssistant reports whether this is an assistant turn.
func (e *StreamEvent) IsAssistant() bool {
	return e.Type == EventAssistant
}

// IsResult reports whether this is the terminal result frame.
func (e *StreamEvent) IsResult() bool {
	return e.Type == EventResult
}

// HasToolResult reports whether the frame carries any tool_result part.
// The agent wraps tool results in user envelopes; those are protocol
// plumbing rather than conversation.
func (e *StreamEvent) HasToolResult() bool {
	if e.Message == nil {
		return false
	}
	for _, block := range e.Message.Content {
		if block.Type == "tool_result" {
			return true
		}
	}
	return false
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range m.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message.
func (m *Message) ToolUses() []ContentBlock {
	if m == nil {
		return nil
	}
	var tools []ContentBlock
	for _, block := range m.Content {
		if block.Type == "tool_use" {
			tools = append(tools, block)
		}
	}
	return tools
}
