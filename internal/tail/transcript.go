package tail

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/memva/memva/internal/claude"
	"github.com/memva/memva/internal/domain"
)

// Transcript colors follow the chat palette: orange for the user, teal
// for the assistant, muted grey for protocol noise.
var (
	userColor      = lipgloss.AdaptiveColor{Light: "#FB923C", Dark: "#FB923C"}
	assistantColor = lipgloss.AdaptiveColor{Light: "#179299", Dark: "#179299"}
	mutedColor     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}
	errorColor     = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}

	roleStyle  = lipgloss.NewStyle().Bold(true)
	toolStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle = lipgloss.NewStyle().Foreground(errorColor)
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
	roleResult    = "result"

	maxToolArgLen = 60
)

// entry is one block of the transcript. Tool calls are separate entries
// so that consecutive calls group under a single role label.
type entry struct {
	role    string
	content string
	isTool  bool
	isError bool
}

// appendFrame converts one event frame into transcript entries.
// Frames that carry no renderable content are dropped.
func appendFrame(entries []entry, f Frame) []entry {
	switch domain.EventType(f.EventType) {
	case domain.EventUser:
		if text := userText(f.Data); text != "" {
			entries = append(entries, entry{role: roleUser, content: text})
		}
	case domain.EventAssistant:
		ev, err := claude.ParseStreamEvent(f.Data)
		if err != nil {
			return entries
		}
		if text := strings.TrimSpace(ev.Message.Text()); text != "" {
			entries = append(entries, entry{role: roleAssistant, content: text})
		}
		for _, tool := range ev.Message.ToolUses() {
			entries = append(entries, entry{role: roleAssistant, content: toolSummary(tool), isTool: true})
		}
	case domain.EventResult:
		ev, err := claude.ParseStreamEvent(f.Data)
		if err != nil {
			return entries
		}
		entries = append(entries, resultEntry(ev))
	}
	return entries
}

// userText extracts the prompt from a user event. Prompts submitted
// over HTTP store a synthesized {type, content} payload; user envelopes
// from the agent carry nested content blocks instead.
func userText(data json.RawMessage) string {
	var synth domain.UserEventContent
	if err := json.Unmarshal(data, &synth); err == nil && synth.Content != "" {
		return synth.Content
	}
	ev, err := claude.ParseStreamEvent(data)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ev.Message.Text())
}

func resultEntry(ev claude.StreamEvent) entry {
	if ev.IsError {
		detail := strings.TrimSpace(ev.Result)
		if detail == "" {
			detail = "run failed"
		}
		return entry{role: roleResult, content: "✗ " + detail, isError: true}
	}
	duration := (time.Duration(ev.DurationMs) * time.Millisecond).Round(100 * time.Millisecond)
	return entry{
		role:    roleResult,
		content: fmt.Sprintf("✓ %d turns in %s ($%.4f)", ev.NumTurns, duration, ev.TotalCostUSD),
	}
}

// toolSummary compresses a tool_use block to one line: the tool name
// plus its most identifying argument.
func toolSummary(block claude.ContentBlock) string {
	var input map[string]any
	_ = json.Unmarshal(block.Input, &input)
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "query", "description", "prompt"} {
		if v, ok := input[key].(string); ok && v != "" {
			return fmt.Sprintf("%s(%s)", block.Name, compact(v, maxToolArgLen))
		}
	}
	return block.Name
}

// compact reduces a tool argument to its first line, truncated to max
// runes.
func compact(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// renderTranscript renders the entries into viewport content with tool
// call grouping. Boundary checks matter: a single tool call is both
// first and last in its sequence and gets the closing ╰╴ prefix.
func renderTranscript(entries []entry, width int, md *markdownRenderer) string {
	var b strings.Builder

	for i, e := range entries {
		firstTool := e.isTool && (i == 0 || !entries[i-1].isTool)
		lastTool := e.isTool && (i == len(entries)-1 || !entries[i+1].isTool)

		switch {
		case e.role == roleUser:
			b.WriteString(roleStyle.Foreground(userColor).Render("You") + "\n")
			b.WriteString(wordWrap(e.content, width-4) + "\n\n")

		case e.isTool:
			if firstTool {
				b.WriteString(roleStyle.Foreground(assistantColor).Render("Claude") + "\n")
			}
			prefix := "├╴ "
			if lastTool {
				prefix = "╰╴ "
			}
			b.WriteString(toolStyle.Render(prefix+e.content) + "\n")
			if lastTool {
				b.WriteString("\n")
			}

		case e.role == roleResult:
			style := toolStyle
			if e.isError {
				style = errorStyle
			}
			b.WriteString(style.Render(e.content) + "\n\n")

		default:
			b.WriteString(roleStyle.Foreground(assistantColor).Render("Claude") + "\n")
			b.WriteString(md.render(e.content) + "\n\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// wordWrap wraps text at width, preserving explicit line breaks.
func wordWrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		words := strings.Fields(line)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len(current)+1+len(word) > width {
				out = append(out, current)
				current = word
				continue
			}
			current += " " + word
		}
		out = append(out, current)
	}
	return strings.Join(out, "\n")
}
