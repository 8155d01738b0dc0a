package permissions

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/memva/memva/internal/domain"
)

// Preview kinds, one per tool whose input renders as a file change.
const (
	PreviewEdit      = "edit"
	PreviewWrite     = "write"
	PreviewMultiEdit = "multi_edit"
)

const (
	// contextLines is how many unchanged lines to keep around a change.
	contextLines = 3
	// maxPreviewLines caps the rendered diff; counts stay exact.
	maxPreviewLines = 400
	// maxPreviewSource caps how much of an existing file Write previews
	// read for comparison.
	maxPreviewSource = 1 << 20

	elision = "  ⋯"
)

// Preview is a rendered file change for a pending permission prompt.
// Diff lines carry a +/-/space prefix; Additions and Deletions are
// whole-diff line counts even when the rendered text is truncated.
type Preview struct {
	Kind      string `json:"kind"`
	FilePath  string `json:"file_path,omitempty"`
	Diff      string `json:"diff"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DecoratedRequest pairs a request with its optional preview.
type DecoratedRequest struct {
	*domain.PermissionRequest
	Preview *Preview `json:"preview,omitempty"`
}

type editInput struct {
	FilePath  string `json:"file_path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

type writeInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

type multiEditInput struct {
	FilePath string `json:"file_path"`
	Edits    []struct {
		OldString string `json:"old_string"`
		NewString string `json:"new_string"`
	} `json:"edits"`
}

// BuildPreview renders a diff preview for Edit, Write, and MultiEdit
// inputs. Other tools, and inputs that fail to parse, get nil: previews
// are decoration, never a reason to hide the request.
func BuildPreview(toolName string, input json.RawMessage) *Preview {
	if len(input) == 0 {
		return nil
	}
	switch toolName {
	case "Edit":
		var in editInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil
		}
		diff, adds, dels := renderDiff(in.OldString, in.NewString)
		return &Preview{Kind: PreviewEdit, FilePath: in.FilePath, Diff: diff, Additions: adds, Deletions: dels}
	case "Write":
		var in writeInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil
		}
		diff, adds, dels := renderDiff(readExisting(in.FilePath), in.Content)
		return &Preview{Kind: PreviewWrite, FilePath: in.FilePath, Diff: diff, Additions: adds, Deletions: dels}
	case "MultiEdit":
		var in multiEditInput
		if err := json.Unmarshal(input, &in); err != nil || len(in.Edits) == 0 {
			return nil
		}
		var (
			parts      []string
			adds, dels int
		)
		for _, edit := range in.Edits {
			diff, a, d := renderDiff(edit.OldString, edit.NewString)
			parts = append(parts, diff)
			adds += a
			dels += d
		}
		return &Preview{Kind: PreviewMultiEdit, FilePath: in.FilePath, Diff: strings.Join(parts, "\n"), Additions: adds, Deletions: dels}
	default:
		return nil
	}
}

// renderDiff produces a line-oriented preview of old to new. Unchanged
// runs longer than the context window collapse to their edges.
func renderDiff(oldText, newText string) (string, int, int) {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineIndex := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lineIndex)

	var (
		out        []string
		adds, dels int
	)
	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			adds += len(lines)
			for _, line := range lines {
				out = append(out, "+"+line)
			}
		case diffmatchpatch.DiffDelete:
			dels += len(lines)
			for _, line := range lines {
				out = append(out, "-"+line)
			}
		case diffmatchpatch.DiffEqual:
			out = append(out, collapseContext(lines)...)
		}
	}
	if len(out) > maxPreviewLines {
		out = append(out[:maxPreviewLines], elision)
	}
	return strings.Join(out, "\n"), adds, dels
}

func collapseContext(lines []string) []string {
	prefixed := make([]string, len(lines))
	for i, line := range lines {
		prefixed[i] = " " + line
	}
	if len(prefixed) <= 2*contextLines+1 {
		return prefixed
	}
	collapsed := append([]string{}, prefixed[:contextLines]...)
	collapsed = append(collapsed, elision)
	return append(collapsed, prefixed[len(prefixed)-contextLines:]...)
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// readExisting loads the current content of the file a Write would
// replace. Missing or unreadable files preview as empty, turning the
// whole write into additions.
func readExisting(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the tool input being previewed
	if err != nil {
		return ""
	}
	if len(data) > maxPreviewSource {
		data = data[:maxPreviewSource]
	}
	return string(data)
}
