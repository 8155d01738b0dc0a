package tail

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// noMarginStyle strips glamour's document margins so rendered markdown
// lines up under the transcript's role labels. Inherits everything else
// from auto dark/light detection.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// markdownRenderer wraps glamour at a fixed wrap width. Rebuilt on
// terminal resize.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
	width    int
}

func newMarkdownRenderer(width int) (*markdownRenderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &markdownRenderer{renderer: r, width: width}, nil
}

// render transforms markdown to styled terminal output. Falls back to
// the raw text on failure; the transcript must never lose content to a
// styling error.
func (r *markdownRenderer) render(text string) string {
	if r == nil || r.renderer == nil {
		return text
	}
	out, err := r.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
