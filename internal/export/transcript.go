package export

import (
	"fmt"
	"html/template"
	"strings"
)

// ContentToHTML renders artifact text as paragraphs, one per line, with
// blank lines preserved as spacers.
func ContentToHTML(content string) template.HTML {
	if content == "" {
		return ""
	}

	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			b.WriteString("<p>&nbsp;</p>")
			continue
		}
		b.WriteString("<p>")
		b.WriteString(template.HTMLEscapeString(line))
		b.WriteString("</p>")
	}
	return template.HTML(b.String())
}

// summarizeEdit produces the one-line description shown in the transcript's
// edit log table.
func summarizeEdit(edit EditInfo) string {
	switch edit.Type {
	case "turn-taken":
		return "took the turn"
	case "turn-released":
		return "released the turn"
	}

	summary := edit.Content
	if idx := strings.IndexByte(summary, '\n'); idx >= 0 {
		summary = summary[:idx]
	}
	if len(summary) > 120 {
		summary = summary[:120] + "…"
	}
	if edit.PayloadKind != "" {
		return fmt.Sprintf("%s: %s", edit.PayloadKind, summary)
	}
	return summary
}
