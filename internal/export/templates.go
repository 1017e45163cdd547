package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t any, layout string) string {
			switch v := t.(type) {
			case time.Time:
				return v.Format(layout)
			case *time.Time:
				if v == nil {
					return ""
				}
				return v.Format(layout)
			}
			return ""
		},
	}

	templateContent, err := templateFS.ReadFile("templates/transcript.html")
	if err != nil {
		// Fallback to built-in template if file not found
		transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for transcript template rendering
type TemplateData struct {
	SessionID    string
	ArtifactRef  string
	Mode         string
	Status       string
	EndCause     string
	OwnerID      string
	CreatedAt    time.Time
	EndedAt      *time.Time
	FinalVersion int64
	ContentHTML  template.HTML
	Participants []string
	Entries      []TemplateEntry
}

// TemplateEntry holds one edit log row for the template
type TemplateEntry struct {
	Seq              int
	AuthorID         string
	Timestamp        time.Time
	Type             string
	PayloadKind      string
	Summary          string
	ResultingVersion int64
	ApprovedBy       string
}

// RenderTranscriptHTML renders the transcript template with provided data
func RenderTranscriptHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ArtifactRef}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.ArtifactRef}}</h1>
  <div class="meta">Session {{.SessionID}} | {{.Mode}} | {{.Status}} | v{{.FinalVersion}}</div>
  <div>{{.ContentHTML}}</div>
  {{if .Entries}}
  <h2>Edit log</h2>
  <table>
    <tr><th>#</th><th>Author</th><th>Action</th><th>Version</th></tr>
    {{range .Entries}}<tr><td>{{.Seq}}</td><td>{{.AuthorID}}</td><td>{{.Summary}}</td><td>{{.ResultingVersion}}</td></tr>{{end}}
  </table>
  {{end}}
</body>
</html>`
