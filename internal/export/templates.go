package export

import (
	"bytes"
	"html/template"
	"time"
)

var pageTemplate = template.Must(template.New("page").Parse(pageTemplateHTML))

// TemplateData holds data for page template rendering
type TemplateData struct {
	Title         string
	SpaceName     string
	Author        string
	VersionNumber int
	PublishedAt   time.Time
	ContentHTML   template.HTML
}

// RenderPageHTML renders the page template with provided data
func RenderPageHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const pageTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.5; max-width: 46rem; margin: 2rem auto; padding: 0 1rem; }
    h1 { border-bottom: 1px solid #444; padding-bottom: 0.4rem; }
    .meta { color: #777; font-size: 0.85em; margin-bottom: 1.5rem; }
    blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; color: #555; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ccc; padding: 0.4rem 0.6rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.SpaceName}} | v{{.VersionNumber}} | {{.Author}} | {{.PublishedAt.Format "Jan 2, 2006"}}</div>
  <div>{{.ContentHTML}}</div>
</body>
</html>`
