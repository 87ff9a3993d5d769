package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var planTemplate = template.Must(template.New("plan.html").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/plan.html"))

// TemplateData holds data for plan template rendering
type TemplateData struct {
	LocationName string
	Year         int
	Stage        string
	CreatedAt    time.Time
	GeneratedAt  time.Time
	Sections     []TemplateSection
	History      []TemplateStageChange
}

// TemplateSection groups top-level contributions of one kind.
type TemplateSection struct {
	Title string
	Items []TemplateItem
}

type TemplateItem struct {
	Body        string
	Contributor string
	Approve     int
	Reject      int
	Replies     []TemplateItem
}

// TemplateStageChange never carries the acting user; overrides show only
// their reason.
type TemplateStageChange struct {
	At        time.Time
	FromStage string
	ToStage   string
	Override  bool
	Reason    string
}

// RenderPlanHTML renders the plan template with provided data
func RenderPlanHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := planTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
