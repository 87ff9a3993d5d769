// Package email sends operator notifications over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	boundary := "townhall-" + fmt.Sprint(time.Now().UnixNano())

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type StageChangedData struct {
	PlanID       string
	LocationName string
	FromStage    string
	ToStage      string
	Override     bool
	At           time.Time
}

type BadgeAwardedData struct {
	UserID string
	Kind   string
	Scope  string
	At     time.Time
}

// SendStageChanged tells operators that a strategic plan moved stage.
func (s *Service) SendStageChanged(to []string, data StageChangedData) error {
	subject := fmt.Sprintf("Plan %s moved to %s", data.PlanID, data.ToStage)
	html, err := renderTemplate(stageChangedTemplate, data)
	if err != nil {
		return fmt.Errorf("render stage template: %w", err)
	}
	text := fmt.Sprintf("Plan %s in %s moved from %s to %s at %s.",
		data.PlanID, data.LocationName, data.FromStage, data.ToStage, data.At.UTC().Format(time.RFC3339))
	return s.SendHTMLEmail(to, subject, text, html)
}

// SendBadgeAwarded tells operators about a newly granted badge.
func (s *Service) SendBadgeAwarded(to []string, data BadgeAwardedData) error {
	subject := fmt.Sprintf("Badge %s awarded to %s", data.Kind, data.UserID)
	html, err := renderTemplate(badgeAwardedTemplate, data)
	if err != nil {
		return fmt.Errorf("render badge template: %w", err)
	}
	text := fmt.Sprintf("%s earned %s (%s) at %s.", data.UserID, data.Kind, data.Scope, data.At.UTC().Format(time.RFC3339))
	return s.SendHTMLEmail(to, subject, text, html)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const stageChangedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Plan {{.PlanID}} moved to {{.ToStage}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Townhall</h1>
    </div>
    <p>The strategic plan <strong>{{.PlanID}}</strong> for {{.LocationName}} moved from
    <strong>{{.FromStage}}</strong> to <strong>{{.ToStage}}</strong>.</p>
    {{if .Override}}<div class="warning">This change was an administrator override.</div>{{end}}
    <p>{{.At.UTC.Format "2006-01-02 15:04 MST"}}</p>
</body>
</html>`

const badgeAwardedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Badge awarded</title>
</head>
<body>
    <h1>Townhall</h1>
    <p><strong>{{.UserID}}</strong> earned the <strong>{{.Kind}}</strong> badge ({{.Scope}}).</p>
    <p>{{.At.UTC.Format "2006-01-02 15:04 MST"}}</p>
</body>
</html>`
