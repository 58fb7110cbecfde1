package notify

import (
	"bytes"
	"strings"
	"text/template"
	"time"
)

// TemplateData holds the variables available to notification templates.
type TemplateData struct {
	AgentID   string
	IP        string
	Cmdtype   string
	Success   bool
	Changed   bool
	Output    string
	Reason    string
	Type      string // event type name
	Timestamp time.Time
	Title     string
	Emoji     string
	Severity  string
}

// TemplateEngine renders notification messages using Go text/template.
// When no custom template is set for an event type, the default format is used.
type TemplateEngine struct {
	customs map[string]string // event_type -> template string
}

// NewTemplateEngine creates an engine with the given custom templates.
func NewTemplateEngine(customs map[string]string) *TemplateEngine {
	return &TemplateEngine{customs: customs}
}

// Render produces the notification message body for the given event data.
// If a custom template exists for the event type, it is used. Otherwise
// the default format is returned. On template error, falls back to default.
func (e *TemplateEngine) Render(data TemplateData) string {
	if e != nil && e.customs != nil {
		if tmplStr, ok := e.customs[data.Type]; ok && tmplStr != "" {
			result, err := executeTemplate(tmplStr, data)
			if err == nil {
				return result
			}
			// Fall through to default on error.
		}
	}
	return defaultFormat(data)
}

// RenderPreview renders a template string with sample data for preview purposes.
// Returns the rendered output or an error if the template is invalid.
func RenderPreview(tmplStr string, eventType string) (string, error) {
	data := sampleData(eventType)
	return executeTemplate(tmplStr, data)
}

func executeTemplate(tmplStr string, data TemplateData) (string, error) {
	t, err := template.New("notify").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func defaultFormat(data TemplateData) string {
	var b strings.Builder
	if data.Emoji != "" {
		b.WriteString(data.Emoji)
		b.WriteString(" ")
	}
	if data.Title != "" {
		b.WriteString(data.Title)
	} else {
		b.WriteString(data.Type)
	}
	b.WriteString("\n")
	if data.AgentID != "" {
		b.WriteString("Agent: ")
		b.WriteString(data.AgentID)
		b.WriteString("\n")
	}
	if data.IP != "" {
		b.WriteString("IP: ")
		b.WriteString(data.IP)
		b.WriteString("\n")
	}
	if data.Cmdtype != "" {
		b.WriteString("Command: ")
		b.WriteString(data.Cmdtype)
		b.WriteString("\n")
	}
	if data.Output != "" {
		b.WriteString("Output: ")
		b.WriteString(data.Output)
		b.WriteString("\n")
	}
	if data.Reason != "" {
		b.WriteString("Reason: ")
		b.WriteString(data.Reason)
		b.WriteString("\n")
	}
	return b.String()
}

func sampleData(eventType string) TemplateData {
	return TemplateData{
		AgentID:   "web01",
		IP:        "10.0.0.5",
		Cmdtype:   "state.apply",
		Success:   true,
		Changed:   true,
		Type:      eventType,
		Timestamp: time.Now(),
		Title:     "Command Result",
		Emoji:     "✅",
		Severity:  "info",
	}
}
