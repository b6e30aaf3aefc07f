// Package notify renders the notice text sent by the NOTIFY action.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

const defaultTitle = `[{{.Severity}}] {{kindName .Key.Kind}} of {{.Key.Subject}}`

const defaultBody = `We have identified {{kindName .Key.Kind | lower}} involving {{.Key.Subject}} by {{.Key.Violator}}.

{{$ev := primary .Evidence}}Evidence on record ({{len $ev}} item{{if ne (len $ev) 1}}s{{end}}):
{{- range $ev}}
  - {{.Signal.SourceType}} signal observed {{.Signal.ObservedAt.UTC.Format "2006-01-02 15:04 UTC"}}{{if .Signal.Duplicate}} (repeat){{end}}
{{- end}}

Please remove the infringing material or contact us to resolve this matter.
Reference: case {{.ID}}`

// Template drafts notices from text/template sources. It never fails at
// draft time for a well-formed case, so it serves as the fallback drafter.
type Template struct {
	title *template.Template
	body  *template.Template
}

var funcs = template.FuncMap{
	"kindName": kindName,
	"lower":    strings.ToLower,
	"primary":  primary,
}

// NewTemplate parses title and body templates. Empty strings select the
// built-in defaults.
func NewTemplate(title, body string) (*Template, error) {
	if title == "" {
		title = defaultTitle
	}
	if body == "" {
		body = defaultBody
	}
	t, err := template.New("title").Funcs(funcs).Parse(title)
	if err != nil {
		return nil, fmt.Errorf("parse title template: %w", err)
	}
	b, err := template.New("body").Funcs(funcs).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	return &Template{title: t, body: b}, nil
}

// Default returns the built-in template.
func Default() *Template {
	t, err := NewTemplate("", "")
	if err != nil {
		panic(err)
	}
	return t
}

// Draft implements cases.NoticeDrafter.
func (t *Template) Draft(_ context.Context, c *cases.Case) (*cases.Notice, error) {
	var title, body bytes.Buffer
	if err := t.title.Execute(&title, c); err != nil {
		return nil, fmt.Errorf("render title: %w", err)
	}
	if err := t.body.Execute(&body, c); err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	return &cases.Notice{
		CaseID:   c.ID,
		Key:      c.Key,
		Severity: c.Severity,
		Title:    strings.TrimSpace(title.String()),
		Body:     strings.TrimSpace(body.String()),
	}, nil
}

// primary drops supplementary evidence, which is kept for the record only.
func primary(ev []cases.Evidence) []cases.Evidence {
	out := make([]cases.Evidence, 0, len(ev))
	for _, e := range ev {
		if !e.Supplementary {
			out = append(out, e)
		}
	}
	return out
}

func kindName(k signal.Kind) string {
	switch k {
	case signal.KindImpersonation:
		return "Impersonation"
	case signal.KindCodeCopy:
		return "Unauthorized code copy"
	case signal.KindLicenseViolation:
		return "License violation"
	case signal.KindCredentialLeak:
		return "Credential leak"
	case signal.KindTrademarkMisuse:
		return "Trademark misuse"
	}
	return string(k)
}

var _ cases.NoticeDrafter = (*Template)(nil)
