// Package claude drafts NOTIFY notices with the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

const (
	defaultMaxTokens = 1024
	draftTimeout     = 30 * time.Second
	maxEvidenceLines = 20
	maxRawEvidence   = 400
)

const systemPrompt = `You draft formal enforcement notices about misuse of a protected identifier.
Write plainly and factually. Do not invent facts, names, amounts or deadlines that are not in the case.
Reply with the notice title on the first line, a blank line, then the notice body. No markdown headings.`

// Drafter renders notices with Claude. Any API failure or unusable reply
// falls back to the configured drafter, so NOTIFY never blocks on the model.
type Drafter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	fallback  cases.NoticeDrafter
	logger    log.Logger
}

// New creates a Drafter. opts are passed to the SDK client (tests point it
// at a local server with option.WithBaseURL).
func New(apiKey, model string, fallback cases.NoticeDrafter, logger log.Logger, opts ...option.RequestOption) *Drafter {
	if logger == nil {
		logger = log.Nop()
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}, opts...)
	return &Drafter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
		fallback:  fallback,
		logger:    logger,
	}
}

// Draft implements cases.NoticeDrafter.
func (d *Drafter) Draft(ctx context.Context, c *cases.Case) (*cases.Notice, error) {
	n, err := d.draft(ctx, c)
	if err == nil {
		return n, nil
	}
	if d.fallback == nil {
		return nil, err
	}
	d.logger.Warn(ctx, "claude draft failed, using template", "case_id", c.ID, "err", err)
	return d.fallback.Draft(ctx, c)
}

func (d *Drafter) draft(ctx context.Context, c *cases.Case) (*cases.Notice, error) {
	ctx, cancel := context.WithTimeout(ctx, draftTimeout)
	defer cancel()

	start := time.Now()
	msg, err := d.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(d.model),
		MaxTokens: d.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(c))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude: messages.new: %w", err)
	}

	title, body, err := parseDraft(textOf(msg))
	if err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	d.logger.Info(ctx, "notice drafted",
		"case_id", c.ID,
		"model", string(msg.Model),
		"tokens_in", msg.Usage.InputTokens,
		"tokens_out", msg.Usage.OutputTokens,
		"duration", time.Since(start).Seconds(),
	)
	return &cases.Notice{
		CaseID:   c.ID,
		Key:      c.Key,
		Severity: c.Severity,
		Title:    title,
		Body:     body,
	}, nil
}

// buildPrompt summarizes the case for the model. Supplementary evidence and
// anything beyond maxEvidenceLines are left out.
func buildPrompt(c *cases.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case: %s\n", c.ID)
	fmt.Fprintf(&b, "Protected subject: %s\n", c.Key.Subject)
	fmt.Fprintf(&b, "Violator: %s\n", c.Key.Violator)
	fmt.Fprintf(&b, "Violation kind: %s\n", c.Key.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", c.Severity)
	b.WriteString("Evidence:\n")

	n := 0
	for _, e := range c.Evidence {
		if e.Supplementary {
			continue
		}
		if n == maxEvidenceLines {
			b.WriteString("- (further evidence omitted)\n")
			break
		}
		n++
		fmt.Fprintf(&b, "- %s signal observed %s", e.Signal.SourceType, e.Signal.ObservedAt.UTC().Format(time.RFC3339))
		if e.Signal.Duplicate {
			b.WriteString(" (repeat of earlier evidence)")
		}
		if raw := strings.TrimSpace(string(e.Signal.RawEvidence)); raw != "" {
			if len(raw) > maxRawEvidence {
				raw = raw[:maxRawEvidence] + "..."
			}
			fmt.Fprintf(&b, ": %s", raw)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func textOf(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// parseDraft splits a reply into title (first non-empty line) and body.
func parseDraft(text string) (title, body string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", errors.New("empty reply")
	}
	title, body, _ = strings.Cut(text, "\n")
	title = strings.TrimSpace(strings.TrimLeft(title, "# "))
	body = strings.TrimSpace(body)
	if title == "" || body == "" {
		return "", "", errors.New("reply has no title/body split")
	}
	return title, body, nil
}

var _ cases.NoticeDrafter = (*Drafter)(nil)
