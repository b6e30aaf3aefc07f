package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

type submitOptions struct {
	source        string
	subject       string
	violator      string
	kind          string
	observedAt    string
	evidence      string
	authoritative bool
	webhookSecret string
}

func newSubmitCmd(opts *options) *cobra.Command {
	so := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a violation signal",
		Example: `  # Report an impersonating domain by hand
  tripwirectl submit --subject acme --violator acme-login.example --kind IMPERSONATION \
    --evidence '{"url":"https://acme-login.example"}'

  # Send through the signed webhook route instead of the bearer route
  tripwirectl submit --webhook-secret "$HOOK_SECRET" --subject acme --violator v --kind CODE_COPY --evidence @finding.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := so.input(cmd.Flags().Changed("authoritative"))
			if err != nil {
				return err
			}

			var res cases.SubmitResult
			c := opts.client()
			if so.webhookSecret != "" {
				err = c.webhook(cmd.Context(), so.webhookSecret, in, &res)
			} else {
				err = c.do(cmd.Context(), http.MethodPost, "/api/v1/signals", nil, in, &res)
			}
			if err != nil {
				return err
			}

			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printSubmit(cmd.OutOrStdout(), &res)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.source, "source", string(signal.SourceManual), "source type (scan, webhook, manual)")
	f.StringVar(&so.subject, "subject", "", "protected subject")
	f.StringVar(&so.violator, "violator", "", "violating party")
	f.StringVar(&so.kind, "kind", "", "violation kind")
	f.StringVar(&so.observedAt, "observed-at", "", "observation time, RFC3339 (default now)")
	f.StringVar(&so.evidence, "evidence", "", "evidence as JSON, plain text, or @file")
	f.BoolVar(&so.authoritative, "authoritative", false, "override the source's default authority")
	f.StringVar(&so.webhookSecret, "webhook-secret", os.Getenv("TRIPWIRE_WEBHOOK_SECRET"), "sign and send via the webhook route")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("violator")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func (so *submitOptions) input(authoritySet bool) (*signal.Input, error) {
	in := &signal.Input{
		SourceType: so.source,
		Subject:    so.subject,
		Violator:   so.violator,
		Kind:       strings.ToUpper(so.kind),
	}
	if so.observedAt != "" {
		t, err := time.Parse(time.RFC3339, so.observedAt)
		if err != nil {
			return nil, fmt.Errorf("--observed-at: %w", err)
		}
		in.ObservedAt = t
	}
	if authoritySet {
		a := so.authoritative
		in.Authoritative = &a
	}

	ev, err := readEvidence(so.evidence)
	if err != nil {
		return nil, err
	}
	in.Evidence = ev
	return in, nil
}

// readEvidence returns raw JSON as-is and wraps anything else as a JSON string.
func readEvidence(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	b := []byte(s)
	if name, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if b, err = os.ReadFile(name); err != nil {
			return nil, fmt.Errorf("read evidence: %w", err)
		}
	}
	if json.Valid(b) {
		return b, nil
	}
	quoted, err := json.Marshal(string(b))
	if err != nil {
		return nil, err
	}
	return quoted, nil
}

func printSubmit(w io.Writer, res *cases.SubmitResult) {
	switch {
	case !res.Accepted && res.CaseID == "":
		fmt.Fprintln(w, "recorded as supplementary history")
	case !res.Accepted:
		fmt.Fprintf(w, "recorded as supplementary evidence on case %s\n", res.CaseID)
	case res.Created:
		fmt.Fprintf(w, "opened case %s (%s, %s)\n", res.CaseID, res.State, res.Severity)
	default:
		fmt.Fprintf(w, "attached to case %s (%s, %s)\n", res.CaseID, res.State, res.Severity)
	}
	if res.Duplicate {
		fmt.Fprintln(w, "note: evidence duplicates an earlier signal")
	}
}
