package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

func newCasesCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cases",
		Aliases: []string{"case"},
		Short:   "Inspect and operate on cases",
	}
	cmd.AddCommand(
		newCasesListCmd(opts),
		newCasesShowCmd(opts),
		newCasesLookupCmd(opts),
		newCasesDismissCmd(opts),
		newCasesSeverityCmd(opts),
		newCasesReplanCmd(opts),
	)
	return cmd
}

func newCasesListCmd(opts *options) *cobra.Command {
	var (
		states      []string
		severity    string
		needsReview bool
		subject     string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open cases",
		Example: `  # The operator review queue
  tripwirectl cases list --needs-review

  # Everything HIGH or worse for one subject
  tripwirectl cases list --severity high --subject acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for _, s := range states {
				q.Add("state", s)
			}
			if severity != "" {
				q.Set("severity", severity)
			}
			if cmd.Flags().Changed("needs-review") {
				q.Set("needs_review", strconv.FormatBool(needsReview))
			}
			if subject != "" {
				q.Set("subject", subject)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			var res struct {
				Cases []*cases.Case `json:"cases"`
				Count int           `json:"count"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/cases", q, nil, &res); err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			return printCaseTable(cmd.OutOrStdout(), res.Cases)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	f.StringVar(&severity, "severity", "", "minimum severity")
	f.BoolVar(&needsReview, "needs-review", false, "only cases waiting for an operator")
	f.StringVar(&subject, "subject", "", "filter by protected subject")
	f.IntVar(&limit, "limit", 0, "maximum cases to return")
	return cmd
}

func newCasesShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show CASE_ID",
		Short: "Show one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c cases.Case
			if err := opts.client().do(cmd.Context(), http.MethodGet, casePath(args[0], ""), nil, nil, &c); err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), &c)
		},
	}
}

func newCasesLookupCmd(opts *options) *cobra.Command {
	var subject, violator, kind string
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Find the case for a correlation key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("subject", subject)
			q.Set("violator", violator)
			q.Set("kind", kind)
			var c cases.Case
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/cases/lookup", q, nil, &c); err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), &c)
		},
	}
	f := cmd.Flags()
	f.StringVar(&subject, "subject", "", "protected subject")
	f.StringVar(&violator, "violator", "", "violating party")
	f.StringVar(&kind, "kind", "", "violation kind")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("violator")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newCasesDismissCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss CASE_ID",
		Short: "Dismiss a case as a false positive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			var c cases.Case
			if err := opts.client().do(cmd.Context(), http.MethodPost, casePath(args[0], "dismiss"), nil, body, &c); err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), &c)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the case is dismissed")
	return cmd
}

func newCasesSeverityCmd(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "severity CASE_ID LEVEL",
		Short: "Override a case's severity",
		Long:  `Override the computed severity. The override sticks until the case closes; new evidence no longer changes it.`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"severity": strings.ToUpper(args[1]),
				"reason":   reason,
			}
			var c cases.Case
			if err := opts.client().do(cmd.Context(), http.MethodPost, casePath(args[0], "severity"), nil, body, &c); err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), &c)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the severity changed")
	return cmd
}

func newCasesReplanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replan CASE_ID",
		Short: "Recompute a reviewed case's plan and dispatch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c cases.Case
			if err := opts.client().do(cmd.Context(), http.MethodPost, casePath(args[0], "replan"), nil, nil, &c); err != nil {
				return err
			}
			return opts.printCase(cmd.OutOrStdout(), &c)
		},
	}
}

func casePath(id, verb string) string {
	p := "/api/v1/cases/" + url.PathEscape(id)
	if verb != "" {
		p += "/" + verb
	}
	return p
}

func printCaseTable(w io.Writer, list []*cases.Case) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSEVERITY\tKIND\tSUBJECT\tVIOLATOR\tEVIDENCE\tOPENED")
	for _, c := range list {
		state := string(c.State)
		if c.NeedsReview() {
			state += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, state, orDash(string(c.Severity)), c.Key.Kind, c.Key.Subject, c.Key.Violator,
			len(c.Evidence), c.OpenedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d case(s)\n", len(list))
	return nil
}

func (o *options) printCase(w io.Writer, c *cases.Case) error {
	if o.asJSON {
		return printJSON(w, c)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Case:\t%s\n", c.ID)
	fmt.Fprintf(tw, "Key:\t%s / %s / %s\n", c.Key.Subject, c.Key.Violator, c.Key.Kind)
	fmt.Fprintf(tw, "State:\t%s\n", c.State)
	sev := orDash(string(c.Severity))
	if c.SeverityOverridden {
		sev += " (overridden)"
	}
	fmt.Fprintf(tw, "Severity:\t%s\n", sev)
	if c.ReviewReason != "" {
		fmt.Fprintf(tw, "Review:\t%s\n", c.ReviewReason)
	}
	fmt.Fprintf(tw, "Opened:\t%s\n", c.OpenedAt.Format(time.RFC3339))
	if !c.ClosedAt.IsZero() {
		fmt.Fprintf(tw, "Closed:\t%s\n", c.ClosedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Evidence:\t%d item(s)\n", len(c.Evidence))
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(c.Plan.Actions) > 0 {
		fmt.Fprintln(w, "\nActions:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, a := range c.Plan.Actions {
			status, attempts, detail := "PENDING", 0, ""
			if r := c.Actions[a]; r != nil {
				status, attempts = string(r.Status), r.Attempts
				detail = r.Output
				if r.LastError != "" {
					detail = r.LastError
				}
			}
			if slices.Contains(c.Plan.Independent, a) {
				detail = strings.TrimSpace("[independent] " + detail)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d attempt(s)\t%s\n", a, status, attempts, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(c.History) > 0 {
		fmt.Fprintln(w, "\nHistory:")
		for _, t := range c.History {
			fmt.Fprintf(w, "  %s  %s -> %s  %s\n", t.At.Format(time.RFC3339), orDash(string(t.From)), t.To, t.Reason)
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
