// Tripwirectl submits signals to a tripwire server and works its case queue.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	v "github.com/linnemanlabs/go-core/version"
	"github.com/spf13/cobra"
)

const appName = "tripwire"
const component = "ctl"

type options struct {
	server  string
	token   string
	timeout time.Duration
	asJSON  bool
}

func (o *options) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tripwirectl",
		Short:         "Operate a tripwire server",
		Long:          `Submit violation signals and review, dismiss or re-plan enforcement cases.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("TRIPWIRE_SERVER", "http://localhost:8080"), "tripwire API base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("TRIPWIRE_API_TOKEN"), "API bearer token")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	pf.BoolVar(&opts.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newSubmitCmd(opts),
		newCasesCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			v.AppName = appName
			v.Component = component
			vi := v.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) %s (commit=%s, go=%s)\n",
				vi.AppName, vi.Component, vi.Version, vi.Commit, vi.GoVersion)
		},
	}
}

func envOr(key, def string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return def
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
