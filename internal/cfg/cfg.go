// Package cfg holds tripwire's application flags.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

// Config is the application configuration. Library configs (http server,
// logging, ops listener, tracing) register their own flags alongside it.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	APIToken      string
	WebhookSecret string

	SlackWebhookURL  string
	NotifyRecipients string
	ClaudeAPIKey     string
	ClaudeModel      string
	ArchiveDir       string

	ScoringFile        string
	PlanPolicyFile     string
	IndependentActions string

	IntakeWorkers          int
	DispatchConcurrency    int
	MaxAttempts            int
	RetryInitialMillis     int
	RetryMaxMillis         int
	CallTimeoutSeconds     int
	DuplicateWindowSeconds int
	CorrelationWindowSecs  int
	MonitorIntervalSeconds int

	ScanIntervalSeconds int
	ScanLookbackSeconds int
	GitHubToken         string
	ScanSubjects        string
	ScanExclude         string

	ClaimRate     float64
	ClaimCurrency string
	ClaimCap      float64
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (exactly one of database-url and sqlite-path is required)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file for single-node deployments")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the shared blocklist (empty = in-process blocklist)")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for signal submission and operator routes")
	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "HMAC secret for signed webhook signals (empty = webhook route disabled)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for violation notices (empty = NOTIFY fails permanently)")
	fs.StringVar(&c.NotifyRecipients, "notify-recipients", "", "comma-separated recipients named on every notice")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for drafting notices with Claude (empty = template only)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model used for notice drafting")
	fs.StringVar(&c.ArchiveDir, "archive-dir", "/var/lib/tripwire/evidence", "directory for archived evidence bundles")

	fs.StringVar(&c.ScoringFile, "scoring-file", "", "YAML severity threshold table (empty = built-in table)")
	fs.StringVar(&c.PlanPolicyFile, "plan-policy-file", "", "rego action plan policy (empty = built-in policy)")
	fs.StringVar(&c.IndependentActions, "independent-actions", "COMPUTE_CLAIM", "comma-separated actions whose failure does not stop later actions")

	fs.IntVar(&c.IntakeWorkers, "intake-workers", 16, "concurrent signal correlations (1..1024)")
	fs.IntVar(&c.DispatchConcurrency, "dispatch-concurrency", 8, "cases dispatched concurrently (1..1024)")
	fs.IntVar(&c.MaxAttempts, "max-attempts", 5, "attempts per action before it is marked failed (1..100)")
	fs.IntVar(&c.RetryInitialMillis, "retry-initial-ms", 500, "initial retry backoff in milliseconds")
	fs.IntVar(&c.RetryMaxMillis, "retry-max-ms", 30000, "maximum retry backoff in milliseconds")
	fs.IntVar(&c.CallTimeoutSeconds, "call-timeout-seconds", 10, "timeout for a single collaborator call (1..600)")
	fs.IntVar(&c.DuplicateWindowSeconds, "duplicate-window-seconds", 86400, "window in which identical evidence is flagged duplicate (0 disables)")
	fs.IntVar(&c.CorrelationWindowSecs, "correlation-window-seconds", 30, "quiet period after the last signal before a case's plan runs (0..3600)")
	fs.IntVar(&c.MonitorIntervalSeconds, "monitor-interval-seconds", 60, "pipeline health snapshot interval (1..3600)")

	fs.IntVar(&c.ScanIntervalSeconds, "scan-interval-seconds", 900, "GitHub scan interval (0 disables scanning)")
	fs.IntVar(&c.ScanLookbackSeconds, "scan-lookback-seconds", 86400, "how far back the first scan reaches")
	fs.StringVar(&c.GitHubToken, "github-token", "", "GitHub token for code search")
	fs.StringVar(&c.ScanSubjects, "scan-subjects", "", "comma-separated protected subjects to scan for")
	fs.StringVar(&c.ScanExclude, "scan-exclude", "", "comma-separated repository URL prefixes owned by the subject owner")

	fs.Float64Var(&c.ClaimRate, "claim-rate", 500, "claim estimate per distinct evidence item")
	fs.StringVar(&c.ClaimCurrency, "claim-currency", "USD", "claim currency (ISO 4217)")
	fs.Float64Var(&c.ClaimCap, "claim-cap", 0, "claim estimate cap (0 = uncapped)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Exactly one durable store; there is no in-memory fallback.
	switch {
	case c.DatabaseURL == "" && c.SQLitePath == "":
		errs = append(errs, errors.New("one of DATABASE_URL or SQLITE_PATH is required"))
	case c.DatabaseURL != "" && c.SQLitePath != "":
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.ArchiveDir == "" {
		errs = append(errs, errors.New("ARCHIVE_DIR is required"))
	}
	if _, err := c.Independent(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs,
		intRange("INTAKE_WORKERS", c.IntakeWorkers, 1, 1024),
		intRange("DISPATCH_CONCURRENCY", c.DispatchConcurrency, 1, 1024),
		intRange("MAX_ATTEMPTS", c.MaxAttempts, 1, 100),
		intRange("CALL_TIMEOUT_SECONDS", c.CallTimeoutSeconds, 1, 600),
		intRange("MONITOR_INTERVAL_SECONDS", c.MonitorIntervalSeconds, 1, 3600),
		intRange("DUPLICATE_WINDOW_SECONDS", c.DuplicateWindowSeconds, 0, 30*86400),
		intRange("CORRELATION_WINDOW_SECONDS", c.CorrelationWindowSecs, 0, 3600),
		intRange("SCAN_INTERVAL_SECONDS", c.ScanIntervalSeconds, 0, 7*86400),
	)
	if c.RetryInitialMillis <= 0 {
		errs = append(errs, fmt.Errorf("invalid RETRY_INITIAL_MS %d (must be > 0)", c.RetryInitialMillis))
	}
	if c.RetryMaxMillis < c.RetryInitialMillis {
		errs = append(errs, fmt.Errorf("RETRY_MAX_MS %d must be >= RETRY_INITIAL_MS %d", c.RetryMaxMillis, c.RetryInitialMillis))
	}

	// Scanning needs somewhere to look and credentials to look with.
	if c.ScanIntervalSeconds > 0 && c.GitHubToken != "" && len(c.Subjects()) == 0 {
		errs = append(errs, errors.New("SCAN_SUBJECTS is required when GITHUB_TOKEN is set"))
	}
	if c.ScanIntervalSeconds > 0 && c.ScanLookbackSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid SCAN_LOOKBACK_SECONDS %d (must be > 0)", c.ScanLookbackSeconds))
	}

	return errors.Join(errs...)
}

func intRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("invalid %s %d (must be %d..%d)", name, v, lo, hi)
	}
	return nil
}

// Recipients returns the parsed notify-recipients list.
func (c *Config) Recipients() []string { return splitList(c.NotifyRecipients) }

// Subjects returns the parsed scan-subjects list.
func (c *Config) Subjects() []string { return splitList(c.ScanSubjects) }

// ScanExcludes returns the parsed scan-exclude list.
func (c *Config) ScanExcludes() []string { return splitList(c.ScanExclude) }

// Independent returns the parsed independent-actions list.
func (c *Config) Independent() ([]cases.ActionType, error) {
	var out []cases.ActionType
	for _, s := range splitList(c.IndependentActions) {
		a := cases.ActionType(strings.ToUpper(s))
		if !a.Valid() {
			return nil, fmt.Errorf("invalid INDEPENDENT_ACTIONS entry %q", s)
		}
		out = append(out, a)
	}
	return out, nil
}

// Dispatcher returns the dispatcher settings.
func (c *Config) Dispatcher() cases.DispatcherConfig {
	return cases.DispatcherConfig{
		Concurrency:    c.DispatchConcurrency,
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.RetryInitialMillis) * time.Millisecond,
		MaxBackoff:     time.Duration(c.RetryMaxMillis) * time.Millisecond,
		CallTimeout:    time.Duration(c.CallTimeoutSeconds) * time.Second,

		CorrelationWindow: time.Duration(c.CorrelationWindowSecs) * time.Second,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
