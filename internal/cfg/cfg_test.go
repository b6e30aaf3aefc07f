package cfg

import (
	"flag"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

// validBase returns the flag defaults plus the required fields.
func validBase(t testing.TB) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	c.SQLitePath = "/tmp/tripwire.db"
	c.APIToken = "test-token-123"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := validBase(t)
	if c.DrainSeconds != 60 || c.ShutdownBudgetSeconds != 90 || c.APIPort != 8080 {
		t.Errorf("lifecycle defaults = %d/%d/%d", c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort)
	}
	if c.MaxAttempts != 5 || c.DispatchConcurrency != 8 || c.IntakeWorkers != 16 {
		t.Errorf("pipeline defaults = %d/%d/%d", c.MaxAttempts, c.DispatchConcurrency, c.IntakeWorkers)
	}
	if c.CorrelationWindowSecs != 30 {
		t.Errorf("CorrelationWindowSecs = %d, want 30", c.CorrelationWindowSecs)
	}
	if c.IndependentActions != "COMPUTE_CLAIM" {
		t.Errorf("IndependentActions = %q", c.IndependentActions)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults plus required fields should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-http-port", "9090",
		"-database-url", "postgres://localhost/tripwire",
		"-notify-recipients", "legal@example.com, ops@example.com,",
		"-scan-subjects", "acme-marker",
		"-max-attempts", "3",
		"-retry-initial-ms", "100",
		"-retry-max-ms", "1000",
		"-call-timeout-seconds", "2",
		"-correlation-window-seconds", "5",
		"-claim-rate", "12.5",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.APIPort != 9090 || c.DatabaseURL != "postgres://localhost/tripwire" || c.ClaimRate != 12.5 {
		t.Errorf("config = %+v", c)
	}
	if got := c.Recipients(); !reflect.DeepEqual(got, []string{"legal@example.com", "ops@example.com"}) {
		t.Errorf("Recipients() = %v", got)
	}
	if got := c.Subjects(); !reflect.DeepEqual(got, []string{"acme-marker"}) {
		t.Errorf("Subjects() = %v", got)
	}

	d := c.Dispatcher()
	want := cases.DispatcherConfig{
		Concurrency:    8,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		CallTimeout:    2 * time.Second,

		CorrelationWindow: 5 * time.Second,
	}
	if d != want {
		t.Errorf("Dispatcher() = %+v, want %+v", d, want)
	}
}

func TestIndependent(t *testing.T) {
	t.Parallel()

	c := Config{IndependentActions: "compute_claim, BLOCK"}
	got, err := c.Independent()
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	if !reflect.DeepEqual(got, []cases.ActionType{cases.ActionComputeClaim, cases.ActionBlock}) {
		t.Errorf("Independent() = %v", got)
	}

	c.IndependentActions = "NOTIFY,SUE"
	if _, err := c.Independent(); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:   "postgres instead of sqlite",
			mutate: func(c *Config) { c.SQLitePath = ""; c.DatabaseURL = "postgres://db/tripwire" },
		},
		{
			name:   "minimum lifecycle values",
			mutate: func(c *Config) { c.DrainSeconds = 1; c.ShutdownBudgetSeconds = 2; c.APIPort = 1 },
		},
		{
			name:   "budget is drain plus one",
			mutate: func(c *Config) { c.DrainSeconds = 299; c.ShutdownBudgetSeconds = 300 },
		},
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "no store",
			mutate:    func(c *Config) { c.SQLitePath = "" },
			wantErr:   true,
			errSubstr: []string{"DATABASE_URL or SQLITE_PATH"},
		},
		{
			name:      "two stores",
			mutate:    func(c *Config) { c.DatabaseURL = "postgres://db" },
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		{
			name:      "empty api token",
			mutate:    func(c *Config) { c.APIToken = "" },
			wantErr:   true,
			errSubstr: []string{"API_TOKEN"},
		},
		{
			name:      "claude key without model",
			mutate:    func(c *Config) { c.ClaudeAPIKey = "k"; c.ClaudeModel = "" },
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "bad independent action",
			mutate:    func(c *Config) { c.IndependentActions = "SUE" },
			wantErr:   true,
			errSubstr: []string{"INDEPENDENT_ACTIONS"},
		},
		{
			name:      "retry max below initial",
			mutate:    func(c *Config) { c.RetryInitialMillis = 1000; c.RetryMaxMillis = 10 },
			wantErr:   true,
			errSubstr: []string{"RETRY_MAX_MS"},
		},
		{
			name:   "correlation window disabled",
			mutate: func(c *Config) { c.CorrelationWindowSecs = 0 },
		},
		{
			name:      "negative correlation window",
			mutate:    func(c *Config) { c.CorrelationWindowSecs = -1 },
			wantErr:   true,
			errSubstr: []string{"CORRELATION_WINDOW_SECONDS"},
		},
		{
			name:      "github token without subjects",
			mutate:    func(c *Config) { c.GitHubToken = "ghp_x" },
			wantErr:   true,
			errSubstr: []string{"SCAN_SUBJECTS"},
		},
		{
			name:   "scanning disabled ignores subjects",
			mutate: func(c *Config) { c.GitHubToken = "ghp_x"; c.ScanIntervalSeconds = 0 },
		},
		{
			name:      "zero workers",
			mutate:    func(c *Config) { c.IntakeWorkers = 0; c.DispatchConcurrency = 0; c.MaxAttempts = 0 },
			wantErr:   true,
			errSubstr: []string{"INTAKE_WORKERS", "DISPATCH_CONCURRENCY", "MAX_ATTEMPTS"},
		},
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds = math.MinInt32
				c.ShutdownBudgetSeconds = math.MinInt32
				c.APIPort = math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	seeds := []struct {
		drain, budget, port int
		databaseURL, sqlite string
		token               string
	}{
		{60, 90, 8080, "", "/tmp/t.db", "tok"},
		{1, 2, 1, "postgres://db", "", "t"},
		{299, 300, 65535, "", "x.db", "t"},
		{0, 0, 0, "", "", ""},
		{300, 300, 65535, "postgres://db", "x.db", "t"},
		{math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.databaseURL, s.sqlite, s.token)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port int, databaseURL, sqlite, token string) {
		c := validBase(t)
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.DatabaseURL = databaseURL
		c.SQLitePath = sqlite
		c.APIToken = token
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		storeOK := (databaseURL == "") != (sqlite == "")
		tokenOK := token != ""

		allValid := drainOK && budgetOK && portOK && crossOK && storeOK && tokenOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
