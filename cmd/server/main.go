// Tripwire correlates violation signals into cases and enforces them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/tripwire/internal/archive"
	"github.com/linnemanlabs/tripwire/internal/blocklist"
	"github.com/linnemanlabs/tripwire/internal/caseapi"
	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/cases/pgstore"
	"github.com/linnemanlabs/tripwire/internal/cases/sqlitestore"
	tc "github.com/linnemanlabs/tripwire/internal/cfg"
	"github.com/linnemanlabs/tripwire/internal/claim"
	"github.com/linnemanlabs/tripwire/internal/llm/claude"
	"github.com/linnemanlabs/tripwire/internal/notify"
	"github.com/linnemanlabs/tripwire/internal/notify/slack"
	"github.com/linnemanlabs/tripwire/internal/policy"
	"github.com/linnemanlabs/tripwire/internal/postgres"
	"github.com/linnemanlabs/tripwire/internal/scanner"
	sig "github.com/linnemanlabs/tripwire/internal/signal"
)

const appName = "tripwire"
const component = "server"

// manual submissions may carry inline evidence
const maxBodyBytes = 1024 * 256

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    tc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, parsed into each package's config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env vars fill only what the cmdline left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix TRIPWIRE_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "TRIPWIRE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// flush anything buffered before exit
	defer func() { _ = lg.Sync() }()

	// component field pre-filled for everything logged from main
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"intake_workers", appCfg.IntakeWorkers,
		"dispatch_concurrency", appCfg.DispatchConcurrency,
		"max_attempts", appCfg.MaxAttempts,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// Start profiling, returns a stop function to flush buffers on shutdown
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function that flushes pending spans
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, shared registry for go-core and pipeline instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Case pipeline metrics on the shared Prometheus registry.
	caseMetrics := cases.NewMetrics(m.Registry())
	hooks := caseMetrics.Hooks()

	// Case store: postgres for shared deployments, sqlite for a single node.
	var store cases.Store
	if appCfg.DatabaseURL != "" {
		// Register per-query DB duration histogram and wire the observer.
		dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripwire_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "outcome"})
		m.Registry().MustRegister(dbQueryDuration)
		postgres.SetQueryObserver(postgres.QueryObserverFunc(
			func(_ context.Context, method, route, outcome string, dur time.Duration) {
				dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
			},
		))

		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pg
		L.Info(ctx, "using postgres store")
	} else {
		sq, err := sqlitestore.Open(ctx, appCfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore init: %w", err)
		}
		defer func() { _ = sq.Close() }()
		store = sq
		L.Info(ctx, "using sqlite store", "path", appCfg.SQLitePath)
	}

	// Blocklist registry: redis when shared, in-process otherwise.
	var bl cases.Blocklist
	if appCfg.RedisURL != "" {
		rc, err := blocklist.NewClient(ctx, appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis blocklist: %w", err)
		}
		defer func() { _ = rc.Close() }()
		bl = blocklist.NewRedis(rc)
		L.Info(ctx, "blocklist enabled", "type", "redis")
	} else {
		bl = blocklist.NewMemory()
		L.Warn(ctx, "using in-process blocklist, blocks are lost on restart")
	}

	// Evidence archive and claim calculator back PERSIST_EVIDENCE and COMPUTE_CLAIM.
	evidence, err := archive.New(appCfg.ArchiveDir, L)
	if err != nil {
		return fmt.Errorf("evidence archive: %w", err)
	}

	claims, err := claim.New(claim.Config{
		Rate:     appCfg.ClaimRate,
		Currency: appCfg.ClaimCurrency,
		Cap:      appCfg.ClaimCap,
	})
	if err != nil {
		return fmt.Errorf("claim calculator: %w", err)
	}

	// Severity thresholds, built-in unless a YAML table is configured.
	scoring := cases.DefaultScoringPolicy()
	if appCfg.ScoringFile != "" {
		if scoring, err = cases.LoadScoringPolicy(appCfg.ScoringFile); err != nil {
			return fmt.Errorf("scoring policy: %w", err)
		}
		L.Info(ctx, "loaded scoring policy", "path", appCfg.ScoringFile)
	}

	independent, err := appCfg.Independent()
	if err != nil {
		return err
	}
	// Action planner: rego policy, the built-in one mirrors the severity table.
	var planner *policy.Planner
	if appCfg.PlanPolicyFile != "" {
		planner, err = policy.Load(ctx, appCfg.PlanPolicyFile, independent)
	} else {
		planner, err = policy.Default(ctx, independent)
	}
	if err != nil {
		return fmt.Errorf("plan policy: %w", err)
	}
	L.Info(ctx, "action planner ready", "policy_file", appCfg.PlanPolicyFile, "independent", len(independent))

	// Initialize Slack notifier for enforcement notices.
	var notifier cases.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	// Notices come from the template unless Claude drafting is enabled,
	// which falls back to the template on failure.
	var drafter cases.NoticeDrafter = notify.Default()
	if appCfg.ClaudeAPIKey != "" {
		drafter = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, drafter, L)
		L.Info(ctx, "notice drafting enabled", "provider", "claude", "model", appCfg.ClaudeModel)
	}

	executors := cases.NewStandardExecutors(cases.Collaborators{
		Notifier:   notifier,
		Drafter:    drafter,
		Recipients: appCfg.Recipients(),
		Blocklist:  bl,
		Claims:     claims,
		Archive:    evidence,
	})

	// Initialize the case service (owns intake, correlation, async dispatch).
	ingestor := sig.NewIngestor(time.Duration(appCfg.DuplicateWindowSeconds) * time.Second)
	correlator := cases.NewCorrelator(store, cases.NewScorer(scoring), planner, L, hooks)
	dispatcher := cases.NewDispatcher(store, executors, appCfg.Dispatcher(), L, hooks)
	svc := cases.NewService(cases.ServiceConfig{IntakeWorkers: appCfg.IntakeWorkers}, store, ingestor, correlator, dispatcher, L, hooks)

	// Resume plans left mid-dispatch by the previous process, then start dispatching.
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start case service: %w", err)
	}

	// Single scheduled health-check task.
	monitor := cases.NewMonitor(store, dispatcher, time.Duration(appCfg.MonitorIntervalSeconds)*time.Second, L, hooks)
	go monitor.Run(ctx)

	// GitHub scanner, only with credentials; without them the feed is unavailable.
	if appCfg.ScanIntervalSeconds > 0 && appCfg.GitHubToken != "" {
		feed := scanner.NewGitHub(scanner.GitHubConfig{
			Token:    appCfg.GitHubToken,
			Subjects: appCfg.Subjects(),
			Exclude:  appCfg.ScanExcludes(),
		})
		poller := scanner.NewPoller(feed, svc, scanner.PollerConfig{
			Interval: time.Duration(appCfg.ScanIntervalSeconds) * time.Second,
			Lookback: time.Duration(appCfg.ScanLookbackSeconds) * time.Second,
		}, scanner.NewMetrics(m.Registry()), L)
		go poller.Run(ctx)
		L.Info(ctx, "scanner enabled", "feed", feed.Name(), "subjects", len(appCfg.Subjects()))
	}

	// setup toggle for server shutdown. readiness fails once it is set so the
	// load balancer drains connections before the process stops.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)

	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. it serves internal monitoring only; public ips
	// and requests carrying x-forwarded headers are rejected in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api router: health routes, case routes and the inner middleware
	r := newRouter(L, svc, caseapi.Auth{
		APIToken:      appCfg.APIToken,
		WebhookSecret: appCfg.WebhookSecret,
	}, liveness, readiness)

	// middleware stack for main listener, order matters. the outermost wrapper
	// sees the raw request first and the response last; the innermost sees the
	// full context built up by the outer ones
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection, outer so downstream
	// middleware and handlers all see the same resolved address
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware, outer to catch panics from anything downstream
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost so they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start case API HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for the load balancer to
	// notice we are unready. A second signal skips the wait.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// The API stops first so no new intake reaches the service, then the
	// dispatcher finishes in-flight actions before telemetry is flushed.
	// stopProf is synchronous and runs from its defer.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"case service", svc.Shutdown},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newRouter builds the API router: health routes on the main listener, the
// case routes, and the middleware that needs chi's route context.
func newRouter(L log.Logger, svc caseapi.CaseService, auth caseapi.Auth, liveness, readiness health.Probe) chi.Router {
	r := chi.NewRouter()

	// Compress text responses (JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, 413 past the limit
	r.Use(httpmw.MaxBody(maxBodyBytes))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register case api routes
	caseapi.New(L, svc, auth).RegisterRoutes(r)
	return r
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
