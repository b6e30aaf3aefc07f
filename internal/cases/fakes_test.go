package cases_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/cases/memstore"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// callLog records successful collaborator calls in order.
type callLog struct {
	mu      sync.Mutex
	actions []cases.ActionType
}

func (l *callLog) add(a cases.ActionType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actions = append(l.actions, a)
}

func (l *callLog) get() []cases.ActionType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cases.ActionType(nil), l.actions...)
}

// step scripts one collaborator call; nil means succeed.
type step func(ctx context.Context) error

func timeout(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type scripted struct {
	mu     sync.Mutex
	script []step
	calls  int
	okay   int
	keys   []string
}

// run executes the next scripted step and counts the call.
func (s *scripted) run(ctx context.Context) error {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var st step
	if i < len(s.script) {
		st = s.script[i]
	}
	s.mu.Unlock()

	if st != nil {
		if err := st(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.okay++
	s.mu.Unlock()
	return nil
}

func (s *scripted) setScript(steps ...step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = steps
	s.calls = 0
}

func (s *scripted) counts() (calls, okay int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.okay
}

type fakeNotifier struct {
	scripted
	log *callLog
}

func (f *fakeNotifier) Send(ctx context.Context, _ string, n *cases.Notice, _ []string) error {
	if err := f.run(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.keys = append(f.keys, n.IdempotencyKey)
	f.mu.Unlock()
	f.log.add(cases.ActionNotify)
	return nil
}

type fakeBlocklist struct {
	scripted
	log     *callLog
	blocked sync.Map
}

func (f *fakeBlocklist) Block(ctx context.Context, violator, _ string) error {
	if err := f.run(ctx); err != nil {
		return err
	}
	f.blocked.Store(violator, true)
	f.log.add(cases.ActionBlock)
	return nil
}

func (f *fakeBlocklist) IsBlocked(_ context.Context, violator string) (bool, error) {
	_, ok := f.blocked.Load(violator)
	return ok, nil
}

type fakeClaims struct {
	scripted
	log *callLog
}

func (f *fakeClaims) Compute(ctx context.Context, c *cases.Case) (cases.Claim, error) {
	if err := f.run(ctx); err != nil {
		return cases.Claim{}, err
	}
	f.log.add(cases.ActionComputeClaim)
	return cases.Claim{Amount: 100, Currency: "USD", Basis: fmt.Sprintf("%d items", len(c.Evidence))}, nil
}

type fakeArchive struct {
	scripted
	log *callLog
}

func (f *fakeArchive) Put(ctx context.Context, c *cases.Case) (string, error) {
	if err := f.run(ctx); err != nil {
		return "", err
	}
	f.log.add(cases.ActionPersistEvidence)
	return "archive/" + c.ID + ".json", nil
}

type harness struct {
	svc        *cases.Service
	store      *memstore.Store
	dispatcher *cases.Dispatcher
	notifier   *fakeNotifier
	blocklist  *fakeBlocklist
	claims     *fakeClaims
	archive    *fakeArchive
	calls      *callLog
}

func testDispatcherConfig() cases.DispatcherConfig {
	return cases.DispatcherConfig{
		Concurrency:    4,
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    50 * time.Millisecond,
	}
}

func newHarness(t *testing.T, store *memstore.Store) *harness {
	t.Helper()
	return newHarnessWith(t, store, testDispatcherConfig())
}

func newHarnessWith(t *testing.T, store *memstore.Store, cfg cases.DispatcherConfig) *harness {
	t.Helper()
	if store == nil {
		store = memstore.New()
	}
	return newHarnessOn(t, store, store, cfg)
}

// newHarnessOn runs the pipeline on backend, which wraps store.
func newHarnessOn(t *testing.T, backend cases.Store, store *memstore.Store, cfg cases.DispatcherConfig) *harness {
	t.Helper()

	calls := &callLog{}
	h := &harness{
		store:     store,
		notifier:  &fakeNotifier{log: calls},
		blocklist: &fakeBlocklist{log: calls},
		claims:    &fakeClaims{log: calls},
		archive:   &fakeArchive{log: calls},
		calls:     calls,
	}

	executors := cases.NewStandardExecutors(cases.Collaborators{
		Notifier:   h.notifier,
		Recipients: []string{"legal@example.com"},
		Blocklist:  h.blocklist,
		Claims:     h.claims,
		Archive:    h.archive,
	})
	h.dispatcher = cases.NewDispatcher(backend, executors, cfg, log.Nop(), cases.Hooks{})
	correlator := cases.NewCorrelator(backend, cases.NewScorer(cases.DefaultScoringPolicy()), nil, log.Nop(), cases.Hooks{})
	h.svc = cases.NewService(cases.ServiceConfig{IntakeWorkers: 8}, backend, signal.NewIngestor(time.Hour), correlator, h.dispatcher, log.Nop(), cases.Hooks{})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func input(source, violator string, kind signal.Kind, evidence string) *signal.Input {
	return &signal.Input{
		SourceType: source,
		Subject:    "owner@example.com",
		Violator:   violator,
		Kind:       string(kind),
		Evidence:   json.RawMessage(evidence),
	}
}

func (h *harness) submit(t *testing.T, in *signal.Input) *cases.SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res
}

// submitCritical opens a CRITICAL case: four distinct signals, two sources.
func (h *harness) submitCritical(t *testing.T, violator string) string {
	t.Helper()
	var id string
	for i, src := range []string{"webhook", "webhook", "manual", "manual"} {
		res := h.submit(t, input(src, violator, signal.KindImpersonation, fmt.Sprintf(`{"n":%d}`, i)))
		if id != "" && res.CaseID != id {
			t.Fatalf("signal %d went to case %s, want %s", i, res.CaseID, id)
		}
		id = res.CaseID
	}
	return id
}

func (h *harness) get(t *testing.T, id string) *cases.Case {
	t.Helper()
	c, ok, err := h.svc.Get(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("Get %s: ok=%v err=%v", id, ok, err)
	}
	return c
}

// waitFor polls until cond holds or fails the test after five seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitForState(t *testing.T, id string, want cases.State) *cases.Case {
	t.Helper()
	var c *cases.Case
	waitFor(t, fmt.Sprintf("case %s to reach %s", id, want), func() bool {
		c = h.get(t, id)
		return c.State == want
	})
	return c
}

// flakyClaims fails ClaimAction with err for the first n calls.
type flakyClaims struct {
	cases.Store
	err error

	mu sync.Mutex
	n  int
}

func (f *flakyClaims) ClaimAction(ctx context.Context, caseID string, a cases.ActionType, key string) (*cases.ActionResult, bool, error) {
	f.mu.Lock()
	fail := f.n > 0
	if fail {
		f.n--
	}
	f.mu.Unlock()
	if fail {
		return nil, false, f.err
	}
	return f.Store.ClaimAction(ctx, caseID, a, key)
}
