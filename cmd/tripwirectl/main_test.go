package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/tripwire/internal/authmw"
	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Sig    string
	Body   []byte
}

// fakeServer records every request and answers with a fixed status and body.
type fakeServer struct {
	mu     sync.Mutex
	reqs   []recorded
	status int
	reply  any
}

func newFakeServer(t *testing.T, status int, reply any) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{status: status, reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.reqs = append(fs.reqs, recorded{
			Method: r.Method,
			Path:   r.URL.EscapedPath(),
			Query:  r.URL.RawQuery,
			Auth:   r.Header.Get("Authorization"),
			Sig:    r.Header.Get(authmw.SignatureHeader),
			Body:   body,
		})
		fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fs.status)
		_ = json.NewEncoder(w).Encode(fs.reply)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) last(t *testing.T) recorded {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.reqs) == 0 {
		t.Fatal("server saw no requests")
	}
	return fs.reqs[len(fs.reqs)-1]
}

func execute(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", srv.URL, "--token", "op-token"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmit_BearerRoute(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusAccepted, cases.SubmitResult{
		CaseID: "01CASE", Accepted: true, Created: true,
		State: cases.StateDetected, Severity: cases.SeverityLow,
	})

	out, err := execute(t, srv, "submit",
		"--subject", "acme", "--violator", "evil.example", "--kind", "impersonation",
		"--observed-at", "2026-03-01T10:00:00Z", "--evidence", `{"url":"https://evil.example"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "opened case 01CASE (DETECTED, LOW)") {
		t.Errorf("output = %q", out)
	}

	req := fs.last(t)
	if req.Method != http.MethodPost || req.Path != "/api/v1/signals" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Auth != "Bearer op-token" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	var in signal.Input
	if err := json.Unmarshal(req.Body, &in); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if in.SourceType != "manual" || in.Kind != "IMPERSONATION" || in.Subject != "acme" {
		t.Errorf("input = %+v", in)
	}
	if !in.ObservedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("observed_at = %v", in.ObservedAt)
	}
	if string(in.Evidence) != `{"url":"https://evil.example"}` {
		t.Errorf("evidence = %s", in.Evidence)
	}
	if in.Authoritative != nil {
		t.Errorf("authoritative should be left to the source default, got %v", *in.Authoritative)
	}
}

func TestSubmit_AuthoritativeFlag(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusAccepted, cases.SubmitResult{CaseID: "c", Accepted: true})
	if _, err := execute(t, srv, "submit", "--subject", "s", "--violator", "v", "--kind", "CODE_COPY", "--authoritative=false"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var in signal.Input
	if err := json.Unmarshal(fs.last(t).Body, &in); err != nil {
		t.Fatal(err)
	}
	if in.Authoritative == nil || *in.Authoritative {
		t.Errorf("authoritative = %v, want explicit false", in.Authoritative)
	}
}

func TestSubmit_WebhookRoute(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusAccepted, cases.SubmitResult{CaseID: "c", Accepted: true, State: cases.StateUnderReview})
	out, err := execute(t, srv, "submit", "--webhook-secret", "hook", "--subject", "s", "--violator", "v", "--kind", "CODE_COPY")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(out, "attached to case c") {
		t.Errorf("output = %q", out)
	}

	req := fs.last(t)
	if req.Path != "/api/v1/webhooks/signals" {
		t.Errorf("path = %s", req.Path)
	}
	if req.Auth != "" {
		t.Errorf("webhook request should not carry the bearer token, got %q", req.Auth)
	}
	if !authmw.Verify([]byte("hook"), req.Body, req.Sig) {
		t.Errorf("signature %q does not verify", req.Sig)
	}
}

func TestSubmit_MissingRequiredFlags(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusAccepted, nil)
	if _, err := execute(t, srv, "submit", "--subject", "s"); err == nil {
		t.Fatal("expected error for missing --violator and --kind")
	}
	if len(fs.reqs) != 0 {
		t.Errorf("server saw %d requests", len(fs.reqs))
	}
}

func TestReadEvidence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "finding.json")
	if err := os.WriteFile(path, []byte(`{"sha":"abc"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "json object", in: `{"a":1}`, want: `{"a":1}`},
		{name: "plain text", in: "seen on pastebin", want: `"seen on pastebin"`},
		{name: "file", in: "@" + path, want: `{"sha":"abc"}`},
		{name: "missing file", in: "@" + filepath.Join(t.TempDir(), "nope"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := readEvidence(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("evidence = %s, want %s", got, tt.want)
			}
		})
	}
}

func sampleCase() *cases.Case {
	opened := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &cases.Case{
		ID:           "01CASE",
		Key:          signal.Key{Subject: "acme", Violator: "evil.example", Kind: signal.KindImpersonation},
		State:        cases.StateUnderReview,
		Severity:     cases.SeverityHigh,
		ReviewReason: "notify failed",
		OpenedAt:     opened,
		Plan: cases.Plan{
			Actions:     []cases.ActionType{cases.ActionPersistEvidence, cases.ActionNotify, cases.ActionBlock},
			Independent: []cases.ActionType{cases.ActionBlock},
		},
		Actions: map[cases.ActionType]*cases.ActionResult{
			cases.ActionPersistEvidence: {Status: cases.ActionSucceeded, Attempts: 1, Output: "/evidence/ab/abcd.json"},
			cases.ActionNotify:          {Status: cases.ActionFailed, Attempts: 5, LastError: "slack returned 500"},
		},
		History: []cases.Transition{
			{To: cases.StateDetected, At: opened},
			{From: cases.StateDetected, To: cases.StateUnderReview, At: opened.Add(time.Minute), Reason: "notify failed"},
		},
	}
}

func TestCasesList(t *testing.T) {
	t.Parallel()

	c := sampleCase()
	fs, srv := newFakeServer(t, http.StatusOK, map[string]any{"cases": []*cases.Case{c}, "count": 1})

	out, err := execute(t, srv, "cases", "list", "--state", "detected,under_review", "--severity", "high", "--needs-review", "--limit", "10")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	req := fs.last(t)
	if req.Path != "/api/v1/cases" {
		t.Errorf("path = %s", req.Path)
	}
	for _, want := range []string{"state=detected", "state=under_review", "severity=high", "needs_review=true", "limit=10"} {
		if !strings.Contains(req.Query, want) {
			t.Errorf("query %q missing %q", req.Query, want)
		}
	}
	for _, want := range []string{"01CASE", "UNDER_REVIEW*", "HIGH", "IMPERSONATION", "evil.example", "1 case(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCasesList_OmitsUnsetFilters(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusOK, map[string]any{"cases": []*cases.Case{}, "count": 0})
	if _, err := execute(t, srv, "cases", "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if q := fs.last(t).Query; q != "" {
		t.Errorf("query = %q, want empty", q)
	}
}

func TestCasesShow(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusOK, sampleCase())
	out, err := execute(t, srv, "cases", "show", "01CASE")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if p := fs.last(t).Path; p != "/api/v1/cases/01CASE" {
		t.Errorf("path = %s", p)
	}
	for _, want := range []string{
		"acme / evil.example / IMPERSONATION",
		"notify failed",
		"PERSIST_EVIDENCE",
		"/evidence/ab/abcd.json",
		"slack returned 500",
		"[independent]",
		"DETECTED -> UNDER_REVIEW",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCasesShow_JSON(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, http.StatusOK, sampleCase())
	out, err := execute(t, srv, "--json", "cases", "show", "01CASE")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var got cases.Case
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.ID != "01CASE" || got.Severity != cases.SeverityHigh {
		t.Errorf("case = %+v", got)
	}
}

func TestCasesOperatorCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		args     []string
		wantPath string
		wantBody map[string]string
	}{
		{
			name:     "dismiss",
			args:     []string{"cases", "dismiss", "01CASE", "--reason", "owner's fork"},
			wantPath: "/api/v1/cases/01CASE/dismiss",
			wantBody: map[string]string{"reason": "owner's fork"},
		},
		{
			name:     "severity",
			args:     []string{"cases", "severity", "01CASE", "critical", "--reason", "repeat offender"},
			wantPath: "/api/v1/cases/01CASE/severity",
			wantBody: map[string]string{"severity": "CRITICAL", "reason": "repeat offender"},
		},
		{
			name:     "replan",
			args:     []string{"cases", "replan", "01CASE"},
			wantPath: "/api/v1/cases/01CASE/replan",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs, srv := newFakeServer(t, http.StatusOK, sampleCase())
			if _, err := execute(t, srv, tt.args...); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			req := fs.last(t)
			if req.Method != http.MethodPost || req.Path != tt.wantPath {
				t.Errorf("request = %s %s, want POST %s", req.Method, req.Path, tt.wantPath)
			}
			if tt.wantBody == nil {
				if len(req.Body) != 0 {
					t.Errorf("body = %s, want empty", req.Body)
				}
				return
			}
			var got map[string]string
			if err := json.Unmarshal(req.Body, &got); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			for k, v := range tt.wantBody {
				if got[k] != v {
					t.Errorf("body[%s] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestCasesLookup(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t, http.StatusOK, sampleCase())
	if _, err := execute(t, srv, "cases", "lookup", "--subject", "acme", "--violator", "evil.example", "--kind", "IMPERSONATION"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	req := fs.last(t)
	if req.Path != "/api/v1/cases/lookup" || !strings.Contains(req.Query, "violator=evil.example") {
		t.Errorf("request = %s?%s", req.Path, req.Query)
	}
}

func TestAPIError(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, http.StatusBadRequest, map[string]any{
		"error":    "validation failed",
		"problems": []signal.FieldError{{Field: "kind", Problem: "unknown kind"}},
	})
	_, err := execute(t, srv, "submit", "--subject", "s", "--violator", "v", "--kind", "NOPE")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusBadRequest || len(apiErr.Problems) != 1 {
		t.Errorf("apiError = %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "kind: unknown kind") {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestAPIError_NotFound(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServer(t, http.StatusNotFound, map[string]string{"error": "not found"})
	_, err := execute(t, srv, "cases", "show", "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 apiError", err)
	}
}

func TestCasePath(t *testing.T) {
	t.Parallel()

	if got := casePath("a/b", "dismiss"); got != "/api/v1/cases/a%2Fb/dismiss" {
		t.Errorf("casePath = %q", got)
	}
	if got := casePath("c1", ""); got != "/api/v1/cases/c1" {
		t.Errorf("casePath = %q", got)
	}
}
