package scanner

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const searchResponse = `{
  "total_count": 3,
  "incomplete_results": %s,
  "items": [
    {"name": "leak.go", "path": "pkg/leak.go", "sha": "aaa", "html_url": "https://github.com/copycat/clone/blob/main/pkg/leak.go",
     "repository": {"full_name": "copycat/clone", "html_url": "https://github.com/copycat/clone"}},
    {"name": "own.go", "path": "own.go", "sha": "bbb", "html_url": "https://github.com/acme/core/blob/main/own.go",
     "repository": {"full_name": "acme/core", "html_url": "https://github.com/acme/core"}},
    {"name": "x.go", "path": "x.go", "sha": "ccc", "html_url": "",
     "repository": {"full_name": "", "html_url": ""}}
  ]
}`

func githubServer(t *testing.T, incomplete string, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/search/code" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(strings.Replace(searchResponse, "%s", incomplete, 1)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGitHub_Fetch(t *testing.T) {
	t.Parallel()

	srv, calls := githubServer(t, "false", http.StatusOK)
	g := NewGitHub(GitHubConfig{
		Token:    "tok",
		Subjects: []string{"acme-secret-marker"},
		Exclude:  []string{"https://github.com/acme/"},
		BaseURL:  srv.URL,
	})
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return at }

	b, err := g.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
	if b.Sample {
		t.Error("complete results should not be a sample")
	}
	if len(b.Inputs) != 1 {
		t.Fatalf("inputs = %d, want 1 (own repo and empty violator skipped)", len(b.Inputs))
	}
	in := b.Inputs[0]
	if in.Violator != "https://github.com/copycat/clone" || in.Subject != "acme-secret-marker" || in.SourceType != "scan" {
		t.Errorf("input = %+v", in)
	}
	if in.Authoritative == nil || !*in.Authoritative {
		t.Error("complete results should be authoritative")
	}
	if !in.ObservedAt.Equal(at) {
		t.Errorf("ObservedAt = %v", in.ObservedAt)
	}
	if !strings.Contains(string(in.Evidence), `"path":"pkg/leak.go"`) {
		t.Errorf("evidence = %s", in.Evidence)
	}
}

func TestGitHub_IncompleteIsSample(t *testing.T) {
	t.Parallel()

	srv, _ := githubServer(t, "true", http.StatusOK)
	g := NewGitHub(GitHubConfig{Token: "tok", Subjects: []string{"x"}, BaseURL: srv.URL})

	b, err := g.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !b.Sample {
		t.Error("incomplete results should mark the batch as a sample")
	}
	for _, in := range b.Inputs {
		if in.Authoritative == nil || *in.Authoritative {
			t.Errorf("input %s should not be authoritative", in.Violator)
		}
	}
}

func TestGitHub_Unavailable(t *testing.T) {
	t.Parallel()

	g := NewGitHub(GitHubConfig{Subjects: []string{"x"}})
	if _, err := g.Fetch(context.Background(), time.Time{}); !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("no token: err = %v", err)
	}

	srv, _ := githubServer(t, "false", http.StatusUnauthorized)
	g = NewGitHub(GitHubConfig{Token: "tok", Subjects: []string{"x"}, BaseURL: srv.URL})
	if _, err := g.Fetch(context.Background(), time.Time{}); !errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("401: err = %v", err)
	}
}

func TestGitHub_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := githubServer(t, "false", http.StatusForbidden)
	g := NewGitHub(GitHubConfig{Token: "tok", Subjects: []string{"x"}, BaseURL: srv.URL})
	_, err := g.Fetch(context.Background(), time.Time{})
	if err == nil || errors.Is(err, ErrFeedUnavailable) {
		t.Fatalf("err = %v, want ordinary error", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want status in message", err)
	}
}
