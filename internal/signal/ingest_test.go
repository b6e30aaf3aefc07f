package signal

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestIngestor(window time.Duration, now *time.Time) *Ingestor {
	return NewIngestor(window, WithClock(func() time.Time { return *now }))
}

func validInput() *Input {
	return &Input{
		SourceType: "webhook",
		Subject:    "Owner@Example.com ",
		Violator:   "https://github.com/copycat/Project.git",
		Kind:       "impersonation",
		Evidence:   json.RawMessage(`{"url":"https://github.com/copycat/project"}`),
	}
}

func TestIngest_Normalizes(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	sig, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sig.Subject != "owner@example.com" {
		t.Errorf("Subject = %q, want %q", sig.Subject, "owner@example.com")
	}
	if sig.Violator != "https://github.com/copycat/project" {
		t.Errorf("Violator = %q, want %q", sig.Violator, "https://github.com/copycat/project")
	}
	if sig.Kind != KindImpersonation {
		t.Errorf("Kind = %q, want %q", sig.Kind, KindImpersonation)
	}
	if sig.SourceType != SourceWebhook {
		t.Errorf("SourceType = %q, want %q", sig.SourceType, SourceWebhook)
	}
	if !sig.ObservedAt.Equal(testNow) {
		t.Errorf("ObservedAt = %v, want %v", sig.ObservedAt, testNow)
	}
	if sig.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if sig.ContentHash != ContentHash(validInput().Evidence) {
		t.Errorf("ContentHash = %q, want hash of evidence", sig.ContentHash)
	}
	if !sig.Authoritative {
		t.Error("webhook signals should default to authoritative")
	}
	if sig.Duplicate {
		t.Error("first signal should not be a duplicate")
	}
}

func TestIngest_RejectsMissingFields(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	_, err := ing.Ingest(&Input{SourceType: "carrier-pigeon", Kind: "nope"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}

	fields := map[string]bool{}
	for _, p := range verr.Problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"source_type", "subject", "violator", "kind"} {
		if !fields[want] {
			t.Errorf("expected problem for field %q, got %+v", want, verr.Problems)
		}
	}
}

func TestIngest_RejectsFutureObservation(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	in := validInput()
	in.ObservedAt = testNow.Add(time.Hour)
	_, err := ing.Ingest(in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if verr.Problems[0].Field != "observed_at" {
		t.Errorf("field = %q, want observed_at", verr.Problems[0].Field)
	}
}

func TestIngest_RejectsSelfReference(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	in := validInput()
	in.Violator = in.Subject
	if _, err := ing.Ingest(in); err == nil {
		t.Fatal("expected validation error when violator equals subject")
	}
}

func TestIngest_DuplicateWithinWindow(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	first, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest first: %v", err)
	}

	now = testNow.Add(30 * time.Minute)
	second, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest second: %v", err)
	}
	if first.Duplicate {
		t.Error("first should not be duplicate")
	}
	if !second.Duplicate {
		t.Error("second identical signal inside window should be duplicate")
	}
	if second.ID == first.ID {
		t.Error("duplicates still get their own signal ID")
	}

	now = testNow.Add(2 * time.Hour)
	third, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest third: %v", err)
	}
	if third.Duplicate {
		t.Error("signal after the window should not be duplicate")
	}
}

func TestIngest_DuplicateIsPerKey(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	if _, err := ing.Ingest(validInput()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	other := validInput()
	other.Kind = string(KindCodeCopy)
	sig, err := ing.Ingest(other)
	if err != nil {
		t.Fatalf("Ingest other: %v", err)
	}
	if sig.Duplicate {
		t.Error("same content under a different key is not a duplicate")
	}
}

func TestIngest_ScanDefaultsToSample(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	in := validInput()
	in.SourceType = "scan"
	sig, err := ing.Ingest(in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sig.Authoritative {
		t.Error("scan signals without a batch declaration default to best-effort")
	}

	yes := true
	in.Authoritative = &yes
	in.Evidence = json.RawMessage(`{"other":true}`)
	sig, err = ing.Ingest(in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !sig.Authoritative {
		t.Error("explicit authoritative flag should be honored")
	}
}

func TestNormalizeIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"  A@B.com ", "a@b.com"},
		{"https://github.com/Foo/Bar/", "https://github.com/foo/bar"},
		{"https://github.com/foo/bar.git", "https://github.com/foo/bar"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeIdentifier(tt.in); got != tt.want {
			t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIngest_ForgetAllowsResubmission(t *testing.T) {
	t.Parallel()

	now := testNow
	ing := newTestIngestor(time.Hour, &now)

	first, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	ing.Forget(first)

	again, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest again: %v", err)
	}
	if again.Duplicate {
		t.Error("resubmission after Forget should not be a duplicate")
	}

	dup, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest dup: %v", err)
	}
	ing.Forget(dup)
	third, err := ing.Ingest(validInput())
	if err != nil {
		t.Fatalf("Ingest third: %v", err)
	}
	if !third.Duplicate {
		t.Error("forgetting a duplicate must not clear the original sighting")
	}
}
