package cases

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

type ev struct {
	source        signal.SourceType
	authoritative bool
	duplicate     bool
	supplementary bool
}

func caseWith(kind signal.Kind, evs ...ev) *Case {
	c := &Case{Key: signal.Key{Subject: "s", Violator: "v", Kind: kind}}
	for _, e := range evs {
		c.AppendEvidence(&signal.Signal{
			SourceType:    e.source,
			Kind:          kind,
			Authoritative: e.authoritative,
			Duplicate:     e.duplicate,
		}, e.supplementary)
	}
	return c
}

var (
	hook    = ev{source: signal.SourceWebhook, authoritative: true}
	manual  = ev{source: signal.SourceManual, authoritative: true}
	sample  = ev{source: signal.SourceScan}
	fullScn = ev{source: signal.SourceScan, authoritative: true}
)

func TestScorer_DefaultTable(t *testing.T) {
	t.Parallel()

	s := NewScorer(DefaultScoringPolicy())
	tests := []struct {
		name string
		kind signal.Kind
		evs  []ev
		want Severity
	}{
		{"single signal", signal.KindImpersonation, []ev{hook}, SeverityLow},
		{"two from one source", signal.KindImpersonation, []ev{hook, hook}, SeverityMedium},
		{"three from one source", signal.KindImpersonation, []ev{hook, hook, hook}, SeverityMedium},
		{"four from one source", signal.KindImpersonation, []ev{hook, hook, hook, hook}, SeverityMedium},
		{"two from two sources", signal.KindImpersonation, []ev{hook, manual}, SeverityHigh},
		{"four from two sources", signal.KindImpersonation, []ev{hook, hook, manual, manual}, SeverityCritical},
		{"sample scan does not corroborate", signal.KindImpersonation, []ev{hook, sample}, SeverityMedium},
		{"authoritative scan corroborates", signal.KindImpersonation, []ev{hook, fullScn}, SeverityHigh},
		{"duplicate is not evidence", signal.KindImpersonation, []ev{hook, {source: signal.SourceWebhook, authoritative: true, duplicate: true}}, SeverityLow},
		{"duplicate still corroborates", signal.KindImpersonation, []ev{hook, hook, {source: signal.SourceManual, authoritative: true, duplicate: true}}, SeverityHigh},
		{"supplementary ignored", signal.KindImpersonation, []ev{hook, {source: signal.SourceManual, authoritative: true, supplementary: true}}, SeverityLow},
		{"kind floor", signal.KindCredentialLeak, []ev{hook}, SeverityMedium},
		{"floor below computed", signal.KindCredentialLeak, []ev{hook, manual}, SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.Score(caseWith(tt.kind, tt.evs...)); got != tt.want {
				t.Errorf("Score = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIndicators(t *testing.T) {
	t.Parallel()

	c := caseWith(signal.KindCodeCopy, hook, hook, sample, manual,
		ev{source: signal.SourceManual, authoritative: true, duplicate: true})
	evidence, sources := Indicators(c)
	if evidence != 4 {
		t.Errorf("evidence = %d, want 4", evidence)
	}
	if sources != 2 {
		t.Errorf("sources = %d, want 2", sources)
	}
}

func TestLoadScoringPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "scoring.yaml")
	doc := `rules:
  - {min_evidence: 1, min_sources: 1, severity: MEDIUM}
  - {min_evidence: 3, min_sources: 1, severity: CRITICAL}
kind_floor:
  TRADEMARK_MISUSE: HIGH
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadScoringPolicy(path)
	if err != nil {
		t.Fatalf("LoadScoringPolicy: %v", err)
	}
	s := NewScorer(p)
	if got := s.Score(caseWith(signal.KindCodeCopy, hook)); got != SeverityMedium {
		t.Errorf("one signal = %s, want MEDIUM", got)
	}
	if got := s.Score(caseWith(signal.KindCodeCopy, hook, hook, hook)); got != SeverityCritical {
		t.Errorf("three signals = %s, want CRITICAL", got)
	}
	if got := s.Score(caseWith(signal.KindTrademarkMisuse, hook)); got != SeverityHigh {
		t.Errorf("trademark floor = %s, want HIGH", got)
	}
}

func TestScoringPolicy_Validate(t *testing.T) {
	t.Parallel()

	p := ScoringPolicy{
		Rules:     []ScoringRule{{MinEvidence: 0, MinSources: 1, Severity: "SEVERE"}},
		KindFloor: map[signal.Kind]Severity{"PHISHING": SeverityLow},
	}
	err := p.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown severity", "min_evidence", "unknown kind"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
	if err := (ScoringPolicy{}).Validate(); err == nil {
		t.Error("empty policy should be invalid")
	}
	if err := DefaultScoringPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
}
