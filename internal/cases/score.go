package cases

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// ScoringRule maps evidence strength to a severity. A rule matches when both
// minimums are met; the highest matching severity wins.
type ScoringRule struct {
	MinEvidence int      `yaml:"min_evidence"`
	MinSources  int      `yaml:"min_sources"`
	Severity    Severity `yaml:"severity"`
}

// ScoringPolicy is the configurable threshold table plus per-kind floors.
type ScoringPolicy struct {
	Rules     []ScoringRule            `yaml:"rules"`
	KindFloor map[signal.Kind]Severity `yaml:"kind_floor"`
}

// DefaultScoringPolicy returns the stock threshold table.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Rules: []ScoringRule{
			{MinEvidence: 1, MinSources: 1, Severity: SeverityLow},
			{MinEvidence: 2, MinSources: 1, Severity: SeverityMedium},
			{MinEvidence: 2, MinSources: 2, Severity: SeverityHigh},
			{MinEvidence: 4, MinSources: 2, Severity: SeverityCritical},
		},
		KindFloor: map[signal.Kind]Severity{
			signal.KindCredentialLeak: SeverityMedium,
		},
	}
}

// LoadScoringPolicy reads a YAML threshold table from path. Kinds missing
// from kind_floor default to no floor.
func LoadScoringPolicy(path string) (ScoringPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScoringPolicy{}, fmt.Errorf("read scoring policy: %w", err)
	}
	var p ScoringPolicy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return ScoringPolicy{}, fmt.Errorf("parse scoring policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return ScoringPolicy{}, fmt.Errorf("scoring policy %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the table is usable.
func (p ScoringPolicy) Validate() error {
	var errs []error
	if len(p.Rules) == 0 {
		errs = append(errs, errors.New("at least one rule is required"))
	}
	for i, r := range p.Rules {
		if !r.Severity.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown severity %q", i, r.Severity))
		}
		if r.MinEvidence < 1 || r.MinSources < 1 {
			errs = append(errs, fmt.Errorf("rule %d: min_evidence and min_sources must be >= 1", i))
		}
	}
	for k, s := range p.KindFloor {
		if !k.Valid() {
			errs = append(errs, fmt.Errorf("kind_floor: unknown kind %q", k))
		}
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("kind_floor %s: unknown severity %q", k, s))
		}
	}
	return errors.Join(errs...)
}

// Scorer derives a case's severity from its evidence. It is a pure function
// of the evidence list; monotonicity is applied by the caller.
type Scorer struct {
	policy ScoringPolicy
}

// NewScorer creates a scorer for the given policy.
func NewScorer(p ScoringPolicy) *Scorer {
	return &Scorer{policy: p}
}

// Indicators returns the evidence count and the number of corroborating
// source types. Duplicates and supplementary evidence do not count as
// evidence; a source type corroborates once any of its non-supplementary
// signals is authoritative, duplicates included.
func Indicators(c *Case) (evidence, sources int) {
	seen := make(map[signal.SourceType]bool)
	for _, e := range c.Evidence {
		if e.Supplementary {
			continue
		}
		if !e.Signal.Duplicate {
			evidence++
		}
		if e.Signal.Authoritative && !seen[e.Signal.SourceType] {
			seen[e.Signal.SourceType] = true
			sources++
		}
	}
	return evidence, sources
}

// Score computes the severity the evidence supports, ignoring any severity
// already on the case.
func (s *Scorer) Score(c *Case) Severity {
	evidence, sources := Indicators(c)

	sev := SeverityLow
	for _, r := range s.policy.Rules {
		if evidence >= r.MinEvidence && sources >= r.MinSources {
			sev = MaxSeverity(sev, r.Severity)
		}
	}
	if floor, ok := s.policy.KindFloor[c.Key.Kind]; ok {
		sev = MaxSeverity(sev, floor)
	}
	return sev
}
