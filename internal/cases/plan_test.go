package cases

import (
	"context"
	"slices"
	"testing"
)

func TestSeverityPlanner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sev  Severity
		want []ActionType
	}{
		{SeverityLow, []ActionType{ActionNotify}},
		{SeverityMedium, []ActionType{ActionPersistEvidence, ActionNotify}},
		{SeverityHigh, []ActionType{ActionPersistEvidence, ActionNotify, ActionBlock}},
		{SeverityCritical, []ActionType{ActionPersistEvidence, ActionNotify, ActionBlock, ActionComputeClaim}},
	}
	for _, tt := range tests {
		p, err := SeverityPlanner{}.Plan(context.Background(), &Case{Severity: tt.sev})
		if err != nil {
			t.Fatalf("Plan(%s): %v", tt.sev, err)
		}
		if got := p.Ordered(); !slices.Equal(got, tt.want) {
			t.Errorf("Plan(%s) = %v, want %v", tt.sev, got, tt.want)
		}
	}
}

func TestSeverityPlanner_IndependentOnlyForPlannedActions(t *testing.T) {
	t.Parallel()

	p, err := SeverityPlanner{Independent: []ActionType{ActionComputeClaim, ActionNotify}}.
		Plan(context.Background(), &Case{Severity: SeverityLow})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !p.IsIndependent(ActionNotify) {
		t.Error("NOTIFY should be independent")
	}
	if slices.Contains(p.Independent, ActionComputeClaim) {
		t.Error("unplanned actions should not be listed as independent")
	}
}

func TestPlan_OrderedDedupesAndSorts(t *testing.T) {
	t.Parallel()

	p := Plan{Actions: []ActionType{ActionComputeClaim, ActionNotify, ActionPersistEvidence, ActionNotify}}
	want := []ActionType{ActionPersistEvidence, ActionNotify, ActionComputeClaim}
	if got := p.Ordered(); !slices.Equal(got, want) {
		t.Errorf("Ordered = %v, want %v", got, want)
	}
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()

	a := IdempotencyKey("case-1", ActionNotify)
	if a != IdempotencyKey("case-1", ActionNotify) {
		t.Error("key must be deterministic")
	}
	if a == IdempotencyKey("case-1", ActionBlock) {
		t.Error("different actions must have different keys")
	}
	if a == IdempotencyKey("case-2", ActionNotify) {
		t.Error("different cases must have different keys")
	}
}
