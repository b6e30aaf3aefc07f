package cases

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Planner computes the action plan for a scored case.
type Planner interface {
	Plan(ctx context.Context, c *Case) (Plan, error)
}

// SeverityPlanner is the built-in table: each tier adds the next action in
// priority order on top of the tier below it.
type SeverityPlanner struct {
	// Independent actions do not stop the plan when they fail.
	Independent []ActionType
}

var severityPlans = map[Severity][]ActionType{
	SeverityLow:      {ActionNotify},
	SeverityMedium:   {ActionPersistEvidence, ActionNotify},
	SeverityHigh:     {ActionPersistEvidence, ActionNotify, ActionBlock},
	SeverityCritical: {ActionPersistEvidence, ActionNotify, ActionBlock, ActionComputeClaim},
}

// Plan implements Planner.
func (p SeverityPlanner) Plan(_ context.Context, c *Case) (Plan, error) {
	actions := severityPlans[c.Severity]
	if actions == nil {
		actions = severityPlans[SeverityLow]
	}
	plan := Plan{Actions: slices.Clone(actions)}
	for _, a := range p.Independent {
		if slices.Contains(plan.Actions, a) {
			plan.Independent = append(plan.Independent, a)
		}
	}
	return plan, nil
}

var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://linnemanlabs.com/tripwire/actions"))

// IdempotencyKey is the deterministic key recorded in the ledger before an
// action first executes. Collaborators receive it so repeated deliveries can be
// recognized on their side as well.
func IdempotencyKey(caseID string, a ActionType) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(caseID+"/"+string(a))).String()
}
