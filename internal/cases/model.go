package cases

import (
	"slices"
	"time"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// State tracks where a case is in its lifecycle.
type State string

const (
	// StateDetected means created, not yet scored
	StateDetected State = "DETECTED"

	// StateUnderReview means scored, plan computed, not yet handed to the dispatcher
	// (or handed back for re-planning after a permanent failure)
	StateUnderReview State = "UNDER_REVIEW"

	// StateActionsDispatched means the dispatcher is executing the plan
	StateActionsDispatched State = "ACTIONS_DISPATCHED"

	// StateResolved means every planned action succeeded
	StateResolved State = "RESOLVED"

	// StateDismissed means an operator closed the case as a false positive
	StateDismissed State = "DISMISSED"
)

// OpenStates lists the non-terminal states.
var OpenStates = []State{StateDetected, StateUnderReview, StateActionsDispatched}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateDismissed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(OpenStates, s) || s.Terminal()
}

// Severity is the escalation tier derived from evidence strength.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown or empty severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ActionType is one automated enforcement step.
type ActionType string

const (
	ActionPersistEvidence ActionType = "PERSIST_EVIDENCE"
	ActionNotify          ActionType = "NOTIFY"
	ActionBlock           ActionType = "BLOCK"
	ActionComputeClaim    ActionType = "COMPUTE_CLAIM"
)

// ActionPriority is the fixed execution order: evidence is durable before
// anything irreversible happens.
var ActionPriority = []ActionType{
	ActionPersistEvidence,
	ActionNotify,
	ActionBlock,
	ActionComputeClaim,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool { return slices.Contains(ActionPriority, a) }

// Irreversible reports whether the action's side effect cannot be undone.
func (a ActionType) Irreversible() bool {
	return a == ActionNotify || a == ActionBlock
}

// ActionStatus is the ledger state of one action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionRetrying  ActionStatus = "RETRYING"
)

// ActionResult is the idempotency ledger entry for (case, action).
type ActionResult struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Status         ActionStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      string       `json:"last_error,omitempty"`
	Output         string       `json:"output,omitempty"`
	CompletedAt    time.Time    `json:"completed_at,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Plan is the ordered set of actions required for a case.
type Plan struct {
	Actions []ActionType `json:"actions"`

	// Independent actions do not block lower-priority actions when they fail.
	Independent []ActionType `json:"independent,omitempty"`
}

// IsIndependent reports whether a failure of a should not stop the plan.
func (p Plan) IsIndependent(a ActionType) bool { return slices.Contains(p.Independent, a) }

// Ordered returns the plan's actions in priority order without duplicates.
func (p Plan) Ordered() []ActionType {
	out := make([]ActionType, 0, len(p.Actions))
	for _, a := range ActionPriority {
		if slices.Contains(p.Actions, a) {
			out = append(out, a)
		}
	}
	return out
}

// Evidence is one signal attached to a case.
type Evidence struct {
	Seq    int           `json:"seq"`
	Signal signal.Signal `json:"signal"`

	// Supplementary evidence arrived after dispatch began (or after the case
	// closed) and is kept for the record only.
	Supplementary bool `json:"supplementary,omitempty"`
}

// Transition records one state change.
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Note is an audit annotation on a case.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Case is the unit of enforcement for one correlation key.
type Case struct {
	ID                 string                       `json:"id"`
	Key                signal.Key                   `json:"key"`
	State              State                        `json:"state"`
	Severity           Severity                     `json:"severity,omitempty"`
	SeverityOverridden bool                         `json:"severity_overridden,omitempty"`
	Plan               Plan                         `json:"plan"`
	ReviewReason       string                       `json:"review_reason,omitempty"`
	OpenedAt           time.Time                    `json:"opened_at"`
	LastUpdatedAt      time.Time                    `json:"last_updated_at"`
	ClosedAt           time.Time                    `json:"closed_at,omitempty"`
	Evidence           []Evidence                   `json:"evidence"`
	Actions            map[ActionType]*ActionResult `json:"actions"`
	History            []Transition                 `json:"history"`
	Notes              []Note                       `json:"notes,omitempty"`
	Version            int64                        `json:"version"`
}

// NeedsReview reports whether the case is parked in the operator queue.
func (c *Case) NeedsReview() bool {
	return c.State == StateUnderReview && c.ReviewReason != ""
}

// Transition moves the case to next and records it in the history.
func (c *Case) Transition(next State, at time.Time, reason string) {
	c.History = append(c.History, Transition{From: c.State, To: next, At: at, Reason: reason})
	c.State = next
	c.LastUpdatedAt = at
	if next.Terminal() {
		c.ClosedAt = at
	}
}

// AddNote appends an audit note.
func (c *Case) AddNote(at time.Time, text string) {
	c.Notes = append(c.Notes, Note{At: at, Text: text})
	c.LastUpdatedAt = at
}

// AppendEvidence attaches sig with the next sequence number.
func (c *Case) AppendEvidence(sig *signal.Signal, supplementary bool) {
	c.Evidence = append(c.Evidence, Evidence{
		Seq:           len(c.Evidence) + 1,
		Signal:        *sig,
		Supplementary: supplementary,
	})
}

// Clone returns a deep copy of c.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Plan = Plan{
		Actions:     slices.Clone(c.Plan.Actions),
		Independent: slices.Clone(c.Plan.Independent),
	}
	if c.Evidence != nil {
		cp.Evidence = make([]Evidence, len(c.Evidence))
		for i, e := range c.Evidence {
			e.Signal.RawEvidence = slices.Clone(e.Signal.RawEvidence)
			cp.Evidence[i] = e
		}
	}
	if c.Actions != nil {
		cp.Actions = make(map[ActionType]*ActionResult, len(c.Actions))
		for a, r := range c.Actions {
			rc := *r
			cp.Actions[a] = &rc
		}
	}
	cp.History = slices.Clone(c.History)
	cp.Notes = slices.Clone(c.Notes)
	return &cp
}

// LastEvidenceAt returns when the newest non-supplementary evidence was
// ingested, or the open time when there is none.
func (c *Case) LastEvidenceAt() time.Time {
	last := c.OpenedAt
	for _, e := range c.Evidence {
		if !e.Supplementary && e.Signal.IngestedAt.After(last) {
			last = e.Signal.IngestedAt
		}
	}
	return last
}
