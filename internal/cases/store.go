package cases

import (
	"context"
	"errors"
	"fmt"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Store is the persistence contract for cases, their evidence and the action
// ledger. Implementations must be safe for concurrent use.
//
// Case rows carry an optimistic version token: Create stores Version 1 and
// fails with ErrConflict if another open case exists for the key; Update
// writes only if the stored version equals c.Version, then increments both.
// Evidence is append-only: Update stores entries whose Seq is new and never
// rewrites existing ones. Update does not touch c.Actions. Action rows are the idempotency ledger and are
// written only through ClaimAction and TransitionAction.
type Store interface {
	Get(ctx context.Context, id string) (*Case, bool, error)
	FindOpen(ctx context.Context, key signal.Key) (*Case, bool, error)
	FindLatest(ctx context.Context, key signal.Key) (*Case, bool, error)
	List(ctx context.Context, f Filter) ([]*Case, error)
	CountByState(ctx context.Context) (map[State]int, error)

	Create(ctx context.Context, c *Case) error
	Update(ctx context.Context, c *Case) error

	// ClaimAction inserts a PENDING ledger row if none exists and returns the
	// current row; created reports whether this call inserted it.
	ClaimAction(ctx context.Context, caseID string, a ActionType, idempotencyKey string) (r *ActionResult, created bool, err error)

	// TransitionAction replaces the ledger row only if its status equals from.
	TransitionAction(ctx context.Context, caseID string, a ActionType, from ActionStatus, next *ActionResult) error
}

// Filter selects cases for listing. Zero values match everything; an empty
// States slice means all open states.
type Filter struct {
	States      []State
	MinSeverity Severity
	NeedsReview bool
	Subject     string
	Limit       int
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

// Match reports whether c passes f. Stores without query pushdown use it.
func (f Filter) Match(c *Case) bool {
	states := f.States
	if len(states) == 0 {
		states = OpenStates
	}
	matched := false
	for _, s := range states {
		if c.State == s {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if f.MinSeverity != "" && c.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.NeedsReview && !c.NeedsReview() {
		return false
	}
	if f.Subject != "" && c.Key.Subject != f.Subject {
		return false
	}
	return true
}

// EffectiveLimit returns the list limit to apply.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// EffectiveStates returns the states to match.
func (f Filter) EffectiveStates() []State {
	if len(f.States) == 0 {
		return OpenStates
	}
	return f.States
}

// maxWriteAttempts bounds optimistic retries for one logical case write.
const maxWriteAttempts = 16

// mutate reloads case id, applies fn and writes it back, retrying from a fresh
// read on ErrConflict. When fn reports false nothing is written.
func mutate(ctx context.Context, s Store, id string, hooks Hooks, fn func(c *Case) (bool, error)) (*Case, error) {
	for range maxWriteAttempts {
		c, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotFound
		}
		write, err := fn(c)
		if err != nil || !write {
			return c, err
		}
		err = s.Update(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		hooks.conflict()
	}
	return nil, fmt.Errorf("case %s: %w after %d attempts", id, ErrConflict, maxWriteAttempts)
}
