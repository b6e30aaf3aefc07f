// Package memstore provides an in-memory implementation of cases.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Store holds cases in memory. Tests only: state is lost on restart, which
// would let a second open case appear for a key.
type Store struct {
	mu      sync.RWMutex
	cases   map[string]*cases.Case // case ID -> case, Actions kept separately
	open    map[signal.Key]string  // key -> open case ID
	latest  map[signal.Key]string  // key -> most recently opened case ID
	actions map[string]map[cases.ActionType]*cases.ActionResult

	err error
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		cases:   make(map[string]*cases.Case),
		open:    make(map[signal.Key]string),
		latest:  make(map[signal.Key]string),
		actions: make(map[string]map[cases.ActionType]*cases.ActionResult),
	}
}

// SetErr makes every method fail with err until cleared with nil.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// load returns a copy of case id with its ledger attached. Caller holds mu.
func (s *Store) load(id string) *cases.Case {
	c, ok := s.cases[id]
	if !ok {
		return nil
	}
	cp := c.Clone()
	cp.Actions = make(map[cases.ActionType]*cases.ActionResult, len(s.actions[id]))
	for a, r := range s.actions[id] {
		rc := *r
		cp.Actions[a] = &rc
	}
	return cp
}

// Get retrieves a case by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*cases.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, false, s.err
	}
	c := s.load(id)
	return c, c != nil, nil
}

// FindOpen retrieves the non-terminal case for key.
func (s *Store) FindOpen(_ context.Context, key signal.Key) (*cases.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, false, s.err
	}
	id, ok := s.open[key]
	if !ok {
		return nil, false, nil
	}
	return s.load(id), true, nil
}

// FindLatest retrieves the most recently opened case for key in any state.
func (s *Store) FindLatest(_ context.Context, key signal.Key) (*cases.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, false, s.err
	}
	id, ok := s.latest[key]
	if !ok {
		return nil, false, nil
	}
	return s.load(id), true, nil
}

// List returns cases matching f, most recently updated first.
func (s *Store) List(_ context.Context, f cases.Filter) ([]*cases.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []*cases.Case
	for id, c := range s.cases {
		if f.Match(c) {
			out = append(out, s.load(id))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdatedAt.Equal(out[j].LastUpdatedAt) {
			return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByState counts cases in every state.
func (s *Store) CountByState(_ context.Context) (map[cases.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[cases.State]int)
	for _, c := range s.cases {
		out[c.State]++
	}
	return out, nil
}

// Create stores a new case at version 1.
func (s *Store) Create(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, exists := s.cases[c.ID]; exists {
		return fmt.Errorf("case %s exists: %w", c.ID, cases.ErrConflict)
	}
	if !c.State.Terminal() {
		if _, exists := s.open[c.Key]; exists {
			return fmt.Errorf("open case for %s: %w", c.Key, cases.ErrConflict)
		}
		s.open[c.Key] = c.ID
	}
	c.Version = 1
	s.cases[c.ID] = c.Clone()
	s.latest[c.Key] = c.ID
	return nil
}

// Update writes c if its version matches the stored one.
func (s *Store) Update(_ context.Context, c *cases.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	stored, ok := s.cases[c.ID]
	if !ok {
		return cases.ErrNotFound
	}
	if stored.Version != c.Version {
		return fmt.Errorf("case %s version %d != %d: %w", c.ID, c.Version, stored.Version, cases.ErrConflict)
	}
	if len(c.Evidence) < len(stored.Evidence) {
		return fmt.Errorf("case %s: evidence is append-only", c.ID)
	}

	c.Version++
	next := c.Clone()
	next.Actions = nil
	s.cases[c.ID] = next

	if c.State.Terminal() {
		if s.open[c.Key] == c.ID {
			delete(s.open, c.Key)
		}
	} else {
		s.open[c.Key] = c.ID
	}
	return nil
}

// ClaimAction inserts a PENDING ledger row unless one exists.
func (s *Store) ClaimAction(_ context.Context, caseID string, a cases.ActionType, key string) (*cases.ActionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, false, s.err
	}
	if _, ok := s.cases[caseID]; !ok {
		return nil, false, cases.ErrNotFound
	}
	ledger, ok := s.actions[caseID]
	if !ok {
		ledger = make(map[cases.ActionType]*cases.ActionResult)
		s.actions[caseID] = ledger
	}
	if r, ok := ledger[a]; ok {
		cp := *r
		return &cp, false, nil
	}
	r := &cases.ActionResult{IdempotencyKey: key, Status: cases.ActionPending}
	ledger[a] = r
	cp := *r
	return &cp, true, nil
}

// TransitionAction replaces the ledger row if its status is still from.
func (s *Store) TransitionAction(_ context.Context, caseID string, a cases.ActionType, from cases.ActionStatus, next *cases.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	r, ok := s.actions[caseID][a]
	if !ok {
		return fmt.Errorf("no ledger row for %s/%s: %w", caseID, a, cases.ErrNotFound)
	}
	if r.Status != from {
		return fmt.Errorf("ledger %s/%s is %s, not %s: %w", caseID, a, r.Status, from, cases.ErrConflict)
	}
	cp := *next
	cp.IdempotencyKey = r.IdempotencyKey
	s.actions[caseID][a] = &cp
	return nil
}

var _ cases.Store = (*Store)(nil)
