// Package blocklist is the registry BLOCK writes violators to.
package blocklist

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

// Entry is one blocked violator.
type Entry struct {
	Violator  string    `json:"violator"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Memory is an in-process registry for single-node deployments and tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

// Block records violator. Blocking an already blocked violator keeps the
// first reason.
func (m *Memory) Block(_ context.Context, violator, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[violator]; !ok {
		m.entries[violator] = Entry{Violator: violator, Reason: reason, BlockedAt: m.now().UTC()}
	}
	return nil
}

// IsBlocked reports whether violator is on the list.
func (m *Memory) IsBlocked(_ context.Context, violator string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[violator]
	return ok, nil
}

// Lookup returns the entry for violator.
func (m *Memory) Lookup(_ context.Context, violator string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[violator]
	return e, ok, nil
}

var _ cases.Blocklist = (*Memory)(nil)
