package cases

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Notice is the rendered content of a NOTIFY action.
type Notice struct {
	CaseID         string
	IdempotencyKey string
	Key            signal.Key
	Severity       Severity
	Title          string
	Body           string
}

// Notifier delivers notices. It may be called more than once for the same
// idempotency key; the ledger keeps that from happening in normal operation.
type Notifier interface {
	Send(ctx context.Context, caseID string, n *Notice, recipients []string) error
}

// NoticeDrafter renders the notice for a case.
type NoticeDrafter interface {
	Draft(ctx context.Context, c *Case) (*Notice, error)
}

// Blocklist is the registry BLOCK writes to.
type Blocklist interface {
	Block(ctx context.Context, violator, reason string) error
	IsBlocked(ctx context.Context, violator string) (bool, error)
}

// Claim is the computed financial claim for a case.
type Claim struct {
	Amount   float64
	Currency string
	Basis    string
}

func (c Claim) String() string {
	return fmt.Sprintf("%.2f %s (estimate: %s)", c.Amount, c.Currency, c.Basis)
}

// ClaimCalculator computes the claim for COMPUTE_CLAIM.
type ClaimCalculator interface {
	Compute(ctx context.Context, c *Case) (Claim, error)
}

// EvidenceArchive durably stores a case's evidence bundle and returns its location.
type EvidenceArchive interface {
	Put(ctx context.Context, c *Case) (string, error)
}

// Executor performs one action type for a case. The returned string is kept
// in the ledger as the action's output.
type Executor interface {
	Execute(ctx context.Context, c *Case, idempotencyKey string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, c *Case, idempotencyKey string) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, c *Case, key string) (string, error) {
	return f(ctx, c, key)
}

// Executors maps each action type to the executor that performs it.
type Executors struct {
	byAction map[ActionType]Executor
}

// NewExecutors creates an empty executor set.
func NewExecutors() *Executors {
	return &Executors{byAction: make(map[ActionType]Executor)}
}

// Register sets the executor for a.
func (e *Executors) Register(a ActionType, x Executor) {
	e.byAction[a] = x
}

// Get returns the executor for a. Unregistered actions get an executor that
// fails permanently, so a misconfigured deployment surfaces in the review
// queue rather than retrying forever.
func (e *Executors) Get(a ActionType) Executor {
	if x, ok := e.byAction[a]; ok {
		return x
	}
	return ExecutorFunc(func(context.Context, *Case, string) (string, error) {
		return "", Permanent(fmt.Errorf("no executor configured for %s", a))
	})
}

// Collaborators are the external systems the built-in executors call. Any
// of them may be nil, in which case the matching action fails permanently.
type Collaborators struct {
	Notifier   Notifier
	Drafter    NoticeDrafter
	Recipients []string
	Blocklist  Blocklist
	Claims     ClaimCalculator
	Archive    EvidenceArchive
}

// NewStandardExecutors wires the four built-in actions to c.
func NewStandardExecutors(c Collaborators) *Executors {
	e := NewExecutors()
	e.Register(ActionPersistEvidence, ExecutorFunc(c.persistEvidence))
	e.Register(ActionNotify, ExecutorFunc(c.notify))
	e.Register(ActionBlock, ExecutorFunc(c.block))
	e.Register(ActionComputeClaim, ExecutorFunc(c.computeClaim))
	return e
}

func (c Collaborators) persistEvidence(ctx context.Context, cs *Case, _ string) (string, error) {
	if c.Archive == nil {
		return "", Permanent(errors.New("no evidence archive configured"))
	}
	return c.Archive.Put(ctx, cs)
}

func (c Collaborators) notify(ctx context.Context, cs *Case, key string) (string, error) {
	if c.Notifier == nil {
		return "", Permanent(errors.New("no notification gateway configured"))
	}
	if len(c.Recipients) == 0 {
		return "", Permanent(errors.New("no notification recipients configured"))
	}

	var n *Notice
	if c.Drafter != nil {
		var err error
		if n, err = c.Drafter.Draft(ctx, cs); err != nil {
			return "", fmt.Errorf("draft notice: %w", err)
		}
	} else {
		n = PlainNotice(cs)
	}
	n.CaseID = cs.ID
	n.IdempotencyKey = key

	if err := c.Notifier.Send(ctx, cs.ID, n, c.Recipients); err != nil {
		return "", err
	}
	return "sent to " + strings.Join(c.Recipients, ","), nil
}

func (c Collaborators) block(ctx context.Context, cs *Case, _ string) (string, error) {
	if c.Blocklist == nil {
		return "", Permanent(errors.New("no blocklist registry configured"))
	}
	violator := cs.Key.Violator
	if violator == "" {
		return "", Permanent(errors.New("case has no violator identifier"))
	}

	blocked, err := c.Blocklist.IsBlocked(ctx, violator)
	if err != nil {
		return "", fmt.Errorf("check blocklist: %w", err)
	}
	if blocked {
		return "already blocked", nil
	}

	reason := fmt.Sprintf("case %s: %s of %s", cs.ID, cs.Key.Kind, cs.Key.Subject)
	if err := c.Blocklist.Block(ctx, violator, reason); err != nil {
		return "", err
	}
	return "blocked " + violator, nil
}

func (c Collaborators) computeClaim(ctx context.Context, cs *Case, _ string) (string, error) {
	if c.Claims == nil {
		return "", Permanent(errors.New("no claim calculator configured"))
	}
	claim, err := c.Claims.Compute(ctx, cs)
	if err != nil {
		return "", err
	}
	return claim.String(), nil
}

// PlainNotice is the minimal notice used when no drafter is configured.
func PlainNotice(cs *Case) *Notice {
	return &Notice{
		CaseID:   cs.ID,
		Key:      cs.Key,
		Severity: cs.Severity,
		Title:    fmt.Sprintf("[%s] %s detected for %s", cs.Severity, cs.Key.Kind, cs.Key.Subject),
		Body: fmt.Sprintf("Violator: %s\nEvidence items: %d\nCase: %s",
			cs.Key.Violator, len(cs.Evidence), cs.ID),
	}
}
