// Package pgstore provides a PostgreSQL implementation of cases.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

var tracer = otel.Tracer("github.com/linnemanlabs/tripwire/internal/cases/pgstore")

//go:embed schema.sql
var schema string

// Store persists cases, evidence and the action ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool; Close closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", classify(err))
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const caseColumns = `id, subject, violator, kind, state, severity, severity_overridden, plan,
	review_reason, history, notes, opened_at, last_updated_at, closed_at, version`

const evidenceColumns = `case_id, seq, signal_id, source_type, subject, violator, kind,
	observed_at, ingested_at, raw_evidence, content_hash, authoritative, duplicate, supplementary`

const actionColumns = `case_id, action, idempotency_key, status, attempts, last_error, output,
	completed_at, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// classify maps driver errors onto the cases sentinels. Unique violations
// are conflicts; anything that is not a server-side error means the
// database could not be reached.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", cases.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", cases.ErrNotFound, pgErr.ConstraintName)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", cases.ErrStorageUnavailable, err)
}

// readTx runs fn in a read-only repeatable-read transaction so a case row,
// its evidence and its ledger come from one snapshot.
func (s *Store) readTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only
	return fn(tx)
}

// Get retrieves a case by ID.
func (s *Store) Get(ctx context.Context, id string) (*cases.Case, bool, error) {
	ctx, span := startSpan(ctx, "Get", "SELECT")
	defer span.End()

	c, err := s.findOne(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

// FindOpen retrieves the non-terminal case for key.
func (s *Store) FindOpen(ctx context.Context, key signal.Key) (*cases.Case, bool, error) {
	ctx, span := startSpan(ctx, "FindOpen", "SELECT")
	defer span.End()

	c, err := s.findOne(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE subject = $1 AND violator = $2 AND kind = $3
		  AND state NOT IN ('RESOLVED', 'DISMISSED')`,
		key.Subject, key.Violator, string(key.Kind))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

// FindLatest retrieves the most recently opened case for key in any state.
func (s *Store) FindLatest(ctx context.Context, key signal.Key) (*cases.Case, bool, error) {
	ctx, span := startSpan(ctx, "FindLatest", "SELECT")
	defer span.End()

	c, err := s.findOne(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE subject = $1 AND violator = $2 AND kind = $3
		ORDER BY opened_at DESC, id DESC LIMIT 1`,
		key.Subject, key.Violator, string(key.Kind))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*cases.Case, error) {
	var out *cases.Case
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCase(tx.QueryRow(ctx, query, args...))
		if err != nil || c == nil {
			return err
		}
		if err := s.attach(ctx, tx, []*cases.Case{c}); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// List returns cases matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f cases.Filter) ([]*cases.Case, error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	defer span.End()

	states := make([]string, 0, len(f.EffectiveStates()))
	for _, st := range f.EffectiveStates() {
		states = append(states, string(st))
	}
	where := []string{"state = ANY($1)"}
	args := []any{states}

	if f.MinSeverity != "" {
		var sevs []string
		for _, sev := range []cases.Severity{cases.SeverityLow, cases.SeverityMedium, cases.SeverityHigh, cases.SeverityCritical} {
			if sev.Rank() >= f.MinSeverity.Rank() {
				sevs = append(sevs, string(sev))
			}
		}
		args = append(args, sevs)
		where = append(where, fmt.Sprintf("severity = ANY($%d)", len(args)))
	}
	if f.NeedsReview {
		where = append(where, "state = 'UNDER_REVIEW' AND review_reason <> ''")
	}
	if f.Subject != "" {
		args = append(args, f.Subject)
		where = append(where, fmt.Sprintf("subject = $%d", len(args)))
	}
	args = append(args, f.EffectiveLimit())
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY last_updated_at DESC, id DESC LIMIT $%d`, len(args))

	var out []*cases.Case
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query cases: %w", classify(err))
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanCase(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate cases: %w", classify(err))
		}
		rows.Close()
		return s.attach(ctx, tx, out)
	})
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// CountByState counts cases in every state.
func (s *Store) CountByState(ctx context.Context) (map[cases.State]int, error) {
	ctx, span := startSpan(ctx, "CountByState", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM cases GROUP BY state`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("count cases: %w", classify(err)))
	}
	defer rows.Close()

	out := make(map[cases.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fail(span, fmt.Errorf("scan count: %w", err))
		}
		out[cases.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate counts: %w", classify(err)))
	}
	return out, nil
}

// Create inserts a new case at version 1 together with its evidence.
func (s *Store) Create(ctx context.Context, c *cases.Case) error {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", classify(err)))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	args, err := caseArgs(c)
	if err != nil {
		return fail(span, err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO cases (`+caseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,1)`, args...)
	if err != nil {
		return fail(span, fmt.Errorf("insert case %s: %w", c.ID, classify(err)))
	}
	if err := insertEvidence(ctx, tx, c); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", classify(err)))
	}
	c.Version = 1
	return nil
}

// Update writes c if its version matches the stored one and appends any
// evidence entries with a new sequence number.
func (s *Store) Update(ctx context.Context, c *cases.Case) error {
	ctx, span := startSpan(ctx, "Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", classify(err)))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	args, err := caseArgs(c)
	if err != nil {
		return fail(span, err)
	}
	args = append(args, c.Version)
	tag, err := tx.Exec(ctx, `UPDATE cases SET
		subject             = $2,
		violator            = $3,
		kind                = $4,
		state               = $5,
		severity            = $6,
		severity_overridden = $7,
		plan                = $8,
		review_reason       = $9,
		history             = $10,
		notes               = $11,
		opened_at           = $12,
		last_updated_at     = $13,
		closed_at           = $14,
		version             = version + 1
	WHERE id = $1 AND version = $15`, args...)
	if err != nil {
		return fail(span, fmt.Errorf("update case %s: %w", c.ID, classify(err)))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, s.missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = $1)`,
			fmt.Sprintf("case %s version %d", c.ID, c.Version), c.ID))
	}
	if err := insertEvidence(ctx, tx, c); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", classify(err)))
	}
	c.Version++
	return nil
}

// ClaimAction inserts a PENDING ledger row unless one exists.
func (s *Store) ClaimAction(ctx context.Context, caseID string, a cases.ActionType, key string) (*cases.ActionResult, bool, error) {
	ctx, span := startSpan(ctx, "ClaimAction", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `INSERT INTO case_actions (case_id, action, idempotency_key, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (case_id, action) DO NOTHING`,
		caseID, string(a), key, string(cases.ActionPending), time.Now().UTC())
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("claim %s/%s: %w", caseID, a, classify(err)))
	}

	var r *cases.ActionResult
	row := s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM case_actions WHERE case_id = $1 AND action = $2`, caseID, string(a))
	if err := scanAction(row, func(_ string, _ cases.ActionType, ar *cases.ActionResult) { r = ar }); err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, fail(span, fmt.Errorf("claim %s/%s: %w", caseID, a, cases.ErrNotFound))
	}
	return r, tag.RowsAffected() == 1, nil
}

// TransitionAction replaces the ledger row if its status is still from. The
// idempotency key is never rewritten.
func (s *Store) TransitionAction(ctx context.Context, caseID string, a cases.ActionType, from cases.ActionStatus, next *cases.ActionResult) error {
	ctx, span := startSpan(ctx, "TransitionAction", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", classify(err)))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE case_actions SET
		status       = $4,
		attempts     = $5,
		last_error   = $6,
		output       = $7,
		completed_at = $8,
		updated_at   = $9
	WHERE case_id = $1 AND action = $2 AND status = $3`,
		caseID, string(a), string(from), string(next.Status), next.Attempts,
		next.LastError, next.Output, nullTime(next.CompletedAt), next.UpdatedAt)
	if err != nil {
		return fail(span, fmt.Errorf("transition %s/%s: %w", caseID, a, classify(err)))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, s.missingOrStale(ctx, tx,
			`SELECT EXISTS (SELECT 1 FROM case_actions WHERE case_id = $1 AND action = $2)`,
			fmt.Sprintf("ledger %s/%s not %s", caseID, a, from), caseID, string(a)))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", classify(err)))
	}
	return nil
}

// missingOrStale distinguishes a missing row from a lost conditional write.
func (s *Store) missingOrStale(ctx context.Context, tx pgx.Tx, existsQuery, what string, args ...any) error {
	var exists bool
	if err := tx.QueryRow(ctx, existsQuery, args...).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", what, classify(err))
	}
	if !exists {
		return fmt.Errorf("%s: %w", what, cases.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, cases.ErrConflict)
}

// caseArgs returns the first fourteen case columns as query arguments.
func caseArgs(c *cases.Case) ([]any, error) {
	planJSON, err := json.Marshal(c.Plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	historyJSON, err := json.Marshal(c.History)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	notesJSON, err := json.Marshal(c.Notes)
	if err != nil {
		return nil, fmt.Errorf("marshal notes: %w", err)
	}
	return []any{
		c.ID, c.Key.Subject, c.Key.Violator, string(c.Key.Kind), string(c.State),
		string(c.Severity), c.SeverityOverridden, planJSON, c.ReviewReason,
		historyJSON, notesJSON, c.OpenedAt, c.LastUpdatedAt, nullTime(c.ClosedAt),
	}, nil
}

func insertEvidence(ctx context.Context, tx pgx.Tx, c *cases.Case) error {
	for i := range c.Evidence {
		e := &c.Evidence[i]
		sig := &e.Signal
		_, err := tx.Exec(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (case_id, seq) DO NOTHING`,
			c.ID, e.Seq, sig.ID, string(sig.SourceType), sig.Subject, sig.Violator, string(sig.Kind),
			sig.ObservedAt, sig.IngestedAt, sig.RawEvidence, sig.ContentHash,
			sig.Authoritative, sig.Duplicate, e.Supplementary,
		)
		if err != nil {
			return fmt.Errorf("insert evidence %s/%d: %w", c.ID, e.Seq, classify(err))
		}
	}
	return nil
}

// attach loads evidence and ledger rows for cs in two queries.
func (s *Store) attach(ctx context.Context, tx pgx.Tx, cs []*cases.Case) error {
	if len(cs) == 0 {
		return nil
	}
	byID := make(map[string]*cases.Case, len(cs))
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		c.Actions = make(map[cases.ActionType]*cases.ActionResult)
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}

	rows, err := tx.Query(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE case_id = ANY($1) ORDER BY case_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("query evidence: %w", classify(err))
	}
	for rows.Next() {
		var (
			caseID, source, kind string
			e                    cases.Evidence
		)
		sig := &e.Signal
		if err := rows.Scan(&caseID, &e.Seq, &sig.ID, &source, &sig.Subject, &sig.Violator, &kind,
			&sig.ObservedAt, &sig.IngestedAt, &sig.RawEvidence, &sig.ContentHash,
			&sig.Authoritative, &sig.Duplicate, &e.Supplementary); err != nil {
			rows.Close()
			return fmt.Errorf("scan evidence: %w", err)
		}
		sig.SourceType = signal.SourceType(source)
		sig.Kind = signal.Kind(kind)
		sig.ObservedAt = sig.ObservedAt.UTC()
		sig.IngestedAt = sig.IngestedAt.UTC()
		if c := byID[caseID]; c != nil {
			c.Evidence = append(c.Evidence, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate evidence: %w", classify(err))
	}

	rows, err = tx.Query(ctx, `SELECT `+actionColumns+` FROM case_actions WHERE case_id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("query actions: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		if err := scanAction(rows, func(caseID string, a cases.ActionType, r *cases.ActionResult) {
			if c := byID[caseID]; c != nil {
				c.Actions[a] = r
			}
		}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate actions: %w", classify(err))
	}
	return nil
}

// scanAction scans one ledger row and hands it to put. A missing row is not
// an error and put is not called.
func scanAction(row pgx.Row, put func(caseID string, a cases.ActionType, r *cases.ActionResult)) error {
	var (
		caseID, action, status string
		r                      cases.ActionResult
		completedAt            *time.Time
	)
	err := row.Scan(&caseID, &action, &r.IdempotencyKey, &status, &r.Attempts, &r.LastError, &r.Output, &completedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("scan action: %w", classify(err))
	}
	r.Status = cases.ActionStatus(status)
	r.UpdatedAt = r.UpdatedAt.UTC()
	if completedAt != nil {
		r.CompletedAt = completedAt.UTC()
	}
	put(caseID, cases.ActionType(action), &r)
	return nil
}

// scanCase scans a single case row without evidence or ledger.
// Returns (nil, nil) when no row is found.
func scanCase(row pgx.Row) (*cases.Case, error) {
	var (
		c                                cases.Case
		kind, state, severity            string
		planJSON, historyJSON, notesJSON []byte
		closedAt                         *time.Time
	)
	err := row.Scan(
		&c.ID, &c.Key.Subject, &c.Key.Violator, &kind, &state, &severity, &c.SeverityOverridden,
		&planJSON, &c.ReviewReason, &historyJSON, &notesJSON, &c.OpenedAt, &c.LastUpdatedAt,
		&closedAt, &c.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", classify(err))
	}

	c.Key.Kind = signal.Kind(kind)
	c.State = cases.State(state)
	c.Severity = cases.Severity(severity)
	c.OpenedAt = c.OpenedAt.UTC()
	c.LastUpdatedAt = c.LastUpdatedAt.UTC()
	if closedAt != nil {
		c.ClosedAt = closedAt.UTC()
	}

	if err := json.Unmarshal(planJSON, &c.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(historyJSON, &c.History); err != nil {
		return nil, fmt.Errorf("unmarshal history %s: %w", c.ID, err)
	}
	if err := json.Unmarshal(notesJSON, &c.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes %s: %w", c.ID, err)
	}
	return &c, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ cases.Store = (*Store)(nil)
