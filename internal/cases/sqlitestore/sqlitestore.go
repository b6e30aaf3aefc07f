// Package sqlitestore provides a single-node SQLite implementation of
// cases.Store for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	id                  TEXT PRIMARY KEY,
	subject             TEXT NOT NULL,
	violator            TEXT NOT NULL,
	kind                TEXT NOT NULL,
	state               TEXT NOT NULL,
	severity            TEXT NOT NULL DEFAULT '',
	severity_rank       INTEGER NOT NULL DEFAULT 0,
	severity_overridden INTEGER NOT NULL DEFAULT 0,
	plan                TEXT NOT NULL DEFAULT '{}',
	review_reason       TEXT NOT NULL DEFAULT '',
	history             TEXT NOT NULL DEFAULT '[]',
	notes               TEXT NOT NULL DEFAULT '[]',
	opened_at           INTEGER,
	last_updated_at     INTEGER,
	closed_at           INTEGER,
	version             INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_open_key
	ON cases(subject, violator, kind)
	WHERE state NOT IN ('RESOLVED', 'DISMISSED');
CREATE INDEX IF NOT EXISTS idx_cases_key_opened ON cases(subject, violator, kind, opened_at);
CREATE INDEX IF NOT EXISTS idx_cases_state_updated ON cases(state, last_updated_at);

CREATE TABLE IF NOT EXISTS evidence (
	case_id       TEXT NOT NULL REFERENCES cases(id),
	seq           INTEGER NOT NULL,
	signal_id     TEXT NOT NULL,
	source_type   TEXT NOT NULL,
	subject       TEXT NOT NULL,
	violator      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	observed_at   INTEGER,
	ingested_at   INTEGER,
	raw_evidence  BLOB,
	content_hash  TEXT NOT NULL,
	authoritative INTEGER NOT NULL,
	duplicate     INTEGER NOT NULL,
	supplementary INTEGER NOT NULL,
	PRIMARY KEY (case_id, seq)
);

CREATE TABLE IF NOT EXISTS case_actions (
	case_id         TEXT NOT NULL REFERENCES cases(id),
	action          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	output          TEXT NOT NULL DEFAULT '',
	completed_at    INTEGER,
	updated_at      INTEGER,
	PRIMARY KEY (case_id, action)
);
`

// Store persists cases in a SQLite file. All access goes through a single
// connection, so writes are serialized by the driver.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open case db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init case schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// classify maps driver errors onto the cases sentinels.
func classify(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%w: %w", cases.ErrNotFound, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", cases.ErrConflict, err)
	case errors.Is(err, sql.ErrConnDone), strings.Contains(msg, "database is locked"), strings.Contains(msg, "unable to open"):
		return fmt.Errorf("%w: %w", cases.ErrStorageUnavailable, err)
	}
	return err
}

const caseColumns = `id, subject, violator, kind, state, severity, severity_overridden, plan,
	review_reason, history, notes, opened_at, last_updated_at, closed_at, version`

const evidenceColumns = `case_id, seq, signal_id, source_type, subject, violator, kind,
	observed_at, ingested_at, raw_evidence, content_hash, authoritative, duplicate, supplementary`

const actionColumns = `case_id, action, idempotency_key, status, attempts, last_error, output,
	completed_at, updated_at`

// Get retrieves a case by ID.
func (s *Store) Get(ctx context.Context, id string) (*cases.Case, bool, error) {
	return s.findOne(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id)
}

// FindOpen retrieves the non-terminal case for key.
func (s *Store) FindOpen(ctx context.Context, key signal.Key) (*cases.Case, bool, error) {
	return s.findOne(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE subject = ? AND violator = ? AND kind = ? AND state NOT IN ('RESOLVED', 'DISMISSED')`,
		key.Subject, key.Violator, string(key.Kind))
}

// FindLatest retrieves the most recently opened case for key in any state.
func (s *Store) FindLatest(ctx context.Context, key signal.Key) (*cases.Case, bool, error) {
	return s.findOne(ctx, `SELECT `+caseColumns+` FROM cases
		WHERE subject = ? AND violator = ? AND kind = ?
		ORDER BY opened_at DESC, id DESC LIMIT 1`,
		key.Subject, key.Violator, string(key.Kind))
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*cases.Case, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // nothing to commit

	c, err := scanCase(tx.QueryRowContext(ctx, query, args...))
	if err != nil || c == nil {
		return nil, false, err
	}
	if err := attach(ctx, tx, []*cases.Case{c}); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// List returns cases matching f, most recently updated first.
func (s *Store) List(ctx context.Context, f cases.Filter) ([]*cases.Case, error) {
	states := f.EffectiveStates()
	where := []string{"state IN (" + placeholders(len(states)) + ")"}
	args := make([]any, 0, len(states)+3)
	for _, st := range states {
		args = append(args, string(st))
	}
	if f.MinSeverity != "" {
		where = append(where, "severity_rank >= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if f.NeedsReview {
		where = append(where, "state = 'UNDER_REVIEW' AND review_reason <> ''")
	}
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	args = append(args, f.EffectiveLimit())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // nothing to commit

	rows, err := tx.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE `+
		strings.Join(where, " AND ")+` ORDER BY last_updated_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", classify(err))
	}
	var out []*cases.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", classify(err))
	}
	if err := attach(ctx, tx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CountByState counts cases in every state.
func (s *Store) CountByState(ctx context.Context) (map[cases.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM cases GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count cases: %w", classify(err))
	}
	defer rows.Close()

	out := make(map[cases.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[cases.State(state)] = n
	}
	return out, rows.Err()
}

// Create inserts a new case at version 1 together with its evidence.
func (s *Store) Create(ctx context.Context, c *cases.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	args, err := caseArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cases (
		id, subject, violator, kind, state, severity, severity_rank, severity_overridden, plan,
		review_reason, history, notes, opened_at, last_updated_at, closed_at, version
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`, args...)
	if err != nil {
		return fmt.Errorf("insert case %s: %w", c.ID, classify(err))
	}
	if err := insertEvidence(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	c.Version = 1
	return nil
}

// Update writes c if its version matches the stored one and appends any
// evidence entries with a new sequence number.
func (s *Store) Update(ctx context.Context, c *cases.Case) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	args, err := caseArgs(c)
	if err != nil {
		return err
	}
	// caseArgs leads with the ID; the UPDATE wants it last.
	args = append(args[1:], c.ID, c.Version)
	res, err := tx.ExecContext(ctx, `UPDATE cases SET
		subject = ?, violator = ?, kind = ?, state = ?, severity = ?, severity_rank = ?,
		severity_overridden = ?, plan = ?, review_reason = ?, history = ?, notes = ?,
		opened_at = ?, last_updated_at = ?, closed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id = ?)`,
			fmt.Sprintf("case %s version %d", c.ID, c.Version), c.ID)
	}
	if err := insertEvidence(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	c.Version++
	return nil
}

// ClaimAction inserts a PENDING ledger row unless one exists.
func (s *Store) ClaimAction(ctx context.Context, caseID string, a cases.ActionType, key string) (*cases.ActionResult, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	res, err := tx.ExecContext(ctx, `INSERT INTO case_actions (case_id, action, idempotency_key, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (case_id, action) DO NOTHING`,
		caseID, string(a), key, string(cases.ActionPending), time.Now().UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("claim %s/%s: %w", caseID, a, classify(err))
	}
	created, _ := res.RowsAffected()

	var r *cases.ActionResult
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM case_actions WHERE case_id = ? AND action = ?`, caseID, string(a))
	if err := scanAction(row, func(_ string, _ cases.ActionType, ar *cases.ActionResult) { r = ar }); err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, fmt.Errorf("claim %s/%s: %w", caseID, a, cases.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", classify(err))
	}
	return r, created == 1, nil
}

// TransitionAction replaces the ledger row if its status is still from.
func (s *Store) TransitionAction(ctx context.Context, caseID string, a cases.ActionType, from cases.ActionStatus, next *cases.ActionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	res, err := tx.ExecContext(ctx, `UPDATE case_actions SET
		status = ?, attempts = ?, last_error = ?, output = ?, completed_at = ?, updated_at = ?
		WHERE case_id = ? AND action = ? AND status = ?`,
		string(next.Status), next.Attempts, next.LastError, next.Output,
		nanos(next.CompletedAt), nanos(next.UpdatedAt),
		caseID, string(a), string(from))
	if err != nil {
		return fmt.Errorf("transition %s/%s: %w", caseID, a, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return missingOrStale(ctx, tx, `SELECT EXISTS (SELECT 1 FROM case_actions WHERE case_id = ? AND action = ?)`,
			fmt.Sprintf("ledger %s/%s not %s", caseID, a, from), caseID, string(a))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

func missingOrStale(ctx context.Context, tx *sql.Tx, existsQuery, what string, args ...any) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, existsQuery, args...).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", what, classify(err))
	}
	if !exists {
		return fmt.Errorf("%s: %w", what, cases.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, cases.ErrConflict)
}

// caseArgs returns the insert arguments for every case column but version.
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
		string(c.Severity), c.Severity.Rank(), boolToInt(c.SeverityOverridden), string(planJSON),
		c.ReviewReason, string(historyJSON), string(notesJSON),
		nanos(c.OpenedAt), nanos(c.LastUpdatedAt), nanos(c.ClosedAt),
	}, nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, c *cases.Case) error {
	for i := range c.Evidence {
		e := &c.Evidence[i]
		sig := &e.Signal
		_, err := tx.ExecContext(ctx, `INSERT INTO evidence (`+evidenceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (case_id, seq) DO NOTHING`,
			c.ID, e.Seq, sig.ID, string(sig.SourceType), sig.Subject, sig.Violator, string(sig.Kind),
			nanos(sig.ObservedAt), nanos(sig.IngestedAt), sig.RawEvidence, sig.ContentHash,
			boolToInt(sig.Authoritative), boolToInt(sig.Duplicate), boolToInt(e.Supplementary),
		)
		if err != nil {
			return fmt.Errorf("insert evidence %s/%d: %w", c.ID, e.Seq, classify(err))
		}
	}
	return nil
}

// attach loads evidence and ledger rows for cs.
func attach(ctx context.Context, tx *sql.Tx, cs []*cases.Case) error {
	if len(cs) == 0 {
		return nil
	}
	byID := make(map[string]*cases.Case, len(cs))
	ids := make([]any, 0, len(cs))
	for _, c := range cs {
		c.Actions = make(map[cases.ActionType]*cases.ActionResult)
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	in := placeholders(len(ids))

	rows, err := tx.QueryContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE case_id IN (`+in+`) ORDER BY case_id, seq`, ids...)
	if err != nil {
		return fmt.Errorf("query evidence: %w", classify(err))
	}
	for rows.Next() {
		var (
			caseID, source, kind string
			observed, ingested   sql.NullInt64
			auth, dup, supp      int
			e                    cases.Evidence
		)
		sig := &e.Signal
		if err := rows.Scan(&caseID, &e.Seq, &sig.ID, &source, &sig.Subject, &sig.Violator, &kind,
			&observed, &ingested, &sig.RawEvidence, &sig.ContentHash, &auth, &dup, &supp); err != nil {
			rows.Close()
			return fmt.Errorf("scan evidence: %w", err)
		}
		sig.SourceType = signal.SourceType(source)
		sig.Kind = signal.Kind(kind)
		sig.ObservedAt = fromNanos(observed)
		sig.IngestedAt = fromNanos(ingested)
		sig.Authoritative = auth != 0
		sig.Duplicate = dup != 0
		e.Supplementary = supp != 0
		if c := byID[caseID]; c != nil {
			c.Evidence = append(c.Evidence, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate evidence: %w", classify(err))
	}

	rows, err = tx.QueryContext(ctx, `SELECT `+actionColumns+` FROM case_actions WHERE case_id IN (`+in+`)`, ids...)
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
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanAction scans one ledger row and hands it to put. A missing row is not
// an error and put is not called.
func scanAction(row scanner, put func(caseID string, a cases.ActionType, r *cases.ActionResult)) error {
	var (
		caseID, action, status string
		completed, updated     sql.NullInt64
		r                      cases.ActionResult
	)
	err := row.Scan(&caseID, &action, &r.IdempotencyKey, &status, &r.Attempts, &r.LastError, &r.Output, &completed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("scan action: %w", classify(err))
	}
	r.Status = cases.ActionStatus(status)
	r.CompletedAt = fromNanos(completed)
	r.UpdatedAt = fromNanos(updated)
	put(caseID, cases.ActionType(action), &r)
	return nil
}

// scanCase scans a single case row without evidence or ledger.
// Returns (nil, nil) when no row is found.
func scanCase(row scanner) (*cases.Case, error) {
	var (
		c                                cases.Case
		kind, state, severity            string
		overridden                       int
		planJSON, historyJSON, notesJSON string
		opened, updated, closed          sql.NullInt64
	)
	err := row.Scan(
		&c.ID, &c.Key.Subject, &c.Key.Violator, &kind, &state, &severity, &overridden,
		&planJSON, &c.ReviewReason, &historyJSON, &notesJSON, &opened, &updated, &closed, &c.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", classify(err))
	}

	c.Key.Kind = signal.Kind(kind)
	c.State = cases.State(state)
	c.Severity = cases.Severity(severity)
	c.SeverityOverridden = overridden != 0
	c.OpenedAt = fromNanos(opened)
	c.LastUpdatedAt = fromNanos(updated)
	c.ClosedAt = fromNanos(closed)

	if err := json.Unmarshal([]byte(planJSON), &c.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &c.History); err != nil {
		return nil, fmt.Errorf("unmarshal history %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(notesJSON), &c.Notes); err != nil {
		return nil, fmt.Errorf("unmarshal notes %s: %w", c.ID, err)
	}
	return &c, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nanos stores zero times as NULL; time.Time{} has no unix-nanosecond form.
func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ cases.Store = (*Store)(nil)
