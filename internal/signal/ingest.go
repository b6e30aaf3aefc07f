package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultDuplicateWindow is how long a content hash is remembered per key.
	DefaultDuplicateWindow = 24 * time.Hour

	// maxClockSkew bounds how far in the future an observation may claim to be.
	maxClockSkew = 5 * time.Minute

	// maxSeen caps the duplicate index; the oldest entries are swept first.
	maxSeen = 100_000

	maxIdentifierLen = 512
)

// FieldError describes one invalid or missing input field.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError is returned for malformed input. It is never stored.
type ValidationError struct {
	Problems []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Problem)
	}
	return "invalid signal: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, problem string) {
	e.Problems = append(e.Problems, FieldError{Field: field, Problem: problem})
}

// Ingestor validates and normalizes raw input. It keeps an in-process index of
// recently seen content hashes per key so repeats are flagged, not rejected.
// It never touches case storage.
type Ingestor struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // key + content hash -> first seen
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.now = now }
}

// NewIngestor creates an Ingestor with the given duplicate window.
// A non-positive window uses DefaultDuplicateWindow.
func NewIngestor(window time.Duration, opts ...IngestorOption) *Ingestor {
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	i := &Ingestor{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest validates in and returns a normalized Signal, or a *ValidationError.
func (i *Ingestor) Ingest(in *Input) (*Signal, error) {
	if in == nil {
		return nil, &ValidationError{Problems: []FieldError{{Field: "signal", Problem: "required"}}}
	}

	now := i.now().UTC()
	verr := &ValidationError{}

	source := SourceType(strings.ToLower(strings.TrimSpace(in.SourceType)))
	if source == "" {
		source = SourceManual
	}
	if !source.Valid() {
		verr.add("source_type", fmt.Sprintf("unknown source type %q", in.SourceType))
	}

	subject := NormalizeIdentifier(in.Subject)
	switch {
	case subject == "":
		verr.add("subject", "required")
	case len(subject) > maxIdentifierLen:
		verr.add("subject", "too long")
	}

	violator := NormalizeIdentifier(in.Violator)
	switch {
	case violator == "":
		verr.add("violator", "required")
	case len(violator) > maxIdentifierLen:
		verr.add("violator", "too long")
	}

	if subject != "" && subject == violator {
		verr.add("violator", "must differ from subject")
	}

	kind := Kind(strings.ToUpper(strings.TrimSpace(in.Kind)))
	switch {
	case kind == "":
		verr.add("kind", "required")
	case !kind.Valid():
		verr.add("kind", fmt.Sprintf("unknown violation kind %q", in.Kind))
	}

	observed := in.ObservedAt.UTC()
	if in.ObservedAt.IsZero() {
		observed = now
	} else if observed.After(now.Add(maxClockSkew)) {
		verr.add("observed_at", "in the future")
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}

	authoritative := source != SourceScan
	if in.Authoritative != nil {
		authoritative = *in.Authoritative
	}

	raw := append([]byte(nil), in.Evidence...)
	sig := &Signal{
		ID:            ulid.Make().String(),
		SourceType:    source,
		Subject:       subject,
		Violator:      violator,
		Kind:          kind,
		ObservedAt:    observed,
		IngestedAt:    now,
		RawEvidence:   raw,
		ContentHash:   ContentHash(raw),
		Authoritative: authoritative,
	}
	sig.Duplicate = i.markSeen(sig.Key(), sig.ContentHash, now)
	return sig, nil
}

// markSeen records the hash for key and reports whether it was already seen
// inside the window.
func (i *Ingestor) markSeen(k Key, hash string, now time.Time) bool {
	id := k.String() + "#" + hash

	i.mu.Lock()
	defer i.mu.Unlock()

	if first, ok := i.seen[id]; ok && now.Sub(first) < i.window {
		return true
	}
	if len(i.seen) >= maxSeen {
		i.sweepLocked(now)
	}
	i.seen[id] = now
	return false
}

// Forget drops sig from the duplicate index when sig was the first sighting,
// so a resubmission after a failed correlation is not flagged as a repeat.
func (i *Ingestor) Forget(sig *Signal) {
	if sig == nil || sig.Duplicate {
		return
	}
	id := sig.Key().String() + "#" + sig.ContentHash

	i.mu.Lock()
	defer i.mu.Unlock()
	if first, ok := i.seen[id]; ok && first.Equal(sig.IngestedAt) {
		delete(i.seen, id)
	}
}

func (i *Ingestor) sweepLocked(now time.Time) {
	for id, first := range i.seen {
		if now.Sub(first) >= i.window {
			delete(i.seen, id)
		}
	}
	// still full: drop everything older than half the window
	if len(i.seen) >= maxSeen {
		for id, first := range i.seen {
			if now.Sub(first) >= i.window/2 {
				delete(i.seen, id)
			}
		}
	}
}

// ContentHash returns the hex SHA-256 of the raw evidence payload.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NormalizeIdentifier canonicalizes an email address or repository URL so the
// same identifier always maps to the same correlation key.
func NormalizeIdentifier(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")
	return s
}
