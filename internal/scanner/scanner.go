// Package scanner polls external sources for uses of protected subjects and
// feeds what it finds into the case pipeline as scan signals.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/tripwire/internal/cases"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// ErrFeedUnavailable means the feed cannot run at all (missing or rejected
// credentials). Polling such a feed is pointless until it is reconfigured.
var ErrFeedUnavailable = errors.New("scanner feed unavailable")

// Batch is one fetch from a feed.
type Batch struct {
	Feed   string
	Inputs []*signal.Input

	// Sample is set when the source reported partial results. The inputs
	// are then marked non-authoritative.
	Sample bool
}

// Feed is an external source of scan signals.
type Feed interface {
	Name() string
	Fetch(ctx context.Context, since time.Time) (*Batch, error)
}

// Submitter is the intake side of the pipeline.
type Submitter interface {
	SubmitBatch(ctx context.Context, ins []*signal.Input) ([]*cases.SubmitResult, []error)
}
