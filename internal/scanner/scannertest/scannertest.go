// Package scannertest provides a scripted scanner feed for tests.
package scannertest

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/tripwire/internal/scanner"
	"github.com/linnemanlabs/tripwire/internal/signal"
)

// Feed replays scripted batches in order. Once the script is exhausted it
// returns empty batches.
type Feed struct {
	name string

	mu      sync.Mutex
	script  []step
	calls   int
	sinceAt []time.Time
}

type step struct {
	batch *scanner.Batch
	err   error
}

// New creates an empty feed named name.
func New(name string) *Feed {
	return &Feed{name: name}
}

// Then queues a batch of inputs.
func (f *Feed) Then(sample bool, ins ...*signal.Input) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, step{batch: &scanner.Batch{Feed: f.name, Inputs: ins, Sample: sample}})
	return f
}

// ThenError queues a failing fetch.
func (f *Feed) ThenError(err error) *Feed {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, step{err: err})
	return f
}

// Name implements scanner.Feed.
func (f *Feed) Name() string { return f.name }

// Fetch implements scanner.Feed.
func (f *Feed) Fetch(ctx context.Context, since time.Time) (*scanner.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.sinceAt = append(f.sinceAt, since)
	if len(f.script) == 0 {
		return &scanner.Batch{Feed: f.name}, nil
	}
	s := f.script[0]
	f.script = f.script[1:]
	return s.batch, s.err
}

// Calls returns the number of fetches so far.
func (f *Feed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Since returns the since argument of every fetch so far.
func (f *Feed) Since() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.sinceAt...)
}

// Input builds a scan input for tests.
func Input(subject, violator string) *signal.Input {
	return &signal.Input{
		SourceType: string(signal.SourceScan),
		Subject:    subject,
		Violator:   violator,
		Kind:       string(signal.KindCodeCopy),
		Evidence:   []byte(`{"path":"` + violator + `"}`),
	}
}

var _ scanner.Feed = (*Feed)(nil)
