package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

// PollerConfig controls the polling schedule.
type PollerConfig struct {
	Interval time.Duration

	// Lookback is how far back the first fetch reaches.
	Lookback time.Duration
}

// Poller fetches from a feed on a fixed schedule and submits the results.
type Poller struct {
	feed    Feed
	submit  Submitter
	cfg     PollerConfig
	metrics *Metrics
	logger  log.Logger
	now     func() time.Time

	since time.Time
}

// NewPoller creates a poller. metrics may be nil.
func NewPoller(feed Feed, submit Submitter, cfg PollerConfig, metrics *Metrics, logger log.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Poller{
		feed:    feed,
		submit:  submit,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("feed", feed.Name()),
		now:     time.Now,
	}
}

// Run polls until ctx is done. It stops early if the feed reports
// ErrFeedUnavailable, since nothing will change without reconfiguration.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()

	for {
		if err := p.Poll(ctx); errors.Is(err, ErrFeedUnavailable) {
			p.logger.Warn(ctx, "scanner feed unavailable, polling stopped", "err", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll runs one fetch and submits its inputs. The next fetch starts from
// the time of the last successful one. A batch with signals the pipeline
// could not take for now (storage down, shutting down) does not advance the
// window; signals already accepted come back as duplicates next time.
func (p *Poller) Poll(ctx context.Context) error {
	name := p.feed.Name()
	start := p.now()
	since := p.since
	if since.IsZero() {
		since = start.Add(-p.cfg.Lookback)
	}

	batch, err := p.feed.Fetch(ctx, since)
	switch {
	case errors.Is(err, ErrFeedUnavailable):
		p.metrics.fetch(name, "unavailable")
		return err
	case err != nil:
		p.metrics.fetch(name, "error")
		if ctx.Err() == nil {
			p.logger.Error(ctx, err, "scanner fetch failed")
		}
		return err
	}

	result := "ok"
	if batch.Sample {
		result = "sample"
	}
	p.metrics.fetch(name, result)

	if len(batch.Inputs) == 0 {
		p.advance(start)
		return nil
	}

	results, errs := p.submit.SubmitBatch(ctx, batch.Inputs)
	var created, accepted, failed, deferred int
	var retryErr error
	for i := range batch.Inputs {
		switch {
		case errs[i] != nil && retriable(errs[i]):
			deferred++
			if retryErr == nil {
				retryErr = errs[i]
			}
		case errs[i] != nil:
			failed++
			p.logger.Warn(ctx, "scanner signal rejected", "violator", batch.Inputs[i].Violator, "err", errs[i])
		case results[i].Created:
			created++
			accepted++
		case results[i].Accepted:
			accepted++
		}
	}
	p.metrics.signals(name, "accepted", accepted)
	p.metrics.signals(name, "failed", failed)
	p.metrics.signals(name, "deferred", deferred)

	if retryErr != nil {
		p.logger.Warn(ctx, "scanner batch deferred, window kept",
			"signals", len(batch.Inputs),
			"deferred", deferred,
			"since", since,
			"err", retryErr,
		)
		return fmt.Errorf("%d of %d signals deferred: %w", deferred, len(batch.Inputs), retryErr)
	}
	p.advance(start)

	p.logger.Info(ctx, "scanner poll complete",
		"signals", len(batch.Inputs),
		"accepted", accepted,
		"cases_opened", created,
		"failed", failed,
		"sample", batch.Sample,
		"duration", time.Since(start).Seconds(),
	)
	return nil
}

func (p *Poller) advance(start time.Time) {
	p.since = start
	p.metrics.success(p.feed.Name(), float64(start.Unix()))
}

func retriable(err error) bool {
	return cases.Retriable(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
