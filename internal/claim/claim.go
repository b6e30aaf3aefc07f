// Package claim computes the financial claim attached by COMPUTE_CLAIM.
//
// The figure is an estimate for an operator to review: a flat rate per
// distinct evidence item, optionally capped. It carries no legal weight.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/linnemanlabs/tripwire/internal/cases"
)

// Config holds the claim rate table.
type Config struct {
	Rate     float64
	Currency string

	// Cap limits the amount; zero means uncapped.
	Cap float64
}

// Validate checks the rate table is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Rate <= 0 || math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0) {
		errs = append(errs, fmt.Errorf("claim rate must be a positive number, got %v", c.Rate))
	}
	if len(c.Currency) != 3 {
		errs = append(errs, fmt.Errorf("claim currency must be a 3-letter code, got %q", c.Currency))
	}
	if c.Cap < 0 || math.IsNaN(c.Cap) {
		errs = append(errs, fmt.Errorf("claim cap must be >= 0, got %v", c.Cap))
	}
	return errors.Join(errs...)
}

// Calculator implements cases.ClaimCalculator.
type Calculator struct {
	cfg Config
}

// New creates a calculator for cfg.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg}, nil
}

// Compute counts distinct primary evidence items (duplicates and
// supplementary evidence excluded, identical content counted once) and
// multiplies by the rate. The result is deterministic for a given case.
func (c *Calculator) Compute(_ context.Context, cs *cases.Case) (cases.Claim, error) {
	n := DistinctEvidence(cs)
	if n == 0 {
		return cases.Claim{}, cases.Permanent(fmt.Errorf("case %s has no countable evidence", cs.ID))
	}

	amount := roundCents(float64(n) * c.cfg.Rate)
	basis := fmt.Sprintf("%d distinct evidence item(s) at %.2f %s", n, c.cfg.Rate, c.cfg.Currency)
	if c.cfg.Cap > 0 && amount > c.cfg.Cap {
		amount = c.cfg.Cap
		basis += fmt.Sprintf(", capped at %.2f", c.cfg.Cap)
	}
	return cases.Claim{Amount: amount, Currency: c.cfg.Currency, Basis: basis}, nil
}

// DistinctEvidence is the number of claimable evidence items on cs.
func DistinctEvidence(cs *cases.Case) int {
	seen := make(map[string]struct{}, len(cs.Evidence))
	for _, e := range cs.Evidence {
		if e.Supplementary || e.Signal.Duplicate {
			continue
		}
		id := e.Signal.ContentHash
		if id == "" {
			id = e.Signal.ID
		}
		seen[id] = struct{}{}
	}
	return len(seen)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

var _ cases.ClaimCalculator = (*Calculator)(nil)
