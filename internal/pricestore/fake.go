package pricestore

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sells-group/pricing-cli/internal/resilience"
)

// Fake is an in-memory Store for tests and local dry runs. Failures can be
// injected per call to exercise the transaction manager's retry, verify,
// and rollback paths.
type Fake struct {
	mu     sync.Mutex
	prices map[string]map[string]decimal.Decimal

	// WriteErrs is consumed one error per Write call; nil entries mean
	// the write succeeds.
	WriteErrs []error

	// ReadErrs is consumed one error per Read call.
	ReadErrs []error

	// Unhealthy makes Health fail.
	Unhealthy bool

	// Corrupt, when set, is applied to values after a successful write,
	// simulating a store that silently alters what it persists. Used to
	// force verification mismatches.
	Corrupt func(siteID string, values map[string]decimal.Decimal) map[string]decimal.Decimal

	writes int
	reads  int
}

// NewFake creates a Fake seeded with the given prices.
func NewFake(seed map[string]map[string]decimal.Decimal) *Fake {
	prices := make(map[string]map[string]decimal.Decimal, len(seed))
	for site, cats := range seed {
		prices[site] = make(map[string]decimal.Decimal, len(cats))
		for cat, v := range cats {
			prices[site][cat] = v
		}
	}
	return &Fake{prices: prices}
}

func (f *Fake) Read(ctx context.Context, siteID string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads++
	if len(f.ReadErrs) > 0 {
		err := f.ReadErrs[0]
		f.ReadErrs = f.ReadErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]decimal.Decimal, len(f.prices[siteID]))
	for cat, v := range f.prices[siteID] {
		out[cat] = v
	}
	return out, nil
}

func (f *Fake) Write(ctx context.Context, siteID string, values map[string]decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.writes++
	if len(f.WriteErrs) > 0 {
		err := f.WriteErrs[0]
		f.WriteErrs = f.WriteErrs[1:]
		if err != nil {
			return err
		}
	}

	applied := values
	if f.Corrupt != nil {
		applied = f.Corrupt(siteID, values)
	}

	if f.prices[siteID] == nil {
		f.prices[siteID] = make(map[string]decimal.Decimal)
	}
	for cat, v := range applied {
		f.prices[siteID][cat] = v
	}
	return nil
}

func (f *Fake) Health(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unhealthy {
		return resilience.NewConnectivityError(context.DeadlineExceeded, 0)
	}
	return nil
}

// Writes returns the number of Write calls seen.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Current returns the live value for a (site, category).
func (f *Fake) Current(siteID, categoryID string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[siteID][categoryID]
}
