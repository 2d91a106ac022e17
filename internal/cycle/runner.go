// Package cycle orchestrates one pricing cycle: collect votes, aggregate
// them, apply the constraint chain, persist the consensus, and publish
// through the transaction manager, fanning out across sites.
package cycle

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricing-cli/internal/consensus"
	"github.com/sells-group/pricing-cli/internal/constraint"
	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/pricestore"
	"github.com/sells-group/pricing-cli/internal/scores"
	"github.com/sells-group/pricing-cli/internal/txn"
)

// Site is one site's cycle configuration.
type Site struct {
	ID         string
	Categories []string
	Rules      constraint.RuleSet
}

// Publisher is the publish entry point. Satisfied by *txn.Manager.
type Publisher interface {
	Publish(ctx context.Context, req txn.PublishRequest) (*model.Transaction, error)
}

// SiteResult is the outcome of one site's cycle run. Txn is nil when the
// site was skipped for lack of votes.
type SiteResult struct {
	SiteID string
	Txn    *model.Transaction
	Err    error
}

// Runner drives pricing cycles.
type Runner struct {
	ledger      ledger.Ledger
	store       pricestore.Store
	source      scores.Source
	pub         Publisher
	concurrency int
}

// NewRunner creates a Runner. concurrency caps how many sites publish at
// once; values below 1 mean 4.
func NewRunner(l ledger.Ledger, store pricestore.Store, source scores.Source, pub Publisher, concurrency int) *Runner {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Runner{ledger: l, store: store, source: source, pub: pub, concurrency: concurrency}
}

// Run executes the cycle for every site concurrently and returns one
// result per site, in input order. The returned error is non-nil when at
// least one site failed; per-site detail is in the results.
func (r *Runner) Run(ctx context.Context, cycleDate model.CycleDate, sites []Site, dryRun bool) ([]SiteResult, error) {
	results := make([]SiteResult, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, site := range sites {
		g.Go(func() error {
			t, err := r.RunSite(gctx, cycleDate, site, dryRun)
			results[i] = SiteResult{SiteID: site.ID, Txn: t, Err: err}
			// Site failures are reported per result, not propagated, so
			// one bad site never cancels the others.
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return results, eris.Errorf("cycle: %d of %d sites failed", failed, len(sites))
	}
	return results, nil
}

// RunSite executes the cycle for one site. It returns (nil, nil) when no
// category had votes, which is a skip, not a failure.
func (r *Runner) RunSite(ctx context.Context, cycleDate model.CycleDate, site Site, dryRun bool) (*model.Transaction, error) {
	logger := zap.L().With(
		zap.String("site_id", site.ID),
		zap.String("cycle_date", string(cycleDate)),
	)

	previous, err := r.store.Read(ctx, site.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "cycle: read previous values for site %s", site.ID)
	}

	targets := make(map[string]decimal.Decimal, len(site.Categories))
	for _, cat := range site.Categories {
		votes, err := r.source.VotesFor(ctx, site.ID, cat, cycleDate)
		if err != nil {
			return nil, eris.Wrapf(err, "cycle: collect votes for site %s category %s", site.ID, cat)
		}

		raw, err := consensus.Aggregate(votes)
		if err != nil {
			if eris.Is(err, consensus.ErrInsufficientVotes) {
				logger.Warn("no votes for category, skipping", zap.String("category_id", cat))
				continue
			}
			return nil, err
		}

		constrained, adjustments := constraint.Enforce(raw, site.Rules.ParamsFor(cat, previous[cat]))
		for _, adj := range adjustments {
			logger.Info("constraint adjusted consensus",
				zap.String("category_id", cat),
				zap.String("rule", adj.Rule),
				zap.String("before", adj.Before.String()),
				zap.String("after", adj.After.String()),
			)
		}

		if err := r.ledger.SaveConsensus(ctx, model.ConsensusResult{
			SiteID:           site.ID,
			CategoryID:       cat,
			CycleDate:        cycleDate,
			Votes:            votes,
			RawConsensus:     raw,
			ConstrainedValue: constrained,
			Adjustments:      adjustments,
		}); err != nil {
			return nil, err
		}
		targets[cat] = constrained
	}

	if len(targets) == 0 {
		logger.Warn("no category produced a consensus, skipping site")
		return nil, nil
	}

	return r.pub.Publish(ctx, txn.PublishRequest{
		SiteID:    site.ID,
		CycleDate: cycleDate,
		Targets:   targets,
		Rules:     site.Rules,
		DryRun:    dryRun,
	})
}
