// Package revert computes recovery targets from the audit ledger and
// drives them through the same publish pipeline as a normal cycle.
package revert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/constraint"
	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/pricestore"
	"github.com/sells-group/pricing-cli/internal/txn"
)

// rollingWindow is how many prior committed cycles feed a rolling_average
// revert.
const rollingWindow = 7

// ErrConfirmationDeclined is returned when the operator answers no to the
// confirmation prompt.
var ErrConfirmationDeclined = eris.New("revert: confirmation declined")

// InsufficientHistoryError means the ledger does not hold enough committed
// records to compute the requested revert target.
type InsufficientHistoryError struct {
	SiteID     string
	CategoryID string
	Mode       model.RevertMode
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("revert: no committed history for site %s category %s (mode %s)", e.SiteID, e.CategoryID, e.Mode)
}

// Publisher runs a computed revert through the transaction state machine.
// Satisfied by *txn.Manager.
type Publisher interface {
	Publish(ctx context.Context, req txn.PublishRequest) (*model.Transaction, error)
}

// ConfirmFunc asks the operator to approve a revert. It receives a human
// readable summary of the values about to be pushed.
type ConfirmFunc func(summary string) bool

// Engine computes revert targets and publishes them.
type Engine struct {
	ledger  ledger.Ledger
	pub     Publisher
	store   pricestore.Store
	confirm ConfirmFunc
}

// NewEngine creates an Engine. confirm may be nil when no interactive
// confirmation is possible; a request that requires confirmation then
// fails rather than proceeding silently.
func NewEngine(l ledger.Ledger, pub Publisher, store pricestore.Store, confirm ConfirmFunc) *Engine {
	return &Engine{ledger: l, pub: pub, store: store, confirm: confirm}
}

// Revert computes the target values for req and publishes them. The revert
// runs through the full state machine, so it is audited, verified, and
// rolled back on failure like any other publish.
func (e *Engine) Revert(ctx context.Context, req model.RevertRequest, rules constraint.RuleSet) (*model.Transaction, error) {
	if req.SiteID == "" {
		return nil, eris.New("revert: site id is required")
	}
	if _, err := model.ParseCycleDate(string(req.CycleDate)); err != nil {
		return nil, err
	}

	categories, err := e.categoriesFor(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, eris.Errorf("revert: no categories known for site %s", req.SiteID)
	}

	targets, err := e.computeTargets(ctx, req, categories, rules)
	if err != nil {
		return nil, err
	}

	if req.RequireConfirmation {
		if e.confirm == nil {
			return nil, eris.New("revert: confirmation required but no prompt available")
		}
		if !e.confirm(summarize(req, targets)) {
			zap.L().Info("revert declined by operator",
				zap.String("site_id", req.SiteID),
				zap.String("cycle_date", string(req.CycleDate)),
			)
			return nil, ErrConfirmationDeclined
		}
	}

	// Tie the revert to the transaction it undoes when one exists for
	// this cycle.
	revertOf := ""
	if prior, err := e.ledger.LatestCommittedTransaction(ctx, req.SiteID, req.CycleDate); err != nil {
		return nil, err
	} else if prior != nil {
		revertOf = prior.ID
	}

	zap.L().Info("publishing revert",
		zap.String("site_id", req.SiteID),
		zap.String("cycle_date", string(req.CycleDate)),
		zap.String("mode", string(req.Mode)),
		zap.String("revert_of", revertOf),
	)
	return e.pub.Publish(ctx, txn.PublishRequest{
		SiteID:    req.SiteID,
		CycleDate: req.CycleDate,
		Targets:   targets,
		Rules:     rules,
		RevertOf:  revertOf,
		Actor:     "revert",
	})
}

// categoriesFor decides which categories the revert covers: the ones the
// reverted transaction touched when it exists, otherwise every category
// the store currently reports.
func (e *Engine) categoriesFor(ctx context.Context, req model.RevertRequest) ([]string, error) {
	if req.Mode == model.RevertManual {
		cats := make([]string, 0, len(req.ManualValues))
		for cat := range req.ManualValues {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		return cats, nil
	}

	if prior, err := e.ledger.LatestCommittedTransaction(ctx, req.SiteID, req.CycleDate); err != nil {
		return nil, err
	} else if prior != nil {
		cats := make([]string, 0, len(prior.TargetValues))
		for cat := range prior.TargetValues {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		return cats, nil
	}

	live, err := e.store.Read(ctx, req.SiteID)
	if err != nil {
		return nil, eris.Wrapf(err, "revert: read live categories for site %s", req.SiteID)
	}
	cats := make([]string, 0, len(live))
	for cat := range live {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats, nil
}

func (e *Engine) computeTargets(ctx context.Context, req model.RevertRequest, categories []string, rules constraint.RuleSet) (map[string]decimal.Decimal, error) {
	switch req.Mode {
	case model.RevertPreviousCycle:
		return e.previousCycleTargets(ctx, req, categories)
	case model.RevertRollingAverage:
		return e.rollingAverageTargets(ctx, req, categories)
	case model.RevertManual:
		return e.manualTargets(ctx, req, rules)
	default:
		return nil, eris.Errorf("revert: unknown mode %q", req.Mode)
	}
}

// previousCycleTargets restores each category to the value committed in
// the most recent cycle before the reverted one.
func (e *Engine) previousCycleTargets(ctx context.Context, req model.RevertRequest, categories []string) (map[string]decimal.Decimal, error) {
	targets := make(map[string]decimal.Decimal, len(categories))
	for _, cat := range categories {
		recs, err := e.ledger.CommittedHistory(ctx, req.SiteID, cat, req.CycleDate, 1)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, &InsufficientHistoryError{SiteID: req.SiteID, CategoryID: cat, Mode: req.Mode}
		}
		targets[cat] = recs[0].NewValue
	}
	return targets, nil
}

// rollingAverageTargets restores each category to the mean of its last
// committed values, up to rollingWindow cycles back.
func (e *Engine) rollingAverageTargets(ctx context.Context, req model.RevertRequest, categories []string) (map[string]decimal.Decimal, error) {
	targets := make(map[string]decimal.Decimal, len(categories))
	for _, cat := range categories {
		recs, err := e.ledger.CommittedHistory(ctx, req.SiteID, cat, req.CycleDate, rollingWindow)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return nil, &InsufficientHistoryError{SiteID: req.SiteID, CategoryID: cat, Mode: req.Mode}
		}
		sum := decimal.Zero
		for _, r := range recs {
			sum = sum.Add(r.NewValue)
		}
		targets[cat] = sum.DivRound(decimal.NewFromInt(int64(len(recs))), 2)
	}
	return targets, nil
}

// manualTargets runs operator-supplied values through the constraint chain
// against the live previous values, so a manual revert cannot sidestep the
// floor or the day-over-day cap.
func (e *Engine) manualTargets(ctx context.Context, req model.RevertRequest, rules constraint.RuleSet) (map[string]decimal.Decimal, error) {
	if len(req.ManualValues) == 0 {
		return nil, eris.New("revert: manual mode requires explicit values")
	}

	live, err := e.store.Read(ctx, req.SiteID)
	if err != nil {
		return nil, eris.Wrapf(err, "revert: read live values for site %s", req.SiteID)
	}

	targets := make(map[string]decimal.Decimal, len(req.ManualValues))
	for cat, v := range req.ManualValues {
		constrained, adjustments := constraint.Enforce(v, rules.ParamsFor(cat, live[cat]))
		for _, adj := range adjustments {
			zap.L().Warn("manual revert value adjusted",
				zap.String("site_id", req.SiteID),
				zap.String("category_id", cat),
				zap.String("rule", adj.Rule),
				zap.String("before", adj.Before.String()),
				zap.String("after", adj.After.String()),
			)
		}
		targets[cat] = constrained
	}
	return targets, nil
}

func summarize(req model.RevertRequest, targets map[string]decimal.Decimal) string {
	cats := make([]string, 0, len(targets))
	for cat := range targets {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	parts := make([]string, 0, len(cats))
	for _, cat := range cats {
		parts = append(parts, fmt.Sprintf("%s=%s", cat, targets[cat]))
	}
	return fmt.Sprintf("revert site %s cycle %s (%s): %s",
		req.SiteID, req.CycleDate, req.Mode, strings.Join(parts, ", "))
}
