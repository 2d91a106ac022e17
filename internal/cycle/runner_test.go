package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-cli/internal/constraint"
	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/monitoring"
	"github.com/sells-group/pricing-cli/internal/pricestore"
	"github.com/sells-group/pricing-cli/internal/resilience"
	"github.com/sells-group/pricing-cli/internal/txn"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubSource serves canned votes keyed by site and category.
type stubSource struct {
	votes map[string]map[string][]model.Vote
	errs  map[string]error
}

func (s *stubSource) VotesFor(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) ([]model.Vote, error) {
	if err := s.errs[siteID]; err != nil {
		return nil, err
	}
	return s.votes[siteID][categoryID], nil
}

func vote(value string, confidence int) model.Vote {
	return model.Vote{Proposed: dec(value), Confidence: confidence, Timestamp: time.Now()}
}

func testSite(id string) Site {
	return Site{
		ID:         id,
		Categories: []string{"standard"},
		Rules:      constraint.RuleSet{DefaultFloor: dec("10.00"), MaxIncrease: dec("0.15")},
	}
}

func newRunner(t *testing.T, store *pricestore.Fake, source *stubSource) (*Runner, ledger.Ledger) {
	t.Helper()
	l, err := ledger.NewSQLite(t.TempDir() + "/ledger.db")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))

	mgr := txn.NewManager(l, store, monitoring.NopSink{}, txn.Config{
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Actor: "scheduler",
	})
	return NewRunner(l, store, source, mgr, 2), l
}

func TestRunSite_CommitsConsensus(t *testing.T) {
	ctx := context.Background()
	store := pricestore.NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": dec("42.00")},
	})
	source := &stubSource{votes: map[string]map[string][]model.Vote{
		"site-1": {"standard": {vote("46.00", 80), vote("46.50", 90), vote("47.00", 60)}},
	}}
	r, l := newRunner(t, store, source)

	txn, err := r.RunSite(ctx, "2026-03-01", testSite("site-1"), false)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, model.TxnCommitted, txn.State)
	assert.True(t, store.Current("site-1", "standard").Equal(dec("46.50")))

	res, err := l.GetConsensus(ctx, "site-1", "standard", "2026-03-01")
	require.NoError(t, err)
	assert.True(t, res.RawConsensus.Equal(dec("46.50")))
	assert.True(t, res.ConstrainedValue.Equal(dec("46.50")))
	assert.Empty(t, res.Adjustments)
	assert.Len(t, res.Votes, 3)
}

func TestRunSite_ConstraintCapsIncrease(t *testing.T) {
	ctx := context.Background()
	store := pricestore.NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": dec("42.00")},
	})
	source := &stubSource{votes: map[string]map[string][]model.Vote{
		"site-1": {"standard": {vote("50.00", 90)}},
	}}
	r, l := newRunner(t, store, source)

	_, err := r.RunSite(ctx, "2026-03-01", testSite("site-1"), false)
	require.NoError(t, err)

	// 42.00 * 1.15 caps the 50.00 consensus at 48.30.
	assert.True(t, store.Current("site-1", "standard").Equal(dec("48.30")))

	res, err := l.GetConsensus(ctx, "site-1", "standard", "2026-03-01")
	require.NoError(t, err)
	assert.True(t, res.RawConsensus.Equal(dec("50.00")))
	assert.True(t, res.ConstrainedValue.Equal(dec("48.30")))
	require.Len(t, res.Adjustments, 1)
	assert.Equal(t, constraint.RuleDayOverDayCap, res.Adjustments[0].Rule)
}

func TestRunSite_SkipsWithoutVotes(t *testing.T) {
	store := pricestore.NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": dec("42.00")},
	})
	r, _ := newRunner(t, store, &stubSource{})

	txn, err := r.RunSite(context.Background(), "2026-03-01", testSite("site-1"), false)
	require.NoError(t, err)
	assert.Nil(t, txn)
	assert.Equal(t, 0, store.Writes())
}

func TestRunSite_DryRunLeavesStoreUntouched(t *testing.T) {
	store := pricestore.NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": dec("42.00")},
	})
	source := &stubSource{votes: map[string]map[string][]model.Vote{
		"site-1": {"standard": {vote("46.50", 90)}},
	}}
	r, _ := newRunner(t, store, source)

	txn, err := r.RunSite(context.Background(), "2026-03-01", testSite("site-1"), true)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, model.TxnPreflightOK, txn.State)
	assert.Equal(t, 0, store.Writes())
}

func TestRun_IsolatesSiteFailures(t *testing.T) {
	ctx := context.Background()
	store := pricestore.NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": dec("42.00")},
		"site-2": {"standard": dec("30.00")},
	})
	source := &stubSource{
		votes: map[string]map[string][]model.Vote{
			"site-1": {"standard": {vote("46.50", 90)}},
		},
		errs: map[string]error{"site-2": eris.New("scores unavailable")},
	}
	r, _ := newRunner(t, store, source)

	results, err := r.Run(ctx, "2026-03-01", []Site{testSite("site-1"), testSite("site-2")}, false)
	require.Error(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "site-1", results[0].SiteID)
	require.NoError(t, results[0].Err)
	assert.Equal(t, model.TxnCommitted, results[0].Txn.State)

	assert.Equal(t, "site-2", results[1].SiteID)
	assert.Error(t, results[1].Err)
	assert.True(t, store.Current("site-2", "standard").Equal(dec("30.00")))
}
