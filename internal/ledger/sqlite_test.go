package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-cli/internal/model"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	l, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	require.NoError(t, l.Migrate(context.Background()))
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTxn(id, siteID string, cycle model.CycleDate) *model.Transaction {
	return &model.Transaction{
		ID:             id,
		SiteID:         siteID,
		CycleDate:      cycle,
		TargetValues:   map[string]decimal.Decimal{"standard": dec("46.50")},
		PreviousValues: map[string]decimal.Decimal{"standard": dec("42.00")},
		State:          model.TxnCreated,
		CreatedAt:      time.Now().UTC(),
	}
}

func committedRecord(txnID string, ts time.Time, prev, next string) model.AuditRecord {
	return model.AuditRecord{
		TransactionID: txnID,
		SiteID:        "site-1",
		CategoryID:    "standard",
		CycleDate:     "2026-03-01",
		PreviousValue: dec(prev),
		NewValue:      dec(next),
		Reason:        model.ReasonCommitted,
		Actor:         "scheduler",
		Timestamp:     ts,
	}
}

func TestSQLite_Transaction_RoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	txn := newTxn("txn-1", "site-1", "2026-03-01")
	txn.RevertOf = "txn-0"
	require.NoError(t, l.CreateTransaction(ctx, txn))

	got, err := l.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "site-1", got.SiteID)
	assert.Equal(t, model.TxnCreated, got.State)
	assert.Equal(t, "txn-0", got.RevertOf)
	assert.Nil(t, got.TerminalAt)
	assert.True(t, got.TargetValues["standard"].Equal(dec("46.50")))
	assert.True(t, got.PreviousValues["standard"].Equal(dec("42.00")))
}

func TestSQLite_GetTransaction_NotFound(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.GetTransaction(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateTransactionState_TerminalSetsTerminalAt(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))

	require.NoError(t, l.UpdateTransactionState(ctx, "txn-1", model.TxnPushing, 1))
	got, err := l.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Nil(t, got.TerminalAt, "non-terminal state must not close the transaction")

	require.NoError(t, l.UpdateTransactionState(ctx, "txn-1", model.TxnCommitted, 1))
	got, err = l.GetTransaction(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, model.TxnCommitted, got.State)
	require.NotNil(t, got.TerminalAt)
}

func TestSQLite_ActiveTransaction(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	active, err := l.ActiveTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))

	active, err = l.ActiveTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "txn-1", active.ID)

	// Other sites and cycles are unaffected.
	active, err = l.ActiveTransaction(ctx, "site-2", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, active)

	// A terminal state releases the lock.
	require.NoError(t, l.UpdateTransactionState(ctx, "txn-1", model.TxnRolledBack, 3))
	active, err = l.ActiveTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSQLite_MarkTerminal_ReleasesDryRun(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	txn := newTxn("txn-dry", "site-1", "2026-03-01")
	txn.DryRun = true
	txn.State = model.TxnPreflightOK
	require.NoError(t, l.CreateTransaction(ctx, txn))

	require.NoError(t, l.MarkTerminal(ctx, "txn-dry"))

	active, err := l.ActiveTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, active)

	got, err := l.GetTransaction(ctx, "txn-dry")
	require.NoError(t, err)
	assert.Equal(t, model.TxnPreflightOK, got.State, "dry run keeps its last state")
	assert.True(t, got.DryRun)
}

func TestSQLite_Append_IdempotentPerTransition(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))

	rec := committedRecord("txn-1", time.Now().UTC(), "42.00", "46.50")
	require.NoError(t, l.Append(ctx, rec))
	require.NoError(t, l.Append(ctx, rec), "replaying the same transition must not error")

	recs, err := l.History(ctx, HistoryFilter{SiteID: "site-1", CategoryID: "standard"})
	require.NoError(t, err)
	assert.Len(t, recs, 1, "duplicate append must leave history unchanged")
}

func TestSQLite_Append_ReplayAfterChainAdvances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-2", "site-1", "2026-03-02")))

	base := time.Now().UTC()
	first := committedRecord("txn-1", base, "42.00", "46.50")
	require.NoError(t, l.Append(ctx, first))
	require.NoError(t, l.Append(ctx, committedRecord("txn-2", base.Add(time.Minute), "46.50", "47.00")))

	// The chain tip is now 47.00, so first.PreviousValue no longer extends
	// it. Replaying it must still be a silent no-op, not ErrOutOfOrder.
	require.NoError(t, l.Append(ctx, first))

	recs, err := l.History(ctx, HistoryFilter{SiteID: "site-1", CategoryID: "standard"})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "replay must not add a record")
}

func TestSQLite_Append_RejectsBrokenChain(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-2", "site-1", "2026-03-02")))

	base := time.Now().UTC()
	require.NoError(t, l.Append(ctx, committedRecord("txn-1", base, "42.00", "46.50")))

	// previous_value must equal the chain tip (46.50), not 42.00.
	err := l.Append(ctx, committedRecord("txn-2", base.Add(time.Minute), "42.00", "47.00"))
	require.ErrorIs(t, err, ErrOutOfOrder)

	// A correctly chained append succeeds.
	require.NoError(t, l.Append(ctx, committedRecord("txn-2", base.Add(2*time.Minute), "46.50", "47.00")))
}

func TestSQLite_Append_ChainIgnoresNonCommittedReasons(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))

	proposed := committedRecord("txn-1", time.Now().UTC(), "10.00", "99.00")
	proposed.Reason = model.ReasonProposed
	require.NoError(t, l.Append(ctx, proposed), "dry-run records are not part of the committed chain")
}

func TestSQLite_History_OrderAndFilters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-2", "site-1", "2026-03-02")))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(ctx, committedRecord("txn-1", base, "42.00", "46.50")))
	require.NoError(t, l.Append(ctx, committedRecord("txn-2", base.Add(24*time.Hour), "46.50", "47.00")))

	recs, err := l.History(ctx, HistoryFilter{SiteID: "site-1", CategoryID: "standard"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Timestamp.Before(recs[1].Timestamp), "history is timestamp ascending")
	assert.True(t, recs[0].NewValue.Equal(recs[1].PreviousValue), "chain has no gaps")

	recs, err = l.History(ctx, HistoryFilter{SiteID: "site-1", From: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "txn-2", recs[0].TransactionID)
}

func TestSQLite_Latest(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	latest, err := l.Latest(ctx, "site-1", "standard")
	require.NoError(t, err)
	assert.Nil(t, latest)

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	base := time.Now().UTC()
	require.NoError(t, l.Append(ctx, committedRecord("txn-1", base, "42.00", "46.50")))

	latest, err = l.Latest(ctx, "site-1", "standard")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.NewValue.Equal(dec("46.50")))
}

func TestSQLite_CommittedHistory(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := "40.00"
	for i, cycle := range []model.CycleDate{"2026-03-01", "2026-03-02", "2026-03-03"} {
		txnID := "txn-" + string(cycle)
		require.NoError(t, l.CreateTransaction(ctx, newTxn(txnID, "site-1", cycle)))
		next := dec(prev).Add(dec("1.00")).String()
		rec := committedRecord(txnID, base.Add(time.Duration(i)*24*time.Hour), prev, next)
		rec.CycleDate = cycle
		require.NoError(t, l.Append(ctx, rec))
		prev = next
	}

	// Only cycles strictly before 2026-03-03, newest first.
	recs, err := l.CommittedHistory(ctx, "site-1", "standard", "2026-03-03", 7)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, model.CycleDate("2026-03-02"), recs[0].CycleDate)
	assert.Equal(t, model.CycleDate("2026-03-01"), recs[1].CycleDate)

	recs, err = l.CommittedHistory(ctx, "site-1", "standard", "2026-03-01", 7)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSQLite_ListTransactions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-2", "site-2", "2026-03-01")))
	require.NoError(t, l.UpdateTransactionState(ctx, "txn-2", model.TxnPendingManualReview, 1))

	all, err := l.ListTransactions(ctx, TxnFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	bySite, err := l.ListTransactions(ctx, TxnFilter{SiteID: "site-1"})
	require.NoError(t, err)
	require.Len(t, bySite, 1)
	assert.Equal(t, "txn-1", bySite[0].ID)

	byState, err := l.ListTransactions(ctx, TxnFilter{State: model.TxnPendingManualReview})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "txn-2", byState[0].ID)
}

func TestSQLite_LatestCommittedTransaction(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	got, err := l.LatestCommittedTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, l.CreateTransaction(ctx, newTxn("txn-1", "site-1", "2026-03-01")))
	require.NoError(t, l.UpdateTransactionState(ctx, "txn-1", model.TxnCommitted, 1))

	got, err = l.LatestCommittedTransaction(ctx, "site-1", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "txn-1", got.ID)
}

func TestSQLite_Consensus_RoundTripAndImmutable(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	res := model.ConsensusResult{
		SiteID:     "site-1",
		CategoryID: "standard",
		CycleDate:  "2026-03-01",
		Votes: []model.Vote{
			{SiteID: "site-1", CategoryID: "standard", Proposed: dec("46.00"), Confidence: 87},
			{SiteID: "site-1", CategoryID: "standard", Proposed: dec("47.00"), Confidence: 91},
		},
		RawConsensus:     dec("46.50"),
		ConstrainedValue: dec("46.50"),
		Adjustments:      []model.Adjustment{},
	}
	require.NoError(t, l.SaveConsensus(ctx, res))

	// Second save for the same key is ignored, not an error.
	res.ConstrainedValue = dec("99.00")
	require.NoError(t, l.SaveConsensus(ctx, res))

	got, err := l.GetConsensus(ctx, "site-1", "standard", "2026-03-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.ConstrainedValue.Equal(dec("46.50")), "stored result is immutable")
	assert.Len(t, got.Votes, 2)

	missing, err := l.GetConsensus(ctx, "site-1", "standard", "2026-03-02")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
