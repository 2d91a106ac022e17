// Package ledger persists the append-only audit trail and the transaction
// records behind the per-site publish lock. Two drivers implement the same
// interface: SQLite for single-node deployments and Postgres for shared ones.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/model"
)

// ErrOutOfOrder is returned when a committed append would break the audit
// chain: its previous_value does not match the latest committed record's
// new_value for the same (site, category).
var ErrOutOfOrder = eris.New("ledger: append out of order")

// ErrNotFound is returned when a transaction id does not exist.
var ErrNotFound = eris.New("ledger: not found")

// HistoryFilter selects audit records for one (site, category).
type HistoryFilter struct {
	SiteID     string
	CategoryID string
	From       time.Time // zero = unbounded
	To         time.Time // zero = unbounded
	Reason     string    // optional, e.g. "committed"
	Limit      int
}

// TxnFilter selects transactions.
type TxnFilter struct {
	SiteID    string
	CycleDate model.CycleDate
	State     model.TxnState
	Limit     int
}

// Ledger is the durable store for audit records, transactions, and
// consensus results. Audit records are append-only: no update or delete
// operation exists, and Append is idempotent per state transition so
// at-least-once delivery from retries cannot duplicate history.
type Ledger interface {
	// Append writes one audit record. Duplicate appends for the same
	// (transaction, category, reason) are silently ignored. A committed
	// record whose previous_value does not extend the committed chain is
	// rejected with ErrOutOfOrder.
	Append(ctx context.Context, rec model.AuditRecord) error

	// History returns matching records ordered by timestamp ascending.
	History(ctx context.Context, f HistoryFilter) ([]model.AuditRecord, error)

	// Latest returns the most recent record for a (site, category), or
	// nil when none exists.
	Latest(ctx context.Context, siteID, categoryID string) (*model.AuditRecord, error)

	// CommittedHistory returns committed records for a (site, category)
	// with cycle_date strictly before the given cycle, newest first.
	CommittedHistory(ctx context.Context, siteID, categoryID string, before model.CycleDate, limit int) ([]model.AuditRecord, error)

	CreateTransaction(ctx context.Context, txn *model.Transaction) error

	// UpdateTransactionState records a state transition. Terminal states
	// also set terminal_at, releasing the per-(site, cycle) lock.
	UpdateTransactionState(ctx context.Context, id string, state model.TxnState, attemptCount int) error

	// MarkTerminal closes a transaction without a state change. Used for
	// dry runs, which stop after preflight but must not hold the lock.
	MarkTerminal(ctx context.Context, id string) error

	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ActiveTransaction returns the non-terminal transaction for a
	// (site, cycle), or nil when none exists.
	ActiveTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error)

	ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error)

	// LatestCommittedTransaction returns the most recent committed
	// transaction for a (site, cycle), or nil when none exists.
	LatestCommittedTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error)

	// SaveConsensus stores a cycle's consensus result. Results are
	// immutable: a second save for the same (site, category, cycle) is
	// ignored.
	SaveConsensus(ctx context.Context, res model.ConsensusResult) error
	GetConsensus(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) (*model.ConsensusResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
