// Package txn drives the publish state machine: preflight, push, verify,
// and rollback, with every attempted change recorded in the audit ledger.
package txn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/pricing-cli/internal/constraint"
	"github.com/sells-group/pricing-cli/internal/ledger"
	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/monitoring"
	"github.com/sells-group/pricing-cli/internal/pricestore"
	"github.com/sells-group/pricing-cli/internal/resilience"
)

// ErrConcurrentTransaction is returned when another non-terminal
// transaction already holds the (site, cycle) lock.
var ErrConcurrentTransaction = eris.New("txn: concurrent transaction in progress")

// ErrRollbackFailed is returned when a failed publish could not be rolled
// back and the site is left in an unknown state.
var ErrRollbackFailed = eris.New("txn: rollback failed, manual intervention required")

// Mismatch is one category whose read-back value diverged from the target.
type Mismatch struct {
	CategoryID string
	Want       decimal.Decimal
	Got        decimal.Decimal
	Missing    bool
}

// VerificationError reports which categories failed post-push verification.
type VerificationError struct {
	SiteID     string
	Mismatches []Mismatch
}

func (e *VerificationError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		if m.Missing {
			parts = append(parts, fmt.Sprintf("%s: missing", m.CategoryID))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: want %s, got %s", m.CategoryID, m.Want, m.Got))
	}
	return fmt.Sprintf("txn: verification failed for site %s: %s", e.SiteID, strings.Join(parts, "; "))
}

// Config tunes the transaction manager.
type Config struct {
	// Retry governs push, verify read-back, and rollback attempts against
	// the price store.
	Retry resilience.RetryConfig

	// VerifyTolerance is the maximum absolute difference between a pushed
	// value and its read-back before the category counts as a mismatch.
	VerifyTolerance decimal.Decimal

	// StalenessThreshold is the age past which a non-terminal transaction
	// is presumed abandoned and its lock is reclaimed. Default: 30m.
	StalenessThreshold time.Duration

	// Actor is recorded on audit entries when the request carries none.
	Actor string
}

// PublishRequest is one publish attempt for a site and cycle.
type PublishRequest struct {
	SiteID    string
	CycleDate model.CycleDate
	Targets   map[string]decimal.Decimal
	Rules     constraint.RuleSet
	DryRun    bool
	RevertOf  string
	Actor     string
}

// Manager owns the publish transaction lifecycle. At most one publish per
// site runs at a time within a process; the durable transaction record
// extends that exclusion across processes.
type Manager struct {
	ledger ledger.Ledger
	store  pricestore.Store
	sink   monitoring.Sink
	cfg    Config

	mu        sync.Mutex
	siteLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(l ledger.Ledger, store pricestore.Store, sink monitoring.Sink, cfg Config) *Manager {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 30 * time.Minute
	}
	if cfg.VerifyTolerance.IsZero() {
		cfg.VerifyTolerance = decimal.New(1, -2) // 0.01
	}
	if sink == nil {
		sink = monitoring.NopSink{}
	}
	return &Manager{
		ledger:    l,
		store:     store,
		sink:      sink,
		cfg:       cfg,
		siteLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

func (m *Manager) siteLock(siteID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.siteLocks[siteID]
	if !ok {
		lock = &sync.Mutex{}
		m.siteLocks[siteID] = lock
	}
	return lock
}

// Publish runs the full state machine for one request. The returned
// transaction reflects the terminal state reached; err is nil only when
// the publish committed or was a completed dry run.
func (m *Manager) Publish(ctx context.Context, req PublishRequest) (*model.Transaction, error) {
	if req.SiteID == "" {
		return nil, eris.New("txn: site id is required")
	}
	if len(req.Targets) == 0 {
		return nil, eris.New("txn: no target values")
	}
	if _, err := model.ParseCycleDate(string(req.CycleDate)); err != nil {
		return nil, err
	}

	lock := m.siteLock(req.SiteID)
	lock.Lock()
	defer lock.Unlock()

	actor := req.Actor
	if actor == "" {
		actor = m.cfg.Actor
	}

	if err := m.checkActive(ctx, req.SiteID, req.CycleDate); err != nil {
		return nil, err
	}

	// Reachability and the previous snapshot come before the transaction
	// row exists: without them there is nothing meaningful to record.
	if err := m.store.Health(ctx); err != nil {
		return nil, eris.Wrapf(err, "txn: price store unhealthy for site %s", req.SiteID)
	}
	previous, err := resilience.DoVal(ctx, m.cfg.Retry, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return m.store.Read(ctx, req.SiteID)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "txn: read previous values for site %s", req.SiteID)
	}

	txn := &model.Transaction{
		ID:             uuid.NewString(),
		SiteID:         req.SiteID,
		CycleDate:      req.CycleDate,
		TargetValues:   req.Targets,
		PreviousValues: previous,
		State:          model.TxnCreated,
		DryRun:         req.DryRun,
		RevertOf:       req.RevertOf,
		CreatedAt:      m.now().UTC(),
	}
	if err := m.ledger.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}

	logger := zap.L().With(
		zap.String("transaction_id", txn.ID),
		zap.String("site_id", txn.SiteID),
		zap.String("cycle_date", string(txn.CycleDate)),
	)

	// Preflight: every target must still satisfy the constraint chain
	// against the live previous value, not the value consensus assumed.
	for cat, target := range req.Targets {
		if err := constraint.Check(target, req.Rules.ParamsFor(cat, previous[cat])); err != nil {
			m.transition(ctx, txn, model.TxnPreflightFailed, 0)
			logger.Warn("preflight rejected target", zap.String("category_id", cat), zap.Error(err))
			return txn, eris.Wrapf(err, "txn: preflight failed for category %s", cat)
		}
	}
	m.transition(ctx, txn, model.TxnPreflightOK, 0)

	if req.DryRun {
		return m.finishDryRun(ctx, txn, actor, logger)
	}

	// From here the push may land on the remote store, so the remainder
	// must run to a terminal state even if the caller goes away.
	pushCtx := context.WithoutCancel(ctx)
	return m.push(pushCtx, txn, actor, logger)
}

// checkActive enforces the per-(site, cycle) lock, reclaiming it from
// transactions old enough to be presumed dead.
func (m *Manager) checkActive(ctx context.Context, siteID string, cycle model.CycleDate) error {
	active, err := m.ledger.ActiveTransaction(ctx, siteID, cycle)
	if err != nil {
		return err
	}
	if active == nil {
		return nil
	}

	age := m.now().Sub(active.CreatedAt)
	if age < m.cfg.StalenessThreshold {
		return eris.Wrapf(ErrConcurrentTransaction, "transaction %s in state %s holds site %s", active.ID, active.State, siteID)
	}

	// The stale holder's true outcome is unknown. Before a push it is
	// safe to fail it; mid-flight it needs human eyes.
	reclaimed := model.TxnPreflightFailed
	if active.State != model.TxnCreated && active.State != model.TxnPreflightOK {
		reclaimed = model.TxnPendingManualReview
	}
	zap.L().Warn("reclaiming stale transaction",
		zap.String("transaction_id", active.ID),
		zap.String("site_id", siteID),
		zap.String("state", string(active.State)),
		zap.Duration("age", age),
	)
	m.sink.Alert(ctx, monitoring.SeverityWarning,
		fmt.Sprintf("reclaimed stale transaction for site %s", siteID),
		map[string]any{"transaction_id": active.ID, "state": string(active.State)},
	)
	return m.ledger.UpdateTransactionState(ctx, active.ID, reclaimed, active.AttemptCount)
}

func (m *Manager) finishDryRun(ctx context.Context, txn *model.Transaction, actor string, logger *zap.Logger) (*model.Transaction, error) {
	for cat, target := range txn.TargetValues {
		if err := m.ledger.Append(ctx, m.record(txn, cat, target, model.ReasonProposed, actor)); err != nil {
			return txn, err
		}
	}
	if err := m.ledger.MarkTerminal(ctx, txn.ID); err != nil {
		return txn, err
	}
	logger.Info("dry run complete", zap.Int("categories", len(txn.TargetValues)))
	return txn, nil
}

func (m *Manager) push(ctx context.Context, txn *model.Transaction, actor string, logger *zap.Logger) (*model.Transaction, error) {
	m.transition(ctx, txn, model.TxnPushing, 0)

	attempts := 0
	retryCfg := m.cfg.Retry
	retryCfg.OnRetry = resilience.RetryLogger("pricestore", "write")
	err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		attempts++
		return m.store.Write(ctx, txn.SiteID, txn.TargetValues)
	})
	txn.AttemptCount = attempts

	if err != nil {
		if resilience.IsValidationRejection(err) {
			// The store refused the values outright. Retrying cannot
			// help and nothing was applied, so park for a human.
			m.transition(ctx, txn, model.TxnPendingManualReview, attempts)
			m.appendAll(ctx, txn, model.ReasonManualReview, actor)
			logger.Warn("push rejected by price store", zap.Error(err))
			m.sink.Alert(ctx, monitoring.SeverityWarning,
				fmt.Sprintf("publish for site %s rejected, pending manual review", txn.SiteID),
				map[string]any{"transaction_id": txn.ID, "reason": err.Error()},
			)
			return txn, eris.Wrap(err, "txn: push rejected")
		}

		// Transient failures exhausted retries. The write may have
		// partially landed, so roll back rather than assume it did not.
		logger.Warn("push exhausted retries, rolling back", zap.Int("attempts", attempts), zap.Error(err))
		return m.rollback(ctx, txn, actor, logger, eris.Wrap(err, "txn: push failed"))
	}

	m.transition(ctx, txn, model.TxnPushed, attempts)
	return m.verify(ctx, txn, actor, logger)
}

func (m *Manager) verify(ctx context.Context, txn *model.Transaction, actor string, logger *zap.Logger) (*model.Transaction, error) {
	m.transition(ctx, txn, model.TxnVerifying, txn.AttemptCount)

	live, err := resilience.DoVal(ctx, m.cfg.Retry, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return m.store.Read(ctx, txn.SiteID)
	})
	if err != nil {
		logger.Warn("verification read failed, rolling back", zap.Error(err))
		m.transition(ctx, txn, model.TxnVerifyFailed, txn.AttemptCount)
		return m.rollback(ctx, txn, actor, logger, eris.Wrap(err, "txn: verification read failed"))
	}

	var mismatches []Mismatch
	for cat, want := range txn.TargetValues {
		got, ok := live[cat]
		if !ok {
			mismatches = append(mismatches, Mismatch{CategoryID: cat, Want: want, Missing: true})
			continue
		}
		if want.Sub(got).Abs().GreaterThan(m.cfg.VerifyTolerance) {
			mismatches = append(mismatches, Mismatch{CategoryID: cat, Want: want, Got: got})
		}
	}
	if len(mismatches) > 0 {
		verr := &VerificationError{SiteID: txn.SiteID, Mismatches: mismatches}
		logger.Warn("verification mismatch, rolling back", zap.Int("mismatches", len(mismatches)))
		m.transition(ctx, txn, model.TxnVerifyFailed, txn.AttemptCount)
		return m.rollback(ctx, txn, actor, logger, verr)
	}

	return m.commit(ctx, txn, actor, logger)
}

func (m *Manager) commit(ctx context.Context, txn *model.Transaction, actor string, logger *zap.Logger) (*model.Transaction, error) {
	for cat, target := range txn.TargetValues {
		if err := m.ledger.Append(ctx, m.record(txn, cat, target, model.ReasonCommitted, actor)); err != nil {
			return txn, err
		}
	}
	m.transition(ctx, txn, model.TxnCommitted, txn.AttemptCount)
	logger.Info("publish committed",
		zap.Int("categories", len(txn.TargetValues)),
		zap.Int("attempts", txn.AttemptCount),
	)
	return txn, nil
}

// rollback pushes the previous values back and records the outcome. cause
// is the failure that triggered it and is always returned to the caller.
func (m *Manager) rollback(ctx context.Context, txn *model.Transaction, actor string, logger *zap.Logger, cause error) (*model.Transaction, error) {
	m.transition(ctx, txn, model.TxnRollingBack, txn.AttemptCount)

	retryCfg := m.cfg.Retry
	retryCfg.OnRetry = resilience.RetryLogger("pricestore", "rollback")
	err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		return m.store.Write(ctx, txn.SiteID, txn.PreviousValues)
	})
	if err != nil {
		m.transition(ctx, txn, model.TxnRollbackFailed, txn.AttemptCount)
		m.appendAll(ctx, txn, model.ReasonRollbackFail, actor)
		logger.Error("rollback failed, site state unknown", zap.Error(err))
		m.sink.Alert(ctx, monitoring.SeverityCritical,
			fmt.Sprintf("rollback failed for site %s, manual intervention required", txn.SiteID),
			map[string]any{"transaction_id": txn.ID, "cause": cause.Error()},
		)
		return txn, eris.Wrapf(ErrRollbackFailed, "site %s: %v", txn.SiteID, cause)
	}

	m.transition(ctx, txn, model.TxnRolledBack, txn.AttemptCount)
	m.appendAll(ctx, txn, model.ReasonRolledBack, actor)
	logger.Warn("publish rolled back", zap.Error(cause))
	m.sink.Alert(ctx, monitoring.SeverityWarning,
		fmt.Sprintf("publish for site %s rolled back", txn.SiteID),
		map[string]any{"transaction_id": txn.ID, "cause": cause.Error()},
	)
	return txn, cause
}

// record builds the audit entry for one category of this transaction.
func (m *Manager) record(txn *model.Transaction, categoryID string, newValue decimal.Decimal, reason, actor string) model.AuditRecord {
	return model.AuditRecord{
		TransactionID: txn.ID,
		SiteID:        txn.SiteID,
		CategoryID:    categoryID,
		CycleDate:     txn.CycleDate,
		PreviousValue: txn.PreviousValues[categoryID],
		NewValue:      newValue,
		Reason:        reason,
		Actor:         actor,
		Timestamp:     m.now().UTC(),
		RevertOf:      txn.RevertOf,
	}
}

// appendAll writes one non-committed audit record per target category.
// Ledger failures here are logged, not returned: the terminal state is
// already decided and the append is idempotent on replay.
func (m *Manager) appendAll(ctx context.Context, txn *model.Transaction, reason, actor string) {
	for cat, target := range txn.TargetValues {
		if err := m.ledger.Append(ctx, m.record(txn, cat, target, reason, actor)); err != nil {
			zap.L().Error("failed to append audit record",
				zap.String("transaction_id", txn.ID),
				zap.String("category_id", cat),
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
	}
}

// transition persists a state change and mirrors it on the in-memory txn.
// Persistence failures are logged, not fatal: losing a state update is
// recoverable via staleness reclamation, aborting mid-push is not.
func (m *Manager) transition(ctx context.Context, txn *model.Transaction, state model.TxnState, attempts int) {
	txn.State = state
	txn.AttemptCount = attempts
	if err := m.ledger.UpdateTransactionState(ctx, txn.ID, state, attempts); err != nil {
		zap.L().Error("failed to persist transaction state",
			zap.String("transaction_id", txn.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}
