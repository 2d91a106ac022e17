package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the ledger needs. pgxmock satisfies
// it for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresLedger implements Ledger using pgxpool.
type PostgresLedger struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresLedger with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresLedger{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	site_id         TEXT NOT NULL,
	cycle_date      TEXT NOT NULL,
	target_values   JSONB NOT NULL,
	previous_values JSONB NOT NULL,
	state           TEXT NOT NULL DEFAULT 'created',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	dry_run         INTEGER NOT NULL DEFAULT 0,
	revert_of       TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	terminal_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_records (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	site_id        TEXT NOT NULL,
	category_id    TEXT NOT NULL,
	cycle_date     TEXT NOT NULL,
	previous_value TEXT NOT NULL,
	new_value      TEXT NOT NULL,
	reason         TEXT NOT NULL,
	actor          TEXT NOT NULL,
	timestamp      TIMESTAMPTZ NOT NULL,
	revert_of      TEXT,
	UNIQUE(transaction_id, category_id, reason)
);

CREATE TABLE IF NOT EXISTS consensus_results (
	id                TEXT PRIMARY KEY,
	site_id           TEXT NOT NULL,
	category_id       TEXT NOT NULL,
	cycle_date        TEXT NOT NULL,
	votes             JSONB NOT NULL,
	raw_consensus     TEXT NOT NULL,
	constrained_value TEXT NOT NULL,
	adjustments       JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(site_id, category_id, cycle_date)
);

CREATE INDEX IF NOT EXISTS idx_txn_site_cycle ON transactions(site_id, cycle_date);
CREATE INDEX IF NOT EXISTS idx_txn_active ON transactions(site_id, cycle_date) WHERE terminal_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_audit_site_category ON audit_records(site_id, category_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_txn ON audit_records(transaction_id);
`

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (l *PostgresLedger) Close() error {
	if l.closeFn != nil {
		l.closeFn()
	}
	return nil
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	return eris.Wrap(l.pool.Ping(ctx), "postgres: ping")
}

const pgAuditSelect = `SELECT transaction_id, site_id, category_id, cycle_date, previous_value, new_value, reason, actor, timestamp, revert_of FROM audit_records`

func (l *PostgresLedger) Append(ctx context.Context, rec model.AuditRecord) error {
	// Replay check first. A record for this transition may already exist,
	// and by then the chain tip has moved past rec.PreviousValue.
	exists, err := l.hasRecord(ctx, rec.TransactionID, rec.CategoryID, rec.Reason)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if rec.Reason == model.ReasonCommitted {
		latest, err := l.latestCommitted(ctx, rec.SiteID, rec.CategoryID)
		if err != nil {
			return err
		}
		if latest != nil && !latest.NewValue.Equal(rec.PreviousValue) {
			return eris.Wrapf(ErrOutOfOrder,
				"site %s category %s: previous_value %s does not extend chain tip %s",
				rec.SiteID, rec.CategoryID, rec.PreviousValue, latest.NewValue)
		}
	}

	var revertOf *string
	if rec.RevertOf != "" {
		revertOf = &rec.RevertOf
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_records
		 (id, transaction_id, site_id, category_id, cycle_date, previous_value, new_value, reason, actor, timestamp, revert_of)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (transaction_id, category_id, reason) DO NOTHING`,
		uuid.New().String(), rec.TransactionID, rec.SiteID, rec.CategoryID, string(rec.CycleDate),
		rec.PreviousValue.String(), rec.NewValue.String(), rec.Reason, rec.Actor,
		rec.Timestamp.UTC(), revertOf,
	)
	return eris.Wrap(err, "postgres: append audit record")
}

func (l *PostgresLedger) hasRecord(ctx context.Context, txnID, categoryID, reason string) (bool, error) {
	var n int
	err := l.pool.QueryRow(ctx,
		`SELECT COUNT(1) FROM audit_records WHERE transaction_id = $1 AND category_id = $2 AND reason = $3`,
		txnID, categoryID, reason,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check existing audit record")
	}
	return n > 0, nil
}

func (l *PostgresLedger) latestCommitted(ctx context.Context, siteID, categoryID string) (*model.AuditRecord, error) {
	row := l.pool.QueryRow(ctx,
		pgAuditSelect+` WHERE site_id = $1 AND category_id = $2 AND reason = $3
		 ORDER BY timestamp DESC LIMIT 1`,
		siteID, categoryID, model.ReasonCommitted,
	)
	rec, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (l *PostgresLedger) History(ctx context.Context, f HistoryFilter) ([]model.AuditRecord, error) {
	query := pgAuditSelect + ` WHERE site_id = $1`
	args := []any{f.SiteID}

	if f.CategoryID != "" {
		args = append(args, f.CategoryID)
		query += ` AND category_id = ` + placeholder(len(args))
	}
	if f.Reason != "" {
		args = append(args, f.Reason)
		query += ` AND reason = ` + placeholder(len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		query += ` AND timestamp >= ` + placeholder(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		query += ` AND timestamp <= ` + placeholder(len(args))
	}
	query += ` ORDER BY timestamp ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += ` LIMIT ` + placeholder(len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: history")
	}
	defer rows.Close()

	return collectAudit(rows)
}

func (l *PostgresLedger) Latest(ctx context.Context, siteID, categoryID string) (*model.AuditRecord, error) {
	row := l.pool.QueryRow(ctx,
		pgAuditSelect+` WHERE site_id = $1 AND category_id = $2 ORDER BY timestamp DESC LIMIT 1`,
		siteID, categoryID,
	)
	rec, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (l *PostgresLedger) CommittedHistory(ctx context.Context, siteID, categoryID string, before model.CycleDate, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := l.pool.Query(ctx,
		pgAuditSelect+` WHERE site_id = $1 AND category_id = $2 AND reason = $3 AND cycle_date < $4
		 ORDER BY cycle_date DESC, timestamp DESC LIMIT $5`,
		siteID, categoryID, model.ReasonCommitted, string(before), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: committed history")
	}
	defer rows.Close()

	return collectAudit(rows)
}

func (l *PostgresLedger) CreateTransaction(ctx context.Context, txn *model.Transaction) error {
	targets, err := marshalValues(txn.TargetValues)
	if err != nil {
		return err
	}
	previous, err := marshalValues(txn.PreviousValues)
	if err != nil {
		return err
	}

	var revertOf *string
	if txn.RevertOf != "" {
		revertOf = &txn.RevertOf
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO transactions
		 (id, site_id, cycle_date, target_values, previous_values, state, attempt_count, dry_run, revert_of, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.SiteID, string(txn.CycleDate), targets, previous,
		string(txn.State), txn.AttemptCount, boolToInt(txn.DryRun), revertOf, txn.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert transaction %s", txn.ID)
}

func (l *PostgresLedger) UpdateTransactionState(ctx context.Context, id string, state model.TxnState, attemptCount int) error {
	var tag pgconn.CommandTag
	var err error
	if state.Terminal() {
		tag, err = l.pool.Exec(ctx,
			`UPDATE transactions SET state = $1, attempt_count = $2, terminal_at = $3 WHERE id = $4`,
			string(state), attemptCount, time.Now().UTC(), id,
		)
	} else {
		tag, err = l.pool.Exec(ctx,
			`UPDATE transactions SET state = $1, attempt_count = $2 WHERE id = $3`,
			string(state), attemptCount, id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update transaction %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return nil
}

func (l *PostgresLedger) MarkTerminal(ctx context.Context, id string) error {
	tag, err := l.pool.Exec(ctx,
		`UPDATE transactions SET terminal_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark terminal %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return nil
}

const pgTxnSelect = `SELECT id, site_id, cycle_date, target_values, previous_values, state, attempt_count, dry_run, revert_of, created_at, terminal_at FROM transactions`

func (l *PostgresLedger) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := l.pool.QueryRow(ctx, pgTxnSelect+` WHERE id = $1`, id)
	txn, err := scanTxn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return txn, err
}

func (l *PostgresLedger) ActiveTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error) {
	row := l.pool.QueryRow(ctx,
		pgTxnSelect+` WHERE site_id = $1 AND cycle_date = $2 AND terminal_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(cycle),
	)
	txn, err := scanTxn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (l *PostgresLedger) ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error) {
	query := pgTxnSelect + ` WHERE 1=1`
	var args []any

	if f.SiteID != "" {
		args = append(args, f.SiteID)
		query += ` AND site_id = ` + placeholder(len(args))
	}
	if f.CycleDate != "" {
		args = append(args, string(f.CycleDate))
		query += ` AND cycle_date = ` + placeholder(len(args))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		query += ` AND state = ` + placeholder(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT ` + placeholder(len(args))

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		txn, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

func (l *PostgresLedger) LatestCommittedTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error) {
	row := l.pool.QueryRow(ctx,
		pgTxnSelect+` WHERE site_id = $1 AND cycle_date = $2 AND state = $3
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(cycle), string(model.TxnCommitted),
	)
	txn, err := scanTxn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (l *PostgresLedger) SaveConsensus(ctx context.Context, res model.ConsensusResult) error {
	votes, err := json.Marshal(res.Votes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal votes")
	}
	adjustments, err := json.Marshal(res.Adjustments)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal adjustments")
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO consensus_results
		 (id, site_id, category_id, cycle_date, votes, raw_consensus, constrained_value, adjustments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (site_id, category_id, cycle_date) DO NOTHING`,
		uuid.New().String(), res.SiteID, res.CategoryID, string(res.CycleDate),
		string(votes), res.RawConsensus.String(), res.ConstrainedValue.String(),
		string(adjustments), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save consensus")
}

func (l *PostgresLedger) GetConsensus(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) (*model.ConsensusResult, error) {
	row := l.pool.QueryRow(ctx,
		`SELECT site_id, category_id, cycle_date, votes, raw_consensus, constrained_value, adjustments
		 FROM consensus_results WHERE site_id = $1 AND category_id = $2 AND cycle_date = $3`,
		siteID, categoryID, string(cycle),
	)

	var res model.ConsensusResult
	var cycleStr, votesJSON, rawStr, constrainedStr, adjJSON string
	err := row.Scan(&res.SiteID, &res.CategoryID, &cycleStr, &votesJSON, &rawStr, &constrainedStr, &adjJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get consensus")
	}

	res.CycleDate = model.CycleDate(cycleStr)
	if err := json.Unmarshal([]byte(votesJSON), &res.Votes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal votes")
	}
	if err := json.Unmarshal([]byte(adjJSON), &res.Adjustments); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal adjustments")
	}
	if res.RawConsensus, err = parseDecimal(rawStr); err != nil {
		return nil, err
	}
	if res.ConstrainedValue, err = parseDecimal(constrainedStr); err != nil {
		return nil, err
	}
	return &res, nil
}

func collectAudit(rows pgx.Rows) ([]model.AuditRecord, error) {
	var recs []model.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: iterate audit records")
}

func placeholder(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}
