package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pricing-cli/internal/model"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS transactions (
	id              TEXT PRIMARY KEY,
	site_id         TEXT NOT NULL,
	cycle_date      TEXT NOT NULL,
	target_values   TEXT NOT NULL,
	previous_values TEXT NOT NULL,
	state           TEXT NOT NULL DEFAULT 'created',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	dry_run         INTEGER NOT NULL DEFAULT 0,
	revert_of       TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	terminal_at     DATETIME
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
	timestamp      DATETIME NOT NULL,
	revert_of      TEXT,
	UNIQUE(transaction_id, category_id, reason)
);

CREATE TABLE IF NOT EXISTS consensus_results (
	id                TEXT PRIMARY KEY,
	site_id           TEXT NOT NULL,
	category_id       TEXT NOT NULL,
	cycle_date        TEXT NOT NULL,
	votes             TEXT NOT NULL,
	raw_consensus     TEXT NOT NULL,
	constrained_value TEXT NOT NULL,
	adjustments       TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(site_id, category_id, cycle_date)
);

CREATE INDEX IF NOT EXISTS idx_txn_site_cycle ON transactions(site_id, cycle_date);
CREATE INDEX IF NOT EXISTS idx_txn_active ON transactions(site_id, cycle_date) WHERE terminal_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_audit_site_category ON audit_records(site_id, category_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_txn ON audit_records(transaction_id);
`

func (l *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func (l *SQLiteLedger) Append(ctx context.Context, rec model.AuditRecord) error {
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

	var revertOf sql.NullString
	if rec.RevertOf != "" {
		revertOf = sql.NullString{String: rec.RevertOf, Valid: true}
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_records
		 (id, transaction_id, site_id, category_id, cycle_date, previous_value, new_value, reason, actor, timestamp, revert_of)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(transaction_id, category_id, reason) DO NOTHING`,
		uuid.New().String(), rec.TransactionID, rec.SiteID, rec.CategoryID, string(rec.CycleDate),
		rec.PreviousValue.String(), rec.NewValue.String(), rec.Reason, rec.Actor,
		rec.Timestamp.UTC(), revertOf,
	)
	return eris.Wrap(err, "sqlite: append audit record")
}

func (l *SQLiteLedger) hasRecord(ctx context.Context, txnID, categoryID, reason string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM audit_records WHERE transaction_id = ? AND category_id = ? AND reason = ?`,
		txnID, categoryID, reason,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check existing audit record")
	}
	return n > 0, nil
}

func (l *SQLiteLedger) latestCommitted(ctx context.Context, siteID, categoryID string) (*model.AuditRecord, error) {
	row := l.db.QueryRowContext(ctx,
		auditSelect+` WHERE site_id = ? AND category_id = ? AND reason = ?
		 ORDER BY timestamp DESC LIMIT 1`,
		siteID, categoryID, model.ReasonCommitted,
	)
	rec, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

const auditSelect = `SELECT transaction_id, site_id, category_id, cycle_date, previous_value, new_value, reason, actor, timestamp, revert_of FROM audit_records`

func (l *SQLiteLedger) History(ctx context.Context, f HistoryFilter) ([]model.AuditRecord, error) {
	query := auditSelect + ` WHERE site_id = ?`
	args := []any{f.SiteID}

	if f.CategoryID != "" {
		query += ` AND category_id = ?`
		args = append(args, f.CategoryID)
	}
	if f.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, f.Reason)
	}
	if !f.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, f.To.UTC())
	}
	query += ` ORDER BY timestamp ASC`

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: history")
	}
	defer rows.Close()

	var recs []model.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: history iterate")
}

func (l *SQLiteLedger) Latest(ctx context.Context, siteID, categoryID string) (*model.AuditRecord, error) {
	row := l.db.QueryRowContext(ctx,
		auditSelect+` WHERE site_id = ? AND category_id = ? ORDER BY timestamp DESC LIMIT 1`,
		siteID, categoryID,
	)
	rec, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (l *SQLiteLedger) CommittedHistory(ctx context.Context, siteID, categoryID string, before model.CycleDate, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = 7
	}
	rows, err := l.db.QueryContext(ctx,
		auditSelect+` WHERE site_id = ? AND category_id = ? AND reason = ? AND cycle_date < ?
		 ORDER BY cycle_date DESC, timestamp DESC LIMIT ?`,
		siteID, categoryID, model.ReasonCommitted, string(before), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: committed history")
	}
	defer rows.Close()

	var recs []model.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: committed history iterate")
}

func (l *SQLiteLedger) CreateTransaction(ctx context.Context, txn *model.Transaction) error {
	targets, err := marshalValues(txn.TargetValues)
	if err != nil {
		return err
	}
	previous, err := marshalValues(txn.PreviousValues)
	if err != nil {
		return err
	}

	var revertOf sql.NullString
	if txn.RevertOf != "" {
		revertOf = sql.NullString{String: txn.RevertOf, Valid: true}
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, site_id, cycle_date, target_values, previous_values, state, attempt_count, dry_run, revert_of, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.SiteID, string(txn.CycleDate), targets, previous,
		string(txn.State), txn.AttemptCount, boolToInt(txn.DryRun), revertOf, txn.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert transaction %s", txn.ID)
}

func (l *SQLiteLedger) UpdateTransactionState(ctx context.Context, id string, state model.TxnState, attemptCount int) error {
	var res sql.Result
	var err error
	if state.Terminal() {
		res, err = l.db.ExecContext(ctx,
			`UPDATE transactions SET state = ?, attempt_count = ?, terminal_at = ? WHERE id = ?`,
			string(state), attemptCount, time.Now().UTC(), id,
		)
	} else {
		res, err = l.db.ExecContext(ctx,
			`UPDATE transactions SET state = ?, attempt_count = ? WHERE id = ?`,
			string(state), attemptCount, id,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: update transaction %s", id)
	}
	return checkRowsAffected(res, id)
}

func (l *SQLiteLedger) MarkTerminal(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE transactions SET terminal_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark terminal %s", id)
	}
	return checkRowsAffected(res, id)
}

const txnSelect = `SELECT id, site_id, cycle_date, target_values, previous_values, state, attempt_count, dry_run, revert_of, created_at, terminal_at FROM transactions`

func (l *SQLiteLedger) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	row := l.db.QueryRowContext(ctx, txnSelect+` WHERE id = ?`, id)
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return txn, err
}

func (l *SQLiteLedger) ActiveTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		txnSelect+` WHERE site_id = ? AND cycle_date = ? AND terminal_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(cycle),
	)
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return txn, err
}

func (l *SQLiteLedger) ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error) {
	query := txnSelect + ` WHERE 1=1`
	var args []any

	if f.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, f.SiteID)
	}
	if f.CycleDate != "" {
		query += ` AND cycle_date = ?`
		args = append(args, string(f.CycleDate))
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
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
	return txns, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

func (l *SQLiteLedger) LatestCommittedTransaction(ctx context.Context, siteID string, cycle model.CycleDate) (*model.Transaction, error) {
	row := l.db.QueryRowContext(ctx,
		txnSelect+` WHERE site_id = ? AND cycle_date = ? AND state = ?
		 ORDER BY created_at DESC LIMIT 1`,
		siteID, string(cycle), string(model.TxnCommitted),
	)
	txn, err := scanTxn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return txn, err
}

func (l *SQLiteLedger) SaveConsensus(ctx context.Context, res model.ConsensusResult) error {
	votes, err := json.Marshal(res.Votes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal votes")
	}
	adjustments, err := json.Marshal(res.Adjustments)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal adjustments")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO consensus_results
		 (id, site_id, category_id, cycle_date, votes, raw_consensus, constrained_value, adjustments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(site_id, category_id, cycle_date) DO NOTHING`,
		uuid.New().String(), res.SiteID, res.CategoryID, string(res.CycleDate),
		string(votes), res.RawConsensus.String(), res.ConstrainedValue.String(),
		string(adjustments), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save consensus")
}

func (l *SQLiteLedger) GetConsensus(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) (*model.ConsensusResult, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT site_id, category_id, cycle_date, votes, raw_consensus, constrained_value, adjustments
		 FROM consensus_results WHERE site_id = ? AND category_id = ? AND cycle_date = ?`,
		siteID, categoryID, string(cycle),
	)

	var res model.ConsensusResult
	var cycleStr, votesJSON, rawStr, constrainedStr, adjJSON string
	err := row.Scan(&res.SiteID, &res.CategoryID, &cycleStr, &votesJSON, &rawStr, &constrainedStr, &adjJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get consensus")
	}

	res.CycleDate = model.CycleDate(cycleStr)
	if err := json.Unmarshal([]byte(votesJSON), &res.Votes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal votes")
	}
	if err := json.Unmarshal([]byte(adjJSON), &res.Adjustments); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal adjustments")
	}
	if res.RawConsensus, err = parseDecimal(rawStr); err != nil {
		return nil, err
	}
	if res.ConstrainedValue, err = parseDecimal(constrainedStr); err != nil {
		return nil, err
	}
	return &res, nil
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "transaction %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAudit(row scannable) (*model.AuditRecord, error) {
	var rec model.AuditRecord
	var cycleStr, prevStr, newStr string
	var revertOf sql.NullString

	err := row.Scan(&rec.TransactionID, &rec.SiteID, &rec.CategoryID, &cycleStr,
		&prevStr, &newStr, &rec.Reason, &rec.Actor, &rec.Timestamp, &revertOf)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: scan audit record")
	}

	rec.CycleDate = model.CycleDate(cycleStr)
	if rec.PreviousValue, err = parseDecimal(prevStr); err != nil {
		return nil, err
	}
	if rec.NewValue, err = parseDecimal(newStr); err != nil {
		return nil, err
	}
	if revertOf.Valid {
		rec.RevertOf = revertOf.String
	}
	return &rec, nil
}

func scanTxn(row scannable) (*model.Transaction, error) {
	var txn model.Transaction
	var cycleStr, targetsJSON, previousJSON, stateStr string
	var dryRun int
	var revertOf sql.NullString
	var terminalAt sql.NullTime

	err := row.Scan(&txn.ID, &txn.SiteID, &cycleStr, &targetsJSON, &previousJSON,
		&stateStr, &txn.AttemptCount, &dryRun, &revertOf, &txn.CreatedAt, &terminalAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "ledger: scan transaction")
	}

	txn.CycleDate = model.CycleDate(cycleStr)
	txn.State = model.TxnState(stateStr)
	txn.DryRun = dryRun != 0
	if txn.TargetValues, err = unmarshalValues(targetsJSON); err != nil {
		return nil, err
	}
	if txn.PreviousValues, err = unmarshalValues(previousJSON); err != nil {
		return nil, err
	}
	if revertOf.Valid {
		txn.RevertOf = revertOf.String
	}
	if terminalAt.Valid {
		t := terminalAt.Time
		txn.TerminalAt = &t
	}
	return &txn, nil
}
