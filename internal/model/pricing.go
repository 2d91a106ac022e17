package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Vote is one externally produced opinion on the correct price for a
// (site, category), weighted by confidence.
type Vote struct {
	SiteID     string          `json:"site_id"`
	CategoryID string          `json:"category_id"`
	Proposed   decimal.Decimal `json:"proposed_value"`
	Confidence int             `json:"confidence"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ClampedConfidence returns the vote's confidence clamped to [1, 100].
// Zero or negative confidence is an input error from the scoring process
// and is treated as 1 so it never produces a zero weight.
func (v Vote) ClampedConfidence() int {
	switch {
	case v.Confidence < 1:
		return 1
	case v.Confidence > 100:
		return 100
	default:
		return v.Confidence
	}
}

// Adjustment records one constraint rule's effect on a consensus value.
type Adjustment struct {
	Rule   string          `json:"rule"`
	Before decimal.Decimal `json:"before"`
	After  decimal.Decimal `json:"after"`
}

// ConsensusResult captures one cycle's aggregation for a (site, category):
// the votes that went in, the raw weighted median, and the value after the
// constraint chain. Immutable once stored.
type ConsensusResult struct {
	SiteID           string          `json:"site_id"`
	CategoryID       string          `json:"category_id"`
	CycleDate        CycleDate       `json:"cycle_date"`
	Votes            []Vote          `json:"votes"`
	RawConsensus     decimal.Decimal `json:"raw_consensus"`
	ConstrainedValue decimal.Decimal `json:"constrained_value"`
	Adjustments      []Adjustment    `json:"adjustments_applied"`
}

// TxnState is the state of a publish Transaction.
type TxnState string

const (
	TxnCreated             TxnState = "created"
	TxnPreflightOK         TxnState = "preflight_ok"
	TxnPreflightFailed     TxnState = "preflight_failed"
	TxnPushing             TxnState = "pushing"
	TxnPushed              TxnState = "pushed"
	TxnVerifying           TxnState = "verifying"
	TxnCommitted           TxnState = "committed"
	TxnVerifyFailed        TxnState = "verify_failed"
	TxnRollingBack         TxnState = "rolling_back"
	TxnRolledBack          TxnState = "rolled_back"
	TxnRollbackFailed      TxnState = "rollback_failed"
	TxnPendingManualReview TxnState = "pending_manual_review"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s TxnState) Terminal() bool {
	switch s {
	case TxnPreflightFailed, TxnCommitted, TxnRolledBack, TxnRollbackFailed, TxnPendingManualReview:
		return true
	default:
		return false
	}
}

// Transaction is one atomic attempt to publish a set of category prices
// for a site. At most one non-terminal Transaction may exist per
// (site_id, cycle_date).
type Transaction struct {
	ID             string                     `json:"id"`
	SiteID         string                     `json:"site_id"`
	CycleDate      CycleDate                  `json:"cycle_date"`
	TargetValues   map[string]decimal.Decimal `json:"target_values"`
	PreviousValues map[string]decimal.Decimal `json:"previous_values"`
	State          TxnState                   `json:"state"`
	AttemptCount   int                        `json:"attempt_count"`
	DryRun         bool                       `json:"dry_run"`
	RevertOf       string                     `json:"revert_of,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
	TerminalAt     *time.Time                 `json:"terminal_at,omitempty"`
}

// Audit record reasons written by the transaction manager.
const (
	ReasonProposed     = "proposed, not published"
	ReasonCommitted    = "committed"
	ReasonRolledBack   = "rolled_back"
	ReasonManualReview = "pending_manual_review"
	ReasonRollbackFail = "rollback_failed"
)

// AuditRecord is one append-only entry in the audit ledger. Records are
// never mutated or deleted; they are the sole source of truth for what
// changed and why.
type AuditRecord struct {
	TransactionID string          `json:"transaction_id"`
	SiteID        string          `json:"site_id"`
	CategoryID    string          `json:"category_id"`
	CycleDate     CycleDate       `json:"cycle_date"`
	PreviousValue decimal.Decimal `json:"previous_value"`
	NewValue      decimal.Decimal `json:"new_value"`
	Reason        string          `json:"reason"`
	Actor         string          `json:"actor"`
	Timestamp     time.Time       `json:"timestamp"`
	RevertOf      string          `json:"revert_of,omitempty"`
}

// RevertMode selects how the revert target is computed.
type RevertMode string

const (
	RevertPreviousCycle  RevertMode = "previous_cycle"
	RevertRollingAverage RevertMode = "rolling_average"
	RevertManual         RevertMode = "manual"
)

// RevertRequest asks the revert engine to drive a site back to a computed
// or operator-supplied set of prices.
type RevertRequest struct {
	CycleDate           CycleDate                  `json:"cycle_date"`
	SiteID              string                     `json:"site_id"`
	Mode                RevertMode                 `json:"mode"`
	ManualValues        map[string]decimal.Decimal `json:"manual_values,omitempty"`
	RequireConfirmation bool                       `json:"require_confirmation"`
}
