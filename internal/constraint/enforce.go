// Package constraint applies the ordered business-rule chain to a raw
// consensus value before it may be published.
package constraint

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricing-cli/internal/model"
)

// Rule names recorded in the adjustment trail.
const (
	RuleFloor         = "floor"
	RuleDayOverDayCap = "day_over_day_cap"
	RuleParityWarning = "parity_warning"
)

// Params holds the rule inputs for one (site, category). All inputs are
// validated upstream; malformed floors or previous values are caller bugs.
type Params struct {
	PreviousValue decimal.Decimal
	Floor         decimal.Decimal
	MaxIncrease   decimal.Decimal // fractional, e.g. 0.15 for +15%

	// AdvisoryReference, when set, triggers a log-only parity check
	// against reference * (1 + AdvisoryTolerance).
	AdvisoryReference *decimal.Decimal
	AdvisoryTolerance decimal.Decimal
}

// Enforce runs the rule chain in its fixed order: floor, day-over-day cap,
// advisory parity. Each rule only ever moves the value toward compliance;
// the parity check never alters the value at all. The returned trail lists
// the rules that fired, in order.
func Enforce(raw decimal.Decimal, p Params) (decimal.Decimal, []model.Adjustment) {
	result := raw
	var trail []model.Adjustment

	// 1. Floor.
	if result.LessThan(p.Floor) {
		trail = append(trail, model.Adjustment{Rule: RuleFloor, Before: result, After: p.Floor})
		result = p.Floor
	}

	// 2. Day-over-day cap. Only increases are capped; downward correction
	// is never blocked.
	if p.PreviousValue.IsPositive() {
		ceiling := p.PreviousValue.Mul(decimal.NewFromInt(1).Add(p.MaxIncrease))
		if result.GreaterThan(ceiling) {
			trail = append(trail, model.Adjustment{Rule: RuleDayOverDayCap, Before: result, After: ceiling})
			result = ceiling
		}
	}

	// 3. Advisory parity: log-only, never blocking.
	if p.AdvisoryReference != nil {
		limit := p.AdvisoryReference.Mul(decimal.NewFromInt(1).Add(p.AdvisoryTolerance))
		if result.GreaterThan(limit) {
			trail = append(trail, model.Adjustment{Rule: RuleParityWarning, Before: result, After: result})
		}
	}

	return result, trail
}

// Check re-validates a target against the floor and cap. The transaction
// manager calls this during preflight as defense in depth: Enforce should
// already have guaranteed both.
func Check(target decimal.Decimal, p Params) error {
	if target.LessThan(p.Floor) {
		return eris.Errorf("constraint: target %s below floor %s", target, p.Floor)
	}
	if p.PreviousValue.IsPositive() {
		ceiling := p.PreviousValue.Mul(decimal.NewFromInt(1).Add(p.MaxIncrease))
		if target.GreaterThan(ceiling) {
			return eris.Errorf("constraint: target %s exceeds day-over-day cap %s", target, ceiling)
		}
	}
	return nil
}
