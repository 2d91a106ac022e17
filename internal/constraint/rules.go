package constraint

import "github.com/shopspring/decimal"

// RuleSet holds the configured rule inputs shared by every category of a
// site, with optional per-category floor and advisory-reference overrides.
type RuleSet struct {
	DefaultFloor      decimal.Decimal
	Floors            map[string]decimal.Decimal
	MaxIncrease       decimal.Decimal
	AdvisoryTolerance decimal.Decimal
	AdvisoryRefs      map[string]decimal.Decimal
}

// ParamsFor resolves the rule parameters for one category given its
// previous live value.
func (r RuleSet) ParamsFor(categoryID string, previous decimal.Decimal) Params {
	floor := r.DefaultFloor
	if f, ok := r.Floors[categoryID]; ok {
		floor = f
	}

	p := Params{
		PreviousValue:     previous,
		Floor:             floor,
		MaxIncrease:       r.MaxIncrease,
		AdvisoryTolerance: r.AdvisoryTolerance,
	}
	if ref, ok := r.AdvisoryRefs[categoryID]; ok {
		refCopy := ref
		p.AdvisoryReference = &refCopy
	}
	return p
}
