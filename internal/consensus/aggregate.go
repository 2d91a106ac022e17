// Package consensus reduces weighted price votes into a single value per
// (site, category, cycle). Aggregation is pure and deterministic so audit
// trails can be reproduced from the recorded votes.
package consensus

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/pricing-cli/internal/model"
)

// ErrInsufficientVotes is returned when a category has no votes for the
// cycle. Callers skip the category rather than publishing anything.
var ErrInsufficientVotes = eris.New("consensus: no votes supplied")

// weightedValue is one distinct proposed value with its summed confidence.
type weightedValue struct {
	value  decimal.Decimal
	weight int64
}

// Aggregate computes the confidence-weighted median of the votes.
//
// Votes are sorted ascending by proposed value, votes sharing a value are
// merged into one weight-summed entry, and the result is the value of the
// first entry whose cumulative weight reaches half the total. A weighted
// median rather than a weighted mean: a handful of extreme votes cannot
// drag the result outside the bulk of opinion.
func Aggregate(votes []model.Vote) (decimal.Decimal, error) {
	if len(votes) == 0 {
		return decimal.Zero, ErrInsufficientVotes
	}

	sorted := make([]model.Vote, len(votes))
	copy(sorted, votes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Proposed.LessThan(sorted[j].Proposed)
	})

	// Merge equal-value votes so the cumulative walk is deterministic
	// regardless of how ties were ordered in the input.
	var merged []weightedValue
	for _, v := range sorted {
		w := int64(v.ClampedConfidence())
		if n := len(merged); n > 0 && merged[n-1].value.Equal(v.Proposed) {
			merged[n-1].weight += w
			continue
		}
		merged = append(merged, weightedValue{value: v.Proposed, weight: w})
	}

	var total int64
	for _, m := range merged {
		total += m.weight
	}

	// First entry at which cumulative weight reaches W/2. Comparing
	// 2*cum >= total avoids fractional arithmetic on the half-point.
	var cum int64
	for _, m := range merged {
		cum += m.weight
		if 2*cum >= total {
			return m.value, nil
		}
	}

	// Unreachable: the last entry always satisfies cum == total.
	return merged[len(merged)-1].value, nil
}
