// Package scores consumes votes from the external scoring process. The
// process itself is arbitrary (and possibly model-driven); the core only
// ever sees the Source interface, keeping aggregation deterministic and
// testable regardless of how votes are produced.
package scores

import (
	"context"

	"github.com/sells-group/pricing-cli/internal/model"
)

// Source delivers the votes for one (site, category, cycle).
type Source interface {
	VotesFor(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) ([]model.Vote, error)
}
