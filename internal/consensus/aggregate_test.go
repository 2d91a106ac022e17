package consensus

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-cli/internal/model"
)

func vote(value string, confidence int) model.Vote {
	return model.Vote{Proposed: decimal.RequireFromString(value), Confidence: confidence}
}

func TestAggregate_EmptyInput(t *testing.T) {
	_, err := Aggregate(nil)
	require.ErrorIs(t, err, ErrInsufficientVotes)
}

func TestAggregate_SingleVote(t *testing.T) {
	got, err := Aggregate([]model.Vote{vote("42.00", 50)})
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("42.00")))
}

func TestAggregate_WeightedMedian(t *testing.T) {
	// Total weight 677, half-point 338.5; the sorted cumulative walk
	// crosses it at 46.50.
	votes := []model.Vote{
		vote("46.00", 87),
		vote("45.50", 82),
		vote("47.00", 91),
		vote("45.00", 78),
		vote("46.50", 85),
		vote("44.00", 88),
		vote("48.00", 80),
		vote("46.50", 86),
	}
	got, err := Aggregate(votes)
	require.NoError(t, err)
	assert.Equal(t, "46.5", got.String())
}

func TestAggregate_EqualValuesMergedBeforeWalk(t *testing.T) {
	// Two votes at 10.00 sum to weight 60 and together cross the
	// half-point of 110, so the answer is 10.00 not 20.00.
	votes := []model.Vote{
		vote("20.00", 50),
		vote("10.00", 30),
		vote("10.00", 30),
	}
	got, err := Aggregate(votes)
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())
}

func TestAggregate_ZeroConfidenceClampedToOne(t *testing.T) {
	votes := []model.Vote{
		vote("10.00", 0),
		vote("30.00", -5),
	}
	// Both clamp to weight 1; the first entry reaches half of 2.
	got, err := Aggregate(votes)
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())
}

func TestAggregate_HalfPointBoundaryTakesFirstVote(t *testing.T) {
	// Cumulative weight hits exactly W/2 at the first entry; the walk
	// stops there rather than averaging the straddling values.
	votes := []model.Vote{
		vote("10.00", 50),
		vote("20.00", 50),
	}
	got, err := Aggregate(votes)
	require.NoError(t, err)
	assert.Equal(t, "10", got.String())
}

func TestAggregate_ResultWithinVoteRange(t *testing.T) {
	cases := [][]model.Vote{
		{vote("5.00", 10), vote("9.00", 90)},
		{vote("100.00", 1), vote("1.00", 1), vote("50.00", 1)},
		{vote("7.77", 33), vote("7.77", 44), vote("8.88", 2)},
	}
	for _, votes := range cases {
		got, err := Aggregate(votes)
		require.NoError(t, err)

		lo, hi := votes[0].Proposed, votes[0].Proposed
		for _, v := range votes[1:] {
			if v.Proposed.LessThan(lo) {
				lo = v.Proposed
			}
			if v.Proposed.GreaterThan(hi) {
				hi = v.Proposed
			}
		}
		assert.True(t, got.GreaterThanOrEqual(lo), "result %s below min %s", got, lo)
		assert.True(t, got.LessThanOrEqual(hi), "result %s above max %s", got, hi)
	}
}

func TestAggregate_InputOrderIrrelevant(t *testing.T) {
	a := []model.Vote{vote("46.00", 87), vote("45.50", 82), vote("47.00", 91)}
	b := []model.Vote{vote("47.00", 91), vote("46.00", 87), vote("45.50", 82)}

	ga, err := Aggregate(a)
	require.NoError(t, err)
	gb, err := Aggregate(b)
	require.NoError(t, err)
	assert.True(t, ga.Equal(gb))
}

func TestAggregate_DoesNotMutateInput(t *testing.T) {
	votes := []model.Vote{vote("3.00", 10), vote("1.00", 10), vote("2.00", 10)}
	_, err := Aggregate(votes)
	require.NoError(t, err)
	assert.Equal(t, "3", votes[0].Proposed.String())
}
