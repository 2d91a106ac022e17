package scores

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVotes = `
sites:
  site-1:
    standard:
      - value: "46.50"
        confidence: 85
      - value: "46.00"
        confidence: 87
    premium:
      - value: "89.00"
        confidence: 70
`

func TestFileSource_VotesFor(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-03-01.yaml"), []byte(sampleVotes), 0o644))

	src := NewFile(dir)
	votes, err := src.VotesFor(context.Background(), "site-1", "standard", "2026-03-01")
	require.NoError(t, err)
	require.Len(t, votes, 2)
	assert.Equal(t, "site-1", votes[0].SiteID)
	assert.Equal(t, "standard", votes[0].CategoryID)
	assert.Equal(t, "46.5", votes[0].Proposed.String())
	assert.Equal(t, 85, votes[0].Confidence)
	assert.False(t, votes[0].Timestamp.IsZero(), "missing timestamps default to the cycle date")
}

func TestFileSource_UnknownCategoryEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-03-01.yaml"), []byte(sampleVotes), 0o644))

	votes, err := NewFile(dir).VotesFor(context.Background(), "site-1", "suite", "2026-03-01")
	require.NoError(t, err)
	assert.Empty(t, votes)
}

func TestFileSource_MissingFileEmpty(t *testing.T) {
	votes, err := NewFile(t.TempDir()).VotesFor(context.Background(), "site-1", "standard", "2026-03-01")
	require.NoError(t, err)
	assert.Empty(t, votes)
}
