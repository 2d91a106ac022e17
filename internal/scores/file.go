package scores

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/pricing-cli/internal/model"
)

// FileSource reads votes from per-cycle YAML files dropped by the scoring
// process, one file per cycle named <dir>/<cycle-date>.yaml:
//
//	sites:
//	  site-1:
//	    standard:
//	      - value: "46.50"
//	        confidence: 85
type FileSource struct {
	dir string
}

// NewFile creates a FileSource rooted at dir.
func NewFile(dir string) *FileSource {
	return &FileSource{dir: dir}
}

type fileVote struct {
	Value      string    `yaml:"value"`
	Confidence int       `yaml:"confidence"`
	At         time.Time `yaml:"at,omitempty"`
}

type voteFile struct {
	Sites map[string]map[string][]fileVote `yaml:"sites"`
}

func (s *FileSource) VotesFor(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) ([]model.Vote, error) {
	path := filepath.Join(s.dir, string(cycle)+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "scores: read vote file %s", path)
	}

	var f voteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "scores: parse vote file %s", path)
	}

	raw := f.Sites[siteID][categoryID]
	votes := make([]model.Vote, 0, len(raw))
	for _, fv := range raw {
		value, err := decimal.NewFromString(fv.Value)
		if err != nil {
			return nil, eris.Wrapf(err, "scores: invalid vote value %q in %s", fv.Value, path)
		}
		ts := fv.At
		if ts.IsZero() {
			ts = cycle.Time()
		}
		votes = append(votes, model.Vote{
			SiteID:     siteID,
			CategoryID: categoryID,
			Proposed:   value,
			Confidence: fv.Confidence,
			Timestamp:  ts,
		})
	}
	return votes, nil
}
