package scores

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pricing-cli/internal/model"
	"github.com/sells-group/pricing-cli/internal/resilience"
)

// HTTPConfig configures the HTTP score source.
type HTTPConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// HTTPSource fetches votes from the scoring service's JSON API.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTPSource from config.
func NewHTTP(cfg HTTPConfig) *HTTPSource {
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 15
	}
	return &HTTPSource{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}
}

func (s *HTTPSource) VotesFor(ctx context.Context, siteID, categoryID string, cycle model.CycleDate) ([]model.Vote, error) {
	url := fmt.Sprintf("%s/votes?site=%s&category=%s&cycle=%s", s.cfg.BaseURL, siteID, categoryID, cycle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scores: create request")
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, resilience.NewConnectivityError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewConnectivityError(
			eris.Errorf("scores: votes endpoint returned status %d", resp.StatusCode),
			resp.StatusCode,
		)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("scores: votes endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		Votes []model.Vote `json:"votes"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, eris.Wrap(err, "scores: decode votes")
	}

	// The scoring service keys votes implicitly by the query; stamp the
	// identifiers so downstream consumers always see them filled.
	for i := range body.Votes {
		body.Votes[i].SiteID = siteID
		body.Votes[i].CategoryID = categoryID
	}
	return body.Votes, nil
}
