package pricestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/sells-group/pricing-cli/internal/resilience"
)

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string  `yaml:"api_key" mapstructure:"api_key"`
	ReadTimeoutSecs  int     `yaml:"read_timeout_secs" mapstructure:"read_timeout_secs"`
	WriteTimeoutSecs int     `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
	HealthTimeoutSec int     `yaml:"health_timeout_secs" mapstructure:"health_timeout_secs"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
}

// HTTPStore talks to the price system-of-record over its JSON API. All
// calls share one rate limiter and one circuit breaker so a struggling
// backend is not hammered by parallel site publishes.
type HTTPStore struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewHTTP creates an HTTPStore from config.
func NewHTTP(cfg HTTPConfig) *HTTPStore {
	if cfg.ReadTimeoutSecs <= 0 {
		cfg.ReadTimeoutSecs = 10
	}
	if cfg.WriteTimeoutSecs <= 0 {
		cfg.WriteTimeoutSecs = 30
	}
	if cfg.HealthTimeoutSec <= 0 {
		cfg.HealthTimeoutSec = 5
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 5
	}
	return &HTTPStore{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), 1),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
	}
}

// priceBody is the wire shape for both reads and writes.
type priceBody struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

func (s *HTTPStore) Read(ctx context.Context, siteID string) (map[string]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.ReadTimeoutSecs)*time.Second)
	defer cancel()

	var body priceBody
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodGet, fmt.Sprintf("/sites/%s/prices", siteID), nil, &body)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "pricestore: read site %s", siteID)
	}
	return body.Prices, nil
}

func (s *HTTPStore) Write(ctx context.Context, siteID string, values map[string]decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WriteTimeoutSecs)*time.Second)
	defer cancel()

	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.do(ctx, http.MethodPut, fmt.Sprintf("/sites/%s/prices", siteID), priceBody{Prices: values}, nil)
	})
	if err != nil {
		return eris.Wrapf(err, "pricestore: write site %s", siteID)
	}
	return nil
}

func (s *HTTPStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.HealthTimeoutSec)*time.Second)
	defer cancel()

	if err := s.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return eris.Wrap(err, "pricestore: health")
	}
	return nil
}

// do performs one JSON round trip, classifying failures into the
// transient/permanent taxonomy.
func (s *HTTPStore) do(ctx context.Context, method, path string, in, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limit wait")
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "marshal request")
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reqBody)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return resilience.NewConnectivityError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewConnectivityError(
			eris.Errorf("%s %s returned status %d", method, path, resp.StatusCode),
			resp.StatusCode,
		)
	default:
		reason := readRejectionReason(resp.Body)
		if reason == "" {
			reason = fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode)
		}
		return &resilience.ValidationRejection{Reason: reason, StatusCode: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return eris.Wrap(err, "decode response")
		}
	}
	return nil
}

func readRejectionReason(r io.Reader) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil {
		return ""
	}
	return body.Error
}
