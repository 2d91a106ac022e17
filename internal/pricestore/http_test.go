package pricestore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricing-cli/internal/resilience"
)

func newTestStore(t *testing.T, handler http.Handler) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTP(HTTPConfig{BaseURL: srv.URL, APIKey: "test-key", RateLimitPerSec: 1000})
}

func TestHTTPStore_Read(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sites/site-1/prices", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"prices":{"standard":"46.50","premium":"89.00"}}`)) //nolint:errcheck
	}))

	prices, err := store.Read(context.Background(), "site-1")
	require.NoError(t, err)
	assert.True(t, prices["standard"].Equal(decimal.RequireFromString("46.50")))
	assert.True(t, prices["premium"].Equal(decimal.RequireFromString("89.00")))
}

func TestHTTPStore_Write_ValidationRejection(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"price below site minimum"}`)) //nolint:errcheck
	}))

	err := store.Write(context.Background(), "site-1", map[string]decimal.Decimal{
		"standard": decimal.RequireFromString("1.00"),
	})
	require.Error(t, err)
	assert.True(t, resilience.IsValidationRejection(err))
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "price below site minimum")
}

func TestHTTPStore_Write_ServerErrorIsTransient(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := store.Write(context.Background(), "site-1", map[string]decimal.Decimal{
		"standard": decimal.RequireFromString("46.50"),
	})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.False(t, resilience.IsValidationRejection(err))
}

func TestHTTPStore_Health(t *testing.T) {
	healthy := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, healthy.Health(context.Background()))

	down := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	require.Error(t, down.Health(context.Background()))
}

func TestFake_WriteErrsConsumedInOrder(t *testing.T) {
	fake := NewFake(map[string]map[string]decimal.Decimal{
		"site-1": {"standard": decimal.RequireFromString("42.00")},
	})
	fake.WriteErrs = []error{
		resilience.NewConnectivityError(assert.AnError, 503),
		nil,
	}

	values := map[string]decimal.Decimal{"standard": decimal.RequireFromString("46.50")}
	require.Error(t, fake.Write(context.Background(), "site-1", values))
	assert.Equal(t, "42", fake.Current("site-1", "standard").String(), "failed write must not apply")

	require.NoError(t, fake.Write(context.Background(), "site-1", values))
	assert.Equal(t, "46.5", fake.Current("site-1", "standard").String())
	assert.Equal(t, 2, fake.Writes())
}
