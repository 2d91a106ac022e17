// Package pricestore abstracts the external system-of-record that holds
// the live, customer-facing prices.
package pricestore

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the system-of-record adapter. Implementations must return a
// resilience.ConnectivityError for transient faults and a
// resilience.ValidationRejection when the store's own validation refuses
// the values, so the transaction manager can classify failures.
type Store interface {
	// Read returns the current price per category for a site.
	Read(ctx context.Context, siteID string) (map[string]decimal.Decimal, error)

	// Write pushes the given category prices for a site.
	Write(ctx context.Context, siteID string, values map[string]decimal.Decimal) error

	// Health reports whether the store is reachable.
	Health(ctx context.Context) error
}
