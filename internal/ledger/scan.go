package ledger

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// parseDecimal converts a stored TEXT value back to a decimal. Values are
// stored as exact decimal strings, never floats.
func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "ledger: parse decimal %q", s)
	}
	return d, nil
}

func marshalValues(m map[string]decimal.Decimal) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", eris.Wrap(err, "ledger: marshal values")
	}
	return string(b), nil
}

func unmarshalValues(s string) (map[string]decimal.Decimal, error) {
	var m map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, eris.Wrap(err, "ledger: unmarshal values")
	}
	return m, nil
}
