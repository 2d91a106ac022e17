package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// CycleDate identifies one publish round as an ISO-8601 date (UTC).
type CycleDate string

const cycleLayout = "2006-01-02"

// ParseCycleDate validates an ISO-8601 date string.
func ParseCycleDate(s string) (CycleDate, error) {
	if _, err := time.Parse(cycleLayout, s); err != nil {
		return "", eris.Wrapf(err, "model: invalid cycle date %q", s)
	}
	return CycleDate(s), nil
}

// CycleDateOf truncates t to its UTC calendar date.
func CycleDateOf(t time.Time) CycleDate {
	return CycleDate(t.UTC().Format(cycleLayout))
}

// Time returns the cycle's midnight UTC. Callers must hold a valid
// CycleDate (from ParseCycleDate or CycleDateOf).
func (c CycleDate) Time() time.Time {
	t, _ := time.Parse(cycleLayout, string(c))
	return t
}

func (c CycleDate) String() string { return string(c) }
