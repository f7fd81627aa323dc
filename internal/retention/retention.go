// Package retention computes rotation staleness for long-term credentials.
package retention

import "time"

// Classification is the staleness state of a credential.
type Classification int

const (
	OK Classification = iota
	Warning
	Violation
)

// String returns the classification name used in alert events and metrics.
func (c Classification) String() string {
	switch c {
	case Warning:
		return "warning"
	case Violation:
		return "violation"
	default:
		return "ok"
	}
}

// Result holds a classification and the projected threshold crossings.
// WarningAt and ViolationAt are always computed so the pair is a stable
// fingerprint for as long as the last-rotated timestamp is unchanged.
type Result struct {
	Classification Classification
	WarningAt      time.Time
	ViolationAt    time.Time
}

// Stale reports whether the credential has crossed either threshold.
func (r Result) Stale() bool {
	return r.Classification != OK
}

// Evaluate classifies a credential last rotated at lastRotated against the
// given thresholds, as of now. Pure: the caller injects the clock.
//
// Warning is checked first and violation overwrites it when both thresholds
// are crossed, so violation takes precedence.
func Evaluate(lastRotated time.Time, warnDays, violationDays int, now time.Time) Result {
	r := Result{
		Classification: OK,
		WarningAt:      lastRotated.AddDate(0, 0, warnDays),
		ViolationAt:    lastRotated.AddDate(0, 0, violationDays),
	}
	if !now.Before(r.WarningAt) {
		r.Classification = Warning
	}
	if !now.Before(r.ViolationAt) {
		r.Classification = Violation
	}
	return r
}
