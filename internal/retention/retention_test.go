package retention

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return ts
}

func TestEvaluateCompliantKey(t *testing.T) {
	lastRotated := mustParse(t, "2024-04-12T21:23:58+00:00")
	now := mustParse(t, "2024-04-25T00:00:00+00:00")

	r := Evaluate(lastRotated, 90, 180, now)

	if r.Classification != OK {
		t.Fatalf("expected OK, got %v", r.Classification)
	}
	if r.Stale() {
		t.Fatalf("expected compliant key to not be stale")
	}
	if want := mustParse(t, "2024-07-11T21:23:58+00:00"); !r.WarningAt.Equal(want) {
		t.Fatalf("expected warning_at %v, got %v", want, r.WarningAt)
	}
	if want := mustParse(t, "2024-10-09T21:23:58+00:00"); !r.ViolationAt.Equal(want) {
		t.Fatalf("expected violation_at %v, got %v", want, r.ViolationAt)
	}
}

func TestEvaluateWarning(t *testing.T) {
	lastRotated := mustParse(t, "2024-01-01T00:00:00+00:00")
	now := mustParse(t, "2024-04-15T00:00:00+00:00") // 105 days later

	r := Evaluate(lastRotated, 90, 180, now)
	if r.Classification != Warning {
		t.Fatalf("expected Warning, got %v", r.Classification)
	}
	if r.Classification.String() != "warning" {
		t.Fatalf("unexpected classification name %q", r.Classification.String())
	}
}

func TestEvaluateViolationTakesPrecedence(t *testing.T) {
	lastRotated := mustParse(t, "2023-01-01T00:00:00+00:00")
	now := mustParse(t, "2024-04-15T00:00:00+00:00") // past both thresholds

	r := Evaluate(lastRotated, 90, 180, now)
	if r.Classification != Violation {
		t.Fatalf("expected Violation, got %v", r.Classification)
	}
}

func TestEvaluateExactThresholdCrossing(t *testing.T) {
	lastRotated := mustParse(t, "2024-01-01T00:00:00+00:00")

	// now == warning_at counts as crossed.
	now := lastRotated.AddDate(0, 0, 90)
	if r := Evaluate(lastRotated, 90, 180, now); r.Classification != Warning {
		t.Fatalf("expected Warning at exact threshold, got %v", r.Classification)
	}

	// One second before the threshold is still OK.
	if r := Evaluate(lastRotated, 90, 180, now.Add(-time.Second)); r.Classification != OK {
		t.Fatalf("expected OK just before threshold, got %v", r.Classification)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	lastRotated := mustParse(t, "2024-04-12T21:23:58+00:00")
	now := mustParse(t, "2024-08-25T00:00:00+00:00")

	first := Evaluate(lastRotated, 90, 180, now)
	second := Evaluate(lastRotated, 90, 180, now)

	if first != second {
		t.Fatalf("expected identical results for identical inputs: %+v vs %+v", first, second)
	}
}
