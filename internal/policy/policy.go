// Package policy holds per-principal rotation threshold configuration.
//
// Thresholds are loaded from CSV or YAML sources and merged into one ordered
// registry: operator/system principals first, then platform-derived ones,
// then everything else. Resolution walks the merged list and returns the
// first match.
package policy

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Threshold is one rotation policy record. Wildcard policies match any
// principal name with the User prefix; non-wildcard policies match exactly.
type Threshold struct {
	AccountType string `yaml:"account_type"`
	IsWildcard  bool   `yaml:"is_wildcard"`
	Warn        int    `yaml:"warn"`
	Violation   int    `yaml:"violation"`
	Alert       bool   `yaml:"alert"`
	User        string `yaml:"user"`
}

// Defaults are the process-wide fallback thresholds applied when a matched
// policy carries zero/unset values.
type Defaults struct {
	Warn      int
	Violation int
}

const (
	defaultWarnDays      = 60
	defaultViolationDays = 90
)

// DefaultsFromEnv reads WARN_DAYS and VIOLATION_DAYS, falling back to the
// built-in 60/90 day defaults when unset or non-numeric.
func DefaultsFromEnv() Defaults {
	return Defaults{
		Warn:      intFromEnv("WARN_DAYS", defaultWarnDays),
		Violation: intFromEnv("VIOLATION_DAYS", defaultViolationDays),
	}
}

func intFromEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Effective returns the threshold days to enforce for a matched policy,
// substituting defaults for zero/unset values.
func (d Defaults) Effective(t Threshold) (warnDays, violationDays int) {
	warnDays = t.Warn
	violationDays = t.Violation
	if warnDays <= 0 {
		warnDays = d.Warn
	}
	if violationDays <= 0 {
		violationDays = d.Violation
	}
	return warnDays, violationDays
}

// Registry is an ordered, immutable threshold lookup list.
type Registry struct {
	entries []Threshold
}

// NewRegistry merges threshold lists in priority order; earlier lists win.
func NewRegistry(lists ...[]Threshold) *Registry {
	r := &Registry{}
	for _, list := range lists {
		r.entries = append(r.entries, list...)
	}
	return r
}

// Len returns the number of merged policies.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Resolve finds the policy governing the named principal. The second return
// is false when no policy matches, signalling an unknown principal that must
// be skipped, not evaluated. The returned Threshold is a copy.
func (r *Registry) Resolve(principalName string) (Threshold, bool) {
	for _, t := range r.entries {
		if t.IsWildcard {
			if strings.HasPrefix(principalName, t.User) {
				return t, true
			}
			continue
		}
		if principalName == t.User {
			return t, true
		}
	}
	return Threshold{}, false
}

// LoadYAML reads a list of threshold records from a YAML file.
func LoadYAML(path string) ([]Threshold, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading threshold file: %w", err)
	}
	var thresholds []Threshold
	if err := yaml.Unmarshal(data, &thresholds); err != nil {
		return nil, fmt.Errorf("parsing threshold YAML %s: %w", path, err)
	}
	return thresholds, nil
}

// LoadCSV reads threshold records from a seed CSV with the columns
// account_type, is_wildcard, warn, violation, alert, user_string.
// is_wildcard and alert use Y/N flags; warn and violation may be empty,
// meaning "use the process defaults".
func LoadCSV(path string) ([]Threshold, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening threshold file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing threshold CSV %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	colIndex := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		colIndex[strings.TrimSpace(col)] = i
	}
	for _, required := range []string{"account_type", "is_wildcard", "warn", "violation", "alert", "user_string"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("threshold CSV %s missing column %q", path, required)
		}
	}

	thresholds := make([]Threshold, 0, len(records)-1)
	for n, raw := range records[1:] {
		col := func(name string) string {
			return strings.TrimSpace(raw[colIndex[name]])
		}
		t := Threshold{
			AccountType: col("account_type"),
			IsWildcard:  strings.EqualFold(col("is_wildcard"), "Y"),
			Alert:       strings.EqualFold(col("alert"), "Y"),
			User:        col("user_string"),
		}
		if t.Warn, err = parseDays(col("warn")); err != nil {
			return nil, fmt.Errorf("threshold CSV %s row %d: warn: %w", path, n+2, err)
		}
		if t.Violation, err = parseDays(col("violation")); err != nil {
			return nil, fmt.Errorf("threshold CSV %s row %d: violation: %w", path, n+2, err)
		}
		thresholds = append(thresholds, t)
	}

	return thresholds, nil
}

func parseDays(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
