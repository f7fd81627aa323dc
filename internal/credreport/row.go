// Package credreport models IAM credential report rows.
//
// Rows are decoded from the report CSV with every field kept as the raw
// string AWS emitted, sentinels included. Clean converts a raw row into a
// typed Record and must be applied before any comparison or persistence.
package credreport

import (
	"encoding/csv"
	"fmt"
	"strings"
	"time"
)

// Sentinel values AWS uses for fields that carry no data.
const (
	SentinelNA           = "N/A"
	SentinelNoInfo       = "no_information"
	SentinelNotSupported = "not_supported"
)

// Row is a single raw credential report row. Temporal fields are ISO-8601
// strings or a sentinel.
type Row struct {
	User                      string
	ARN                       string
	UserCreationTime          string
	PasswordEnabled           string
	PasswordLastUsed          string
	PasswordLastChanged       string
	PasswordNextRotation      string
	MFAActive                 string
	AccessKey1Active          string
	AccessKey1LastRotated     string
	AccessKey1LastUsedDate    string
	AccessKey1LastUsedRegion  string
	AccessKey1LastUsedService string
	AccessKey2Active          string
	AccessKey2LastRotated     string
	AccessKey2LastUsedDate    string
	AccessKey2LastUsedRegion  string
	AccessKey2LastUsedService string
	Cert1Active               string
	Cert1LastRotated          string
	Cert2Active               string
	Cert2LastRotated          string
}

// Record is a cleaned row: sentinels resolved to nil, booleans coerced,
// timestamps parsed.
type Record struct {
	User                 string
	ARN                  string
	AWSAccount           string
	UserCreationTime     *time.Time
	PasswordEnabled      bool
	PasswordLastUsed     *time.Time
	PasswordLastChanged  *time.Time
	PasswordNextRotation *time.Time
	MFAActive            bool
	Keys                 [2]KeySlot
}

// KeySlot is the cleaned state of one numbered access key slot and its
// paired signing certificate.
type KeySlot struct {
	KeyNum          int
	Active          bool
	LastRotated     *time.Time
	LastUsedDate    *time.Time
	LastUsedRegion  *string
	LastUsedService *string
	CertActive      bool
	CertLastRotated *time.Time
}

// Key returns the cleaned slot for key number 1 or 2.
func (rec Record) Key(keyNum int) KeySlot {
	return rec.Keys[keyNum-1]
}

// Clean normalizes the raw row: sentinel strings become nil (false for
// boolean fields), "true"/"false" become booleans, temporal strings are
// parsed as ISO-8601.
func (r Row) Clean() (Record, error) {
	rec := Record{
		User:            strings.TrimSpace(r.User),
		ARN:             strings.TrimSpace(r.ARN),
		PasswordEnabled: cleanBool(r.PasswordEnabled),
		MFAActive:       cleanBool(r.MFAActive),
	}
	rec.AWSAccount = AccountForARN(rec.ARN)

	var err error
	if rec.UserCreationTime, err = cleanTime(r.UserCreationTime); err != nil {
		return rec, fmt.Errorf("user_creation_time: %w", err)
	}
	if rec.PasswordLastUsed, err = cleanTime(r.PasswordLastUsed); err != nil {
		return rec, fmt.Errorf("password_last_used: %w", err)
	}
	if rec.PasswordLastChanged, err = cleanTime(r.PasswordLastChanged); err != nil {
		return rec, fmt.Errorf("password_last_changed: %w", err)
	}
	if rec.PasswordNextRotation, err = cleanTime(r.PasswordNextRotation); err != nil {
		return rec, fmt.Errorf("password_next_rotation: %w", err)
	}

	slots := [2]struct {
		active, lastRotated, lastUsedDate, lastUsedRegion, lastUsedService string
		certActive, certLastRotated                                        string
	}{
		{r.AccessKey1Active, r.AccessKey1LastRotated, r.AccessKey1LastUsedDate, r.AccessKey1LastUsedRegion, r.AccessKey1LastUsedService, r.Cert1Active, r.Cert1LastRotated},
		{r.AccessKey2Active, r.AccessKey2LastRotated, r.AccessKey2LastUsedDate, r.AccessKey2LastUsedRegion, r.AccessKey2LastUsedService, r.Cert2Active, r.Cert2LastRotated},
	}
	for i, s := range slots {
		slot := KeySlot{
			KeyNum:          i + 1,
			Active:          cleanBool(s.active),
			LastUsedRegion:  cleanString(s.lastUsedRegion),
			LastUsedService: cleanString(s.lastUsedService),
			CertActive:      cleanBool(s.certActive),
		}
		if slot.LastRotated, err = cleanTime(s.lastRotated); err != nil {
			return rec, fmt.Errorf("access_key_%d_last_rotated: %w", i+1, err)
		}
		if slot.LastUsedDate, err = cleanTime(s.lastUsedDate); err != nil {
			return rec, fmt.Errorf("access_key_%d_last_used_date: %w", i+1, err)
		}
		if slot.CertLastRotated, err = cleanTime(s.certLastRotated); err != nil {
			return rec, fmt.Errorf("cert_%d_last_rotated: %w", i+1, err)
		}
		rec.Keys[i] = slot
	}

	return rec, nil
}

// AccountForARN extracts the owning account ID, the 5th colon-delimited
// segment of the ARN. Returns "" for malformed input.
func AccountForARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 {
		return ""
	}
	return strings.TrimSpace(parts[4])
}

func isSentinel(s string) bool {
	switch s {
	case SentinelNA, SentinelNoInfo, SentinelNotSupported:
		return true
	}
	return false
}

func cleanString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" || isSentinel(s) {
		return nil
	}
	return &s
}

func cleanBool(s string) bool {
	return strings.TrimSpace(s) == "true"
}

func cleanTime(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || isSentinel(s) {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseCSV decodes a credential report document into raw rows. Columns are
// located by header name so the report may grow new columns without
// breaking the decode.
func ParseCSV(content []byte) ([]Row, error) {
	reader := csv.NewReader(strings.NewReader(string(content)))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing credential report CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	colIndex := make(map[string]int, len(records[0]))
	for i, col := range records[0] {
		colIndex[col] = i
	}

	rows := make([]Row, 0, len(records)-1)
	for _, raw := range records[1:] {
		col := func(name string) string {
			if idx, ok := colIndex[name]; ok && idx < len(raw) {
				return raw[idx]
			}
			return ""
		}
		rows = append(rows, Row{
			User:                      col("user"),
			ARN:                       col("arn"),
			UserCreationTime:          col("user_creation_time"),
			PasswordEnabled:           col("password_enabled"),
			PasswordLastUsed:          col("password_last_used"),
			PasswordLastChanged:       col("password_last_changed"),
			PasswordNextRotation:      col("password_next_rotation"),
			MFAActive:                 col("mfa_active"),
			AccessKey1Active:          col("access_key_1_active"),
			AccessKey1LastRotated:     col("access_key_1_last_rotated"),
			AccessKey1LastUsedDate:    col("access_key_1_last_used_date"),
			AccessKey1LastUsedRegion:  col("access_key_1_last_used_region"),
			AccessKey1LastUsedService: col("access_key_1_last_used_service"),
			AccessKey2Active:          col("access_key_2_active"),
			AccessKey2LastRotated:     col("access_key_2_last_rotated"),
			AccessKey2LastUsedDate:    col("access_key_2_last_used_date"),
			AccessKey2LastUsedRegion:  col("access_key_2_last_used_region"),
			AccessKey2LastUsedService: col("access_key_2_last_used_service"),
			Cert1Active:               col("cert_1_active"),
			Cert1LastRotated:          col("cert_1_last_rotated"),
			Cert2Active:               col("cert_2_active"),
			Cert2LastRotated:          col("cert_2_last_rotated"),
		})
	}

	return rows, nil
}
