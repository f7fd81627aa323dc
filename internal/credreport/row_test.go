package credreport

import (
	"testing"
	"time"
)

func TestAccountForARN(t *testing.T) {
	if got := AccountForARN("arn:aws:iam::12345678:user/break.glass"); got != "12345678" {
		t.Fatalf("expected account 12345678, got %q", got)
	}
	if got := AccountForARN("arn:aws-us-gov:iam::987654321:user/cf-production/s3/cg-s3-guid"); got != "987654321" {
		t.Fatalf("expected gov partition account 987654321, got %q", got)
	}
	if got := AccountForARN(""); got != "" {
		t.Fatalf("expected empty account for empty ARN, got %q", got)
	}
	if got := AccountForARN("not-an-arn"); got != "" {
		t.Fatalf("expected empty account for malformed ARN, got %q", got)
	}
}

func TestCleanNormalizesSentinels(t *testing.T) {
	row := Row{
		User:                  "break.glass",
		ARN:                   "arn:aws:iam::12345678:user/break.glass",
		UserCreationTime:      "2023-01-10T08:00:00+00:00",
		PasswordEnabled:       "false",
		PasswordLastUsed:      "no_information",
		PasswordLastChanged:   "N/A",
		PasswordNextRotation:  "not_supported",
		MFAActive:             "true",
		AccessKey1Active:      "true",
		AccessKey1LastRotated: "N/A",
		AccessKey2Active:      "false",
		Cert1Active:           "false",
		Cert2Active:           "false",
	}

	rec, err := row.Clean()
	if err != nil {
		t.Fatalf("clean failed: %v", err)
	}

	if rec.PasswordEnabled {
		t.Fatalf("expected password_enabled=false")
	}
	if rec.PasswordLastUsed != nil || rec.PasswordLastChanged != nil || rec.PasswordNextRotation != nil {
		t.Fatalf("expected sentinel temporal fields to clean to nil")
	}
	if !rec.MFAActive {
		t.Fatalf("expected mfa_active=true")
	}
	if rec.Key(1).LastRotated != nil {
		t.Fatalf("expected N/A last_rotated to clean to nil")
	}
	if !rec.Key(1).Active || rec.Key(2).Active {
		t.Fatalf("expected key 1 active, key 2 inactive")
	}
	if rec.AWSAccount != "12345678" {
		t.Fatalf("expected account parsed from ARN, got %q", rec.AWSAccount)
	}
	if rec.UserCreationTime == nil || !rec.UserCreationTime.Equal(time.Date(2023, 1, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected user_creation_time: %v", rec.UserCreationTime)
	}
}

func TestCleanRejectsMalformedTimestamp(t *testing.T) {
	row := Row{
		User:             "bad",
		ARN:              "arn:aws:iam::1:user/bad",
		UserCreationTime: "yesterday-ish",
	}
	if _, err := row.Clean(); err == nil {
		t.Fatalf("expected error for malformed timestamp")
	}
}

func TestParseCSV(t *testing.T) {
	content := []byte("user,arn,user_creation_time,password_enabled,password_last_used,password_last_changed,password_next_rotation,mfa_active," +
		"access_key_1_active,access_key_1_last_rotated,access_key_1_last_used_date,access_key_1_last_used_region,access_key_1_last_used_service," +
		"access_key_2_active,access_key_2_last_rotated,access_key_2_last_used_date,access_key_2_last_used_region,access_key_2_last_used_service," +
		"cert_1_active,cert_1_last_rotated,cert_2_active,cert_2_last_rotated\n" +
		"<root_account>,arn:aws:iam::12345678:root,2020-05-01T00:00:00+00:00,not_supported,2024-01-01T10:00:00+00:00,not_supported,not_supported,true," +
		"false,N/A,N/A,N/A,N/A,false,N/A,N/A,N/A,N/A,false,N/A,false,N/A\n" +
		"alice,arn:aws:iam::12345678:user/alice,2022-03-15T12:30:00+00:00,true,2024-04-01T09:00:00+00:00,2024-01-15T09:00:00+00:00,2024-07-15T09:00:00+00:00,true," +
		"true,2024-04-12T21:23:58+00:00,2024-04-20T11:00:00+00:00,us-east-1,s3,false,N/A,N/A,N/A,N/A,false,N/A,false,N/A\n")

	rows, err := ParseCSV(content)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].User != "<root_account>" {
		t.Fatalf("expected first row to be the root account, got %q", rows[0].User)
	}
	if rows[1].User != "alice" {
		t.Fatalf("expected user alice, got %q", rows[1].User)
	}
	if rows[1].AccessKey1LastRotated != "2024-04-12T21:23:58+00:00" {
		t.Fatalf("unexpected key 1 last_rotated: %q", rows[1].AccessKey1LastRotated)
	}
	if rows[1].AccessKey2LastRotated != "N/A" {
		t.Fatalf("unexpected key 2 last_rotated: %q", rows[1].AccessKey2LastRotated)
	}
}

func TestParseCSVEmptyReport(t *testing.T) {
	rows, err := ParseCSV([]byte("user,arn\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}
