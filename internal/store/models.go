package store

import "time"

// Principal is a tracked IAM identity. The ARN is globally unique; a
// principal is considered "already known" only when both ARN and iam_user
// match an existing row.
type Principal struct {
	ID                   int64      `db:"id"`
	IAMUser              string     `db:"iam_user"`
	AWSAccount           string     `db:"aws_account"`
	ARN                  string     `db:"arn"`
	UserCreationTime     *time.Time `db:"user_creation_time"`
	PasswordEnabled      bool       `db:"password_enabled"`
	PasswordLastUsed     *time.Time `db:"password_last_used"`
	PasswordLastChanged  *time.Time `db:"password_last_changed"`
	PasswordNextRotation *time.Time `db:"password_next_rotation"`
	MFAActive            bool       `db:"mfa_active"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

// AccessKeySlot is one of up to two numbered long-term credentials owned by
// a principal, together with its paired signing certificate.
type AccessKeySlot struct {
	ID              int64      `db:"id"`
	PrincipalID     int64      `db:"principal_id"`
	KeyNum          int        `db:"key_num"`
	Active          bool       `db:"active"`
	LastRotated     *time.Time `db:"last_rotated"`
	LastUsedDate    *time.Time `db:"last_used_date"`
	LastUsedRegion  *string    `db:"last_used_region"`
	LastUsedService *string    `db:"last_used_service"`
	CertActive      bool       `db:"cert_active"`
	CertLastRotated *time.Time `db:"cert_last_rotated"`
}

// EventType is a lookup row naming an alert classification ("warning" or
// "violation"), deduplicated by name.
type EventType struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}

// AlertEvent is a rotation-staleness alert. At most one non-cleared event
// exists per (principal, access_key_num); the warning/violation deltas are
// payload, not identity.
type AlertEvent struct {
	ID             int64      `db:"id"`
	PrincipalID    int64      `db:"principal_id"`
	EventTypeID    int64      `db:"event_type_id"`
	AccessKeyNum   int        `db:"access_key_num"`
	Cleared        bool       `db:"cleared"`
	ClearedDate    *time.Time `db:"cleared_date"`
	WarningDelta   *time.Time `db:"warning_delta"`
	ViolationDelta *time.Time `db:"violation_delta"`
	AlertSent      bool       `db:"alert_sent"`
	CreatedAt      time.Time  `db:"created_at"`

	// Joined columns, populated by EventsByCleared.
	IAMUser       string     `db:"iam_user"`
	AWSAccount    string     `db:"aws_account"`
	ARN           string     `db:"arn"`
	EventTypeName string     `db:"event_type_name"`
	LastRotated   *time.Time `db:"last_rotated"`
}
