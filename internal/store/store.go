// Package store is the durable credential store backing the stale-key audit.
//
// Every mutating operation runs in its own scoped transaction: commit on
// success, rollback on any error, so one bad row cannot corrupt unrelated
// rows. Transactions never span network calls to the metrics gateway.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opsgate/keysentry/internal/credreport"
)

// ErrNotFound reports a lookup that matched no row. Callers treat it as a
// per-row condition, not a batch failure.
var ErrNotFound = errors.New("store: not found")

// DB is a Postgres-backed credential store.
type DB struct {
	db  *sqlx.DB
	now func() time.Time
}

// DSNFromEnv assembles the Postgres DSN from the IAM_KEYS_* environment
// variables the pipeline provides.
func DSNFromEnv() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("IAM_KEYS_USER"),
		os.Getenv("IAM_KEYS_PASSWORD"),
		os.Getenv("IAM_KEYS_HOST"),
		os.Getenv("IAM_KEYS_PORT"),
		os.Getenv("IAM_KEYS_DB"),
	)
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist
// (idempotent). The partial unique index on open alert events backs the
// at-most-one-open-event-per-slot invariant.
func (s *DB) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS principal (
  id BIGSERIAL PRIMARY KEY,
  iam_user TEXT NOT NULL,
  aws_account TEXT NOT NULL,
  arn TEXT NOT NULL UNIQUE,
  user_creation_time TIMESTAMPTZ,
  password_enabled BOOLEAN NOT NULL DEFAULT false,
  password_last_used TIMESTAMPTZ,
  password_last_changed TIMESTAMPTZ,
  password_next_rotation TIMESTAMPTZ,
  mfa_active BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_principal_lookup ON principal(arn, iam_user);

CREATE TABLE IF NOT EXISTS access_key_slot (
  id BIGSERIAL PRIMARY KEY,
  principal_id BIGINT NOT NULL REFERENCES principal(id) ON DELETE CASCADE,
  key_num INT NOT NULL CHECK (key_num IN (1, 2)),
  active BOOLEAN NOT NULL DEFAULT false,
  last_rotated TIMESTAMPTZ,
  last_used_date TIMESTAMPTZ,
  last_used_region TEXT,
  last_used_service TEXT,
  cert_active BOOLEAN NOT NULL DEFAULT false,
  cert_last_rotated TIMESTAMPTZ,
  UNIQUE (principal_id, key_num)
);

CREATE TABLE IF NOT EXISTS event_type (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_event (
  id BIGSERIAL PRIMARY KEY,
  principal_id BIGINT NOT NULL REFERENCES principal(id) ON DELETE CASCADE,
  event_type_id BIGINT NOT NULL REFERENCES event_type(id),
  access_key_num INT NOT NULL,
  cleared BOOLEAN NOT NULL DEFAULT false,
  cleared_date TIMESTAMPTZ,
  warning_delta TIMESTAMPTZ,
  violation_delta TIMESTAMPTZ,
  alert_sent BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_event_open
  ON alert_event(principal_id, access_key_num) WHERE NOT cleared;
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

func (s *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const principalColumns = `id, iam_user, aws_account, arn, user_creation_time,
	password_enabled, password_last_used, password_last_changed,
	password_next_rotation, mfa_active, created_at, updated_at`

func findPrincipalTx(ctx context.Context, tx *sqlx.Tx, arn, iamUser string) (*Principal, error) {
	var p Principal
	q := `SELECT ` + principalColumns + ` FROM principal WHERE arn = $1 AND iam_user = $2`
	if err := tx.GetContext(ctx, &p, q, arn, iamUser); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up principal: %w", err)
	}
	return &p, nil
}

// FindPrincipal looks a principal up by (arn, iam_user). Returns ErrNotFound
// when either does not match.
func (s *DB) FindPrincipal(ctx context.Context, arn, iamUser string) (*Principal, error) {
	var p *Principal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		p, err = findPrincipalTx(ctx, tx, arn, iamUser)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertPrincipal returns the principal for the cleaned report record,
// creating it with both access key slots on first sight. An existing
// principal is returned untouched; the refresh path is separate.
func (s *DB) UpsertPrincipal(ctx context.Context, rec credreport.Record) (*Principal, error) {
	var p *Principal
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		existing, err := findPrincipalTx(ctx, tx, rec.ARN, rec.User)
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.now()
		created := Principal{
			IAMUser:              rec.User,
			AWSAccount:           rec.AWSAccount,
			ARN:                  rec.ARN,
			UserCreationTime:     rec.UserCreationTime,
			PasswordEnabled:      rec.PasswordEnabled,
			PasswordLastUsed:     rec.PasswordLastUsed,
			PasswordLastChanged:  rec.PasswordLastChanged,
			PasswordNextRotation: rec.PasswordNextRotation,
			MFAActive:            rec.MFAActive,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		const insert = `INSERT INTO principal (iam_user, aws_account, arn, user_creation_time,
			password_enabled, password_last_used, password_last_changed,
			password_next_rotation, mfa_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`
		if err := tx.GetContext(ctx, &created.ID, insert,
			created.IAMUser, created.AWSAccount, created.ARN, created.UserCreationTime,
			created.PasswordEnabled, created.PasswordLastUsed, created.PasswordLastChanged,
			created.PasswordNextRotation, created.MFAActive, created.CreatedAt, created.UpdatedAt); err != nil {
			return fmt.Errorf("inserting principal: %w", err)
		}

		const insertSlot = `INSERT INTO access_key_slot (principal_id, key_num, active,
			last_rotated, last_used_date, last_used_region, last_used_service,
			cert_active, cert_last_rotated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		for _, slot := range rec.Keys {
			if _, err := tx.ExecContext(ctx, insertSlot,
				created.ID, slot.KeyNum, slot.Active,
				slot.LastRotated, slot.LastUsedDate, slot.LastUsedRegion, slot.LastUsedService,
				slot.CertActive, slot.CertLastRotated); err != nil {
				return fmt.Errorf("inserting access key slot %d: %w", slot.KeyNum, err)
			}
		}

		p = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RefreshPrincipal overwrites the principal's scalar attributes and the
// matching active slot from the cleaned record, then clears all of the
// principal's open alert events. Invoked only when a key was found
// compliant, so a refresh implies compliance. Returns ErrNotFound when
// there is no matching principal or no matching active slot.
func (s *DB) RefreshPrincipal(ctx context.Context, rec credreport.Record, keyNum int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		p, err := findPrincipalTx(ctx, tx, rec.ARN, rec.User)
		if err != nil {
			return err
		}

		var slotID int64
		const slotQ = `SELECT id FROM access_key_slot
			WHERE principal_id = $1 AND key_num = $2 AND active`
		if err := tx.GetContext(ctx, &slotID, slotQ, p.ID, keyNum); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("looking up access key slot: %w", err)
		}

		now := s.now()
		const updatePrincipal = `UPDATE principal SET password_enabled = $1,
			password_last_used = $2, password_last_changed = $3,
			password_next_rotation = $4, mfa_active = $5, updated_at = $6
			WHERE id = $7`
		if _, err := tx.ExecContext(ctx, updatePrincipal,
			rec.PasswordEnabled, rec.PasswordLastUsed, rec.PasswordLastChanged,
			rec.PasswordNextRotation, rec.MFAActive, now, p.ID); err != nil {
			return fmt.Errorf("updating principal: %w", err)
		}

		slot := rec.Key(keyNum)
		const updateSlot = `UPDATE access_key_slot SET active = $1, last_rotated = $2,
			last_used_date = $3, last_used_region = $4, last_used_service = $5,
			cert_active = $6, cert_last_rotated = $7
			WHERE id = $8`
		if _, err := tx.ExecContext(ctx, updateSlot,
			slot.Active, slot.LastRotated, slot.LastUsedDate, slot.LastUsedRegion,
			slot.LastUsedService, slot.CertActive, slot.CertLastRotated, slotID); err != nil {
			return fmt.Errorf("updating access key slot: %w", err)
		}

		const clearEvents = `UPDATE alert_event SET cleared = true, cleared_date = $1
			WHERE principal_id = $2 AND NOT cleared`
		if _, err := tx.ExecContext(ctx, clearEvents, now, p.ID); err != nil {
			return fmt.Errorf("clearing events: %w", err)
		}

		return nil
	})
}

const eventColumns = `id, principal_id, event_type_id, access_key_num, cleared,
	cleared_date, warning_delta, violation_delta, alert_sent, created_at`

// OpenEvent returns the single non-cleared alert event for the given
// principal and key slot, or ErrNotFound.
func (s *DB) OpenEvent(ctx context.Context, principalID int64, keyNum int) (*AlertEvent, error) {
	var ev AlertEvent
	q := `SELECT ` + eventColumns + ` FROM alert_event
		WHERE principal_id = $1 AND access_key_num = $2 AND NOT cleared`
	if err := s.db.GetContext(ctx, &ev, q, principalID, keyNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up open event: %w", err)
	}
	return &ev, nil
}

func ensureEventTypeTx(ctx context.Context, tx *sqlx.Tx, name string, now time.Time) (int64, error) {
	const insert = `INSERT INTO event_type (name, created_at) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert, name, now); err != nil {
		return 0, fmt.Errorf("inserting event type: %w", err)
	}
	var id int64
	if err := tx.GetContext(ctx, &id, `SELECT id FROM event_type WHERE name = $1`, name); err != nil {
		return 0, fmt.Errorf("looking up event type: %w", err)
	}
	return id, nil
}

// CreateEvent opens a new alert event for the principal's key slot. The
// event type row is created on first use. A concurrent duplicate insert for
// the same open slot fails on the partial unique index.
func (s *DB) CreateEvent(ctx context.Context, principalID int64, eventType string, keyNum int, warningDelta, violationDelta time.Time) (*AlertEvent, error) {
	var ev AlertEvent
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now()
		typeID, err := ensureEventTypeTx(ctx, tx, eventType, now)
		if err != nil {
			return err
		}

		ev = AlertEvent{
			PrincipalID:    principalID,
			EventTypeID:    typeID,
			AccessKeyNum:   keyNum,
			WarningDelta:   &warningDelta,
			ViolationDelta: &violationDelta,
			CreatedAt:      now,
		}
		const insert = `INSERT INTO alert_event (principal_id, event_type_id, access_key_num,
			cleared, cleared_date, warning_delta, violation_delta, alert_sent, created_at)
			VALUES ($1, $2, $3, false, NULL, $4, $5, false, $6) RETURNING id`
		if err := tx.GetContext(ctx, &ev.ID, insert,
			principalID, typeID, keyNum, warningDelta, violationDelta, now); err != nil {
			return fmt.Errorf("inserting alert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// UpdateEvent re-points an existing event at the current classification and
// deltas and re-opens it. Escalation, de-escalation and delta refreshes all
// mutate in place so the slot never accrues a duplicate open event.
func (s *DB) UpdateEvent(ctx context.Context, eventID int64, eventType string, warningDelta, violationDelta time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		typeID, err := ensureEventTypeTx(ctx, tx, eventType, s.now())
		if err != nil {
			return err
		}
		const update = `UPDATE alert_event SET event_type_id = $1, warning_delta = $2,
			violation_delta = $3, cleared = false, cleared_date = NULL
			WHERE id = $4`
		res, err := tx.ExecContext(ctx, update, typeID, warningDelta, violationDelta, eventID)
		if err != nil {
			return fmt.Errorf("updating alert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClearEvent marks an event cleared as of the given time.
func (s *DB) ClearEvent(ctx context.Context, eventID int64, clearedAt time.Time) error {
	const update = `UPDATE alert_event SET cleared = true, cleared_date = $1 WHERE id = $2`
	res, err := s.db.ExecContext(ctx, update, clearedAt, eventID)
	if err != nil {
		return fmt.Errorf("clearing alert event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventsByCleared returns all events in the given cleared state, each joined
// with its principal and event type so callers never touch detached rows.
func (s *DB) EventsByCleared(ctx context.Context, cleared bool) ([]AlertEvent, error) {
	const q = `SELECT e.id, e.principal_id, e.event_type_id, e.access_key_num,
			e.cleared, e.cleared_date, e.warning_delta, e.violation_delta,
			e.alert_sent, e.created_at,
			p.iam_user, p.aws_account, p.arn,
			t.name AS event_type_name,
			s.last_rotated
		FROM alert_event e
		JOIN principal p ON p.id = e.principal_id
		JOIN event_type t ON t.id = e.event_type_id
		LEFT JOIN access_key_slot s
			ON s.principal_id = e.principal_id AND s.key_num = e.access_key_num
		WHERE e.cleared = $1
		ORDER BY e.id`
	var events []AlertEvent
	if err := s.db.SelectContext(ctx, &events, q, cleared); err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return events, nil
}

// MarkSent flips alert_sent for all given events in one transaction, so a
// reconciliation batch is recorded delivered all-or-nothing.
func (s *DB) MarkSent(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		const update = `UPDATE alert_event SET alert_sent = true WHERE id = ANY($1)`
		res, err := tx.ExecContext(ctx, update, pq.Array(eventIDs))
		if err != nil {
			return fmt.Errorf("marking events sent: %w", err)
		}
		if n, _ := res.RowsAffected(); n != int64(len(eventIDs)) {
			return fmt.Errorf("marking events sent: expected %d rows, updated %d", len(eventIDs), n)
		}
		return nil
	})
}
