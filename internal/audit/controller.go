// Package audit drives the stale-credential alert lifecycle: it classifies
// each credential report row against the threshold policy, keeps the alert
// state machine in the credential store, and reconciles accumulated state
// with the metrics gateway.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/keysentry/internal/credreport"
	"github.com/opsgate/keysentry/internal/policy"
	"github.com/opsgate/keysentry/internal/retention"
	"github.com/opsgate/keysentry/internal/store"
)

// Store is the slice of the credential store the audit needs. *store.DB
// satisfies it.
type Store interface {
	FindPrincipal(ctx context.Context, arn, iamUser string) (*store.Principal, error)
	UpsertPrincipal(ctx context.Context, rec credreport.Record) (*store.Principal, error)
	RefreshPrincipal(ctx context.Context, rec credreport.Record, keyNum int) error
	OpenEvent(ctx context.Context, principalID int64, keyNum int) (*store.AlertEvent, error)
	CreateEvent(ctx context.Context, principalID int64, eventType string, keyNum int, warningDelta, violationDelta time.Time) (*store.AlertEvent, error)
	UpdateEvent(ctx context.Context, eventID int64, eventType string, warningDelta, violationDelta time.Time) error
	ClearEvent(ctx context.Context, eventID int64, clearedAt time.Time) error
	EventsByCleared(ctx context.Context, cleared bool) ([]store.AlertEvent, error)
	MarkSent(ctx context.Context, eventIDs []int64) error
}

// Result summarizes one batch run. It replaces the module-level counters of
// earlier incarnations of this job; all accumulation is explicit.
type Result struct {
	Processed    int
	Alerted      int
	Cleared      int
	UnknownUsers []string
}

// Merge folds another run's counters into this one, for aggregating across
// accounts.
func (r *Result) Merge(other *Result) {
	r.Processed += other.Processed
	r.Alerted += other.Alerted
	r.Cleared += other.Cleared
	r.UnknownUsers = append(r.UnknownUsers, other.UnknownUsers...)
}

// Controller walks credential report rows and transitions alert events
// between open, updated and cleared. One controller run is single-threaded;
// overlapping invocations must be serialized by the scheduler.
type Controller struct {
	store    Store
	registry *policy.Registry
	defaults policy.Defaults
	now      func() time.Time
	log      *zap.Logger
}

// NewController wires a controller. The clock defaults to time.Now.
func NewController(st Store, registry *policy.Registry, defaults policy.Defaults, log *zap.Logger) *Controller {
	return &Controller{
		store:    st,
		registry: registry,
		defaults: defaults,
		now:      time.Now,
		log:      log,
	}
}

// WithClock overrides the controller's clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Run processes one credential report. Rows whose user matches no policy are
// recorded as unknown and skipped. A store error abandons only the current
// principal's unit of work; the batch continues.
func (c *Controller) Run(ctx context.Context, rows []credreport.Row) (*Result, error) {
	res := &Result{}

	for _, row := range rows {
		th, ok := c.registry.Resolve(row.User)
		if !ok {
			res.UnknownUsers = append(res.UnknownUsers, row.User)
			continue
		}

		rec, err := row.Clean()
		if err != nil {
			c.log.Warn("skipping malformed report row",
				zap.String("user", row.User), zap.Error(err))
			continue
		}
		res.Processed++

		warnDays, violationDays := c.defaults.Effective(th)
		for keyNum := 1; keyNum <= 2; keyNum++ {
			slot := rec.Key(keyNum)
			if slot.LastRotated == nil {
				// No key in this slot, or never rotated: skipped entirely.
				continue
			}

			verdict := retention.Evaluate(*slot.LastRotated, warnDays, violationDays, c.now())
			if err := c.applyVerdict(ctx, th, rec, keyNum, verdict, res); err != nil {
				c.log.Error("abandoning principal after store error",
					zap.String("user", rec.User),
					zap.Int("key_num", keyNum),
					zap.Error(err))
				break
			}
		}
	}

	return res, nil
}

// applyVerdict runs one state-machine transition for (principal, keyNum).
// The dedup identity for "is there already an open event" is the pair
// itself; the warning/violation deltas are payload only.
func (c *Controller) applyVerdict(ctx context.Context, th policy.Threshold, rec credreport.Record, keyNum int, verdict retention.Result, res *Result) error {
	if !verdict.Stale() {
		return c.clearIfOpen(ctx, rec, keyNum, res)
	}

	p, err := c.store.UpsertPrincipal(ctx, rec)
	if err != nil {
		return err
	}

	ev, err := c.store.OpenEvent(ctx, p.ID, keyNum)
	switch {
	case err == nil:
		// Escalate, de-escalate or refresh deltas in place; never a duplicate.
		if err := c.store.UpdateEvent(ctx, ev.ID, verdict.Classification.String(), verdict.WarningAt, verdict.ViolationAt); err != nil {
			return err
		}
		res.Alerted++
	case errors.Is(err, store.ErrNotFound):
		if !th.Alert {
			c.log.Debug("alerting disabled by policy, not opening event",
				zap.String("user", rec.User), zap.Int("key_num", keyNum))
			return nil
		}
		if _, err := c.store.CreateEvent(ctx, p.ID, verdict.Classification.String(), keyNum, verdict.WarningAt, verdict.ViolationAt); err != nil {
			return err
		}
		res.Alerted++
	default:
		return err
	}
	return nil
}

// clearIfOpen handles a compliant key: when an open event exists it is
// cleared and the principal's stored slot data is refreshed; when nothing is
// open there is nothing to do.
func (c *Controller) clearIfOpen(ctx context.Context, rec credreport.Record, keyNum int, res *Result) error {
	p, err := c.store.FindPrincipal(ctx, rec.ARN, rec.User)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ev, err := c.store.OpenEvent(ctx, p.ID, keyNum)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.store.ClearEvent(ctx, ev.ID, c.now()); err != nil {
		return err
	}
	res.Cleared++

	// Sync the stored slot with the compliant report data. A missing active
	// slot is a per-row condition, not a batch failure.
	if err := c.store.RefreshPrincipal(ctx, rec, keyNum); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.log.Warn("refresh found no matching principal or active slot",
				zap.String("user", rec.User), zap.Int("key_num", keyNum))
			return nil
		}
		return err
	}
	return nil
}
