package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsgate/keysentry/internal/store"
)

// MetricJob is the pushgateway job name for stale-key metrics.
const MetricJob = "find_stale_keys"

// Pusher delivers one rendered metric batch to the gateway.
type Pusher interface {
	Push(ctx context.Context, job string, body []byte) error
}

// Reconciler drains accumulated alert state to the metrics gateway. Cleared
// events (value 0) and open events (value 1) are pushed as two independent
// units; each unit is recorded delivered only after a confirmed push, so a
// failed batch is retried wholesale on the next run.
type Reconciler struct {
	store Store
	gw    Pusher
	log   *zap.Logger
}

// NewReconciler wires a reconciler.
func NewReconciler(st Store, gw Pusher, log *zap.Logger) *Reconciler {
	return &Reconciler{store: st, gw: gw, log: log}
}

// Reconcile pushes both batches. A failure in one batch does not block the
// other; the joined error reports everything that failed.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var errs []error
	for _, batch := range []struct {
		cleared bool
		value   int
	}{
		{cleared: true, value: 0},
		{cleared: false, value: 1},
	} {
		if err := r.reconcileBatch(ctx, batch.cleared, batch.value); err != nil {
			r.log.Error("reconciliation batch failed, state kept for retry",
				zap.Bool("cleared", batch.cleared), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) reconcileBatch(ctx context.Context, cleared bool, value int) error {
	events, err := r.store.EventsByCleared(ctx, cleared)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	// Push outside any store transaction; only a confirmed delivery may
	// touch event state.
	if err := r.gw.Push(ctx, MetricJob, renderEvents(events, value)); err != nil {
		return err
	}

	ids := make([]int64, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := r.store.MarkSent(ctx, ids); err != nil {
		return err
	}

	r.log.Info("reconciled alert batch",
		zap.Bool("cleared", cleared), zap.Int("events", len(events)))
	return nil
}

func renderEvents(events []store.AlertEvent, value int) []byte {
	var b bytes.Buffer
	for _, ev := range events {
		b.WriteString(renderEvent(ev, value))
	}
	return b.Bytes()
}

// renderEvent formats one exposition line:
//
//	stale_key_num{user="alice-5678", alert_type="warning", key_num="1",
//	  last_rotated="…", warn_date="…", violation_date="…"} 1
func renderEvent(ev store.AlertEvent, value int) string {
	return fmt.Sprintf("stale_key_num{user=%q, alert_type=%q, key_num=%q, last_rotated=%q, warn_date=%q, violation_date=%q} %d\n",
		scrubbedUserID(ev.IAMUser, ev.AWSAccount),
		ev.EventTypeName,
		strconv.Itoa(ev.AccessKeyNum),
		formatStamp(ev.LastRotated),
		formatStamp(ev.WarningDelta),
		formatStamp(ev.ViolationDelta),
		value)
}

// scrubbedUserID keeps dashboards readable without exposing whole account
// IDs: "<iam_user>-<last 4 chars of account>".
func scrubbedUserID(iamUser, awsAccount string) string {
	suffix := awsAccount
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return iamUser + "-" + suffix
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
