package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/opsgate/keysentry/internal/credreport"
	"github.com/opsgate/keysentry/internal/store"
)

// fakeStore is an in-memory Store honoring the same contracts as the
// Postgres implementation, including the one-open-event-per-slot invariant.
type fakeStore struct {
	nextID     int64
	principals map[string]*store.Principal // keyed by arn + "|" + iam_user
	slots      map[int64]map[int]credreport.KeySlot
	events     []*store.AlertEvent

	refreshCalls  int
	refreshErr    error
	upsertErr     error
	markSentErr   error
	markSentCalls [][]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		principals: make(map[string]*store.Principal),
		slots:      make(map[int64]map[int]credreport.KeySlot),
	}
}

func principalKey(arn, iamUser string) string { return arn + "|" + iamUser }

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) FindPrincipal(_ context.Context, arn, iamUser string) (*store.Principal, error) {
	if p, ok := f.principals[principalKey(arn, iamUser)]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertPrincipal(_ context.Context, rec credreport.Record) (*store.Principal, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	key := principalKey(rec.ARN, rec.User)
	if p, ok := f.principals[key]; ok {
		return p, nil
	}
	p := &store.Principal{
		ID:         f.id(),
		IAMUser:    rec.User,
		AWSAccount: rec.AWSAccount,
		ARN:        rec.ARN,
		MFAActive:  rec.MFAActive,
	}
	f.principals[key] = p
	slots := make(map[int]credreport.KeySlot, 2)
	for _, slot := range rec.Keys {
		slots[slot.KeyNum] = slot
	}
	f.slots[p.ID] = slots
	return p, nil
}

func (f *fakeStore) RefreshPrincipal(_ context.Context, rec credreport.Record, keyNum int) error {
	f.refreshCalls++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	p, ok := f.principals[principalKey(rec.ARN, rec.User)]
	if !ok {
		return store.ErrNotFound
	}
	slot := rec.Key(keyNum)
	if !slot.Active {
		return store.ErrNotFound
	}
	f.slots[p.ID][keyNum] = slot
	now := time.Now()
	for _, ev := range f.events {
		if ev.PrincipalID == p.ID && !ev.Cleared {
			ev.Cleared = true
			ev.ClearedDate = &now
		}
	}
	return nil
}

func (f *fakeStore) OpenEvent(_ context.Context, principalID int64, keyNum int) (*store.AlertEvent, error) {
	for _, ev := range f.events {
		if ev.PrincipalID == principalID && ev.AccessKeyNum == keyNum && !ev.Cleared {
			return ev, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateEvent(ctx context.Context, principalID int64, eventType string, keyNum int, warningDelta, violationDelta time.Time) (*store.AlertEvent, error) {
	if ev, err := f.OpenEvent(ctx, principalID, keyNum); err == nil {
		return nil, fmt.Errorf("duplicate open event %d for principal %d slot %d", ev.ID, principalID, keyNum)
	}
	ev := &store.AlertEvent{
		ID:             f.id(),
		PrincipalID:    principalID,
		AccessKeyNum:   keyNum,
		WarningDelta:   &warningDelta,
		ViolationDelta: &violationDelta,
		EventTypeName:  eventType,
		CreatedAt:      time.Now(),
	}
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakeStore) UpdateEvent(_ context.Context, eventID int64, eventType string, warningDelta, violationDelta time.Time) error {
	for _, ev := range f.events {
		if ev.ID == eventID {
			ev.EventTypeName = eventType
			ev.WarningDelta = &warningDelta
			ev.ViolationDelta = &violationDelta
			ev.Cleared = false
			ev.ClearedDate = nil
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ClearEvent(_ context.Context, eventID int64, clearedAt time.Time) error {
	for _, ev := range f.events {
		if ev.ID == eventID {
			ev.Cleared = true
			ev.ClearedDate = &clearedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) EventsByCleared(_ context.Context, cleared bool) ([]store.AlertEvent, error) {
	var out []store.AlertEvent
	for _, ev := range f.events {
		if ev.Cleared != cleared {
			continue
		}
		copied := *ev
		for _, p := range f.principals {
			if p.ID == ev.PrincipalID {
				copied.IAMUser = p.IAMUser
				copied.AWSAccount = p.AWSAccount
				copied.ARN = p.ARN
			}
		}
		if slots, ok := f.slots[ev.PrincipalID]; ok {
			if slot, ok := slots[ev.AccessKeyNum]; ok {
				copied.LastRotated = slot.LastRotated
			}
		}
		out = append(out, copied)
	}
	return out, nil
}

func (f *fakeStore) MarkSent(_ context.Context, eventIDs []int64) error {
	if f.markSentErr != nil {
		return f.markSentErr
	}
	f.markSentCalls = append(f.markSentCalls, eventIDs)
	for _, id := range eventIDs {
		for _, ev := range f.events {
			if ev.ID == id {
				ev.AlertSent = true
			}
		}
	}
	return nil
}

func (f *fakeStore) openEventCount() int {
	n := 0
	for _, ev := range f.events {
		if !ev.Cleared {
			n++
		}
	}
	return n
}
