package reminder

import (
	"context"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

// DefaultLookahead is the horizon inside which a reminder belongs in the hot
// cache.
const DefaultLookahead = 24 * time.Hour

// HotCache is the subset of the hot cache the hooks write to.
type HotCache interface {
	Upsert(ctx context.Context, id string, at time.Time) error
	Evict(ctx context.Context, id string) error
}

// Hooks keeps hot-cache membership in step with reminder mutations. Each
// hook takes the post-mutation record. Hooks run after the store write and
// are not transactional with it; the loader repairs whatever a failed hook
// leaves behind.
type Hooks struct {
	cache     HotCache
	lookahead time.Duration
	now       func() time.Time
	log       logx.Logger
	bus       eventbus.Bus
}

func NewHooks(cache HotCache, lookahead time.Duration, log logx.Logger, bus eventbus.Bus) *Hooks {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Hooks{cache: cache, lookahead: lookahead, now: time.Now, log: log, bus: bus}
}

// Member reports whether r belongs in the hot cache at now.
func Member(r storage.Reminder, now time.Time, lookahead time.Duration) bool {
	return r.IsActive && !r.IsTaken && !r.NextReminderAt.After(now.Add(lookahead))
}

// OnScheduled upserts a new reminder due within the lookahead.
func (h *Hooks) OnScheduled(ctx context.Context, r storage.Reminder) error {
	if !r.NextReminderAt.After(h.now().Add(h.lookahead)) {
		return h.upsert(ctx, "schedule", r)
	}
	return nil
}

// OnSnoozed always upserts: a snooze is by construction minutes away.
func (h *Hooks) OnSnoozed(ctx context.Context, r storage.Reminder) error {
	return h.upsert(ctx, "snooze", r)
}

func (h *Hooks) OnTaken(ctx context.Context, r storage.Reminder) error {
	return h.evict(ctx, "take", r.ID)
}

func (h *Hooks) OnActiveChanged(ctx context.Context, r storage.Reminder) error {
	if !r.IsActive {
		return h.evict(ctx, "deactivate", r.ID)
	}
	if Member(r, h.now(), h.lookahead) {
		return h.upsert(ctx, "activate", r)
	}
	return nil
}

// OnUpdated re-derives membership from scratch; an updated reminder that no
// longer qualifies is evicted.
func (h *Hooks) OnUpdated(ctx context.Context, r storage.Reminder) error {
	if Member(r, h.now(), h.lookahead) {
		return h.upsert(ctx, "update", r)
	}
	return h.evict(ctx, "update", r.ID)
}

func (h *Hooks) OnDeleted(ctx context.Context, id string) error {
	return h.evict(ctx, "delete", id)
}

// OnDeviceRegistered announces a new or replaced push token so cached token
// lists for userID are dropped.
func (h *Hooks) OnDeviceRegistered(userID string) {
	h.bus.Publish(eventbus.Event{Type: eventbus.DeviceRegistered, Count: 1, Data: userID})
}

func (h *Hooks) upsert(ctx context.Context, op string, r storage.Reminder) error {
	if err := h.cache.Upsert(ctx, r.ID, r.NextReminderAt); err != nil {
		h.fail(op, r.ID, err)
		return err
	}
	h.log.Debug("hot cache upsert", logx.String("op", op), logx.String("reminder_id", r.ID), logx.Time("due", r.NextReminderAt))
	return nil
}

func (h *Hooks) evict(ctx context.Context, op, id string) error {
	if err := h.cache.Evict(ctx, id); err != nil {
		h.fail(op, id, err)
		return err
	}
	h.log.Debug("hot cache evict", logx.String("op", op), logx.String("reminder_id", id))
	return nil
}

func (h *Hooks) fail(op, id string, err error) {
	h.log.Warn("hot cache sync failed; loader will reconcile",
		logx.String("op", op), logx.String("reminder_id", id), logx.Err(err))
	h.bus.Publish(eventbus.Event{Type: eventbus.CacheSyncFailed, Count: 1, Data: op})
}
