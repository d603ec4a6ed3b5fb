// Package loader reconciles the hot cache from the durable store.
//
// A sweep upserts every active, untaken reminder due within the lookahead.
// Sweeps are idempotent and may run concurrently with the pump and the
// mutation hooks; the only side effect is a score refresh.
package loader

import (
	"context"
	"fmt"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

type Store interface {
	DueReminders(ctx context.Context, before time.Time) ([]storage.Reminder, error)
}

type Cache interface {
	Upsert(ctx context.Context, id string, at time.Time) error
}

type Config struct {
	Lookahead time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int
	Upserted int
	Failed   int
	Took     time.Duration
}

type Loader struct {
	store Store
	cache Cache
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(cfg Config, store Store, cache Cache, log logx.Logger, bus eventbus.Bus) *Loader {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Loader{store: store, cache: cache, cfg: cfg, log: log, bus: bus, now: time.Now}
}

// SetClock overrides the wall clock.
func (l *Loader) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Sweep runs one reconciliation pass. A query failure aborts the sweep; a
// failed upsert is logged and the sweep moves on.
func (l *Loader) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	horizon := l.now().Add(l.cfg.Lookahead)

	due, err := l.store.DueReminders(ctx, horizon)
	if err != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.LoaderFailed, Data: err.Error()})
		return Result{}, fmt.Errorf("query due reminders: %w", err)
	}

	res := Result{Scanned: len(due)}
	for _, r := range due {
		if ctx.Err() != nil {
			break
		}
		if err := l.cache.Upsert(ctx, r.ID, r.NextReminderAt); err != nil {
			res.Failed++
			l.log.Warn("loader upsert failed", logx.String("reminder_id", r.ID), logx.Err(err))
			continue
		}
		res.Upserted++
	}
	res.Took = time.Since(start)

	l.bus.Publish(eventbus.Event{Type: eventbus.LoaderSwept, Count: res.Upserted, Data: res})
	l.log.Info("loader.swept",
		logx.Int("scanned", res.Scanned),
		logx.Int("upserted", res.Upserted),
		logx.Int("failed", res.Failed),
		logx.Time("horizon", horizon),
		logx.Duration("took", res.Took),
	)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// Tick adapts Sweep to a scheduler job.
func (l *Loader) Tick(ctx context.Context) error {
	_, err := l.Sweep(ctx)
	return err
}
