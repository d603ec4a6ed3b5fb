// Package pump turns due hot-cache entries into notifications.
//
// Each tick claims every due id (the claim removes them from the cache) and
// dispatches them one at a time. Delivery is at-most-once: an id claimed by
// a process that dies before dispatch is not offered again until a mutation
// or the loader re-inserts it.
package pump

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

type Claimer interface {
	ClaimDue(ctx context.Context, now time.Time) ([]string, error)
}

type Store interface {
	GetReminderDetail(ctx context.Context, id string) (storage.ReminderDetail, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, d storage.ReminderDetail) error
}

type Config struct {
	// ItemTimeout bounds resolve + dispatch of a single claimed id.
	ItemTimeout time.Duration
}

// Result summarizes one batch.
type Result struct {
	Claimed    int
	Dispatched int
	Skipped    int
	Failed     int
}

type Pump struct {
	cfg   Config
	cache Claimer
	store Store
	disp  Dispatcher
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
}

func New(cfg Config, cache Claimer, store Store, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Pump {
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Pump{cfg: cfg, cache: cache, store: store, disp: disp, log: log, bus: bus, now: time.Now}
}

func (p *Pump) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// errSkip marks an item that was intentionally not dispatched.
var errSkip = errors.New("skipped")

// RunOnce claims and processes one batch. Once ids are claimed the batch is
// finished even if ctx is canceled: claimed ids exist nowhere else.
func (p *Pump) RunOnce(ctx context.Context) (Result, error) {
	ids, err := p.cache.ClaimDue(ctx, p.now())
	if err != nil {
		return Result{}, fmt.Errorf("claim due: %w", err)
	}
	res := Result{Claimed: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.PumpClaimed, Count: len(ids)})
	p.log.Debug("pump.claimed", logx.Int("count", len(ids)))

	bctx := context.WithoutCancel(ctx)
	for _, id := range ids {
		err := p.process(bctx, id)
		switch {
		case err == nil:
			res.Dispatched++
			p.bus.Publish(eventbus.Event{Type: eventbus.PumpDispatched, Count: 1})
		case errors.Is(err, errSkip):
			res.Skipped++
			p.bus.Publish(eventbus.Event{Type: eventbus.PumpSkipped, Count: 1})
		default:
			res.Failed++
			p.bus.Publish(eventbus.Event{Type: eventbus.PumpFailed, Count: 1})
			p.log.Warn("pump dispatch failed", logx.String("reminder_id", id), logx.Err(err))
		}
	}
	p.log.Info("pump.batch",
		logx.Int("claimed", res.Claimed),
		logx.Int("dispatched", res.Dispatched),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}

func (p *Pump) Tick(ctx context.Context) error {
	_, err := p.RunOnce(ctx)
	return err
}

func (p *Pump) process(ctx context.Context, id string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("pump item panic", logx.String("reminder_id", id), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	d, err := p.store.GetReminderDetail(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		p.log.Info("claimed reminder no longer exists", logx.String("reminder_id", id))
		return errSkip
	}
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if d.Reminder.IsTaken || !d.Reminder.IsActive {
		p.log.Debug("claimed reminder no longer due",
			logx.String("reminder_id", id),
			logx.Bool("taken", d.Reminder.IsTaken),
			logx.Bool("active", d.Reminder.IsActive))
		return errSkip
	}
	return p.disp.Dispatch(ctx, d)
}
