package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"medremind/internal/eventbus"
	"medremind/internal/push"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

var ErrAllFailed = errors.New("push failed for every device")

// TokenStore resolves a user's registered device tokens.
type TokenStore interface {
	DeviceTokens(ctx context.Context, userID string) ([]string, error)
}

// Dispatcher implements the pump's dispatch step.
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	transport push.Transport
	tokens    TokenStore
	cache     *gocache.Cache

	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

const historyMax = 300

func New(cfg Config, transport push.Transport, tokens TokenStore, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{transport: transport, tokens: tokens, log: log, bus: bus}
	d.applyLocked(cfg)
	return d
}

// Transport names the push driver in use.
func (d *Dispatcher) Transport() string { return d.transport.Name() }

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.TokenCacheTTL <= 0 {
		cfg.TokenCacheTTL = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if d.cache == nil || cfg.TokenCacheTTL != d.cfg.TokenCacheTTL {
		d.cache = gocache.New(cfg.TokenCacheTTL, 2*cfg.TokenCacheTTL)
	}
	d.cfg = cfg
	// Burst = rate so a batch of due reminders is not serialized needlessly.
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Render builds the notification for a reminder.
func Render(rd storage.ReminderDetail) push.Message {
	m := rd.Medicine
	return push.Message{
		Title: "Reminder: " + m.Name,
		Body: fmt.Sprintf("It's time to take your %s (%s %s)",
			m.Name, strconv.FormatFloat(m.DosageAmount, 'f', -1, 64), m.Unit),
		Data: map[string]string{
			"reminder_id": rd.Reminder.ID,
			"medicine_id": m.ID,
		},
	}
}

// Dispatch sends rd to every device of its owner. A user without devices is
// logged and skipped. The returned error covers whole-call failures and the
// case where no token accepted the message.
func (d *Dispatcher) Dispatch(ctx context.Context, rd storage.ReminderDetail) error {
	d.mu.Lock()
	cfg := d.cfg
	lim := d.limiter
	tr := d.transport
	d.mu.Unlock()

	userID := rd.UserID()
	log := d.log.With(logx.String("reminder_id", rd.Reminder.ID), logx.String("user_id", userID))

	tokens, err := d.lookupTokens(ctx, userID)
	if err != nil {
		return fmt.Errorf("device tokens: %w", err)
	}
	if len(tokens) == 0 {
		log.Info("no registered devices; reminder not pushed")
		return nil
	}

	if err := lim.Wait(ctx); err != nil {
		return err
	}
	msg := Render(rd)
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	results, err := tr.SendMulticast(sctx, tokens, msg)
	cancel()

	ev := DeliveryEvent{ReminderID: rd.Reminder.ID, UserID: userID, Transport: tr.Name(), At: time.Now()}
	if err != nil {
		ev.Failed = len(tokens)
		ev.Error = err.Error()
		d.bus.Publish(eventbus.Event{Type: eventbus.PushFailed, Count: len(tokens), Data: ev})
		return fmt.Errorf("multicast: %w", err)
	}

	stale := false
	for _, r := range results {
		if r.Err == nil {
			ev.Sent++
			continue
		}
		ev.Failed++
		stale = stale || r.Unregistered
		log.Warn("push to device failed",
			logx.String("transport", tr.Name()),
			logx.Bool("unregistered", r.Unregistered),
			logx.Err(r.Err))
	}
	if stale {
		d.cache.Delete(userID)
	}
	if ev.Sent > 0 {
		d.bus.Publish(eventbus.Event{Type: eventbus.PushSent, Count: ev.Sent, Data: ev})
	}
	if ev.Failed > 0 {
		d.bus.Publish(eventbus.Event{Type: eventbus.PushFailed, Count: ev.Failed, Data: ev})
	}
	d.appendHistory(HistoryItem{
		At: ev.At, ReminderID: ev.ReminderID, UserID: userID, Title: msg.Title,
		Tokens: len(tokens), Failed: ev.Failed,
	})
	log.Debug("push.sent", logx.Int("sent", ev.Sent), logx.Int("failed", ev.Failed))

	if ev.Sent == 0 {
		return ErrAllFailed
	}
	return nil
}

func (d *Dispatcher) lookupTokens(ctx context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	c := d.cache
	d.mu.Unlock()
	if v, ok := c.Get(userID); ok {
		return v.([]string), nil
	}
	toks, err := d.tokens.DeviceTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.SetDefault(userID, toks)
	return toks, nil
}

// InvalidateTokens drops the cached tokens of userID, e.g. after a device
// registration.
func (d *Dispatcher) InvalidateTokens(userID string) {
	d.mu.Lock()
	c := d.cache
	d.mu.Unlock()
	c.Delete(userID)
}

// Run drops cached tokens whenever a device is registered, until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ch, unsub := d.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if userID, isUser := e.Data.(string); e.Type == eventbus.DeviceRegistered && isUser {
				d.InvalidateTokens(userID)
				d.log.Debug("device tokens invalidated", logx.String("user_id", userID))
			}
		}
	}
}

func (d *Dispatcher) Snapshot() []HistoryItem {
	d.hmu.Lock()
	out := append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > historyMax {
		d.history = d.history[len(d.history)-historyMax:]
	}
	d.hmu.Unlock()
}
