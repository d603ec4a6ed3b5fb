package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pipeline event types. Subscribers (metrics, debug logging) switch on these.
const (
	LoaderSwept      = "loader.swept"
	LoaderFailed     = "loader.failed"
	PumpClaimed      = "pump.claimed"
	PumpDispatched   = "pump.dispatched"
	PumpSkipped      = "pump.skipped"
	PumpFailed       = "pump.failed"
	PushSent         = "push.sent"
	PushFailed       = "push.failed"
	MailQueued       = "mail.queued"
	MailSent         = "mail.sent"
	MailSendRetry    = "mail.retry"
	MailDropped      = "mail.dropped"
	MailDeadLettered = "mail.dead_lettered"
	CacheSyncFailed  = "hooks.cache_failed"
	// DeviceRegistered carries the user id in Data.
	DeviceRegistered = "device.registered"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	// Count carries a batch size where one event summarizes several items.
	Count int
	Data  any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event. Components fall back to it when no bus is wired.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Publish sends under the read lock, so closing under the write
			// lock can never race a send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
