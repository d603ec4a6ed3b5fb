package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

// ErrConnectExhausted is returned by Run when the broker stays unreachable
// for every connect attempt.
var ErrConnectExhausted = errors.New("outbox: broker unreachable")

// ErrSessionLost is returned by Run when an established session breaks: the
// connection closed or the broker canceled a consumer.
var ErrSessionLost = errors.New("outbox: broker session lost")

var errDeliveriesClosed = errors.New("delivery stream closed")

// Sender relays one email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type WorkerConfig struct {
	URL             string
	Queue           string
	DeadLetterQueue string // empty disables dead-lettering
	Consumers       int

	ConnectAttempts int
	ConnectBackoff  time.Duration

	SendAttempts int
	SendBackoff  time.Duration
	SendMaxDelay time.Duration
	SendTimeout  time.Duration
	// RatePerSecond paces SMTP sends across consumers. Zero disables pacing.
	RatePerSecond float64
	// DrainTimeout bounds a message already in flight when shutdown begins.
	DrainTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = DefaultQueue
	}
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 2 * time.Second
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultRetryBudget
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = 2 * time.Second
	}
	if c.SendMaxDelay <= 0 {
		c.SendMaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Minute
	}
	return c
}

// State is the connection state of a Worker.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// publisher is the part of *amqp.Channel used for dead-lettering.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// consumer is one channel consuming the queue.
type consumer struct {
	pub        publisher
	deliveries <-chan amqp.Delivery
	// stop cancels the consumer and closes its channel.
	stop func()
}

// session is one broker connection with every consumer declared.
type session struct {
	consumers []consumer
	closed    <-chan *amqp.Error
	close     func() error
}

type Worker struct {
	cfg     WorkerConfig
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter
	dial    func(url string) (*amqp.Connection, error)
	open    func(ctx context.Context) (*session, error)

	state atomic.Int32
}

func NewWorker(cfg WorkerConfig, sender Sender, log logx.Logger, bus eventbus.Bus) *Worker {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	w := &Worker{cfg: cfg, sender: sender, log: log, bus: bus}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	w.dial = func(url string) (*amqp.Connection, error) {
		return amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	}
	w.open = w.openSession
	return w
}

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) != s {
		w.log.Debug("mail worker state", logx.String("state", s.String()))
	}
}

// ConnectBackoff is the first delay between connect attempts.
func (w *Worker) ConnectBackoff() time.Duration { return w.cfg.ConnectBackoff }

// Run runs one broker session: connect, consume until ctx is canceled or the
// session breaks, then close. It returns nil on cancellation,
// ErrConnectExhausted when every connect attempt failed and ErrSessionLost
// when the connection or a consumer went away. Callers restart it on
// ErrSessionLost.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateConnecting)
	s, err := w.connect(ctx)
	if err != nil {
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConnectExhausted, err)
	}
	w.setState(StateConnected)
	w.log.Info("connected to broker", logx.String("queue", w.cfg.Queue), logx.Int("consumers", w.cfg.Consumers))

	err = w.serve(ctx, s)
	_ = s.close()
	w.setState(StateDisconnected)
	if ctx.Err() != nil {
		return nil
	}
	w.log.Warn("broker session lost", logx.Err(err))
	return fmt.Errorf("%w: %v", ErrSessionLost, err)
}

// connect opens a session with exponential backoff: ConnectBackoff, then
// doubling. Consumer setup failures count as failed attempts.
func (w *Worker) connect(ctx context.Context) (*session, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.ConnectBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         5 * time.Minute,
	}
	attempt := 0
	return backoff.Retry(ctx, func() (*session, error) {
		attempt++
		return w.open(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.ConnectAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn("could not connect to broker; retrying",
				logx.Int("attempt", attempt),
				logx.Int("max", w.cfg.ConnectAttempts),
				logx.Duration("in", next),
				logx.Err(err))
		}),
	)
}

func (w *Worker) openSession(context.Context) (*session, error) {
	conn, err := w.dial(w.cfg.URL)
	if err != nil {
		return nil, err
	}
	s := &session{
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		close:  conn.Close,
	}
	for i := 0; i < w.cfg.Consumers; i++ {
		c, err := w.openConsumer(conn, i)
		if err != nil {
			for _, prev := range s.consumers {
				prev.stop()
			}
			_ = conn.Close()
			return nil, err
		}
		s.consumers = append(s.consumers, c)
	}
	return s, nil
}

func (w *Worker) openConsumer(conn *amqp.Connection, idx int) (consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return consumer{}, fmt.Errorf("open channel: %w", err)
	}
	fail := func(err error) (consumer, error) {
		_ = ch.Close()
		return consumer{}, err
	}
	// One unacked message per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		return fail(fmt.Errorf("qos: %w", err))
	}
	if _, err := declareQueue(ch, w.cfg.Queue); err != nil {
		return fail(fmt.Errorf("declare %s: %w", w.cfg.Queue, err))
	}
	if w.cfg.DeadLetterQueue != "" {
		if _, err := declareQueue(ch, w.cfg.DeadLetterQueue); err != nil {
			return fail(fmt.Errorf("declare %s: %w", w.cfg.DeadLetterQueue, err))
		}
	}
	tag := fmt.Sprintf("medremind-mail-%d-%s", idx, uuid.NewString()[:8])
	deliveries, err := ch.Consume(w.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume: %w", err))
	}
	return consumer{
		pub:        ch,
		deliveries: deliveries,
		stop: func() {
			// Unacked prefetched deliveries return to the queue when the
			// channel closes.
			_ = ch.Cancel(tag, false)
			_ = ch.Close()
		},
	}, nil
}

// serve consumes until ctx is canceled, the connection closes or any
// consumer's delivery stream ends.
func (w *Worker) serve(ctx context.Context, s *session) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan int, len(s.consumers))
	var wg sync.WaitGroup
	for i, c := range s.consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.consumeLoop(sctx, c) {
				lost <- i
			}
		}()
	}
	w.setState(StateConsuming)

	var err error
	select {
	case <-ctx.Done():
	case e, ok := <-s.closed:
		if ok && e != nil {
			err = e
		} else {
			err = amqp.ErrClosed
		}
	case i := <-lost:
		err = fmt.Errorf("consumer %d: %w", i, errDeliveriesClosed)
	}
	cancel()
	wg.Wait()
	return err
}

// consumeLoop handles deliveries until ctx is canceled. It reports false
// when the broker closed the delivery stream first.
func (w *Worker) consumeLoop(ctx context.Context, c consumer) bool {
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-c.deliveries:
			if !ok {
				return false
			}
			w.handle(ctx, c.pub, d)
		}
	}
}

// handle settles one delivery. It runs to completion even when ctx is
// canceled, bounded by DrainTimeout.
func (w *Worker) handle(ctx context.Context, pub publisher, d amqp.Delivery) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.DrainTimeout)
	defer cancel()

	var m Message
	if err := json.Unmarshal(d.Body, &m); err != nil || m.Validate() != nil {
		if err == nil {
			err = m.Validate()
		}
		w.log.Error("undecodable mail message; dropping", logx.String("message_id", d.MessageId), logx.Err(err))
		w.drop(hctx, pub, d, "undecodable")
		return
	}

	attempts := m.RetryCount
	if attempts <= 0 {
		attempts = w.cfg.SendAttempts
	}
	if err := w.sendWithRetry(hctx, m, attempts); err != nil {
		w.log.Error("mail.dropped: retries exhausted",
			logx.String("to", m.To),
			logx.Int("attempts", attempts),
			logx.Err(err))
		w.drop(hctx, pub, d, "exhausted")
		return
	}
	if err := d.Ack(false); err != nil {
		w.log.Warn("ack failed", logx.String("to", m.To), logx.Err(err))
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.MailSent, Count: 1})
	w.log.Info("mail.sent", logx.String("to", m.To))
}

func (w *Worker) sendWithRetry(ctx context.Context, m Message, attempts int) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.cfg.SendBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         w.cfg.SendMaxDelay,
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		sctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		defer cancel()
		return struct{}{}, w.sender.Send(sctx, m.To, m.Subject, m.Body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.bus.Publish(eventbus.Event{Type: eventbus.MailSendRetry, Count: 1})
			w.log.Warn("mail send failed; retrying",
				logx.String("to", m.To),
				logx.Int("attempt", attempt),
				logx.Duration("in", next),
				logx.Err(err))
		}),
	)
	return err
}

// drop copies the body to the dead-letter queue when one is configured and
// nacks the delivery without requeue.
func (w *Worker) drop(ctx context.Context, pub publisher, d amqp.Delivery, reason string) {
	dead := false
	if w.cfg.DeadLetterQueue != "" && pub != nil {
		msg := persistent(d.Body)
		msg.Headers = amqp.Table{"x-drop-reason": reason, "x-source-queue": w.cfg.Queue}
		if err := pub.PublishWithContext(ctx, "", w.cfg.DeadLetterQueue, false, false, msg); err != nil {
			w.log.Error("dead-letter publish failed", logx.String("queue", w.cfg.DeadLetterQueue), logx.Err(err))
		} else {
			dead = true
		}
	}
	if err := d.Nack(false, false); err != nil {
		w.log.Warn("nack failed", logx.Err(err))
	}
	if dead {
		w.bus.Publish(eventbus.Event{Type: eventbus.MailDeadLettered, Count: 1, Data: reason})
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.MailDropped, Count: 1, Data: reason})
}
