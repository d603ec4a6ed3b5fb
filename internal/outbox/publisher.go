package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

// Publisher enqueues messages durably. It dials lazily and redials after a
// failed publish. It is safe for concurrent use.
type Publisher struct {
	url   string
	queue string
	log   logx.Logger
	bus   eventbus.Bus

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewPublisher(url, queue string, log logx.Logger, bus eventbus.Bus) *Publisher {
	if strings.TrimSpace(queue) == "" {
		queue = DefaultQueue
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Publisher{url: url, queue: queue, log: log, bus: bus}
}

// Enqueue publishes m as a persistent JSON message.
func (p *Publisher) Enqueue(ctx context.Context, m Message) error {
	body, err := encode(m)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLocked(); err != nil {
		return fmt.Errorf("outbox connect: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, persistent(body))
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("outbox publish: %w", err)
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.MailQueued, Count: 1})
	p.log.Info("mail.queued", logx.String("to", m.To), logx.String("queue", p.queue))
	return nil
}

func (p *Publisher) ensureLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()
	conn, err := amqp.DialConfig(p.url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := declareQueue(ch, p.queue); err != nil {
		_ = conn.Close()
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.resetLocked()
	p.mu.Unlock()
	return nil
}

func persistent(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
}

// declareQueue declares a durable, non-exclusive, non-auto-delete queue.
func declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(name, true, false, false, false, nil)
}
