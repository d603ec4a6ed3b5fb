// Package outbox moves transactional email through a durable RabbitMQ queue.
//
// Producers call Publisher.Enqueue; the Worker consumes the queue and relays
// each message through a Sender with bounded retry. A message is acked only
// after a successful send. Exhausted or undecodable messages are nacked
// without requeue and, when a dead-letter queue is configured, copied there
// first.
package outbox

import (
	"encoding/json"
	"errors"
	"strings"
)

// DefaultQueue is the durable queue holding outbound email.
const DefaultQueue = "email_queue"

// DefaultRetryBudget is the worker's send-attempt budget when neither the
// message nor the config sets one.
const DefaultRetryBudget = 3

var ErrInvalidMessage = errors.New("outbox: message requires to and subject")

// Message is the queued email. It is immutable once enqueued.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	// RetryCount is the send-attempt budget. Zero means the worker default.
	RetryCount int `json:"retryCount"`
}

// encode validates m and renders the wire body. A zero RetryCount is sent
// as is so the consuming worker applies its own send_attempts.
func encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.RetryCount < 0 {
		m.RetryCount = 0
	}
	return json.Marshal(m)
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" || strings.TrimSpace(m.Subject) == "" {
		return ErrInvalidMessage
	}
	return nil
}
