// Package push delivers notifications to device tokens.
//
// A Transport is keyed by opaque device tokens. Drivers:
//   - fcm: Firebase Cloud Messaging (tokens are FCM registration tokens)
//   - telegram: Telegram Bot API (tokens are chat ids)
//   - log: writes the notification to the log, for development
package push

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "medremind/pkg/logx"
)

var ErrNoTokens = errors.New("push: no device tokens")

// Message is the rendered notification.
type Message struct {
	Title string
	Body  string
	// Data is passed through to drivers that support a data payload.
	Data map[string]string
}

// Result is the outcome for one token of a multicast.
type Result struct {
	Token string
	Err   error
	// Unregistered is set when the provider reports the token as stale.
	Unregistered bool
}

type Transport interface {
	Name() string
	Send(ctx context.Context, token string, msg Message) error
	// SendMulticast returns one Result per token. The error is reserved for
	// failures of the whole call; per-token failures live in the results.
	SendMulticast(ctx context.Context, tokens []string, msg Message) ([]Result, error)
}

type Config struct {
	Driver          string
	CredentialsFile string
	BotToken        string
	Timeout         time.Duration
}

// Open builds the configured transport.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Transport, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLog(log), nil
	case "fcm", "firebase":
		return NewFCM(ctx, cfg.CredentialsFile, log)
	case "telegram":
		return NewTelegram(cfg.BotToken, cfg.Timeout, log)
	default:
		return nil, fmt.Errorf("unknown push driver: %s", cfg.Driver)
	}
}

// sendEach is the multicast fallback for drivers without a batch API.
func sendEach(ctx context.Context, t Transport, tokens []string, msg Message) []Result {
	out := make([]Result, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, Result{Token: tok, Err: t.Send(ctx, tok, msg)})
	}
	return out
}
