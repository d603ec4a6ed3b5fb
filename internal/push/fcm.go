package push

import (
	"context"
	"fmt"
	"strings"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	logx "medremind/pkg/logx"
)

// fcmBatchLimit is the per-call token limit of SendEachForMulticast.
const fcmBatchLimit = 500

type fcmClient interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type FCM struct {
	client fcmClient
	log    logx.Logger
}

// NewFCM initializes a Firebase app from a service account file. An empty
// path falls back to Application Default Credentials.
func NewFCM(ctx context.Context, credentialsFile string, log logx.Logger) (*FCM, error) {
	var opts []option.ClientOption
	if p := strings.TrimSpace(credentialsFile); p != "" {
		opts = append(opts, option.WithCredentialsFile(p))
	}
	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase messaging: %w", err)
	}
	return &FCM{client: client, log: log}, nil
}

func (f *FCM) Name() string { return "fcm" }

func (f *FCM) Send(ctx context.Context, token string, msg Message) error {
	_, err := f.client.Send(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	})
	return err
}

// SendMulticast fans out over 500-token chunks in parallel.
func (f *FCM) SendMulticast(ctx context.Context, tokens []string, msg Message) ([]Result, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	out := make([]Result, len(tokens))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(tokens); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(tokens))
		chunk := tokens[start:end]
		offset := start
		g.Go(func() error {
			resp, err := f.client.SendEachForMulticast(gctx, &messaging.MulticastMessage{
				Tokens:       chunk,
				Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
				Data:         msg.Data,
			})
			mu.Lock()
			defer mu.Unlock()
			for i, tok := range chunk {
				r := Result{Token: tok}
				switch {
				case err != nil:
					r.Err = err
				case resp == nil || i >= len(resp.Responses) || resp.Responses[i] == nil:
					r.Err = fmt.Errorf("fcm: missing response")
				case !resp.Responses[i].Success:
					r.Err = resp.Responses[i].Error
					r.Unregistered = messaging.IsUnregistered(r.Err)
				}
				out[offset+i] = r
			}
			// Chunk failures are reported per token; siblings keep sending.
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}
