package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medremind/internal/eventbus"
	"medremind/internal/push"
	"medremind/internal/storage"
	logx "medremind/pkg/logx"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls [][]string
	msgs  []push.Message
	fail  map[string]error
	stale map[string]bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(context.Context, string, push.Message) error { return nil }

func (f *fakeTransport) SendMulticast(_ context.Context, tokens []string, msg push.Message) ([]push.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), tokens...))
	f.msgs = append(f.msgs, msg)
	out := make([]push.Result, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, push.Result{Token: tok, Err: f.fail[tok], Unregistered: f.stale[tok]})
	}
	return out, nil
}

type countingTokens struct {
	mu     sync.Mutex
	calls  int
	tokens map[string][]string
}

func (c *countingTokens) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.tokens[userID], nil
}

func detail(userID string) storage.ReminderDetail {
	return storage.ReminderDetail{
		Reminder: storage.Reminder{ID: "r1", IsActive: true},
		Medicine: storage.Medicine{ID: "m1", UserID: userID, Name: "Amoxicillin", DosageAmount: 2.5, Unit: "ml"},
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		amount float64
		unit   string
		want   string
	}{
		{2.5, "ml", "It's time to take your Amoxicillin (2.5 ml)"},
		{500, "mg", "It's time to take your Amoxicillin (500 mg)"},
		{0.125, "mg", "It's time to take your Amoxicillin (0.125 mg)"},
	}
	for _, tt := range tests {
		d := detail("u")
		d.Medicine.DosageAmount = tt.amount
		d.Medicine.Unit = tt.unit
		msg := Render(d)
		if msg.Title != "Reminder: Amoxicillin" {
			t.Fatalf("title = %q", msg.Title)
		}
		if msg.Body != tt.want {
			t.Fatalf("body = %q, want %q", msg.Body, tt.want)
		}
	}
}

func TestDispatchSendsToEveryDeviceAndCachesTokens(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{fail: map[string]error{"b": errors.New("bad token")}}
	tokens := &countingTokens{tokens: map[string][]string{"u1": {"a", "b", "c"}}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	d := New(Config{RatePerSec: 100, TokenCacheTTL: time.Minute}, tr, tokens, logx.Nop(), bus)
	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), detail("u1")); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if tokens.calls != 1 {
		t.Fatalf("token lookups = %d, want 1 (cached)", tokens.calls)
	}
	if len(tr.calls) != 2 || len(tr.calls[0]) != 3 {
		t.Fatalf("multicast calls = %v", tr.calls)
	}

	var sent, failed int
	for len(events) > 0 {
		e := <-events
		switch e.Type {
		case eventbus.PushSent:
			sent += e.Count
		case eventbus.PushFailed:
			failed += e.Count
		}
	}
	if sent != 4 || failed != 2 {
		t.Fatalf("sent=%d failed=%d", sent, failed)
	}
	if h := d.Snapshot(); len(h) != 2 || h[0].Failed != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestDispatchWithoutDevicesIsNoop(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	d := New(Config{}, tr, &countingTokens{}, logx.Nop(), nil)
	if err := d.Dispatch(context.Background(), detail("nobody")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tr.calls) != 0 {
		t.Fatal("transport must not be called without tokens")
	}
}

func TestDispatchAllFailedAndStaleInvalidation(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{
		fail:  map[string]error{"a": errors.New("unregistered")},
		stale: map[string]bool{"a": true},
	}
	tokens := &countingTokens{tokens: map[string][]string{"u1": {"a"}}}
	d := New(Config{}, tr, tokens, logx.Nop(), nil)

	if err := d.Dispatch(context.Background(), detail("u1")); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	_ = d.Dispatch(context.Background(), detail("u1"))
	if tokens.calls != 2 {
		t.Fatalf("token lookups = %d, want 2 after stale invalidation", tokens.calls)
	}
}

func TestRunInvalidatesTokensOnDeviceRegistered(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	tokens := &countingTokens{tokens: map[string][]string{"u1": {"a"}}}
	bus := eventbus.New()
	d := New(Config{RatePerSec: 100, TokenCacheTTL: time.Hour}, tr, tokens, logx.Nop(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	if err := d.Dispatch(context.Background(), detail("u1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	tokens.mu.Lock()
	tokens.tokens["u1"] = []string{"a", "new"}
	tokens.mu.Unlock()

	// Run subscribes asynchronously; publish until the cache is dropped.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.DeviceRegistered, Count: 1, Data: "u1"})
		time.Sleep(5 * time.Millisecond)
		toks, err := d.lookupTokens(context.Background(), "u1")
		if err != nil {
			t.Fatal(err)
		}
		if len(toks) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached tokens not invalidated: %v", toks)
		}
	}
	if err := d.Dispatch(context.Background(), detail("u1")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if last := tr.calls[len(tr.calls)-1]; len(last) != 2 {
		t.Fatalf("multicast tokens = %v, want the new device too", last)
	}
}
