package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

func TestObserveCountsEventsAndItems(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.PumpClaimed, Count: 4})
	c.Observe(eventbus.Event{Type: eventbus.PumpClaimed, Count: 2})
	c.Observe(eventbus.Event{Type: eventbus.MailDropped})

	if got := testutil.ToFloat64(c.events.WithLabelValues(eventbus.PumpClaimed)); got != 2 {
		t.Fatalf("claimed events = %v", got)
	}
	if got := testutil.ToFloat64(c.items.WithLabelValues(eventbus.PumpClaimed)); got != 6 {
		t.Fatalf("claimed items = %v", got)
	}
	if got := testutil.ToFloat64(c.events.WithLabelValues(eventbus.MailDropped)); got != 1 {
		t.Fatalf("dropped = %v", got)
	}
}

func TestLoaderSweepSetsTimestamp(t *testing.T) {
	t.Parallel()
	c := New()
	at := time.Date(2026, 5, 1, 4, 0, 0, 0, time.UTC)
	c.Observe(eventbus.Event{Type: eventbus.LoaderSwept, Time: at, Count: 10})
	if got := testutil.ToFloat64(c.lastSweep); got != float64(at.Unix()) {
		t.Fatalf("last sweep = %v", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.events.WithLabelValues(eventbus.PushSent)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.PushSent, Count: 1})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v", err)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	c := New()
	c.LevelHook()(logx.LevelWarn)
	if err := c.RegisterGaugeFunc("hot_cache_entries", "Hot cache size.", func() float64 { return 7 }); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`medremind_log_messages_total{level="warn"} 1`,
		"medremind_hot_cache_entries 7",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
