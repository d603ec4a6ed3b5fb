// Package metrics exposes pipeline counters in Prometheus format.
//
// Components never touch Prometheus directly: they publish eventbus events
// and a Collector folds them into counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"medremind/internal/eventbus"
	logx "medremind/pkg/logx"
)

const namespace = "medremind"

// Collector owns a private registry.
type Collector struct {
	reg *prometheus.Registry

	events    *prometheus.CounterVec
	items     *prometheus.CounterVec
	logLines  *prometheus.CounterVec
	lastSweep prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_events_total",
			Help:      "Pipeline events by type.",
		}, []string{"type"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_items_total",
			Help:      "Items carried by pipeline events (claimed reminders, pushed tokens, mails).",
		}, []string{"type"}),
		logLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_messages_total",
			Help:      "Log lines by level.",
		}, []string{"level"}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loader_last_sweep_timestamp_seconds",
			Help:      "Unix time of the last successful loader sweep.",
		}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.events, c.items, c.logLines, c.lastSweep,
	)
	return c
}

// Registry is exposed for extra collectors (e.g. the hot cache size gauge).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// RegisterGaugeFunc registers a gauge evaluated on every scrape.
func (c *Collector) RegisterGaugeFunc(name, help string, fn func() float64) error {
	return c.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// LevelHook counts log lines; install it with logx.Service.SetLevelHook.
func (c *Collector) LevelHook() logx.LevelHook {
	return func(l logx.Level) {
		c.logLines.WithLabelValues(l.String()).Inc()
	}
}

// Observe folds one event into the counters.
func (c *Collector) Observe(e eventbus.Event) {
	c.events.WithLabelValues(e.Type).Inc()
	if e.Count > 0 {
		c.items.WithLabelValues(e.Type).Add(float64(e.Count))
	}
	if e.Type == eventbus.LoaderSwept {
		ts := e.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		c.lastSweep.Set(float64(ts.Unix()))
	}
}

// Run consumes bus until ctx is canceled.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
