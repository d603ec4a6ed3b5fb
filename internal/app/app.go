package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medremind/internal/config"
	"medremind/internal/mailer"
	"medremind/internal/notifier"
	"medremind/internal/observability/metrics"
	"medremind/internal/observability/ops"
	"medremind/internal/outbox"
	"medremind/internal/pump"
	"medremind/internal/push"
	"medremind/internal/runtime/supervisor"
	"medremind/internal/task/scheduler"
	logx "medremind/pkg/logx"
)

// App is the long-running service: the loader and pump on their schedules,
// the push dispatcher, the mail worker and the ops server.
type App struct {
	*Core

	log     logx.Logger
	runner  *scheduler.Runner
	disp    *notifier.Dispatcher
	pump    *pump.Pump
	worker  *outbox.Worker
	metrics *metrics.Collector
	ops     *ops.Server

	sup     *supervisor.Supervisor
	mailSup *supervisor.Supervisor
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	core, err := Bootstrap(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, core)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	return a, nil
}

func newApp(ctx context.Context, core *Core) (*App, error) {
	cfg := core.Config()
	log := core.Log.With(logx.String("comp", "app"))

	pc, err := mapPushConfig(cfg)
	if err != nil {
		return nil, err
	}
	transport, err := push.Open(ctx, pc, core.Log.With(logx.String("comp", "push")))
	if err != nil {
		return nil, err
	}
	nc, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := notifier.New(nc, transport, core.Store, core.Log.With(logx.String("comp", "dispatcher")), core.Bus)

	pumpCfg, err := mapPumpConfig(cfg)
	if err != nil {
		return nil, err
	}
	p := pump.New(pumpCfg, core.Cache, core.Store, disp, core.Log.With(logx.String("comp", "pump")), core.Bus)

	var worker *outbox.Worker
	if cfg.MailWorker.Enabled {
		wc, err := mapWorkerConfig(cfg)
		if err != nil {
			return nil, err
		}
		mc, err := mapMailerConfig(cfg)
		if err != nil {
			return nil, err
		}
		smtp, err := mailer.New(mc, core.Log.With(logx.String("comp", "smtp")))
		if err != nil {
			return nil, err
		}
		worker = outbox.NewWorker(wc, smtp, core.Log.With(logx.String("comp", "mail.worker")), core.Bus)
	}

	m := metrics.New()
	core.Logs.SetLevelHook(m.LevelHook())
	if err := m.RegisterGaugeFunc("hot_cache_entries", "Reminders currently in the hot cache.", func() float64 {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := core.Cache.Len(c)
		if err != nil {
			return -1
		}
		return float64(n)
	}); err != nil {
		return nil, err
	}

	a := &App{
		Core:    core,
		log:     log,
		runner:  scheduler.NewRunner(core.Log.With(logx.String("comp", "scheduler"))),
		disp:    disp,
		pump:    p,
		worker:  worker,
		metrics: m,
	}
	a.ops = ops.New(ops.Config{}, ops.Sources{
		Ready:       core.Ready,
		Metrics:     m.Handler(),
		Schedules:   func() any { return a.runner.Snapshot() },
		Pushes:      func() any { return a.disp.Snapshot() },
		Supervisors: func() any { return a.supervisors() },
	}, core.Log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{
		"app":  a.sup.Snapshot(),
		"mail": a.mailSup.Snapshot(),
	}
	if s := a.ops.Supervisor(); s != nil {
		out["ops"] = s.Snapshot()
	}
	return out
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.Config()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// The mail worker failing to reach the broker must not stop reminders.
	a.mailSup = supervisor.New(a.sup.Context(),
		supervisor.WithLogger(a.log.With(logx.String("sup", "mail"))),
		supervisor.WithCancelOnError(false))

	a.CfgM.SetValidator(func(_ context.Context, c *config.Config) error { return Validate(c) })

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.Bus) })
	a.sup.Go("dispatcher.tokens", a.disp.Run)

	if cfg.Loader.Enabled {
		job, err := mapLoaderJob(cfg, a.Loader)
		if err != nil {
			return err
		}
		a.sup.Go("loader", func(c context.Context) error { return a.runner.Run(c, job) })
	}
	if cfg.Pump.Enabled {
		a.sup.Go("pump", func(c context.Context) error {
			return a.runner.Run(c, scheduler.Job{
				Name:       "pump",
				Schedule:   cfg.Pump.Schedule,
				RunAtStart: true,
				Run:        a.pump.Tick,
			})
		})
	}
	if a.worker != nil {
		// Lost sessions are re-established with jittered backoff; running out
		// of connect attempts stops the worker for good.
		a.mailSup.GoRestart("mail.worker", func(c context.Context) error {
			err := a.worker.Run(c)
			if errors.Is(err, outbox.ErrConnectExhausted) {
				a.log.Error("mail worker stopped; reminders keep running", logx.Err(err))
				return supervisor.Permanent(err)
			}
			return err
		},
			supervisor.WithRestartBackoff(a.worker.ConnectBackoff(), 5*time.Minute),
			supervisor.WithMaxRestarts(cfg.RabbitMQ.MaxReconnects),
			supervisor.WithPublishFirstError(true))
	}

	if oc, err := mapOpsConfig(cfg); err == nil {
		if err := a.ops.Reconfigure(a.sup.Context(), oc); err != nil {
			a.log.Warn("ops server not started", logx.Err(err))
		}
	}

	events, unsub := a.Bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Int("count", e.Count))
			}
		}
	})

	sub := a.CfgM.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.CfgM.Unsubscribe(sub)
		last := a.CfgM.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	// A broken file watcher must not take the pipeline down with it.
	a.sup.GoRestart("config.watch", a.CfgM.Watch, supervisor.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("medremind started",
		logx.Bool("loader", cfg.Loader.Enabled),
		logx.Bool("pump", cfg.Pump.Enabled),
		logx.Bool("mail_worker", a.worker != nil),
		logx.String("push", a.disp.Transport()))
	return nil
}

// applyConfig applies the live sections of a reloaded config and flags the
// rest as restart-only.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.Logs.Apply(mapLogConfig(next))
	if nc, err := mapNotifierConfig(next); err == nil {
		a.disp.Apply(nc)
	}
	if oc, err := mapOpsConfig(next); err == nil {
		if err := a.ops.Reconfigure(ctx, oc); err != nil {
			a.log.Warn("ops server reconfigure failed", logx.Err(err))
		}
	}
	var restart []string
	for _, s := range sections {
		if !config.LiveSections[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Core.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// Loops finish their in-flight batch or message before returning.
	a.step(ctx, "mail.worker", 2*time.Minute, func(c context.Context) error { return a.mailSup.Wait(c) })
	a.step(ctx, "supervisor", 30*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "core", 2*time.Second, func(context.Context) error {
		a.log.Info("stopped")
		return a.Core.Close()
	})
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline, so a
// stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
	}
}
