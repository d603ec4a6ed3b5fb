package app

import (
	"fmt"
	"strings"
	"time"

	"medremind/internal/config"
	"medremind/internal/hotcache"
	"medremind/internal/loader"
	"medremind/internal/mailer"
	"medremind/internal/notifier"
	"medremind/internal/observability/ops"
	"medremind/internal/outbox"
	"medremind/internal/pump"
	"medremind/internal/push"
	"medremind/internal/storage"
	"medremind/internal/task/scheduler"
	logx "medremind/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		if sc.MaxOpen < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open must be >= 0")
		}
		return storage.Config{Driver: driver, DSN: sc.DSN, MaxOpen: sc.MaxOpen}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %q", sc.Driver)
	}
}

func mapRedisOptions(cfg *config.Config) (hotcache.Options, error) {
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return hotcache.Options{}, fmt.Errorf("redis.addr is required")
	}
	dial, err := config.ParseDurationOrDefault("redis.dial_timeout", cfg.Redis.DialTimeout, 5*time.Second)
	if err != nil {
		return hotcache.Options{}, err
	}
	return hotcache.Options{
		Addr:        strings.TrimSpace(cfg.Redis.Addr),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: dial,
	}, nil
}

func mapLookahead(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationOrDefault("loader.lookahead", cfg.Loader.Lookahead, 24*time.Hour)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("loader.lookahead must be positive")
	}
	return d, nil
}

func mapLoaderJob(cfg *config.Config, l *loader.Loader) (scheduler.Job, error) {
	if _, err := scheduler.ParseSchedule(cfg.Loader.Schedule); err != nil {
		return scheduler.Job{}, fmt.Errorf("loader.schedule: %w", err)
	}
	return scheduler.Job{
		Name:       "loader",
		Schedule:   cfg.Loader.Schedule,
		RunAtStart: cfg.Loader.RunAtStart,
		Run:        l.Tick,
	}, nil
}

func mapPumpConfig(cfg *config.Config) (pump.Config, error) {
	if _, err := scheduler.ParseSchedule(cfg.Pump.Schedule); err != nil {
		return pump.Config{}, fmt.Errorf("pump.schedule: %w", err)
	}
	item, err := config.ParseDurationOrDefault("pump.item_timeout", cfg.Pump.ItemTimeout, 15*time.Second)
	if err != nil {
		return pump.Config{}, err
	}
	return pump.Config{ItemTimeout: item}, nil
}

func mapPushConfig(cfg *config.Config) (push.Config, error) {
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, 10*time.Second)
	if err != nil {
		return push.Config{}, err
	}
	pc := push.Config{
		Driver:          strings.ToLower(strings.TrimSpace(cfg.Push.Driver)),
		CredentialsFile: strings.TrimSpace(cfg.Push.CredentialsFile),
		BotToken:        strings.TrimSpace(cfg.Push.BotToken),
		Timeout:         timeout,
	}
	switch pc.Driver {
	case "", "log":
	case "fcm", "firebase":
		if pc.CredentialsFile == "" {
			return push.Config{}, fmt.Errorf("push.credentials_file is required when push.driver=%s", pc.Driver)
		}
	case "telegram":
		if pc.BotToken == "" {
			return push.Config{}, fmt.Errorf("push.bot_token is required when push.driver=telegram")
		}
	default:
		return push.Config{}, fmt.Errorf("unknown push.driver: %q", cfg.Push.Driver)
	}
	return pc, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Push.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("push.rate_per_sec must be >= 0")
	}
	ttl, err := config.ParseDurationOrDefault("push.token_cache_ttl", cfg.Push.TokenCacheTTL, time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{RatePerSec: cfg.Push.RatePerSec, TokenCacheTTL: ttl, SendTimeout: timeout}, nil
}

func mapWorkerConfig(cfg *config.Config) (outbox.WorkerConfig, error) {
	rc, mw := cfg.RabbitMQ, cfg.MailWorker
	if strings.TrimSpace(rc.URL) == "" {
		return outbox.WorkerConfig{}, fmt.Errorf("rabbitmq.url is required")
	}
	if mw.Consumers < 0 || mw.SendAttempts < 0 || rc.ConnectAttempts < 0 || rc.MaxReconnects < 0 || mw.RatePerSecond < 0 {
		return outbox.WorkerConfig{}, fmt.Errorf("mail_worker and rabbitmq counts must be >= 0")
	}
	if rc.DeadLetterQueue != "" && rc.DeadLetterQueue == rc.Queue {
		return outbox.WorkerConfig{}, fmt.Errorf("rabbitmq.dead_letter_queue must differ from rabbitmq.queue")
	}
	var err error
	wc := outbox.WorkerConfig{
		URL:             rc.URL,
		Queue:           strings.TrimSpace(rc.Queue),
		DeadLetterQueue: strings.TrimSpace(rc.DeadLetterQueue),
		Consumers:       mw.Consumers,
		ConnectAttempts: rc.ConnectAttempts,
		SendAttempts:    mw.SendAttempts,
		RatePerSecond:   float64(mw.RatePerSecond),
	}
	durations := []struct {
		key string
		raw string
		def time.Duration
		dst *time.Duration
	}{
		{"rabbitmq.connect_backoff", rc.ConnectBackoff, 2 * time.Second, &wc.ConnectBackoff},
		{"mail_worker.send_backoff", mw.SendBackoff, 2 * time.Second, &wc.SendBackoff},
		{"mail_worker.send_max_delay", mw.SendMaxDelay, 30 * time.Second, &wc.SendMaxDelay},
		{"mail_worker.send_timeout", mw.SendTimeout, 30 * time.Second, &wc.SendTimeout},
		{"mail_worker.drain_timeout", mw.DrainTimeout, 2 * time.Minute, &wc.DrainTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = config.ParseDurationOrDefault(d.key, d.raw, d.def); err != nil {
			return outbox.WorkerConfig{}, err
		}
	}
	return wc, nil
}

func mapMailerConfig(cfg *config.Config) (mailer.Config, error) {
	sc := cfg.SMTP
	timeout, err := config.ParseDurationOrDefault("smtp.timeout", sc.Timeout, 30*time.Second)
	if err != nil {
		return mailer.Config{}, err
	}
	return mailer.Config{
		Host:        sc.Host,
		Port:        sc.Port,
		Username:    sc.Username,
		Password:    sc.Password,
		SenderName:  sc.SenderName,
		SenderEmail: sc.SenderEmail,
		TLS:         sc.TLS,
		Timeout:     timeout,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          strings.TrimSpace(cfg.Ops.Addr),
		Token:         strings.TrimSpace(cfg.Ops.Token),
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
	}
	var err error
	if oc.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if oc.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", cfg.Ops.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if oc.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 2*time.Minute); err != nil {
		return ops.Config{}, err
	}
	return oc, nil
}

// Validate rejects a configuration any component would refuse. It gates
// both startup and hot reloads.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if !logx.ValidLevel(cfg.Logging.Level) {
		return fmt.Errorf("logging.level: invalid %q", cfg.Logging.Level)
	}
	checks := []func() error{
		func() error { _, err := mapStorageConfig(cfg); return err },
		func() error { _, err := mapRedisOptions(cfg); return err },
		func() error { _, err := mapLookahead(cfg); return err },
		func() error {
			if _, err := scheduler.ParseSchedule(cfg.Loader.Schedule); err != nil {
				return fmt.Errorf("loader.schedule: %w", err)
			}
			return nil
		},
		func() error { _, err := mapPumpConfig(cfg); return err },
		func() error { _, err := mapPushConfig(cfg); return err },
		func() error { _, err := mapNotifierConfig(cfg); return err },
		func() error { _, err := mapWorkerConfig(cfg); return err },
		func() error { _, err := mapMailerConfig(cfg); return err },
		func() error { _, err := mapOpsConfig(cfg); return err },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
