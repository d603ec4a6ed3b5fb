package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func noEnv() []string { return nil }

func TestParseDefaultsOnly(t *testing.T) {
	m := NewConfigManager("")
	m.environ = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Redis.Key != "reminders_hot" {
		t.Fatalf("redis.key = %q", cfg.Redis.Key)
	}
	if cfg.RabbitMQ.Queue != "email_queue" {
		t.Fatalf("rabbitmq.queue = %q", cfg.RabbitMQ.Queue)
	}
	if cfg.MailWorker.SendAttempts != 3 || cfg.RabbitMQ.ConnectAttempts != 5 {
		t.Fatalf("retry defaults = %d/%d", cfg.MailWorker.SendAttempts, cfg.RabbitMQ.ConnectAttempts)
	}
	if cfg.Loader.Schedule != "4h" || cfg.Loader.Lookahead != "24h" || cfg.Pump.Schedule != "60s" {
		t.Fatalf("cadence defaults = %+v %+v", cfg.Loader, cfg.Pump)
	}
	if cfg.SMTP.SenderName != "MedicineReminder" {
		t.Fatalf("smtp.sender_name = %q", cfg.SMTP.SenderName)
	}
}

func TestParseYAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, "medremind.yaml", `
logging:
  level: debug
redis:
  addr: redis:6380
pump:
  enabled: true
  schedule: 15s
`)
	m := NewConfigManager(p)
	m.environ = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging.level = %q", cfg.Logging.Level)
	}
	if cfg.Redis.Addr != "redis:6380" {
		t.Fatalf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.Pump.Schedule != "15s" {
		t.Fatalf("pump.schedule = %q", cfg.Pump.Schedule)
	}
	// untouched keys keep defaults
	if cfg.Redis.Key != "reminders_hot" {
		t.Fatalf("redis.key = %q", cfg.Redis.Key)
	}
}

func TestParseEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "medremind.json", `{"redis":{"addr":"file:6379"},"mail_worker":{"consumers":2}}`)
	m := NewConfigManager(p)
	m.environ = func() []string {
		return []string{
			"MEDREMIND_REDIS__ADDR=env:6379",
			"MEDREMIND_MAIL_WORKER__CONSUMERS=4",
			"UNRELATED=1",
		}
	}
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Redis.Addr != "env:6379" {
		t.Fatalf("redis.addr = %q", cfg.Redis.Addr)
	}
	if cfg.MailWorker.Consumers != 4 {
		t.Fatalf("mail_worker.consumers = %d", cfg.MailWorker.Consumers)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "medremind.yaml", "redis:\n  adress: typo:6379\n")
	m := NewConfigManager(p)
	m.environ = noEnv
	_, err := m.Parse()
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !strings.Contains(err.Error(), "adress") {
		t.Fatalf("error should name the bad key: %v", err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	m := NewConfigManager("")
	m.environ = noEnv
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{Pump: PumpConfig{Schedule: "1s"}}
	b := &Config{Pump: PumpConfig{Schedule: "2s"}}
	m.publish(a)
	m.publish(b)

	select {
	case got := <-ch:
		if got != b {
			t.Fatalf("got schedule %q, want latest", got.Pump.Schedule)
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, SMTP: SMTPConfig{Password: "a"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, SMTP: SMTPConfig{Password: "b"}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,smtp" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: time.Minute},
		{raw: "0s", want: time.Minute},
		{raw: "90s", want: 90 * time.Second},
		{raw: "15", want: 15 * time.Second},
		{raw: "0", want: time.Minute},
		{raw: " 2d ", want: 48 * time.Hour},
		{raw: "1.5d", wantErr: true},
		{raw: "999999999999d", wantErr: true},
		{raw: "-1s", wantErr: true},
		{raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDurationOrDefault("x", tt.raw, time.Minute)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationOrDefault(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationOrDefault(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchFailsWhenDirectoryMissing(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "gone", "medremind.yaml"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Watch(ctx); err == nil || !strings.Contains(err.Error(), "watch add") {
		t.Fatalf("Watch() = %v, want watch add error", err)
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	p := writeFile(t, "medremind.yaml", "pump:\n  schedule: 30s\n")
	m := NewConfigManager(p)
	m.environ = noEnv
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() = %v after cancel", err)
		}
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	// Rewrite until the watcher, which starts asynchronously, sees a change.
	for {
		select {
		case cfg := <-sub:
			if cfg.Pump.Schedule != "45s" {
				t.Fatalf("pump.schedule = %q", cfg.Pump.Schedule)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(p, []byte("pump:\n  schedule: 45s\n"), 0o600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no config published after write")
		}
	}
}

func TestParseJSONFileAndEmptyFile(t *testing.T) {
	p := writeFile(t, "medremind.json", `{"redis": {"key": "hot_json"}}`)
	m := NewConfigManager(p)
	m.environ = noEnv
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Redis.Key != "hot_json" {
		t.Fatalf("redis.key = %q", cfg.Redis.Key)
	}

	m = NewConfigManager(writeFile(t, "empty.yaml", "\n"))
	m.environ = noEnv
	if cfg, err = m.Parse(); err != nil || cfg.Redis.Key != "reminders_hot" {
		t.Fatalf("empty file: %+v, %v", cfg, err)
	}

	m = NewConfigManager(writeFile(t, "twice.json", `{} {}`))
	m.environ = noEnv
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "trailing data") {
		t.Fatalf("trailing data err = %v", err)
	}
}
