package config

import (
	"reflect"

	logx "medremind/pkg/logx"
)

// LiveSections can be applied without restarting the process.
var LiveSections = map[string]bool{
	"logging": true,
	"ops":     true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes passwords, tokens or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.String("redis.addr", newCfg.Redis.Addr), logx.Int("redis.db", newCfg.Redis.DB))
	}
	if oldCfg.Loader != newCfg.Loader {
		changed = append(changed, "loader")
		attrs = append(attrs, logx.String("loader.schedule", newCfg.Loader.Schedule), logx.String("loader.lookahead", newCfg.Loader.Lookahead))
	}
	if oldCfg.Pump != newCfg.Pump {
		changed = append(changed, "pump")
		attrs = append(attrs, logx.String("pump.schedule", newCfg.Pump.Schedule))
	}
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs, logx.String("push.driver", newCfg.Push.Driver))
	}
	if oldCfg.RabbitMQ != newCfg.RabbitMQ {
		changed = append(changed, "rabbitmq")
		attrs = append(attrs, logx.String("rabbitmq.queue", newCfg.RabbitMQ.Queue))
	}
	if oldCfg.MailWorker != newCfg.MailWorker {
		changed = append(changed, "mail_worker")
		attrs = append(attrs, logx.Int("mail_worker.consumers", newCfg.MailWorker.Consumers))
	}
	if oldCfg.SMTP != newCfg.SMTP {
		changed = append(changed, "smtp")
		attrs = append(attrs, logx.String("smtp.host", newCfg.SMTP.Host), logx.Int("smtp.port", newCfg.SMTP.Port))
	}
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		)
	}
	return changed, attrs
}
