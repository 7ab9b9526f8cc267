package config

import (
	"reflect"
	"strings"

	logx "cartwatch/pkg/logx"
)

// SummarizeConfigChange lists the top-level sections that differ and returns
// log fields describing the new values. Secrets are reported as *_set flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		fields = append(fields,
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.Bool("scheduler.autostart", newCfg.Scheduler.Autostart),
		)
	}
	if !reflect.DeepEqual(oldCfg.Abandonment, newCfg.Abandonment) {
		changed = append(changed, "abandonment")
		fields = append(fields,
			logx.String("abandonment.min_idle", newCfg.Abandonment.MinIdle),
			logx.Int("abandonment.stages", len(newCfg.Abandonment.Stages)),
			logx.Int("abandonment.max_stage", newCfg.Abandonment.MaxStage),
		)
	}
	if !reflect.DeepEqual(oldCfg.Mail, newCfg.Mail) {
		changed = append(changed, "mail")
		fields = append(fields,
			logx.String("mail.driver", newCfg.Mail.Driver),
			logx.Float64("mail.rate_per_sec", newCfg.Mail.RatePerSec),
			logx.String("mail.timeout", newCfg.Mail.Timeout),
		)
		if newCfg.Mail.HTTP != nil {
			fields = append(fields, logx.Bool("mail.http.api_key_set", set(newCfg.Mail.HTTP.APIKey)))
		}
		if newCfg.Mail.SMTP != nil {
			fields = append(fields, logx.Bool("mail.smtp.password_set", set(newCfg.Mail.SMTP.Password)))
		}
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.uri_set", set(newCfg.Storage.URI)),
		)
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		fields = append(fields,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", set(newCfg.Admin.Token)),
			logx.Bool("admin.allow_insecure", newCfg.Admin.AllowInsecure),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if tg := newCfg.Alerts.Telegram; tg != nil {
			fields = append(fields,
				logx.Bool("alerts.telegram.enabled", tg.Enabled),
				logx.Bool("alerts.telegram.token_set", set(tg.Token)),
				logx.String("alerts.telegram.min_level", tg.MinLevel),
			)
		}
	}
	return changed, fields
}

// RestartRequired lists changed sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "admin":
			out = append(out, s)
		}
	}
	return out
}
