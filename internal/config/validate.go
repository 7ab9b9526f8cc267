package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	logx "cartwatch/pkg/logx"
)

// Validate checks field syntax and cross-field rules that need no other
// package. Semantic checks (ladder ordering, template presence) happen when
// the app resolves the config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}

	_, err := ParseDurationField("scheduler.interval", cfg.Scheduler.Interval)
	add(err)
	if cfg.Scheduler.Concurrency < 0 {
		add(errors.New("scheduler.concurrency must be >= 0"))
	}

	_, err = ParseDurationField("abandonment.min_idle", cfg.Abandonment.MinIdle)
	add(err)
	_, err = ParseDurationField("abandonment.min_gap", cfg.Abandonment.MinGap)
	add(err)
	if cfg.Abandonment.MaxStage < 0 || cfg.Abandonment.BatchLimit < 0 {
		add(errors.New("abandonment.max_stage and abandonment.batch_limit must be >= 0"))
	}
	for i, st := range cfg.Abandonment.Stages {
		_, err := ParseDurationField(fmt.Sprintf("abandonment.stages[%d].after", i), st.After)
		add(err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Mail.Driver)); d {
	case "", "log":
	case "http":
		if cfg.Mail.HTTP == nil || strings.TrimSpace(cfg.Mail.HTTP.Endpoint) == "" {
			add(errors.New("mail.http.endpoint is required for the http driver"))
		}
	case "smtp":
		if cfg.Mail.SMTP == nil || strings.TrimSpace(cfg.Mail.SMTP.Host) == "" {
			add(errors.New("mail.smtp.host is required for the smtp driver"))
		}
		if strings.TrimSpace(cfg.Mail.From) == "" {
			add(errors.New("mail.from is required for the smtp driver"))
		}
	default:
		add(fmt.Errorf("mail.driver: unknown driver %q", d))
	}
	if cfg.Mail.RatePerSec < 0 {
		add(errors.New("mail.rate_per_sec must be >= 0"))
	}
	for path, raw := range map[string]string{
		"mail.timeout":         cfg.Mail.Timeout,
		"mail.retry_base":      cfg.Mail.RetryBase,
		"mail.retry_max_delay": cfg.Mail.RetryMaxDelay,
		"storage.busy_timeout": cfg.Storage.BusyTimeout,
		"admin.read_timeout":   cfg.Admin.ReadTimeout,
		"admin.write_timeout":  cfg.Admin.WriteTimeout,
		"admin.idle_timeout":   cfg.Admin.IdleTimeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path is required for the sqlite driver"))
		}
	case "mongo", "mongodb":
		if strings.TrimSpace(cfg.Storage.URI) == "" || strings.TrimSpace(cfg.Storage.Database) == "" {
			add(errors.New("storage.uri and storage.database are required for the mongo driver"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", d))
	}

	if cfg.Admin.Enabled {
		add(validateAdminBind(cfg.Admin))
	}

	if tg := cfg.Alerts.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			add(errors.New("alerts.telegram.token and alerts.telegram.chat_id are required when enabled"))
		}
		if lvl := strings.TrimSpace(tg.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
			add(fmt.Errorf("alerts.telegram.min_level: unknown level %q", lvl))
		}
	}
	return errors.Join(errs...)
}

const DefaultAdminAddr = "127.0.0.1:8087"

func validateAdminBind(a AdminConfig) error {
	addr := strings.TrimSpace(a.Addr)
	if addr == "" {
		addr = DefaultAdminAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("admin.addr: %w", err)
	}
	if IsLoopbackHost(host) || strings.TrimSpace(a.Token) != "" || a.AllowInsecure {
		return nil
	}
	return fmt.Errorf("admin.addr %q is not loopback; set admin.token or admin.allow_insecure", addr)
}

// IsLoopbackHost reports whether host is localhost or a loopback IP.
// An empty host (":8087") binds every interface and is not loopback.
func IsLoopbackHost(host string) bool {
	h := strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
