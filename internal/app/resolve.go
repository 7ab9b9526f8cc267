package app

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cartwatch/internal/abandonment"
	"cartwatch/internal/adminapi"
	"cartwatch/internal/alerts/telegram"
	"cartwatch/internal/config"
	"cartwatch/internal/mail"
	"cartwatch/internal/reminder"
	"cartwatch/internal/storage"
	logx "cartwatch/pkg/logx"
)

// resolved is a Config turned into component settings. Building one is the
// full semantic validation of a config: a reload that cannot resolve is
// rejected before anything is applied.
type resolved struct {
	logging  logx.Config
	alerts   *telegram.Config
	storage  storage.Config
	mail     mail.Config
	tpl      *mail.Templates
	ladder   abandonment.Ladder
	minGap   time.Duration
	detector abandonment.DetectorConfig
	runner   reminder.Config
	admin    *adminapi.Config
}

func resolve(cfg *config.Config) (*resolved, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	r := &resolved{logging: mapLogConfig(cfg)}
	var err error

	if tg := cfg.Alerts.Telegram; tg != nil && tg.Enabled {
		r.alerts = &telegram.Config{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID}
	}
	if r.storage, err = mapStorageConfig(cfg); err != nil {
		return nil, err
	}
	if r.mail, err = mapMailConfig(cfg); err != nil {
		return nil, err
	}
	if r.tpl, err = mail.LoadTemplates(r.mail.TemplatesDir); err != nil {
		return nil, fmt.Errorf("mail.templates_dir: %w", err)
	}
	if r.ladder, err = buildLadder(cfg.Abandonment); err != nil {
		return nil, err
	}
	for _, st := range r.ladder {
		if !r.tpl.Has(st.Template) {
			return nil, fmt.Errorf("abandonment stage %d: template %q not found (have %s)", st.Number, st.Template, strings.Join(r.tpl.Names(), ", "))
		}
	}
	if r.minGap, err = config.DurationOr("abandonment.min_gap", cfg.Abandonment.MinGap, 0); err != nil {
		return nil, err
	}
	minIdle, err := config.DurationOr("abandonment.min_idle", cfg.Abandonment.MinIdle, r.ladder[0].After)
	if err != nil {
		return nil, err
	}
	if minIdle <= 0 {
		return nil, errors.New("abandonment.min_idle must be > 0")
	}
	r.detector = abandonment.DetectorConfig{MinIdle: minIdle, MaxStage: r.ladder.Max()}

	interval, err := config.DurationAtLeast("scheduler.interval", cfg.Scheduler.Interval, time.Hour, time.Second)
	if err != nil {
		return nil, err
	}
	r.runner = reminder.Config{Interval: interval, Concurrency: cfg.Scheduler.Concurrency, HistorySize: cfg.Scheduler.HistorySize, BatchLimit: cfg.Abandonment.BatchLimit}

	if cfg.Admin.Enabled {
		ac, err := mapAdminConfig(cfg.Admin)
		if err != nil {
			return nil, err
		}
		r.admin = &ac
	}
	return r, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
	if tg := cfg.Alerts.Telegram; tg != nil {
		lc.Alerts = logx.AlertConfig{
			Enabled:    tg.Enabled,
			MinLevel:   tg.MinLevel,
			RatePerSec: int(math.Ceil(tg.RatePerSec)),
		}
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
	case "mongo", "mongodb":
		return storage.Config{
			Driver:     "mongo",
			URI:        strings.TrimSpace(sc.URI),
			Database:   strings.TrimSpace(sc.Database),
			Collection: strings.TrimSpace(sc.Collection),
			Users:      strings.TrimSpace(sc.UsersCollection),
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMailConfig(cfg *config.Config) (mail.Config, error) {
	mc := cfg.Mail
	out := mail.Config{
		Driver:       strings.ToLower(strings.TrimSpace(mc.Driver)),
		From:         strings.TrimSpace(mc.From),
		FromName:     mc.FromName,
		RatePerSec:   mc.RatePerSec,
		Burst:        mc.Burst,
		RetryMax:     mc.RetryMax,
		RecoveryURL:  strings.TrimSpace(mc.RecoveryURL),
		TemplatesDir: strings.TrimSpace(mc.TemplatesDir),
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	var err error
	if out.Timeout, err = config.DurationOr("mail.timeout", mc.Timeout, 15*time.Second); err != nil {
		return mail.Config{}, err
	}
	if out.RetryBase, err = config.DurationOr("mail.retry_base", mc.RetryBase, 500*time.Millisecond); err != nil {
		return mail.Config{}, err
	}
	if out.RetryMaxDelay, err = config.DurationOr("mail.retry_max_delay", mc.RetryMaxDelay, 10*time.Second); err != nil {
		return mail.Config{}, err
	}
	if mc.HTTP != nil {
		out.HTTP = mail.HTTPConfig{Endpoint: strings.TrimSpace(mc.HTTP.Endpoint), APIKey: mc.HTTP.APIKey}
	}
	if mc.SMTP != nil {
		out.SMTP = mail.SMTPConfig{Host: strings.TrimSpace(mc.SMTP.Host), Port: mc.SMTP.Port, Username: mc.SMTP.Username, Password: mc.SMTP.Password}
	}
	return out, nil
}

// buildLadder turns abandonment.stages into a validated Ladder. No stages
// means the default 1h/24h/72h ladder; max_stage truncates.
func buildLadder(ac config.AbandonmentConfig) (abandonment.Ladder, error) {
	ladder := abandonment.DefaultLadder()
	if len(ac.Stages) > 0 {
		ladder = make(abandonment.Ladder, 0, len(ac.Stages))
		for i, sc := range ac.Stages {
			after, err := config.ParseDurationField(fmt.Sprintf("abandonment.stages[%d].after", i), sc.After)
			if err != nil {
				return nil, err
			}
			ladder = append(ladder, abandonment.Stage{Number: i + 1, After: after, Template: strings.TrimSpace(sc.Template)})
		}
	}
	if ac.MaxStage > 0 && ac.MaxStage < len(ladder) {
		ladder = ladder[:ac.MaxStage]
	}
	if err := ladder.Validate(); err != nil {
		return nil, fmt.Errorf("abandonment.stages: %w", err)
	}
	return ladder, nil
}

func mapAdminConfig(ac config.AdminConfig) (adminapi.Config, error) {
	out := adminapi.Config{
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
	}
	if out.Addr == "" {
		out.Addr = config.DefaultAdminAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("admin.read_timeout", ac.ReadTimeout, 15*time.Second); err != nil {
		return adminapi.Config{}, err
	}
	// Passes run inside the request, so the write timeout must outlast one.
	if out.WriteTimeout, err = config.DurationOr("admin.write_timeout", ac.WriteTimeout, 5*time.Minute); err != nil {
		return adminapi.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("admin.idle_timeout", ac.IdleTimeout, 60*time.Second); err != nil {
		return adminapi.Config{}, err
	}
	return out, nil
}
