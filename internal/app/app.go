// Package app wires cartwatch's components together and owns the process
// lifecycle: boot, hot reload and bounded shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cartwatch/internal/abandonment"
	"cartwatch/internal/adminapi"
	"cartwatch/internal/alerts/telegram"
	"cartwatch/internal/config"
	"cartwatch/internal/eventbus"
	"cartwatch/internal/mail"
	"cartwatch/internal/reminder"
	"cartwatch/internal/runtime/supervisor"
	"cartwatch/internal/storage"
	logx "cartwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mailer     *mail.Limited
	policy     *abandonment.Policy
	detector   *abandonment.Detector
	dispatcher *abandonment.Dispatcher
	stats      *abandonment.StatsAggregator
	runner     *reminder.Runner
	admin      *adminapi.Server

	mu        sync.Mutex
	alertConf *telegram.Config

	stopOnce sync.Once
}

// New loads the config file at cfgPath and builds every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "boot"))
	cfgm := config.NewManager(cfgPath, bootLog)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := resolve(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	r, err := resolve(cfg)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, r)
}

func build(ctx context.Context, cfgm *config.Manager, r *resolved) (*App, error) {
	var sender logx.AlertSender
	if r.alerts != nil {
		s, err := telegram.New(*r.alerts)
		if err != nil {
			return nil, fmt.Errorf("alerts.telegram: %w", err)
		}
		sender = s
	}
	logs, log := logx.New(r.logging, sender)
	appLog := log.With(logx.String("comp", "app"))

	store, err := storage.Open(ctx, r.storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage ready", logx.String("driver", r.storage.Driver))

	mailer, err := mail.New(r.mail, log.With(logx.String("comp", "mail")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("mail: %w", err)
	}

	policy, err := abandonment.NewPolicy(r.ladder, r.minGap)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	bus := eventbus.New()
	detector := abandonment.NewDetector(store, r.detector, log)
	dispatcher := abandonment.NewDispatcher(store, mailer, r.tpl, r.mail.RecoveryURL, log)
	stats := abandonment.NewStatsAggregator(store, func() time.Duration { return detector.Config().MinIdle })
	runner := reminder.New(r.runner, detector, policy, dispatcher, log, reminder.WithEventBus(bus))

	a := &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logs,
		bus:        bus,
		store:      store,
		mailer:     mailer,
		policy:     policy,
		detector:   detector,
		dispatcher: dispatcher,
		stats:      stats,
		runner:     runner,
		alertConf:  r.alerts,
	}
	if r.admin != nil {
		a.admin = adminapi.New(*r.admin, adminapi.Deps{
			Scheduler: runner,
			Stats:     stats,
			Audit:     store,
			Health:    a.health,
		}, log)
	}
	return a, nil
}

func (a *App) Runner() *reminder.Runner { return a.runner }

// CheckConfig parses and fully resolves the file at path without opening
// storage or starting anything.
func CheckConfig(path string) error {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		return err
	}
	_, err = resolve(cfg)
	return err
}

// AdminAddr is the admin server's bound address, empty when disabled or not
// yet listening.
func (a *App) AdminAddr() string {
	if a.admin == nil {
		return ""
	}
	return a.admin.Addr()
}

// Err returns the first fatal error recorded by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		return a.logEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", time.Second, 30*time.Second, a.cfgm.Watch)

	if a.admin != nil {
		a.sup.GoRestart("admin.http", time.Second, 30*time.Second, a.admin.Serve)
	}

	if a.cfgm.Get().Scheduler.Autostart {
		st, _ := a.runner.Start()
		a.log.Info("scheduler autostarted", logx.String("interval", st.Interval))
	} else {
		a.log.Info("scheduler idle; start it via the admin API")
	}

	startWatchdog(a.sup, a.log)
	notifyReady(a.log)
	a.log.Info("app started")
	return nil
}

// logEvents mirrors bus events into the log.
func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.ReminderFailed, eventbus.PassSkipped:
				a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			default:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}
}

// health backs /healthz.
func (a *App) health(ctx context.Context) (any, error) {
	out := map[string]any{
		"scheduler":  a.runner.State(),
		"busDropped": a.bus.Dropped(),
		"maxStage":   a.policy.MaxStage(),
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	if err := a.store.Ping(ctx); err != nil {
		out["store"] = "down"
		return out, fmt.Errorf("store unreachable: %w", err)
	}
	out["store"] = "ok"
	return out, nil
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.sup == nil {
			// never started
			if err := a.runner.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := a.store.Close(); err != nil {
				errs = append(errs, err)
			}
			_ = a.logs.Close()
			return
		}
		notifyStopping(a.log)
		a.log.Info("stopping", logx.String("reason", reason))

		step := func(name string, limit time.Duration, fn func(context.Context) error) {
			if err := a.runStep(ctx, name, limit, fn); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}

		step("scheduler", 100*time.Millisecond, func(context.Context) error {
			a.runner.Stop()
			return nil
		})
		// Lets an in-flight pass finish its current sends before storage closes.
		step("reminder.runner", 10*time.Second, a.runner.Close)
		step("supervisor", 5*time.Second, a.sup.Stop)
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

		a.log.Info("stopped")
		_ = a.logs.Close()
	})
	return errors.Join(errs...)
}

func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return err
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return nil
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Bool("ok", err == nil))
		}()
		return stepCtx.Err()
	}
}

func joinSections(s []string) string { return strings.Join(s, ",") }
