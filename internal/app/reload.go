package app

import (
	"context"
	"reflect"

	"cartwatch/internal/alerts/telegram"
	"cartwatch/internal/config"
	"cartwatch/internal/eventbus"
	logx "cartwatch/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-sub:
			if !ok {
				return nil
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(last, next)
			last = next
		}
	}
}

// applyConfig pushes next into the live components. The manager has already
// validated it, so a resolve failure here means the config changed on disk
// between validation and apply; the previous settings stay.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, fields := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	r, err := resolve(next)
	if err != nil {
		a.log.Warn("config reload could not be applied; keeping previous", logx.Err(err))
		return
	}

	a.applyAlerts(r.alerts)
	a.logs.Apply(r.logging)

	if err := a.policy.Apply(r.ladder, r.minGap); err != nil {
		a.log.Warn("invalid reminder ladder; keeping previous", logx.Err(err))
	}
	a.detector.Apply(r.detector)
	a.mailer.Apply(r.mail)
	a.dispatcher.Apply(r.tpl, r.mail.RecoveryURL)
	a.runner.Apply(r.runner)

	if prev.Mail.Driver != next.Mail.Driver || !reflect.DeepEqual(prev.Mail.HTTP, next.Mail.HTTP) || !reflect.DeepEqual(prev.Mail.SMTP, next.Mail.SMTP) {
		a.log.Warn("mail provider settings changed; restart required for them to take effect")
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", joinSections(restart)))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", joinSections(sections))}, fields...)...)
}

// applyAlerts swaps the Telegram alert sender when its target changed.
func (a *App) applyAlerts(next *telegram.Config) {
	a.mu.Lock()
	same := reflect.DeepEqual(a.alertConf, next)
	a.mu.Unlock()
	if same {
		return
	}
	if next == nil {
		a.logs.SetAlertSender(nil)
	} else {
		s, err := telegram.New(*next)
		if err != nil {
			a.log.Warn("telegram alerts not reconfigured", logx.Err(err))
			return
		}
		a.logs.SetAlertSender(s)
	}
	a.mu.Lock()
	a.alertConf = next
	a.mu.Unlock()
}
