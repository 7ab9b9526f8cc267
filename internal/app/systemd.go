package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cartwatch/internal/runtime/supervisor"
	logx "cartwatch/pkg/logx"
)

// notifyReady tells systemd (Type=notify) that boot finished. Outside
// systemd it is a no-op.
func notifyReady(log logx.Logger) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify READY sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}
}

// startWatchdog pings systemd at half the configured WatchdogSec when the
// unit enables it.
func startWatchdog(sup *supervisor.Supervisor, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	interval := every / 2
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	sup.Go("systemd.watchdog", func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}
