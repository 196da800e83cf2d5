package app

import (
	"context"
	"time"

	"digestbot/internal/runtime/supervisor"
	logx "digestbot/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

// startNotify reports readiness to systemd and, when the unit sets
// WatchdogSec, pings the watchdog at half the interval. Outside systemd both
// are no-ops.
func startNotify(sup *supervisor.Supervisor, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case err != nil:
		log.Warn("sd_notify ready failed", logx.Err(err))
	case sent:
		log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warn("watchdog ping failed", logx.Err(err))
				}
			}
		}
	})
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Debug("sd_notify stopping failed", logx.Err(err))
	}
}
