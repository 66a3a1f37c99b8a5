// Package app assembles the process: config, logging, storage, the plan,
// the delivery engine, the chat UI and the tick triggers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"stridebot/internal/bot"
	"stridebot/internal/config"
	"stridebot/internal/engine"
	"stridebot/internal/httpapi"
	"stridebot/internal/program"
	"stridebot/internal/storage"
	"stridebot/internal/transport/telegram"
	"stridebot/internal/trigger"
	logx "stridebot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logSvc *logx.Service
	log    logx.Logger

	store   storage.Store
	plan    *program.Plan
	adapter *telegram.Adapter
	engine  *engine.Engine
	ui      *bot.Bot

	httpSrv *httpapi.Server
	cronTrg *trigger.Cron

	stop context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, logSvc: logSvc, log: log.With(logx.String("comp", "app"))}

	busy, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	cal := program.Calendar{
		PreStartDays:   cfg.Program.PreStartDays,
		ActiveDays:     cfg.Program.ActiveDays,
		HomeStretchDay: cfg.Program.HomeStretchDay,
	}
	// A bad plan is fatal: serving ticks with broken content risks
	// out-of-order delivery, so refuse to start instead.
	a.plan, err = program.LoadPlan(cfg.Program.PlanPath, cal)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", cfg.Program.PlanPath, err)
	}

	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.adapter, err = telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(a.store, a.plan, a.adapter, engCfg, log.With(logx.String("comp", "engine")))

	a.ui = bot.New(a.adapter.Bot(), a.store, a.engine, a.plan, bot.Config{
		CohortStartDate: cfg.Program.StartDate,
		DefaultTimezone: cfg.Program.DefaultTimezone,
	}, log.With(logx.String("comp", "bot")))

	if cfg.Trigger.HTTP.Enabled {
		a.httpSrv = httpapi.New(httpapi.Config{
			Addr:   cfg.Trigger.HTTP.Addr,
			Secret: cfg.Trigger.HTTP.Secret,
		}, a.engine, log.With(logx.String("comp", "httpapi")))
	}
	if cfg.Trigger.Internal.Enabled {
		every, err := config.Duration("trigger.internal.every", cfg.Trigger.Internal.Every, time.Minute)
		if err != nil {
			return nil, err
		}
		a.cronTrg, err = trigger.New(trigger.Config{Every: every}, a.engine, log.With(logx.String("comp", "trigger")))
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	stale, err := config.Duration("engine.pending_stale_after", cfg.Engine.PendingStaleAfter, 5*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	sendTO, err := config.Duration("engine.send_timeout", cfg.Engine.SendTimeout, 20*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	budget, err := config.Duration("engine.subscriber_budget", cfg.Engine.SubscriberBudget, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		PendingStaleAfter: stale,
		SendTimeout:       sendTO,
		SubscriberBudget:  budget,
		DefaultTimezone:   cfg.Program.DefaultTimezone,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.stop = context.WithCancel(ctx)

	a.adapter.Start(ctx)
	if a.httpSrv != nil {
		a.httpSrv.Start()
	}
	if a.cronTrg != nil {
		a.cronTrg.Start(ctx)
	}

	go func() {
		if err := a.cfgm.Watch(ctx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	go a.reloadLoop(ctx)
	go a.notifySystemd(ctx)

	a.log.Info("started",
		logx.Int("plan_items", a.plan.Len()),
		logx.Bool("http_trigger", a.httpSrv != nil),
		logx.Bool("internal_trigger", a.cronTrg != nil))
	return nil
}

// reloadLoop applies the runtime-tunable config sections on hot reload.
// Program/plan/storage settings need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	updates := a.cfgm.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			engCfg, err := engineConfig(cfg)
			if err != nil {
				a.log.Warn("reload skipped engine config", logx.Err(err))
				continue
			}
			a.engine.Apply(engCfg)
			a.log.Info("runtime config applied")
		}
	}
}

// notifySystemd signals readiness and feeds the watchdog when the process
// runs under systemd; it is a no-op everywhere else.
func (a *App) notifySystemd(ctx context.Context) {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd readiness notified")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.stop != nil {
		a.stop()
	}

	if a.cronTrg != nil {
		a.cronTrg.Stop()
	}
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", logx.Err(err))
		}
	}
	a.adapter.Stop()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}
