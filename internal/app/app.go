// Package app assembles the daemon: config manager, storage, remote client,
// quota governor, publish runner, dispatcher, health supervisor, and
// notifier, all tied to one goroutine supervisor and one cron scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postforge/internal/config"
	"postforge/internal/dispatch"
	"postforge/internal/eventbus"
	"postforge/internal/health"
	"postforge/internal/notifier"
	"postforge/internal/publish"
	"postforge/internal/quota"
	"postforge/internal/remote"
	"postforge/internal/runtime/supervisor"
	"postforge/internal/storage"
	logx "postforge/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus    eventbus.Bus
	store  *storage.Store
	client *remote.HTTPClient
	gov    *quota.Governor
	runner *publish.Runner
	hs     *health.Supervisor
	disp   *dispatch.Service
	notif  *notifier.Service

	sup  *supervisor.Supervisor
	cron *cron.Cron

	// cron entry bookkeeping so cadence changes on reload reschedule in place.
	cronMu         sync.Mutex
	tickEntry      cron.EntryID
	healthEntry    cron.EntryID
	tickInterval   time.Duration
	healthInterval time.Duration
}

// New loads and validates the config, then builds every component. Nothing
// runs until Start.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	logSvc, log := logx.New(loggingSettings(cfg))
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}

	a.bus = eventbus.New()

	a.store, err = storage.Open(storageSettings(cfg), log.With(logx.String("component", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	a.client = remote.NewHTTPClient(remoteSettings(cfg), remote.CredentialFunc(a.accessToken),
		log.With(logx.String("component", "remote")))
	a.gov = quota.New(quotaLimits(cfg))
	a.runner = publish.NewRunner(a.store, a.client, a.gov, retryPolicy(cfg),
		log.With(logx.String("component", "publish")))
	a.hs = health.New(a.client, a.bus, healthSettings(cfg), a.accountSpecs,
		log.With(logx.String("component", "health")))
	a.disp = dispatch.New(a.store, a.runner, a.hs, a.bus, dispatchSettings(cfg), a.accountViews,
		log.With(logx.String("component", "dispatch")))

	sink, err := a.buildSink(cfg)
	if err != nil {
		// A broken notifier sink must not keep publishing down. Fall back to
		// log-only delivery.
		log.Error("notifier sink unavailable, using log-only mode", logx.Err(err))
		sink = nil
	}
	ratePerSec := 0
	if cfg.Notifier != nil {
		ratePerSec = cfg.Notifier.RatePerSec
	}
	a.notif = notifier.New(a.bus, sink, ratePerSec, log.With(logx.String("component", "notifier")))

	return a, nil
}

// Dispatch exposes the job operations surface (enqueue, cancel, retry, list).
func (a *App) Dispatch() *dispatch.Service { return a.disp }

// Health exposes the account health surface.
func (a *App) Health() *health.Supervisor { return a.hs }

// Logger returns the root logger.
func (a *App) Logger() logx.Logger { return a.log }

// Start recovers interrupted work, then brings up the watcher, the notifier,
// and the scheduled cycles. Returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))))
	runCtx := a.sup.Context()

	if err := a.disp.RecoverOnStart(runCtx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.GoRestart("notifier", a.notif.Run)
	a.sup.Go0("config.apply", a.applyLoop)

	// First probe cycle right away so the health gate is informed before the
	// second tick; the cron entry handles the cadence from then on.
	a.sup.Go0("health.initial", func(ctx context.Context) {
		if err := a.hs.ProbeCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("initial probe cycle failed", logx.Err(err))
		}
	})

	cfg := a.cfgMgr.Get()
	a.cron = cron.New()
	if err := a.schedule(runCtx, tickInterval(cfg), a.hs.Interval()); err != nil {
		return err
	}
	a.cron.Start()

	a.log.Info("postforge started",
		logx.Duration("tick", a.tickInterval),
		logx.Duration("health_interval", a.healthInterval),
		logx.Int("accounts", len(cfg.Accounts)),
	)
	return nil
}

// Stop shuts the scheduler and all goroutines down, then closes storage.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("postforge stopped")
	a.logSvc.Close()
	return err
}

// schedule (re)installs the two cron entries. Caller holds no locks.
func (a *App) schedule(ctx context.Context, tick, healthInterval time.Duration) error {
	a.cronMu.Lock()
	defer a.cronMu.Unlock()

	if a.tickEntry != 0 {
		a.cron.Remove(a.tickEntry)
	}
	if a.healthEntry != 0 {
		a.cron.Remove(a.healthEntry)
	}

	tickID, err := a.cron.AddFunc("@every "+tick.String(), func() {
		if err := a.disp.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("dispatch tick failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule dispatch tick: %w", err)
	}
	healthID, err := a.cron.AddFunc("@every "+healthInterval.String(), func() {
		if err := a.hs.ProbeCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("probe cycle failed", logx.Err(err))
		}
	})
	if err != nil {
		a.cron.Remove(tickID)
		return fmt.Errorf("schedule probe cycle: %w", err)
	}

	a.tickEntry = tickID
	a.healthEntry = healthID
	a.tickInterval = tick
	a.healthInterval = healthInterval
	return nil
}

// applyLoop pushes validated config updates into the running components.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.apply(ctx, cfg)
		}
	}
}

func (a *App) apply(ctx context.Context, cfg *config.Config) {
	a.logSvc.Apply(loggingSettings(cfg))
	a.gov.Apply(quotaLimits(cfg))
	a.runner.SetPolicy(retryPolicy(cfg))
	a.hs.Apply(healthSettings(cfg))
	a.disp.Apply(dispatchSettings(cfg))

	tick := tickInterval(cfg)
	healthInterval := a.hs.Interval()
	if tick != a.tickInterval || healthInterval != a.healthInterval {
		if err := a.schedule(ctx, tick, healthInterval); err != nil {
			a.log.Error("reschedule after reload failed", logx.Err(err))
		}
	}

	a.log.Info("config applied",
		logx.Duration("tick", tick),
		logx.Int("accounts", len(cfg.Accounts)),
	)
}

func (a *App) buildSink(cfg *config.Config) (notifier.Sink, error) {
	n := cfg.Notifier
	if n == nil || !n.Enabled || n.Telegram == nil {
		return nil, nil
	}
	return notifier.NewTelegramSink(n.Telegram.Token, n.Telegram.ChatID)
}

// accessToken reads the freshest credential for an account from the config
// snapshot. Token rotation is just a config edit away.
func (a *App) accessToken(accountID string) (string, error) {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return "", remote.ErrTokenMissing
	}
	for _, acct := range cfg.Accounts {
		if acct.ID == accountID {
			if acct.AccessToken == "" {
				return "", remote.ErrTokenMissing
			}
			return acct.AccessToken, nil
		}
	}
	return "", remote.ErrTokenMissing
}

func (a *App) accountSpecs() []health.AccountSpec {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return nil
	}
	specs := make([]health.AccountSpec, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		specs = append(specs, health.AccountSpec{
			ID:                  acct.ID,
			Enabled:             acct.Enabled,
			RequiredPermissions: acct.RequiredPermissions,
		})
	}
	return specs
}

func (a *App) accountViews() []dispatch.AccountView {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return nil
	}
	views := make([]dispatch.AccountView, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		views = append(views, dispatch.AccountView{ID: acct.ID, Enabled: acct.Enabled})
	}
	return views
}
