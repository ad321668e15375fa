package app

import (
	"time"

	"postforge/internal/config"
	"postforge/internal/dispatch"
	"postforge/internal/health"
	"postforge/internal/publish"
	"postforge/internal/quota"
	"postforge/internal/remote"
	"postforge/internal/storage"
	logx "postforge/pkg/logx"
)

// Mapping from the validated config tree to per-component settings. Duration
// fields were already checked by config.Validate, so parse errors here fall
// back to the documented defaults.

func loggingSettings(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageSettings(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}
}

func remoteSettings(cfg *config.Config) remote.Config {
	timeout, _ := config.ParseDurationOrDefault("remote.request_timeout", cfg.Remote.RequestTimeout, 30*time.Second)
	return remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: timeout,
		RatePerSec:     cfg.Remote.RatePerSec,
	}
}

func retryPolicy(cfg *config.Config) publish.Policy {
	def := publish.DefaultPolicy()
	base, _ := config.ParseDurationOrDefault("publisher.retry_base", cfg.Publisher.RetryBase, def.RetryBase)
	maxDelay, _ := config.ParseDurationOrDefault("publisher.retry_max_delay", cfg.Publisher.RetryMaxDelay, def.RetryMaxDelay)
	return publish.Policy{
		AttemptMax:    cfg.Publisher.AttemptMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
}

func dispatchSettings(cfg *config.Config) dispatch.Settings {
	deferDelay, _ := config.ParseDurationOrDefault("publisher.defer_delay", cfg.Publisher.DeferDelay, 5*time.Minute)
	retention, _ := config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, 7*24*time.Hour)
	return dispatch.Settings{
		Workers:    cfg.Publisher.Workers,
		DeferDelay: deferDelay,
		Retention:  retention,
	}
}

func tickInterval(cfg *config.Config) time.Duration {
	tick, _ := config.ParseDurationOrDefault("publisher.tick", cfg.Publisher.Tick, 90*time.Second)
	return tick
}

func healthSettings(cfg *config.Config) health.Config {
	interval, _ := config.ParseDurationOrDefault("health.interval", cfg.Health.Interval, 10*time.Minute)
	stagger, _ := config.ParseDurationOrDefault("health.stagger", cfg.Health.Stagger, 45*time.Second)
	probeTimeout, _ := config.ParseDurationOrDefault("health.probe_timeout", cfg.Health.ProbeTimeout, 20*time.Second)
	latencyWarn, _ := config.ParseDurationOrDefault("health.latency_warn", cfg.Health.LatencyWarn, 2*time.Second)
	return health.Config{
		Interval:     interval,
		Stagger:      stagger,
		ProbeTimeout: probeTimeout,
		LatencyWarn:  latencyWarn,
	}
}

func quotaLimits(cfg *config.Config) map[string]quota.Limit {
	limits := quota.DefaultLimits()
	for _, cat := range cfg.Quota.Categories {
		scope := quota.ScopePerAccount
		if cat.Scope == "global" {
			scope = quota.ScopeGlobal
		}
		window, _ := config.ParseDurationOrDefault("quota.window", cat.Window, time.Hour)
		ceiling := cat.Ceiling
		if ceiling <= 0 {
			ceiling = 200
		}
		limits[cat.Name] = quota.Limit{Scope: scope, Window: window, Ceiling: ceiling}
	}
	return limits
}
