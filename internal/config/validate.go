package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field invariants that the strict decoder can't express.
// It is used both at startup and as the hot-reload validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(cfg.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}

	for _, field := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.retention", cfg.Storage.Retention},
		{"remote.request_timeout", cfg.Remote.RequestTimeout},
		{"publisher.tick", cfg.Publisher.Tick},
		{"publisher.retry_base", cfg.Publisher.RetryBase},
		{"publisher.retry_max_delay", cfg.Publisher.RetryMaxDelay},
		{"publisher.defer_delay", cfg.Publisher.DeferDelay},
		{"health.interval", cfg.Health.Interval},
		{"health.stagger", cfg.Health.Stagger},
		{"health.probe_timeout", cfg.Health.ProbeTimeout},
		{"health.latency_warn", cfg.Health.LatencyWarn},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}

	for i, qc := range cfg.Quota.Categories {
		if strings.TrimSpace(qc.Name) == "" {
			return fmt.Errorf("quota.categories[%d].name is required", i)
		}
		switch strings.ToLower(strings.TrimSpace(qc.Scope)) {
		case "", "global", "account":
		default:
			return fmt.Errorf("quota.categories[%d].scope must be \"global\" or \"account\"", i)
		}
		if qc.Ceiling < 0 {
			return fmt.Errorf("quota.categories[%d].ceiling must be >= 0", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("quota.categories[%d].window", i), qc.Window); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(cfg.Accounts))
	for i, acc := range cfg.Accounts {
		id := strings.TrimSpace(acc.ID)
		if id == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("accounts[%d]: duplicate account id %q", i, id)
		}
		seen[id] = struct{}{}
		if acc.Enabled && strings.TrimSpace(acc.AccessToken) == "" {
			return fmt.Errorf("accounts[%d] (%s): access_token is required for enabled accounts", i, id)
		}
	}

	if cfg.Notifier != nil && cfg.Notifier.Enabled && cfg.Notifier.Telegram != nil {
		if strings.TrimSpace(cfg.Notifier.Telegram.Token) == "" {
			return fmt.Errorf("notifier.telegram.token is required when telegram notifier is set")
		}
		if cfg.Notifier.Telegram.ChatID == 0 {
			return fmt.Errorf("notifier.telegram.chat_id is required when telegram notifier is set")
		}
	}

	return nil
}
