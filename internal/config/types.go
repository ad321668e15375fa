package config

// Config is the full daemon configuration.
//
// Files may be JSON or YAML; both are decoded strictly (unknown keys are
// rejected) so typos surface at load/reload time instead of silently
// disabling features. All durations are Go duration strings ("90s", "10m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Remote    RemoteConfig    `json:"remote"`
	Publisher PublisherConfig `json:"publisher"`
	Quota     QuotaConfig     `json:"quota,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`

	// Accounts is the set of managed accounts. Components take an immutable
	// snapshot per cycle; adding or removing accounts is a config change.
	Accounts []AccountConfig `json:"accounts"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the durable job store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// Retention is how long terminal jobs (published/failed/cancelled) are
	// kept before being pruned. Default: "168h" (7 days).
	Retention string `json:"retention,omitempty"`
}

// RemoteConfig controls the remote platform API client.
type RemoteConfig struct {
	BaseURL string `json:"base_url"`

	// RequestTimeout bounds a single HTTP call. This is distinct from the
	// per-kind processing timeouts in publisher settings.
	RequestTimeout string `json:"request_timeout,omitempty"` // default "30s"

	// RatePerSec smooths outgoing requests on top of the quota ledger.
	RatePerSec int `json:"rate_per_sec,omitempty"` // default 5
}

// PublisherConfig controls the dispatch cycle and retry policy.
//
// Defaults (when fields are omitted/zero):
//   - tick: "90s"
//   - workers: 4
//   - attempt_max: 5
//   - retry_base: "30s"
//   - retry_max_delay: "30m"
//   - defer_delay: "5m" (health-gated jobs are pushed forward by this)
type PublisherConfig struct {
	Tick          string `json:"tick,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	AttemptMax    int    `json:"attempt_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DeferDelay    string `json:"defer_delay,omitempty"`
}

// QuotaConfig configures the sliding-window call ledger.
//
// Scope is "global" or "account". Per the platform's posture, creates and
// publishes count against per-account budgets while reads share a global one.
type QuotaConfig struct {
	Categories []QuotaCategoryConfig `json:"categories,omitempty"`
}

type QuotaCategoryConfig struct {
	Name    string `json:"name"`
	Scope   string `json:"scope,omitempty"`   // "global" | "account" (default "account")
	Window  string `json:"window,omitempty"`  // default "1h"
	Ceiling int    `json:"ceiling,omitempty"` // default 200
}

// HealthConfig controls the account health probe cycle.
type HealthConfig struct {
	// Interval between probe cycles. Default "10m".
	Interval string `json:"interval,omitempty"`
	// Stagger between accounts within one cycle so probes don't burst the
	// remote API. Default "45s".
	Stagger string `json:"stagger,omitempty"`
	// ProbeTimeout bounds a single account probe. Default "20s".
	ProbeTimeout string `json:"probe_timeout,omitempty"`
	// LatencyWarn marks connectivity as degraded above this round-trip time.
	// Default "2s".
	LatencyWarn string `json:"latency_warn,omitempty"`
}

// NotifierConfig controls where health transitions and terminal publish
// failures are reported. Logging always happens; Telegram is optional.
type NotifierConfig struct {
	Enabled    bool              `json:"enabled"`
	RatePerSec int               `json:"rate_per_sec,omitempty"` // default 3
	Telegram   *NotifierTelegram `json:"telegram,omitempty"`
}

type NotifierTelegram struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// AccountConfig describes one managed account.
//
// AccessToken is read per call and never persisted by the orchestrator;
// rotation happens by rewriting the config file (hot reload picks it up).
type AccountConfig struct {
	ID          string   `json:"id"`
	Enabled     bool     `json:"enabled"`
	AccessToken string   `json:"access_token"`
	// Permissions the platform app must hold for this account.
	// Default: ["content_publish"].
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}
