// Package health tracks per-account operational state.
//
// One probe cycle walks the managed accounts with a stagger between probes so
// a cycle never bursts the remote API. Each probe verifies the credential,
// the granted permissions, and the probe round-trip latency; the aggregate of
// those checks is the account state the dispatcher gates on.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postforge/internal/eventbus"
	"postforge/internal/remote"
	logx "postforge/pkg/logx"
)

// State is the aggregate health of one account.
type State string

const (
	// StateUnknown: not probed yet, or the last probe never reached a
	// verdict. Does not block dispatch.
	StateUnknown State = "unknown"
	// StateHealthy: every check passed.
	StateHealthy State = "healthy"
	// StateWarning: only non-critical checks degraded (latency). Dispatch
	// proceeds.
	StateWarning State = "warning"
	// StateCritical: a critical check failed (credential, permissions).
	// Dispatch defers the account's jobs.
	StateCritical State = "critical"
)

// Check is one probe dimension with its own verdict.
type Check struct {
	Name   string
	State  State
	Detail string
}

// Record is the latest probe result for an account.
type Record struct {
	AccountID string
	State     State
	Checks    []Check
	Latency   time.Duration
	Username  string
	ProbedAt  time.Time
}

// TransitionEvent is the bus payload for a state change.
type TransitionEvent struct {
	AccountID string
	From      State
	To        State
	Detail    string
	At        time.Time
}

// AccountSpec is the probe target view of a configured account.
type AccountSpec struct {
	ID                  string
	Enabled             bool
	RequiredPermissions []string
}

// Config for the probe cycle.
type Config struct {
	Interval     time.Duration
	Stagger      time.Duration
	ProbeTimeout time.Duration
	LatencyWarn  time.Duration
}

func (c Config) normalized() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.Stagger <= 0 {
		c.Stagger = 45 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 20 * time.Second
	}
	if c.LatencyWarn <= 0 {
		c.LatencyWarn = 2 * time.Second
	}
	return c
}

// Supervisor probes accounts and exposes the dispatch gate.
type Supervisor struct {
	client   remote.Client
	bus      eventbus.Bus
	accounts func() []AccountSpec
	log      logx.Logger

	mu      sync.RWMutex
	cfg     Config
	records map[string]*Record

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the supervisor. accounts supplies the current config snapshot on
// every cycle, so account changes apply without restarts.
func New(client remote.Client, bus eventbus.Bus, cfg Config, accounts func() []AccountSpec, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		client:   client,
		bus:      bus,
		accounts: accounts,
		log:      log,
		cfg:      cfg.normalized(),
		records:  make(map[string]*Record),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Apply swaps probe timings (config reload).
func (s *Supervisor) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.normalized()
	s.mu.Unlock()
}

func (s *Supervisor) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Interval returns the configured cycle cadence.
func (s *Supervisor) Interval() time.Duration { return s.config().Interval }

// Gate reports whether jobs for the account may be dispatched. Only critical
// blocks; unknown and warning let work through.
func (s *Supervisor) Gate(accountID string) (State, bool) {
	st := s.StateOf(accountID)
	return st, st != StateCritical
}

// StateOf returns the current aggregate state for an account.
func (s *Supervisor) StateOf(accountID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[accountID]; ok {
		return rec.State
	}
	return StateUnknown
}

// Snapshot returns a copy of all current records, sorted by account id.
func (s *Supervisor) Snapshot() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// ProbeCycle probes every enabled account once, with the configured stagger
// between probes. Intended to run on the scheduler cadence.
func (s *Supervisor) ProbeCycle(ctx context.Context) error {
	cfg := s.config()
	specs := s.accounts()

	first := true
	for _, spec := range specs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !spec.Enabled {
			s.drop(spec.ID)
			continue
		}
		if !first {
			if err := s.sleep(ctx, cfg.Stagger); err != nil {
				return err
			}
		}
		first = false
		s.probe(ctx, cfg, spec)
	}

	// Forget accounts that left the config.
	s.pruneUnknown(specs)
	return nil
}

// ProbeNow probes one account immediately, outside the cycle cadence.
func (s *Supervisor) ProbeNow(ctx context.Context, accountID string) (Record, error) {
	for _, spec := range s.accounts() {
		if spec.ID == accountID {
			if !spec.Enabled {
				return Record{}, fmt.Errorf("account %s is disabled", accountID)
			}
			s.probe(ctx, s.config(), spec)
			s.mu.RLock()
			defer s.mu.RUnlock()
			if rec := s.records[accountID]; rec != nil {
				return *rec, nil
			}
			return Record{}, fmt.Errorf("account %s: probe produced no record", accountID)
		}
	}
	return Record{}, fmt.Errorf("account %s is not configured", accountID)
}

func (s *Supervisor) probe(ctx context.Context, cfg Config, spec AccountSpec) {
	pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	start := s.now()
	info, err := s.client.VerifyCredentials(pctx, spec.ID)
	latency := s.now().Sub(start)

	rec := &Record{AccountID: spec.ID, Latency: latency, ProbedAt: s.now()}

	if err != nil {
		switch remote.KindOf(err) {
		case remote.KindRateLimited:
			// A throttled probe says nothing about the account. Keep the
			// previous verdict instead of flapping.
			s.log.Debug("probe throttled", logx.String("account", spec.ID))
			return
		case remote.KindCredentialInvalid:
			rec.Checks = append(rec.Checks, Check{Name: "credential", State: StateCritical, Detail: err.Error()})
		default:
			// The probe never reached a verdict (network failure, timeout).
			// That is not evidence against the account, so it goes to
			// unknown and the gate stays open.
			rec.Checks = append(rec.Checks, Check{Name: "connectivity", State: StateUnknown, Detail: err.Error()})
		}
		s.commit(rec)
		return
	}

	rec.Username = info.Username
	rec.Checks = append(rec.Checks, Check{Name: "credential", State: StateHealthy})

	if missing := missingPermissions(spec.RequiredPermissions, info.Permissions); len(missing) > 0 {
		rec.Checks = append(rec.Checks, Check{
			Name:   "permissions",
			State:  StateCritical,
			Detail: "missing: " + strings.Join(missing, ", "),
		})
	} else {
		rec.Checks = append(rec.Checks, Check{Name: "permissions", State: StateHealthy})
	}

	lat := Check{Name: "latency", State: StateHealthy}
	if latency > cfg.LatencyWarn {
		lat.State = StateWarning
		lat.Detail = fmt.Sprintf("probe took %s (warn above %s)", latency.Round(time.Millisecond), cfg.LatencyWarn)
	}
	rec.Checks = append(rec.Checks, lat)

	s.commit(rec)
}

// commit aggregates the checks, stores the record, and emits a transition
// event when the aggregate changed.
func (s *Supervisor) commit(rec *Record) {
	rec.State = aggregate(rec.Checks)

	s.mu.Lock()
	prev := StateUnknown
	if old := s.records[rec.AccountID]; old != nil {
		prev = old.State
	}
	s.records[rec.AccountID] = rec
	s.mu.Unlock()

	if prev == rec.State {
		return
	}

	detail := ""
	for _, c := range rec.Checks {
		if c.State == rec.State && c.Detail != "" {
			detail = c.Name + ": " + c.Detail
			break
		}
	}
	s.log.Info("account health transition",
		logx.String("account", rec.AccountID),
		logx.String("from", string(prev)),
		logx.String("to", string(rec.State)),
		logx.String("detail", detail),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeHealthTransition,
			Data: TransitionEvent{
				AccountID: rec.AccountID,
				From:      prev,
				To:        rec.State,
				Detail:    detail,
				At:        rec.ProbedAt,
			},
		})
	}
}

func (s *Supervisor) drop(accountID string) {
	s.mu.Lock()
	delete(s.records, accountID)
	s.mu.Unlock()
}

func (s *Supervisor) pruneUnknown(specs []AccountSpec) {
	keep := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Enabled {
			keep[spec.ID] = struct{}{}
		}
	}
	s.mu.Lock()
	for id := range s.records {
		if _, ok := keep[id]; !ok {
			delete(s.records, id)
		}
	}
	s.mu.Unlock()
}

// aggregate: worst check wins, ordered critical > unknown > warning.
func aggregate(checks []Check) State {
	state := StateHealthy
	for _, c := range checks {
		switch c.State {
		case StateCritical:
			return StateCritical
		case StateUnknown:
			state = StateUnknown
		case StateWarning:
			if state != StateUnknown {
				state = StateWarning
			}
		}
	}
	return state
}

func missingPermissions(required, granted []string) []string {
	if len(required) == 0 {
		required = []string{"content_publish"}
	}
	have := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		have[strings.ToLower(g)] = struct{}{}
	}
	var missing []string
	for _, req := range required {
		if _, ok := have[strings.ToLower(req)]; !ok {
			missing = append(missing, req)
		}
	}
	return missing
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
