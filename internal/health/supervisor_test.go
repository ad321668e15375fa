package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"postforge/internal/eventbus"
	"postforge/internal/remote"
	logx "postforge/pkg/logx"
)

// probeClient scripts VerifyCredentials per account.
type probeClient struct {
	mu    sync.Mutex
	infos map[string]remote.TokenInfo
	errs  map[string]error
}

func (p *probeClient) set(accountID string, info remote.TokenInfo, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.infos == nil {
		p.infos = map[string]remote.TokenInfo{}
		p.errs = map[string]error{}
	}
	p.infos[accountID] = info
	p.errs[accountID] = err
}

func (p *probeClient) VerifyCredentials(_ context.Context, accountID string) (remote.TokenInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[accountID]; err != nil {
		return remote.TokenInfo{}, err
	}
	return p.infos[accountID], nil
}

func (p *probeClient) CreateContainer(context.Context, remote.CreateRequest) (string, error) {
	return "", remote.Errorf(remote.KindNetworkFailure, "not implemented")
}
func (p *probeClient) ContainerStatus(context.Context, string, string) (remote.ContainerStatus, error) {
	return "", remote.Errorf(remote.KindNetworkFailure, "not implemented")
}
func (p *probeClient) PublishContainer(context.Context, string, string) (string, error) {
	return "", remote.Errorf(remote.KindNetworkFailure, "not implemented")
}

func staticAccounts(specs ...AccountSpec) func() []AccountSpec {
	return func() []AccountSpec { return specs }
}

func newTestSupervisor(client remote.Client, bus eventbus.Bus, accounts func() []AccountSpec) *Supervisor {
	s := New(client, bus, Config{Stagger: time.Nanosecond}, accounts, logx.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func granted(perms ...string) remote.TokenInfo {
	return remote.TokenInfo{Valid: true, Username: "tester", Permissions: perms}
}

func TestProbeCycleHealthyAccount(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{ID: "a", Enabled: true}))

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if st := s.StateOf("a"); st != StateHealthy {
		t.Fatalf("state = %s, want healthy", st)
	}
	if _, ok := s.Gate("a"); !ok {
		t.Fatal("healthy account gated")
	}
}

func TestUnknownDoesNotBlockDispatch(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(&probeClient{}, nil, staticAccounts())
	st, ok := s.Gate("never-probed")
	if st != StateUnknown || !ok {
		t.Fatalf("gate = %s/%v, want unknown and open", st, ok)
	}
}

func TestCredentialFailureIsCritical(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", remote.TokenInfo{}, remote.Errorf(remote.KindCredentialInvalid, "token expired"))
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{ID: "a", Enabled: true}))

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	st, ok := s.Gate("a")
	if st != StateCritical || ok {
		t.Fatalf("gate = %s/%v, want critical and closed", st, ok)
	}
}

func TestIncompleteProbeIsUnknown(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", remote.TokenInfo{}, remote.Errorf(remote.KindNetworkFailure, "dial tcp: connection refused"))
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{ID: "a", Enabled: true}))

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	st, ok := s.Gate("a")
	if st != StateUnknown || !ok {
		t.Fatalf("gate = %s/%v, want unknown and open", st, ok)
	}
}

func TestHealthyAccountDegradesToUnknownOnProbeFailure(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestSupervisor(client, bus, staticAccounts(AccountSpec{ID: "a", Enabled: true}))
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	<-ch // unknown -> healthy

	client.set("a", remote.TokenInfo{}, remote.Errorf(remote.KindNetworkFailure, "probe timed out"))
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	tr := (<-ch).Data.(TransitionEvent)
	if tr.From != StateHealthy || tr.To != StateUnknown {
		t.Fatalf("transition %s -> %s, want healthy -> unknown", tr.From, tr.To)
	}
	if _, ok := s.Gate("a"); !ok {
		t.Fatal("unknown account gated")
	}
}

func TestMissingPermissionIsCritical(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("some_other_scope"), nil)
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{
		ID: "a", Enabled: true, RequiredPermissions: []string{"content_publish"},
	}))

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if st := s.StateOf("a"); st != StateCritical {
		t.Fatalf("state = %s, want critical", st)
	}
}

func TestSlowProbeIsOnlyWarning(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{ID: "a", Enabled: true}))

	// Make every probe appear to take 5s against a 2s warn threshold.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	s.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 5 * time.Second)
	}

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	st, ok := s.Gate("a")
	if st != StateWarning {
		t.Fatalf("state = %s, want warning", st)
	}
	if !ok {
		t.Fatal("warning must not gate dispatch")
	}
}

func TestThrottledProbeKeepsPreviousVerdict(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)
	s := newTestSupervisor(client, nil, staticAccounts(AccountSpec{ID: "a", Enabled: true}))

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	client.set("a", remote.TokenInfo{}, remote.RateLimited(time.Minute, "throttled"))
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}

	if st := s.StateOf("a"); st != StateHealthy {
		t.Fatalf("state flapped to %s on a throttled probe, want healthy", st)
	}
}

func TestTransitionEmitsBusEvent(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestSupervisor(client, bus, staticAccounts(AccountSpec{ID: "a", Enabled: true}))
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}

	// unknown -> healthy
	ev := <-ch
	tr, ok := ev.Data.(TransitionEvent)
	if ev.Type != eventbus.TypeHealthTransition || !ok {
		t.Fatalf("unexpected event %+v", ev)
	}
	if tr.From != StateUnknown || tr.To != StateHealthy {
		t.Fatalf("transition %s -> %s, want unknown -> healthy", tr.From, tr.To)
	}

	// healthy -> critical
	client.set("a", remote.TokenInfo{}, remote.Errorf(remote.KindCredentialInvalid, "revoked"))
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	ev = <-ch
	tr = ev.Data.(TransitionEvent)
	if tr.From != StateHealthy || tr.To != StateCritical {
		t.Fatalf("transition %s -> %s, want healthy -> critical", tr.From, tr.To)
	}

	// Stable state emits nothing.
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on stable state: %+v", ev)
	default:
	}
}

func TestDisabledAccountIsForgotten(t *testing.T) {
	t.Parallel()
	client := &probeClient{}
	client.set("a", granted("content_publish"), nil)

	specs := []AccountSpec{{ID: "a", Enabled: true}}
	var mu sync.Mutex
	s := newTestSupervisor(client, nil, func() []AccountSpec {
		mu.Lock()
		defer mu.Unlock()
		return specs
	})

	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if st := s.StateOf("a"); st != StateHealthy {
		t.Fatalf("state = %s, want healthy", st)
	}

	mu.Lock()
	specs = []AccountSpec{{ID: "a", Enabled: false}}
	mu.Unlock()
	if err := s.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if st := s.StateOf("a"); st != StateUnknown {
		t.Fatalf("state = %s after disable, want unknown", st)
	}
}

func TestProbeNowUnknownAccount(t *testing.T) {
	t.Parallel()
	s := newTestSupervisor(&probeClient{}, nil, staticAccounts())
	if _, err := s.ProbeNow(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unconfigured account")
	}
}

func TestAggregateWorstCheckWins(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		checks []Check
		want   State
	}{
		{"all healthy", []Check{{State: StateHealthy}, {State: StateHealthy}}, StateHealthy},
		{"one warning", []Check{{State: StateHealthy}, {State: StateWarning}}, StateWarning},
		{"critical beats warning", []Check{{State: StateWarning}, {State: StateCritical}}, StateCritical},
		{"unknown beats warning", []Check{{State: StateWarning}, {State: StateUnknown}}, StateUnknown},
		{"critical beats unknown", []Check{{State: StateUnknown}, {State: StateCritical}}, StateCritical},
		{"empty", nil, StateHealthy},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := aggregate(tt.checks); got != tt.want {
				t.Fatalf("aggregate = %s, want %s", got, tt.want)
			}
		})
	}
}
