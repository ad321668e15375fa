// Package notifier turns bus events that need operator attention (health
// transitions, terminal publish failures) into notifications. Everything is
// logged; Telegram delivery is optional and rate limited so an unhealthy
// account cannot flood a chat.
package notifier

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"postforge/internal/dispatch"
	"postforge/internal/eventbus"
	"postforge/internal/health"
	logx "postforge/pkg/logx"
)

// Sink delivers one rendered notification.
type Sink interface {
	Send(ctx context.Context, text string) error
}

// Service consumes bus events and fans them out to the sink.
type Service struct {
	bus  eventbus.Bus
	sink Sink
	lim  *rate.Limiter
	log  logx.Logger
}

// New builds the notifier. sink may be nil (log-only mode).
func New(bus eventbus.Bus, sink Sink, ratePerSec int, log logx.Logger) *Service {
	if ratePerSec <= 0 {
		ratePerSec = 3
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		bus:  bus,
		sink: sink,
		lim:  rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:  log,
	}
}

// Run consumes events until ctx is done. Intended for supervisor.GoRestart.
func (s *Service) Run(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	var text string
	switch ev.Type {
	case eventbus.TypeHealthTransition:
		tr, ok := ev.Data.(health.TransitionEvent)
		if !ok {
			return
		}
		text = formatTransition(tr)
		s.log.Warn("health transition",
			logx.String("account", tr.AccountID),
			logx.String("from", string(tr.From)),
			logx.String("to", string(tr.To)),
		)
	case eventbus.TypeJobFailed:
		je, ok := ev.Data.(dispatch.JobEvent)
		if !ok {
			return
		}
		text = formatFailure(je)
		s.log.Warn("job failed",
			logx.String("job", je.JobID),
			logx.String("account", je.AccountID),
			logx.String("err_kind", je.ErrKind),
		)
	default:
		return
	}

	if s.sink == nil {
		return
	}
	if !s.lim.Allow() {
		s.log.Debug("notification dropped, rate limited")
		return
	}
	if err := s.sink.Send(ctx, text); err != nil {
		s.log.Error("notification delivery failed", logx.Err(err))
	}
}

func formatTransition(tr health.TransitionEvent) string {
	msg := fmt.Sprintf("account %s: %s -> %s", tr.AccountID, tr.From, tr.To)
	if tr.Detail != "" {
		msg += "\n" + tr.Detail
	}
	return msg
}

func formatFailure(je dispatch.JobEvent) string {
	return fmt.Sprintf("job %s (%s on %s) failed after %d attempts\n%s: %s",
		je.JobID, je.Kind, je.AccountID, je.Attempts, je.ErrKind, je.ErrMsg)
}
