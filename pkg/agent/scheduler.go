package agent

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Scheduler refreshes managers periodically on a single goroutine.
type Scheduler struct {
	managers []*Manager
	opts     options
}

func NewScheduler(managers []*Manager, opts ...Option) *Scheduler {
	return &Scheduler{managers: managers, opts: newOptions(opts)}
}

// Run refreshes all managers immediately and then once per period until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.period)
	defer ticker.Stop()

	s.RefreshAll(ctx)
	for {
		select {
		case <-ticker.C:
			s.RefreshAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RefreshAll refreshes every manager in order. A failing manager is
// logged and counted; it does not affect the others.
func (s *Scheduler) RefreshAll(ctx context.Context) {
	for _, m := range s.managers {
		if m.Mode() != ModeRefreshable {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.refresh(ctx, m); err != nil {
			oid := m.Object().OID()
			refreshFaults.WithLabelValues(strconv.Itoa(int(oid))).Inc()
			s.opts.log.Error("exception during updating object",
				zap.Uint16("oid", uint16(oid)),
				zap.String("object", m.Object().Name()),
				zap.Error(err),
			)
			continue
		}
		for _, observe := range s.opts.observers {
			observe(m.Object())
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context, m *Manager) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRefreshFault, p)
		}
	}()
	if err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFault, err)
	}
	return nil
}
