package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimdanitro/airquality-agent/pkg/poll"
)

// Runtime owns the object managers, the refresh scheduler and the
// readiness loop that services the protocol engine.
type Runtime struct {
	engine    Engine
	poller    Poller
	managers  []*Manager
	scheduler *Scheduler
	opts      options
}

func NewRuntime(engine Engine, poller Poller, managers []*Manager, opts ...Option) *Runtime {
	return &Runtime{
		engine:    engine,
		poller:    poller,
		managers:  managers,
		scheduler: NewScheduler(managers, opts...),
		opts:      newOptions(opts),
	}
}

// Run registers every object with the engine, starts the refresh
// scheduler and loops until ctx is done. Any engine or poller failure,
// or a panic inside the loop, ends Run with an error wrapping
// ErrLoopFault; there is no partial restart.
func (r *Runtime) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrLoopFault, p)
		}
	}()

	for _, m := range r.managers {
		if err := r.engine.RegisterObject(m.Object()); err != nil {
			return fmt.Errorf("%w: register object %d: %w", ErrLoopFault, m.Object().OID(), err)
		}
	}

	schedCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.scheduler.Run(schedCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	r.opts.log.Info("agent runtime started",
		zap.Int("objects", len(r.managers)),
		zap.Duration("refreshPeriod", r.opts.period),
		zap.Duration("maxWait", r.opts.maxWait),
	)

	for {
		select {
		case <-ctx.Done():
			r.opts.log.Info("agent runtime stopping")
			return nil
		default:
		}
		if err := r.iterate(); err != nil {
			return fmt.Errorf("%w: %w", ErrLoopFault, err)
		}
	}
}

func (r *Runtime) iterate() error {
	loopIterations.Inc()

	if err := r.reconcile(r.engine.Sockets()); err != nil {
		return err
	}

	ready, err := r.poller.Wait(r.budget())
	if err != nil {
		return err
	}
	for _, s := range ready {
		if err := r.engine.Serve(s); err != nil {
			return fmt.Errorf("serve socket %d: %w", s.Fd(), err)
		}
		servedSockets.Inc()
	}

	if err := r.engine.SchedRun(); err != nil {
		return fmt.Errorf("run engine timers: %w", err)
	}
	return nil
}

// reconcile makes the poller's registrations match the engine's sockets.
func (r *Runtime) reconcile(current []poll.Socket) error {
	want := make(map[int]struct{}, len(current))
	for _, s := range current {
		want[s.Fd()] = struct{}{}
	}

	have := make(map[int]struct{})
	for _, s := range r.poller.Registered() {
		if _, ok := want[s.Fd()]; ok {
			have[s.Fd()] = struct{}{}
			continue
		}
		if err := r.poller.Remove(s); err != nil {
			return fmt.Errorf("deregister socket %d: %w", s.Fd(), err)
		}
		r.opts.log.Debug("socket deregistered", zap.Int("fd", s.Fd()))
	}

	for _, s := range current {
		if _, ok := have[s.Fd()]; ok {
			continue
		}
		if err := r.poller.Add(s); err != nil {
			return fmt.Errorf("register socket %d: %w", s.Fd(), err)
		}
		have[s.Fd()] = struct{}{}
		r.opts.log.Debug("socket registered", zap.Int("fd", s.Fd()))
	}
	return nil
}

// budget is the engine's time to next job capped at maxWait. It may be
// zero or negative, which polls without blocking.
func (r *Runtime) budget() time.Duration {
	wait := r.opts.maxWait
	if d, ok := r.engine.TimeToNext(); ok && d < wait {
		wait = d
	}
	return wait
}
