package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
	"github.com/nimdanitro/airquality-agent/pkg/poll"
)

type fakeSocket int

func (f fakeSocket) Fd() int { return int(f) }

type fakeEngine struct {
	registered  []lwm2m.ObjectID
	sockets     func(call int) []poll.Socket
	timeToNext  func() (time.Duration, bool)
	socketCalls int
	schedRuns   int
	served      []int
	serveErr    error
	schedErr    error
	schedPanic  bool
}

func (e *fakeEngine) RegisterObject(obj *lwm2m.Object) error {
	e.registered = append(e.registered, obj.OID())
	return nil
}

func (e *fakeEngine) Sockets() []poll.Socket {
	e.socketCalls++
	if e.sockets == nil {
		return nil
	}
	return e.sockets(e.socketCalls)
}

func (e *fakeEngine) TimeToNext() (time.Duration, bool) {
	if e.timeToNext == nil {
		return 0, false
	}
	return e.timeToNext()
}

func (e *fakeEngine) Serve(s poll.Socket) error {
	e.served = append(e.served, s.Fd())
	return e.serveErr
}

func (e *fakeEngine) SchedRun() error {
	e.schedRuns++
	if e.schedPanic {
		panic("engine bug")
	}
	return e.schedErr
}

type fakePoller struct {
	registered map[int]poll.Socket
	history    [][]int
	waits      []time.Duration
	ready      func(call int) []poll.Socket
	onWait     func(call int)
	err        error
}

func newFakePoller() *fakePoller {
	return &fakePoller{registered: make(map[int]poll.Socket)}
}

func (p *fakePoller) Add(s poll.Socket) error {
	p.registered[s.Fd()] = s
	return nil
}

func (p *fakePoller) Remove(s poll.Socket) error {
	delete(p.registered, s.Fd())
	return nil
}

func (p *fakePoller) Registered() []poll.Socket {
	out := make([]poll.Socket, 0, len(p.registered))
	for _, s := range p.registered {
		out = append(out, s)
	}
	return out
}

func (p *fakePoller) Wait(timeout time.Duration) ([]poll.Socket, error) {
	p.waits = append(p.waits, timeout)
	fds := make([]int, 0, len(p.registered))
	for fd := range p.registered {
		fds = append(fds, fd)
	}
	p.history = append(p.history, fds)
	call := len(p.waits)
	if p.onWait != nil {
		p.onWait(call)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.ready == nil {
		return nil, nil
	}
	return p.ready(call), nil
}

func stopAfter(cancel context.CancelFunc, n int) func(int) {
	return func(call int) {
		if call >= n {
			cancel()
		}
	}
}

func TestIdleLoopStillRunsTimersAndReconciles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &fakeEngine{}
	p := newFakePoller()
	p.onWait = stopAfter(cancel, 3)

	rt := NewRuntime(eng, p, nil, WithLogger(zaptest.NewLogger(t)))
	if err := rt.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if eng.schedRuns < 3 {
		t.Errorf("SchedRun called %d times, want >= 3", eng.schedRuns)
	}
	if eng.socketCalls < 3 {
		t.Errorf("handle set reconciled %d times, want >= 3", eng.socketCalls)
	}
	for i, w := range p.waits {
		if w != time.Second {
			t.Errorf("wait[%d] = %v, want 1s", i, w)
		}
	}
}

func TestRegistersObjectsBeforeLooping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := &fakeEngine{}
	p := newFakePoller()
	p.onWait = stopAfter(cancel, 1)
	managers := []*Manager{
		Static(lwm2m.NewDevice("d")),
		Static(lwm2m.NewLocation(0, 0)),
		Refreshable(lwm2m.NewTemperature(), RefreshFunc(func(context.Context, *lwm2m.Object) error { return nil })),
	}

	if err := NewRuntime(eng, p, managers, WithLogger(zaptest.NewLogger(t))).Run(ctx); err != nil {
		t.Fatal(err)
	}
	want := []lwm2m.ObjectID{lwm2m.OIDDevice, lwm2m.OIDLocation, lwm2m.OIDTemperature}
	if len(eng.registered) != len(want) {
		t.Fatalf("registered = %v, want %v", eng.registered, want)
	}
	for i := range want {
		if eng.registered[i] != want[i] {
			t.Errorf("registered[%d] = %d, want %d", i, eng.registered[i], want[i])
		}
	}
}

func TestReconcileFollowsEngineSockets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	script := [][]poll.Socket{
		{fakeSocket(3)},
		{fakeSocket(3), fakeSocket(4)},
		{fakeSocket(4)},
		{},
	}
	eng := &fakeEngine{sockets: func(call int) []poll.Socket { return script[call-1] }}
	p := newFakePoller()
	p.onWait = stopAfter(cancel, len(script))

	if err := NewRuntime(eng, p, nil, WithLogger(zaptest.NewLogger(t))).Run(ctx); err != nil {
		t.Fatal(err)
	}

	for i, want := range script {
		got := map[int]bool{}
		for _, fd := range p.history[i] {
			got[fd] = true
		}
		if len(got) != len(want) {
			t.Errorf("iteration %d: registered %v, want %v", i, p.history[i], want)
			continue
		}
		for _, s := range want {
			if !got[s.Fd()] {
				t.Errorf("iteration %d: fd %d not registered", i, s.Fd())
			}
		}
	}
}

func TestBudgetAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	next := []struct {
		d  time.Duration
		ok bool
	}{
		{250 * time.Millisecond, true},
		{5 * time.Second, true},
		{-time.Millisecond, true},
		{0, false},
	}
	i := 0
	eng := &fakeEngine{
		sockets: func(int) []poll.Socket { return []poll.Socket{fakeSocket(7), fakeSocket(8)} },
		timeToNext: func() (time.Duration, bool) {
			n := next[i]
			i++
			return n.d, n.ok
		},
	}
	p := newFakePoller()
	p.onWait = stopAfter(cancel, len(next))
	p.ready = func(call int) []poll.Socket {
		if call == 2 {
			return []poll.Socket{fakeSocket(8)}
		}
		return nil
	}

	if err := NewRuntime(eng, p, nil, WithLogger(zaptest.NewLogger(t))).Run(ctx); err != nil {
		t.Fatal(err)
	}

	want := []time.Duration{250 * time.Millisecond, time.Second, -time.Millisecond, time.Second}
	for i := range want {
		if p.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, p.waits[i], want[i])
		}
	}
	if len(eng.served) != 1 || eng.served[0] != 8 {
		t.Errorf("served = %v, want [8]", eng.served)
	}
	if eng.schedRuns != len(next) {
		t.Errorf("SchedRun = %d, want %d", eng.schedRuns, len(next))
	}
}

func TestLoopFaults(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		engine *fakeEngine
		poller func() *fakePoller
	}{
		{
			name:   "poller error",
			engine: &fakeEngine{},
			poller: func() *fakePoller { p := newFakePoller(); p.err = boom; return p },
		},
		{
			name: "serve error",
			engine: &fakeEngine{
				sockets:  func(int) []poll.Socket { return []poll.Socket{fakeSocket(5)} },
				serveErr: boom,
			},
			poller: func() *fakePoller {
				p := newFakePoller()
				p.ready = func(int) []poll.Socket { return []poll.Socket{fakeSocket(5)} }
				return p
			},
		},
		{
			name:   "timer error",
			engine: &fakeEngine{schedErr: boom},
			poller: newFakePoller,
		},
		{
			name:   "engine panic",
			engine: &fakeEngine{schedPanic: true},
			poller: newFakePoller,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := NewRuntime(tt.engine, tt.poller(), nil, WithLogger(zaptest.NewLogger(t)))
			err := rt.Run(context.Background())
			if !errors.Is(err, ErrLoopFault) {
				t.Fatalf("Run error = %v, want ErrLoopFault", err)
			}
		})
	}
}

type pacedPoller struct {
	*poll.Poller
	calls  int
	waited []time.Duration
	cancel context.CancelFunc
	stopAt int
}

func (p *pacedPoller) Wait(timeout time.Duration) ([]poll.Socket, error) {
	start := time.Now()
	ready, err := p.Poller.Wait(timeout)
	p.waited = append(p.waited, time.Since(start))
	p.calls++
	if p.calls >= p.stopAt {
		p.cancel()
	}
	return ready, err
}

func udpSocketFd(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	raw, err := conn.SyscallConn()
	if err != nil {
		t.Fatal(err)
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		t.Fatal(err)
	}
	return fd
}

func TestIdleSocketBlocksForMaxWait(t *testing.T) {
	if testing.Short() {
		t.Skip("blocks for three seconds")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fd := udpSocketFd(t)
	eng := &fakeEngine{sockets: func(int) []poll.Socket { return []poll.Socket{fakeSocket(fd)} }}
	p := &pacedPoller{Poller: poll.New(), cancel: cancel, stopAt: 3}

	if err := NewRuntime(eng, p, nil, WithLogger(zaptest.NewLogger(t))).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(p.waited) != 3 {
		t.Fatalf("iterations = %d, want 3", len(p.waited))
	}
	for i, d := range p.waited {
		if d < 900*time.Millisecond || d > 2*time.Second {
			t.Errorf("iteration %d blocked %v, want about 1s", i, d)
		}
	}
	if eng.schedRuns != 3 || len(eng.served) != 0 {
		t.Errorf("SchedRun = %d, served = %v; want 3 and none", eng.schedRuns, eng.served)
	}
}
