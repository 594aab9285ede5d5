package agent

import (
	"time"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
	"github.com/nimdanitro/airquality-agent/pkg/poll"
)

// Engine is the device-management protocol engine the runtime drives.
// All methods are called from the readiness loop goroutine only.
type Engine interface {
	// RegisterObject makes obj available to the management server.
	RegisterObject(obj *lwm2m.Object) error
	// Sockets returns the sockets the engine currently wants polled.
	Sockets() []poll.Socket
	// TimeToNext reports the delay until the engine's next internal job,
	// or false when nothing is scheduled.
	TimeToNext() (time.Duration, bool)
	// Serve handles one ready socket without blocking.
	Serve(s poll.Socket) error
	// SchedRun runs internal jobs that are due.
	SchedRun() error
}

// Poller is a readiness multiplexer; *poll.Poller implements it.
type Poller interface {
	Add(s poll.Socket) error
	Remove(s poll.Socket) error
	Registered() []poll.Socket
	Wait(timeout time.Duration) ([]poll.Socket, error)
}

var _ Poller = (*poll.Poller)(nil)
