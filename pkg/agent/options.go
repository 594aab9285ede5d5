package agent

import (
	"time"

	"go.uber.org/zap"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
)

const (
	DefaultRefreshPeriod = time.Second
	DefaultMaxWait       = time.Second
)

// Observer is notified with an object after it refreshed successfully.
// It runs on the scheduler goroutine and must not block.
type Observer func(obj *lwm2m.Object)

type options struct {
	log       *zap.Logger
	period    time.Duration
	maxWait   time.Duration
	observers []Observer
}

type Option func(o *options)

func newOptions(opts []Option) options {
	o := options{
		log:     zap.L(),
		period:  DefaultRefreshPeriod,
		maxWait: DefaultMaxWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRefreshPeriod sets how often every refreshable object is refreshed.
func WithRefreshPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.period = d
		}
	}
}

// WithMaxWait caps how long one loop iteration may block on the poller.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

func WithObserver(fn Observer) Option {
	return func(o *options) { o.observers = append(o.observers, fn) }
}
