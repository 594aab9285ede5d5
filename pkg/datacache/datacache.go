// Package datacache keeps the most recent successful result of an
// expensive load for a fixed time-to-live.
//
// Failed loads are never cached: the caller gets the configured fallback
// and the very next Get tries the load again.
package datacache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultTTL = 5 * time.Minute

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Subsystem: "datacache",
		Name:      "hits_total",
		Help:      "Gets answered from a fresh cache entry.",
	}, []string{"cache"})

	cacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Subsystem: "datacache",
		Name:      "loads_total",
		Help:      "Loads performed on a missing or expired entry, by result.",
	}, []string{"cache", "result"})
)

// Loader produces a fresh value.
type Loader[T any] func(ctx context.Context) (T, error)

type entry[T any] struct {
	value    T
	loadedAt time.Time
}

// Cache holds at most one value. Get serializes callers with a mutex, but
// it is meant for a single consumer: a concurrent caller waits for the
// whole load of another.
type Cache[T any] struct {
	load     Loader[T]
	ttl      time.Duration
	fallback T
	now      func() time.Time
	log      *zap.Logger
	name     string

	mu    sync.Mutex
	entry *entry[T]
}

type Option[T any] func(c *Cache[T])

func New[T any](load Loader[T], opts ...Option[T]) *Cache[T] {
	c := &Cache[T]{
		load: load,
		ttl:  DefaultTTL,
		now:  time.Now,
		log:  zap.L(),
		name: "default",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func WithTTL[T any](d time.Duration) Option[T] {
	return func(c *Cache[T]) { c.ttl = d }
}

// WithFallback sets the value returned when a load fails. The zero value
// of T is used otherwise.
func WithFallback[T any](v T) Option[T] {
	return func(c *Cache[T]) { c.fallback = v }
}

func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(c *Cache[T]) { c.log = l }
}

// WithName labels log lines and metrics.
func WithName[T any](name string) Option[T] {
	return func(c *Cache[T]) { c.name = name }
}

// Get returns the cached value while it is younger than the TTL and
// otherwise loads synchronously. A failed load is logged and yields the
// fallback, which is not stored.
func (c *Cache[T]) Get(ctx context.Context) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.entry != nil && now.Sub(c.entry.loadedAt) < c.ttl {
		cacheHits.WithLabelValues(c.name).Inc()
		return c.entry.value
	}

	v, err := c.load(ctx)
	if err != nil {
		cacheLoads.WithLabelValues(c.name, "failure").Inc()
		c.log.Warn("cannot load fresh data, using fallback",
			zap.String("cache", c.name),
			zap.Error(err),
		)
		return c.fallback
	}

	cacheLoads.WithLabelValues(c.name, "success").Inc()
	c.entry = &entry[T]{value: v, loadedAt: c.now()}
	return v
}

// Invalidate drops the cached entry so the next Get loads.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
