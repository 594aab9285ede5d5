// Package mirror republishes object snapshots to an MQTT broker after
// every successful refresh.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
)

const (
	DefaultTopicPrefix = "airquality"
	DefaultQueueSize   = 64

	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

var ErrStopped = errors.New("mirror: stopped")

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Subsystem: "mirror",
		Name:      "published_total",
		Help:      "Snapshots handed to the MQTT broker, by result.",
	}, []string{"result"})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "airquality_agent",
		Subsystem: "mirror",
		Name:      "dropped_total",
		Help:      "Snapshots dropped because the publish queue was full.",
	})
)

// Config describes the broker connection.
type Config struct {
	Broker      string // tcp://host:port
	ClientID    string
	TopicPrefix string
	Endpoint    string
	QueueSize   int
}

// publisher is the part of mqtt.Client the drain loop needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Mirror struct {
	client mqtt.Client
	pub    publisher
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	queue    chan lwm2m.Snapshot
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type Option func(m *Mirror)

func WithLogger(l *zap.Logger) Option {
	return func(m *Mirror) { m.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

func New(cfg Config, opts ...Option) (*Mirror, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mirror: broker address is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("mirror: endpoint name is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.Endpoint
	}

	m := newMirror(cfg, nil, opts...)

	mo := mqtt.NewClientOptions()
	mo.AddBroker(cfg.Broker)
	mo.SetClientID(cfg.ClientID)
	mo.SetCleanSession(true)
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetConnectRetryInterval(5 * time.Second)
	mo.SetMaxReconnectInterval(time.Minute)
	mo.SetKeepAlive(30 * time.Second)
	mo.SetOnConnectHandler(func(mqtt.Client) {
		m.log.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.log.Warn("mqtt connection lost", zap.Error(err))
	})

	m.client = mqtt.NewClient(mo)
	m.pub = m.client
	return m, nil
}

func newMirror(cfg Config, pub publisher, opts ...Option) *Mirror {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	m := &Mirror{
		pub:    pub,
		cfg:    cfg,
		log:    zap.L(),
		now:    time.Now,
		queue:  make(chan lwm2m.Snapshot, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Connect waits for the first broker connection. Paho keeps retrying in
// the background; Connect gives up when ctx is done or the mirror stops.
func (m *Mirror) Connect(ctx context.Context) error {
	select {
	case <-m.stopCh:
		return ErrStopped
	default:
	}
	if m.client == nil || m.client.IsConnected() {
		return nil
	}

	token := m.client.Connect()
	for {
		if token.WaitTimeout(200 * time.Millisecond) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mirror: mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Start launches the goroutine that drains the publish queue.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case snap := <-m.queue:
				m.publish(snap)
			}
		}
	}()
}

// Observe queues a snapshot of every instance of obj. It never blocks:
// when the queue is full the snapshot is dropped.
func (m *Mirror) Observe(obj *lwm2m.Object) {
	for _, iid := range obj.Instances() {
		snap, err := obj.Snapshot(iid)
		if err != nil {
			m.log.Warn("cannot snapshot object", zap.Uint16("oid", uint16(obj.OID())), zap.Error(err))
			continue
		}
		select {
		case m.queue <- snap:
		default:
			dropped.Inc()
			m.log.Debug("mirror queue full, dropping snapshot", zap.String("topic", m.topic(snap)))
		}
	}
}

// Close stops the drain goroutine and disconnects from the broker.
// Queued snapshots that were not yet published are discarded.
func (m *Mirror) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
		m.log.Info("mqtt disconnected")
	}
}

type payload struct {
	Endpoint  string                   `json:"endpoint"`
	OID       lwm2m.ObjectID           `json:"oid"`
	IID       lwm2m.InstanceID         `json:"iid"`
	Timestamp time.Time                `json:"timestamp"`
	Values    map[lwm2m.ResourceID]any `json:"values"`
}

func (m *Mirror) encode(snap lwm2m.Snapshot) ([]byte, error) {
	p := payload{
		Endpoint:  m.cfg.Endpoint,
		OID:       snap.OID,
		IID:       snap.IID,
		Timestamp: m.now().UTC(),
		Values:    make(map[lwm2m.ResourceID]any, len(snap.Values)),
	}
	for rid, v := range snap.Values {
		p.Values[rid] = v.Interface()
	}
	return json.Marshal(p)
}

func (m *Mirror) topic(snap lwm2m.Snapshot) string {
	return fmt.Sprintf("%s/%s/%d/%d", m.cfg.TopicPrefix, m.cfg.Endpoint, snap.OID, snap.IID)
}

func (m *Mirror) publish(snap lwm2m.Snapshot) {
	topic := m.topic(snap)
	data, err := m.encode(snap)
	if err != nil {
		published.WithLabelValues("error").Inc()
		m.log.Error("cannot encode snapshot", zap.String("topic", topic), zap.Error(err))
		return
	}

	token := m.pub.Publish(topic, 0, false, data)
	if !token.WaitTimeout(publishTimeout) {
		published.WithLabelValues("timeout").Inc()
		m.log.Warn("publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		published.WithLabelValues("error").Inc()
		m.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	published.WithLabelValues("ok").Inc()
	m.log.Debug("published snapshot", zap.String("topic", topic))
}
