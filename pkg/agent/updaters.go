package agent

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
	"github.com/nimdanitro/airquality-agent/pkg/openweather"
)

const (
	meterName = "github.com/nimdanitro/airquality-agent/pkg/agent"

	// TemperatureUnit is the UCUM code written to the Sensor Units resource.
	TemperatureUnit = "Cel"

	// DefaultSpread is the relative noise bound used by NewRandomizer callers.
	DefaultSpread = 0.1
)

// ReadingSource supplies the latest provider reading. It never fails;
// *datacache.Cache[openweather.Reading] substitutes a fallback instead.
type ReadingSource interface {
	Get(ctx context.Context) openweather.Reading
}

// Randomizer scales values by fresh random noise on every call to
// simulate sensor variance. A nil *Randomizer leaves values unchanged.
type Randomizer struct {
	spread float64
	float  func() float64
}

// NewRandomizer returns a Randomizer scaling by a factor in [1-spread, 1+spread].
func NewRandomizer(spread float64) *Randomizer {
	return &Randomizer{spread: math.Abs(spread), float: rand.Float64}
}

// Perturb returns v with noise applied. Non-finite results fall back to v.
func (r *Randomizer) Perturb(v float64) float64 {
	if r == nil {
		return v
	}
	out := v * (1 + r.spread*(2*r.float()-1))
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return v
	}
	return out
}

// PerturbConcentration is Perturb clamped at zero.
func (r *Randomizer) PerturbConcentration(v float64) float64 {
	return math.Max(0, r.Perturb(v))
}

type updaterConfig struct {
	noise *Randomizer
	attrs []attribute.KeyValue
	meter metric.Meter
}

type UpdaterOption func(c *updaterConfig)

// WithRandomizer enables simulated sensor noise.
func WithRandomizer(r *Randomizer) UpdaterOption {
	return func(c *updaterConfig) { c.noise = r }
}

// WithMetricAttributes tags the recorded gauges, e.g. with the sensor location.
func WithMetricAttributes(attrs ...attribute.KeyValue) UpdaterOption {
	return func(c *updaterConfig) { c.attrs = append(c.attrs, attrs...) }
}

func newUpdaterConfig(opts []UpdaterOption) updaterConfig {
	c := updaterConfig{meter: otel.Meter(meterName)}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// TemperatureUpdater refreshes a Temperature object from a ReadingSource.
type TemperatureUpdater struct {
	source ReadingSource
	cfg    updaterConfig
	gauge  metric.Float64Gauge
}

func NewTemperatureUpdater(source ReadingSource, opts ...UpdaterOption) (*TemperatureUpdater, error) {
	cfg := newUpdaterConfig(opts)
	gauge, err := cfg.meter.Float64Gauge("sensor.temperature",
		metric.WithUnit("Cel"),
		metric.WithDescription("Reported temperature in degrees Celsius"),
	)
	if err != nil {
		return nil, fmt.Errorf("create temperature gauge: %w", err)
	}
	return &TemperatureUpdater{source: source, cfg: cfg, gauge: gauge}, nil
}

func (u *TemperatureUpdater) Refresh(ctx context.Context, obj *lwm2m.Object) error {
	temp := u.cfg.noise.Perturb(u.source.Get(ctx).TemperatureC)

	err := obj.Update(lwm2m.DefaultInstance, func(tx *lwm2m.Tx) error {
		if err := tx.Set(lwm2m.RIDTemperatureValue, lwm2m.Float(temp)); err != nil {
			return err
		}
		return tx.Set(lwm2m.RIDTemperatureUnits, lwm2m.String(TemperatureUnit))
	})
	if err != nil {
		return err
	}
	u.gauge.Record(ctx, temp, metric.WithAttributes(u.cfg.attrs...))
	return nil
}

// AirQualityUpdater refreshes an Air Quality object from a ReadingSource.
type AirQualityUpdater struct {
	source ReadingSource
	cfg    updaterConfig
	pm10   metric.Float64Gauge
	pm25   metric.Float64Gauge
}

func NewAirQualityUpdater(source ReadingSource, opts ...UpdaterOption) (*AirQualityUpdater, error) {
	cfg := newUpdaterConfig(opts)
	pm10, err := cfg.meter.Float64Gauge("sensor.pm10",
		metric.WithUnit("ug/m3"),
		metric.WithDescription("PM10 particulate concentration"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pm10 gauge: %w", err)
	}
	pm25, err := cfg.meter.Float64Gauge("sensor.pm25",
		metric.WithUnit("ug/m3"),
		metric.WithDescription("PM2.5 particulate concentration"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pm2.5 gauge: %w", err)
	}
	return &AirQualityUpdater{source: source, cfg: cfg, pm10: pm10, pm25: pm25}, nil
}

func (u *AirQualityUpdater) Refresh(ctx context.Context, obj *lwm2m.Object) error {
	r := u.source.Get(ctx)
	pm10 := u.cfg.noise.PerturbConcentration(r.PM10)
	pm25 := u.cfg.noise.PerturbConcentration(r.PM25)

	err := obj.Update(lwm2m.DefaultInstance, func(tx *lwm2m.Tx) error {
		if err := tx.Set(lwm2m.RIDAirQualityPM10, lwm2m.Float(pm10)); err != nil {
			return err
		}
		return tx.Set(lwm2m.RIDAirQualityPM25, lwm2m.Float(pm25))
	})
	if err != nil {
		return err
	}
	attrs := metric.WithAttributes(u.cfg.attrs...)
	u.pm10.Record(ctx, pm10, attrs)
	u.pm25.Record(ctx, pm25, attrs)
	return nil
}
