package openweather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL        = "http://api.openweathermap.org"
	DefaultRequestTimeout = 10 * time.Second

	// The default limiter admits four requests per second with a burst of
	// four: two readers per refresh period, each Fetch making two requests.
	DefaultRequestInterval = 250 * time.Millisecond
	DefaultRequestBurst    = 4

	kelvinOffset = 273.15
)

var (
	ErrFetch         = errors.New("openweather: fetch failed")
	ErrMissingAPIKey = errors.New("openweather: api key is required")
)

type Fetcher interface {
	Fetch(ctx context.Context, at Coordinates) (Reading, error)
}

type Client struct {
	client  *http.Client
	limit   *rate.Limiter
	log     *zap.Logger
	tracer  trace.Tracer
	baseURL string
	apiKey  string
	timeout time.Duration
}

type Option func(c *Client) error

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		log:     zap.L(),
		limit:   rate.NewLimiter(rate.Every(DefaultRequestInterval), DefaultRequestBurst),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tracer:  otel.Tracer("github.com/nimdanitro/airquality-agent/pkg/openweather"),
		baseURL: DefaultBaseURL,
		timeout: DefaultRequestTimeout,
	}

	// apply the options
	for _, o := range opts {
		err := o(c)
		if err != nil {
			return nil, err
		}
	}

	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	return c, nil
}

func WithAPIKey(key string) Option {
	return func(c *Client) error {
		c.apiKey = key
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.client = hc
		return nil
	}
}

func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("openweather: base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("openweather: base url %q needs scheme and host", raw)
		}
		c.baseURL = raw
		return nil
	}
}

// WithRequestTimeout bounds each of the two provider requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("openweather: request timeout must be positive, got %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithRateLimit overrides the outgoing request limiter. A nil limiter disables limiting.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) error {
		c.limit = l
		return nil
	}
}

// Fetch queries current weather and air pollution for one point. Both
// requests have to succeed; any failure is reported as ErrFetch.
func (c *Client) Fetch(ctx context.Context, at Coordinates) (Reading, error) {
	ctx, span := c.tracer.Start(ctx, "openweather.Fetch", trace.WithAttributes(
		attribute.Float64("geo.lat", at.Latitude),
		attribute.Float64("geo.lon", at.Longitude),
	))
	defer span.End()

	r, err := c.fetch(ctx, at)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reading{}, err
	}
	return r, nil
}

func (c *Client) fetch(ctx context.Context, at Coordinates) (Reading, error) {
	var weather weatherResponse
	if err := c.get(ctx, "/data/2.5/weather", at, &weather); err != nil {
		return Reading{}, err
	}
	if weather.Main == nil || weather.Main.Temp == nil {
		return Reading{}, fmt.Errorf("%w: weather response has no main.temp", ErrFetch)
	}

	var pollution pollutionResponse
	if err := c.get(ctx, "/data/2.5/air_pollution", at, &pollution); err != nil {
		return Reading{}, err
	}
	if len(pollution.List) == 0 {
		return Reading{}, fmt.Errorf("%w: air pollution response has no entries", ErrFetch)
	}
	comp := pollution.List[0].Components
	if comp.PM10 == nil || comp.PM25 == nil {
		return Reading{}, fmt.Errorf("%w: air pollution response has no particulate components", ErrFetch)
	}

	r := Reading{
		TemperatureC: *weather.Main.Temp - kelvinOffset,
		PM10:         *comp.PM10,
		PM25:         *comp.PM25,
	}
	c.log.Debug("fetched weather and air quality",
		zap.Float64("lat", at.Latitude),
		zap.Float64("lon", at.Longitude),
		zap.Float64("temperature", r.TemperatureC),
		zap.Float64("pm10", r.PM10),
		zap.Float64("pm25", r.PM25),
	)
	return r, nil
}

func (c *Client) get(ctx context.Context, path string, at Coordinates, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(at.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(at.Longitude, 'f', -1, 64))
	q.Set("appid", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: create request %s: %w", ErrFetch, path, err)
	}

	// apply the ratelimit
	if c.limit != nil {
		if err := c.limit.Wait(ctx); err != nil {
			return fmt.Errorf("%w: await rate limit: %w", ErrFetch, err)
		}
	}

	c.log.Debug("requesting provider data", zap.String("path", path))
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, path, redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: unexpected status %s", ErrFetch, path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrFetch, path, err)
	}
	return nil
}

// redact strips the query string, and with it the api key, from url errors.
func redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if u, perr := url.Parse(uerr.URL); perr == nil {
			u.RawQuery = ""
			return &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
		}
	}
	return err
}
