package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nimdanitro/airquality-agent/pkg/agent"
	"github.com/nimdanitro/airquality-agent/pkg/datacache"
	"github.com/nimdanitro/airquality-agent/pkg/jsonlink"
	"github.com/nimdanitro/airquality-agent/pkg/location"
	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
	"github.com/nimdanitro/airquality-agent/pkg/mirror"
	"github.com/nimdanitro/airquality-agent/pkg/openweather"
	"github.com/nimdanitro/airquality-agent/pkg/poll"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "airquality-agent:", err)
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := loadConfig(args, getenv)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if cfg.OTLP {
		shutdown, err := setupOTelSDK(ctx)
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		// zap.L is the configured logger by the time this runs
		defer func() { shutdownTelemetry(shutdown, zap.L()) }()
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	logger.Info("starting up", zap.String("version", version), zap.String("commit", commit), zap.String("buildDate", date))

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, logger)
		defer srv.Close()
	}

	loc := location.Select(cfg.CitiesFile, logger)

	client, err := openweather.NewClient(
		openweather.WithAPIKey(cfg.APIKey),
		openweather.WithLogger(logger),
		openweather.WithRequestTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("cannot create provider client: %w", err)
	}
	at := openweather.Coordinates{Latitude: loc.Latitude, Longitude: loc.Longitude}
	cache := datacache.New[openweather.Reading](
		func(ctx context.Context) (openweather.Reading, error) { return client.Fetch(ctx, at) },
		datacache.WithTTL[openweather.Reading](cfg.CacheTTL),
		datacache.WithLogger[openweather.Reading](logger),
		datacache.WithName[openweather.Reading]("openweather"),
	)

	managers, err := buildManagers(cfg, loc, cache)
	if err != nil {
		return err
	}

	engine, err := jsonlink.New(
		jsonlink.WithEndpoint(cfg.Endpoint),
		jsonlink.WithServer(cfg.Server),
		jsonlink.WithLifetime(cfg.Lifetime),
		jsonlink.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := engine.Connect(); err != nil {
		return err
	}
	defer engine.Close()

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithRefreshPeriod(cfg.RefreshPeriod),
	}
	if cfg.MQTT.Broker != "" {
		m, err := startMirror(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer m.Close()
		opts = append(opts, agent.WithObserver(m.Observe))
	}

	err = agent.NewRuntime(engine, poll.New(), managers, opts...).Run(ctx)
	if err != nil {
		logger.Error("event loop stopped", zap.Error(err))
		return err
	}
	logger.Info("shutting down")
	return nil
}

func shutdownTelemetry(shutdown func(context.Context) error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), lvl),
		otelzap.NewCore("github.com/nimdanitro/airquality-agent", otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)
	return zap.New(core), nil
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

func startMirror(ctx context.Context, cfg Config, logger *zap.Logger) (*mirror.Mirror, error) {
	m, err := mirror.New(mirror.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		Endpoint:    cfg.Endpoint,
	}, mirror.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.Connect(cctx); err != nil {
		// paho keeps retrying in the background
		logger.Warn("mqtt broker not reachable yet", zap.String("broker", cfg.MQTT.Broker), zap.Error(err))
	}
	m.Start()
	return m, nil
}

// buildManagers creates the agent's objects: the two provider-backed
// sensors and the static Device and Location objects.
func buildManagers(cfg Config, loc location.Location, source agent.ReadingSource) ([]*agent.Manager, error) {
	uopts := []agent.UpdaterOption{
		agent.WithMetricAttributes(attribute.String("sensor.location", loc.City)),
	}
	if cfg.Randomize {
		uopts = append(uopts, agent.WithRandomizer(agent.NewRandomizer(agent.DefaultSpread)))
	}

	aq, err := agent.NewAirQualityUpdater(source, uopts...)
	if err != nil {
		return nil, err
	}
	temp, err := agent.NewTemperatureUpdater(source, uopts...)
	if err != nil {
		return nil, err
	}

	return []*agent.Manager{
		agent.Refreshable(lwm2m.NewAirQuality(), aq),
		agent.Refreshable(lwm2m.NewTemperature(), temp),
		agent.Static(lwm2m.NewDevice(cfg.modelNumber(loc.City))),
		agent.Static(lwm2m.NewLocation(loc.Latitude, loc.Longitude)),
	}, nil
}
