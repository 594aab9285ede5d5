package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKey         string        `yaml:"api_key"`
	DeviceID       string        `yaml:"device_id"`
	Endpoint       string        `yaml:"endpoint"`
	Server         string        `yaml:"server"`
	Lifetime       time.Duration `yaml:"lifetime"`
	RefreshPeriod  time.Duration `yaml:"refresh_period"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Randomize      bool          `yaml:"randomize"`
	CitiesFile     string        `yaml:"cities_file"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	OTLP           bool          `yaml:"otlp"`
	LogLevel       string        `yaml:"log_level"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

func defaultConfig() Config {
	return Config{
		Endpoint:       "airquality-agent",
		Server:         "127.0.0.1:5683",
		Lifetime:       60 * time.Second,
		RefreshPeriod:  time.Second,
		CacheTTL:       5 * time.Minute,
		RequestTimeout: 10 * time.Second,
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		MQTT:           MQTTConfig{TopicPrefix: "airquality"},
	}
}

// loadConfig layers defaults, the optional YAML file, the environment and
// the command line, each overriding the one before.
func loadConfig(args []string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	path, err := configPath(args, getenv)
	if err != nil {
		return cfg, err
	}
	if path != "" {
		if err := readConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, getenv)

	fs := newFlagSet(&cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func configPath(args []string, getenv func(string) string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.StringP("config", "c", getenv("AGENT_CONFIG"), "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	return *path, nil
}

func readConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.APIKey, "OPEN_WEATHER_API_TOKEN")
	set(&cfg.DeviceID, "DEVICEID")
	set(&cfg.Endpoint, "AGENT_ENDPOINT")
	set(&cfg.Server, "AGENT_SERVER")
	set(&cfg.MQTT.Broker, "MQTT_BROKER")
	set(&cfg.LogLevel, "LOG_LEVEL")
	if getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.OTLP = true
	}
	if v, err := strconv.ParseBool(getenv("AGENT_RANDOMIZE")); err == nil {
		cfg.Randomize = v
	}
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("airquality-agent", pflag.ContinueOnError)
	fs.StringP("config", "c", "", "YAML configuration file")
	fs.StringVarP(&cfg.Endpoint, "endpoint", "e", cfg.Endpoint, "Endpoint name reported to the management server")
	fs.StringVarP(&cfg.Server, "server", "s", cfg.Server, "Management server address (host:port)")
	fs.StringVar(&cfg.DeviceID, "device-id", cfg.DeviceID, "Device id, prefix of the reported model number")
	fs.DurationVar(&cfg.Lifetime, "lifetime", cfg.Lifetime, "Registration lifetime")
	fs.DurationVar(&cfg.RefreshPeriod, "refresh-period", cfg.RefreshPeriod, "How often sensor objects are refreshed")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "How long a provider reading is reused")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout of each provider request")
	fs.BoolVarP(&cfg.Randomize, "randomize", "r", cfg.Randomize, "Add simulated sensor noise to reported values")
	fs.StringVar(&cfg.CitiesFile, "cities", cfg.CitiesFile, "CSV file of city,lat,lon replacing the bundled list")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus listen address, empty to disable")
	fs.BoolVar(&cfg.OTLP, "otlp", cfg.OTLP, "Export traces, metrics and logs over OTLP/HTTP")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MQTT.Broker, "mqtt-broker", cfg.MQTT.Broker, "MQTT broker URL for the telemetry mirror, empty to disable")
	fs.StringVar(&cfg.MQTT.ClientID, "mqtt-client-id", cfg.MQTT.ClientID, "MQTT client id (defaults to the endpoint name)")
	fs.StringVar(&cfg.MQTT.TopicPrefix, "mqtt-topic-prefix", cfg.MQTT.TopicPrefix, "MQTT topic prefix")
	return fs
}

func (c Config) validate() error {
	if c.APIKey == "" {
		return errors.New("OPEN_WEATHER_API_TOKEN is not set")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if c.RefreshPeriod <= 0 || c.CacheTTL <= 0 || c.RequestTimeout <= 0 {
		return errors.New("refresh period, cache ttl and request timeout must be positive")
	}
	return nil
}

// modelNumber is the Device object's model number, "<DEVICEID>-<city>".
func (c Config) modelNumber(city string) string {
	return c.DeviceID + "-" + city
}
