package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(nil, envMap(map[string]string{"OPEN_WEATHER_API_TOKEN": "k"}))
	if err != nil {
		t.Fatal(err)
	}
	want := defaultConfig()
	want.APIKey = "k"
	if cfg != want {
		t.Errorf("cfg = %+v\nwant  %+v", cfg, want)
	}
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
endpoint: from-file
server: 10.0.0.1:5683
lifetime: 2m
cache_ttl: 1m
log_level: debug
mqtt:
  broker: tcp://file:1883
  topic_prefix: lab
`)
	env := envMap(map[string]string{
		"OPEN_WEATHER_API_TOKEN": "secret",
		"DEVICEID":               "dev-7",
		"AGENT_SERVER":           "10.0.0.2:5683",
		"MQTT_BROKER":            "tcp://env:1883",
	})
	args := []string{"--config", path, "--server", "10.0.0.3:5683", "-r"}

	cfg, err := loadConfig(args, env)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"endpoint from file", cfg.Endpoint, "from-file"},
		{"lifetime from file", cfg.Lifetime, 2 * time.Minute},
		{"cache ttl from file", cfg.CacheTTL, time.Minute},
		{"log level from file", cfg.LogLevel, "debug"},
		{"topic prefix from file", cfg.MQTT.TopicPrefix, "lab"},
		{"broker env over file", cfg.MQTT.Broker, "tcp://env:1883"},
		{"server flag over env", cfg.Server, "10.0.0.3:5683"},
		{"device id from env", cfg.DeviceID, "dev-7"},
		{"api key from env", cfg.APIKey, "secret"},
		{"randomize flag", cfg.Randomize, true},
		{"refresh period default", cfg.RefreshPeriod, time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	withKey := envMap(map[string]string{"OPEN_WEATHER_API_TOKEN": "k"})
	tests := []struct {
		name string
		args []string
		env  func(string) string
	}{
		{"missing api key", nil, envMap(nil)},
		{"bad log level", []string{"--log-level", "loud"}, withKey},
		{"bad duration", []string{"--cache-ttl", "soon"}, withKey},
		{"zero refresh", []string{"--refresh-period", "0s"}, withKey},
		{"missing file", []string{"-c", filepath.Join(t.TempDir(), "nope.yaml")}, withKey},
		{"unknown yaml key", []string{"-c", writeConfig(t, "colour: blue\n")}, withKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadConfig(tt.args, tt.env); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadConfigHelp(t *testing.T) {
	_, err := loadConfig([]string{"--help"}, envMap(nil))
	if !errors.Is(err, pflag.ErrHelp) {
		t.Errorf("err = %v, want pflag.ErrHelp", err)
	}
}

func TestModelNumber(t *testing.T) {
	cfg := Config{DeviceID: "dev-1"}
	if got := cfg.modelNumber("Krakow"); got != "dev-1-Krakow" {
		t.Errorf("modelNumber = %q", got)
	}
}

func TestRandomizeFromEnv(t *testing.T) {
	tests := []struct {
		value string
		args  []string
		want  bool
	}{
		{"true", nil, true},
		{"1", nil, true},
		{"false", []string{"--randomize"}, true},
		{"yes please", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		env := envMap(map[string]string{"OPEN_WEATHER_API_TOKEN": "k", "AGENT_RANDOMIZE": tt.value})
		cfg, err := loadConfig(tt.args, env)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Randomize != tt.want {
			t.Errorf("AGENT_RANDOMIZE=%q args %v: Randomize = %v, want %v", tt.value, tt.args, cfg.Randomize, tt.want)
		}
	}
}
