// Package config loads the agent configuration from an optional YAML file
// with environment overrides. Defaults mirror the deployed calibration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration. Interval fields are in
// milliseconds, matching the device calibration sheet.
type Config struct {
	DeviceID string `yaml:"device_id"`
	LogLevel string `yaml:"log_level"`

	SampleIntervalMS int `yaml:"sample_interval_ms"`
	ScorePollMS      int `yaml:"score_poll_ms"`

	Queues struct {
		Feature int `yaml:"feature"`
		Alert   int `yaml:"alert"`
		Event   int `yaml:"event"`
	} `yaml:"queues"`

	Scoring struct {
		RuleWeight        float64 `yaml:"rule_weight"`
		ModelWeight       float64 `yaml:"model_weight"`
		WarningThreshold  float64 `yaml:"warning_threshold"`
		CriticalThreshold float64 `yaml:"critical_threshold"`
		BaselineTHDI      float64 `yaml:"baseline_thd_i"`
		BaselineOCPPRate  float64 `yaml:"baseline_ocpp_rate"`
		ModelTimeoutMS    int     `yaml:"model_timeout_ms"`
	} `yaml:"scoring"`

	Model struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"model"`

	Driver struct {
		Sim              bool   `yaml:"sim"`
		MeterPath        string `yaml:"meter_path"`
		TamperPath       string `yaml:"tamper_path"`
		FirmwareOKPath   string `yaml:"firmware_ok_path"`
		TempPath         string `yaml:"temp_path"`
		ContactorPath    string `yaml:"contactor_path"`
		CurrentLimitPath string `yaml:"current_limit_path"`
	} `yaml:"driver"`

	Recorder struct {
		Dir          string `yaml:"dir"`
		MaxFileBytes int64  `yaml:"max_file_bytes"`
		MaxFiles     int    `yaml:"max_files"`
		Buffer       int    `yaml:"buffer"`
	} `yaml:"recorder"`

	Telemetry struct {
		Addr string `yaml:"addr"`
	} `yaml:"telemetry"`

	Uplink struct {
		MQTTBroker         string `yaml:"mqtt_broker"`
		TopicPrefix        string `yaml:"topic_prefix"`
		RedisAddr          string `yaml:"redis_addr"`
		SnapshotIntervalMS int    `yaml:"snapshot_interval_ms"`
		PublishTimeoutMS   int    `yaml:"publish_timeout_ms"`
	} `yaml:"uplink"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.DeviceID = "evsec-agent-001"
	c.LogLevel = "info"
	c.SampleIntervalMS = 250
	c.ScorePollMS = 100
	c.Queues.Feature = 10
	c.Queues.Alert = 5
	c.Queues.Event = 10
	c.Scoring.RuleWeight = 0.6
	c.Scoring.ModelWeight = 0.4
	c.Scoring.WarningThreshold = 0.5
	c.Scoring.CriticalThreshold = 0.8
	c.Scoring.BaselineTHDI = 2.0
	c.Scoring.BaselineOCPPRate = 5.0
	c.Scoring.ModelTimeoutMS = 100
	c.Model.TimeoutMS = 1000
	c.Driver.Sim = true
	c.Driver.MeterPath = "/run/evsecure/meter.json"
	c.Driver.TamperPath = "/sys/class/gpio/tamper/value"
	c.Driver.FirmwareOKPath = "/run/evsecure/fw_ok"
	c.Driver.TempPath = "/sys/class/thermal/thermal_zone0/temp"
	c.Driver.ContactorPath = "/sys/class/gpio/contactor/value"
	c.Driver.CurrentLimitPath = "/run/evsecure/current_limit"
	c.Recorder.Dir = "/var/lib/evsecure/log"
	c.Recorder.MaxFileBytes = 1 << 20
	c.Recorder.MaxFiles = 10
	c.Recorder.Buffer = 256
	c.Telemetry.Addr = ":8086"
	c.Uplink.TopicPrefix = "evsecure"
	c.Uplink.SnapshotIntervalMS = 60000
	c.Uplink.PublishTimeoutMS = 5000
	return c
}

// Load reads path (if non-empty), applies environment overrides and
// validates. A missing file is an error; an empty path yields defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("EVSECURE_DEVICE_ID", &c.DeviceID)
	set("EVSECURE_LOG_LEVEL", &c.LogLevel)
	set("EVSECURE_TELEMETRY_ADDR", &c.Telemetry.Addr)
	set("EVSECURE_MODEL_URL", &c.Model.URL)
	set("EVSECURE_MQTT_BROKER", &c.Uplink.MQTTBroker)
	set("EVSECURE_REDIS_ADDR", &c.Uplink.RedisAddr)
	set("EVSECURE_RECORDER_DIR", &c.Recorder.Dir)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.SampleIntervalMS <= 0 {
		return fmt.Errorf("config: sample_interval_ms must be positive, got %d", c.SampleIntervalMS)
	}
	if c.ScorePollMS <= 0 {
		return fmt.Errorf("config: score_poll_ms must be positive, got %d", c.ScorePollMS)
	}
	if c.Queues.Feature <= 0 || c.Queues.Alert <= 0 || c.Queues.Event <= 0 {
		return fmt.Errorf("config: queue depths must be positive")
	}
	if c.Scoring.WarningThreshold >= c.Scoring.CriticalThreshold {
		return fmt.Errorf("config: warning threshold %.2f must be below critical %.2f",
			c.Scoring.WarningThreshold, c.Scoring.CriticalThreshold)
	}
	if c.Recorder.MaxFiles <= 0 || c.Recorder.MaxFileBytes <= 0 {
		return fmt.Errorf("config: recorder rotation limits must be positive")
	}
	return nil
}

func (c Config) SampleInterval() time.Duration { return time.Duration(c.SampleIntervalMS) * time.Millisecond }
func (c Config) ScorePoll() time.Duration      { return time.Duration(c.ScorePollMS) * time.Millisecond }
func (c Config) ModelTimeout() time.Duration {
	return time.Duration(c.Scoring.ModelTimeoutMS) * time.Millisecond
}
func (c Config) ModelClientTimeout() time.Duration {
	return time.Duration(c.Model.TimeoutMS) * time.Millisecond
}
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Uplink.SnapshotIntervalMS) * time.Millisecond
}
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.Uplink.PublishTimeoutMS) * time.Millisecond
}
