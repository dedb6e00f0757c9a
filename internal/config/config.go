// Package config loads the stairwatch YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stairwatch/internal/stairs"
)

type Config struct {
	Detector  DetectorConfig  `yaml:"detector"`
	Source    SourceConfig    `yaml:"source"`
	SigMotion SigMotionConfig `yaml:"sig_motion"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	UDP       UDPConfig       `yaml:"udp"`
	Web       WebConfig       `yaml:"web"`
	Record    RecordConfig    `yaml:"record"`
	Log       LogConfig       `yaml:"log"`
}

// DetectorConfig mirrors stairs.Config. Fields left out of the YAML keep
// the detector defaults.
type DetectorConfig struct {
	Alpha                        float64       `yaml:"alpha"`
	VertThreshold                float64       `yaml:"vert_threshold"`
	VertMax                      float64       `yaml:"vert_max"`
	AvgThreshold                 float64       `yaml:"avg_threshold"`
	QueueSize                    int           `yaml:"queue_size"`
	ErrorMargin                  float64       `yaml:"error_margin"`
	RestThreshold                float64       `yaml:"rest_threshold"`
	MinMotionDuration            time.Duration `yaml:"min_motion_duration"`
	StairDetectDelay             time.Duration `yaml:"stair_detect_delay"`
	ClearWindowOnCalibrationExit bool          `yaml:"clear_window_on_calibration_exit"`
	ClearWindowOnEpisodeEnd      bool          `yaml:"clear_window_on_episode_end"`
	MaxSampleMagnitude           float64       `yaml:"max_sample_magnitude"`
	FeedbackDuration             time.Duration `yaml:"feedback_duration"`
	FeedbackIntensity            float64       `yaml:"feedback_intensity"`
}

const (
	SourceIMU    = "imu"
	SourceReplay = "replay"
	SourceSerial = "serial"
	SourceSim    = "sim"
)

type SourceConfig struct {
	Kind   string             `yaml:"kind"`
	IMU    IMUSourceConfig    `yaml:"imu"`
	Replay ReplaySourceConfig `yaml:"replay"`
	Serial SerialSourceConfig `yaml:"serial"`
	Sim    SimSourceConfig    `yaml:"sim"`
}

type IMUSourceConfig struct {
	I2CBus               string  `yaml:"i2c_bus"`
	Addr                 uint16  `yaml:"addr"`
	SampleRateHz         int     `yaml:"sample_rate_hz"`
	AccelRangeG          int     `yaml:"accel_range_g"`
	GravityAlpha         float64 `yaml:"gravity_alpha"`
	GravityEvery         int     `yaml:"gravity_every"`
	WakeOnMotionMg       int     `yaml:"wake_on_motion_mg"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
}

type ReplaySourceConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type SerialSourceConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
	// The bridge always sends linear acceleration; these declare the rest.
	Gravity   bool `yaml:"gravity"`
	SigMotion bool `yaml:"sig_motion"`
}

type SimSourceConfig struct {
	Script string  `yaml:"script"`
	Speed  float64 `yaml:"speed"`
	Loop   bool    `yaml:"loop"`
}

const (
	SigMotionAuto   = "auto"
	SigMotionSource = "source"
	SigMotionSoft   = "soft"
	SigMotionNone   = "none"
)

// SigMotionConfig picks the significant motion trigger. auto uses the
// source's own firings when it has them and the software trigger otherwise.
type SigMotionConfig struct {
	Kind        string        `yaml:"kind"`
	Threshold   float64       `yaml:"threshold"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxGap      time.Duration `yaml:"max_gap"`
}

type FeedbackConfig struct {
	Enable      bool          `yaml:"enable"`
	Driver      string        `yaml:"driver"`
	Pin         int           `yaml:"pin"`
	PWMChannel  int           `yaml:"pwm_channel"`
	FrequencyHz int           `yaml:"frequency_hz"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

type MQTTConfig struct {
	Enable      bool          `yaml:"enable"`
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         int           `yaml:"qos"`
	Episodes    bool          `yaml:"episodes"`
	Timeout     time.Duration `yaml:"timeout"`
	// RetryInterval spaces initial connect attempts while the broker is down.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type UDPConfig struct {
	Enable   bool   `yaml:"enable"`
	Dest     string `yaml:"dest"`
	Episodes bool   `yaml:"episodes"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// StreamInterval throttles /api/stream frames.
	StreamInterval time.Duration `yaml:"stream_interval"`
	LogLines       int           `yaml:"log_lines"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

func defaultDetector() DetectorConfig {
	d := stairs.DefaultConfig()
	return DetectorConfig{
		Alpha:                        d.Alpha,
		VertThreshold:                d.VertThreshold,
		VertMax:                      d.VertMax,
		AvgThreshold:                 d.AvgThreshold,
		QueueSize:                    d.QueueSize,
		ErrorMargin:                  d.ErrorMargin,
		RestThreshold:                d.RestThreshold,
		MinMotionDuration:            d.MinMotionDuration,
		StairDetectDelay:             d.StairDetectDelay,
		ClearWindowOnCalibrationExit: d.ClearWindowOnCalibrationExit,
		ClearWindowOnEpisodeEnd:      d.ClearWindowOnEpisodeEnd,
		MaxSampleMagnitude:           d.MaxSampleMagnitude,
		FeedbackDuration:             d.FeedbackDuration,
		FeedbackIntensity:            d.FeedbackIntensity,
	}
}

// StairsConfig converts the detector section into the core configuration.
func (c Config) StairsConfig() stairs.Config {
	d := c.Detector
	return stairs.Config{
		Alpha:                        d.Alpha,
		VertThreshold:                d.VertThreshold,
		VertMax:                      d.VertMax,
		AvgThreshold:                 d.AvgThreshold,
		QueueSize:                    d.QueueSize,
		ErrorMargin:                  d.ErrorMargin,
		RestThreshold:                d.RestThreshold,
		MinMotionDuration:            d.MinMotionDuration,
		StairDetectDelay:             d.StairDetectDelay,
		ClearWindowOnCalibrationExit: d.ClearWindowOnCalibrationExit,
		ClearWindowOnEpisodeEnd:      d.ClearWindowOnEpisodeEnd,
		MaxSampleMagnitude:           d.MaxSampleMagnitude,
		FeedbackDuration:             d.FeedbackDuration,
		FeedbackIntensity:            d.FeedbackIntensity,
	}
}

// SlogLevel maps log.level onto slog. Load has already validated it.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	_ = l.UnmarshalText([]byte(c.Log.Level))
	return l
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Config{Detector: defaultDetector()}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	d := cfg.Detector
	if d.QueueSize <= 0 {
		return fmt.Errorf("detector.queue_size must be > 0")
	}
	if !(d.Alpha > 0 && d.Alpha < 1) {
		return fmt.Errorf("detector.alpha must be in (0,1)")
	}
	if err := cfg.StairsConfig().Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	src := &cfg.Source
	src.Kind = strings.ToLower(strings.TrimSpace(src.Kind))
	if src.Kind == "" {
		src.Kind = SourceIMU
	}
	switch src.Kind {
	case SourceIMU:
		if src.IMU.I2CBus == "" {
			src.IMU.I2CBus = "/dev/i2c-1"
		}
		if src.IMU.Addr == 0 {
			src.IMU.Addr = 0x68
		}
		if src.IMU.WakeOnMotionMg < 0 || src.IMU.WakeOnMotionMg > 1020 {
			return fmt.Errorf("source.imu.wake_on_motion_mg must be in [0,1020]")
		}
	case SourceReplay:
		if src.Replay.Path == "" {
			return fmt.Errorf("source.replay.path is required when source.kind is replay")
		}
		if src.Replay.Speed == 0 {
			src.Replay.Speed = 1
		}
		if src.Replay.Speed < 0 {
			return fmt.Errorf("source.replay.speed must be > 0")
		}
	case SourceSerial:
		if src.Serial.Port == "" {
			return fmt.Errorf("source.serial.port is required when source.kind is serial")
		}
	case SourceSim:
		if src.Sim.Script == "" {
			return fmt.Errorf("source.sim.script is required when source.kind is sim")
		}
		if src.Sim.Speed == 0 {
			src.Sim.Speed = 1
		}
		if src.Sim.Speed < 0 {
			return fmt.Errorf("source.sim.speed must be > 0")
		}
	default:
		return fmt.Errorf("source.kind must be one of imu, replay, serial, sim")
	}

	sm := &cfg.SigMotion
	if sm.Kind == "" {
		sm.Kind = SigMotionAuto
	}
	switch sm.Kind {
	case SigMotionAuto, SigMotionSource, SigMotionSoft, SigMotionNone:
	default:
		return fmt.Errorf("sig_motion.kind must be one of auto, source, soft, none")
	}
	if sm.Threshold < 0 || sm.MinDuration < 0 || sm.MaxGap < 0 {
		return fmt.Errorf("sig_motion values must be >= 0")
	}

	if cfg.Feedback.Enable {
		switch cfg.Feedback.Driver {
		case "":
			cfg.Feedback.Driver = "none"
		case "none", "pwm":
		case "gpio":
			if cfg.Feedback.Pin <= 0 {
				return fmt.Errorf("feedback.pin is required for the gpio driver")
			}
		default:
			return fmt.Errorf("feedback.driver must be one of none, gpio, pwm")
		}
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "stairwatch"
		}
	}

	if cfg.UDP.Enable && cfg.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.StreamInterval <= 0 {
		cfg.Web.StreamInterval = 100 * time.Millisecond
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 2000
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if src.Kind == SourceReplay {
			return fmt.Errorf("record cannot be used with source.kind=replay")
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
