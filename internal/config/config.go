// Package config loads and validates the micsession configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/soundfold/micsession/internal/device"
	"github.com/soundfold/micsession/internal/recorder"
)

// Config is the mutable global configuration. A session never reads it
// directly: Snapshot produces the immutable per-session settings at start
// time.
type Config struct {
	Audio      AudioConfig      `mapstructure:"audio" yaml:"audio"`
	Recording  RecordingConfig  `mapstructure:"recording" yaml:"recording"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
}

type AudioConfig struct {
	// Backend selects the capture implementation: "ffmpeg", "sim", "auto".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Source is the input device name; empty uses the system default.
	Source string `mapstructure:"source" yaml:"source"`

	// InputFormat is the capture driver for exec backends ("pulse", "alsa").
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`

	SampleRate int `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int `mapstructure:"channels" yaml:"channels"`
}

type RecordingConfig struct {
	MinDuration      time.Duration `mapstructure:"min_duration" yaml:"min_duration"`
	MaxDuration      time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	AutoStopBelowMin bool          `mapstructure:"auto_stop_below_min" yaml:"auto_stop_below_min"`
	AutoStopAtMax    bool          `mapstructure:"auto_stop_at_max" yaml:"auto_stop_at_max"`
}

type MonitoringConfig struct {
	Metering         bool          `mapstructure:"metering" yaml:"metering"`
	MeteringInterval time.Duration `mapstructure:"metering_interval" yaml:"metering_interval"`
	DurationInterval time.Duration `mapstructure:"duration_interval" yaml:"duration_interval"`
}

type OutputConfig struct {
	Directory       string `mapstructure:"directory" yaml:"directory"`
	Format          string `mapstructure:"format" yaml:"format"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CreateDirectory bool   `mapstructure:"create_directory" yaml:"create_directory"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:     "auto",
			InputFormat: "pulse",
			SampleRate:  48000,
			Channels:    1,
		},
		Recording: RecordingConfig{
			MinDuration:      time.Second,
			MaxDuration:      0,
			AutoStopBelowMin: true,
			AutoStopAtMax:    true,
		},
		Monitoring: MonitoringConfig{
			Metering:         true,
			MeteringInterval: recorder.DefaultMeteringInterval,
			DurationInterval: recorder.DefaultDurationInterval,
		},
		Output: OutputConfig{
			Directory:       filepath.Join(os.Getenv("HOME"), "Audio", "micsession"),
			Format:          "flac",
			Prefix:          "recording",
			CreateDirectory: true,
		},
	}
}

// Load reads the configuration file at path, layered over the defaults,
// with MICSESSION_* environment overrides. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("MICSESSION")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be >= 0, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 0 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 0, 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Recording.MinDuration < 0 {
		return fmt.Errorf("recording.min_duration must be >= 0, got %s", c.Recording.MinDuration)
	}
	if c.Recording.MaxDuration < 0 {
		return fmt.Errorf("recording.max_duration must be >= 0, got %s", c.Recording.MaxDuration)
	}
	if c.Recording.MaxDuration > 0 && c.Recording.MinDuration > c.Recording.MaxDuration {
		return fmt.Errorf("recording.min_duration %s exceeds max_duration %s",
			c.Recording.MinDuration, c.Recording.MaxDuration)
	}
	if c.Monitoring.MeteringInterval < 0 {
		return fmt.Errorf("monitoring.metering_interval must be >= 0, got %s", c.Monitoring.MeteringInterval)
	}
	if c.Monitoring.DurationInterval < 0 {
		return fmt.Errorf("monitoring.duration_interval must be >= 0, got %s", c.Monitoring.DurationInterval)
	}
	switch c.Output.Format {
	case "", "flac", "wav", "ogg", "mp3":
	default:
		return fmt.Errorf("output.format must be one of flac, wav, ogg, mp3, got %q", c.Output.Format)
	}
	return nil
}

// Snapshot converts the configuration into immutable per-session recorder
// settings.
func (c *Config) Snapshot() recorder.Settings {
	return recorder.Settings{
		MinDuration:      c.Recording.MinDuration,
		MaxDuration:      c.Recording.MaxDuration,
		AutoStopBelowMin: c.Recording.AutoStopBelowMin,
		AutoStopAtMax:    c.Recording.AutoStopAtMax,
		Metering:         c.Monitoring.Metering,
		MeteringInterval: c.Monitoring.MeteringInterval,
		DurationInterval: c.Monitoring.DurationInterval,
		Capture: device.Settings{
			Source:      c.Audio.Source,
			InputFormat: c.Audio.InputFormat,
			SampleRate:  c.Audio.SampleRate,
			Channels:    c.Audio.Channels,
			Format:      c.Output.Format,
		},
	}
}

// WriteDefault writes a starter configuration file to path. Existing
// files are left untouched.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Dump renders the resolved configuration as YAML for display.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
