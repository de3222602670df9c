package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Output formats
const (
	FormatM4A = "m4a"
	FormatWAV = "wav"
)

type Config struct {
	ActiveProfile string                    `mapstructure:"active_profile" yaml:"active_profile"`
	Audio         AudioConfig               `mapstructure:"audio" yaml:"audio"`
	Mix           MixConfig                 `mapstructure:"mix" yaml:"mix"`
	Output        OutputConfig              `mapstructure:"output" yaml:"output"`
	Consent       ConsentConfig             `mapstructure:"consent" yaml:"consent"`
	Server        ServerConfig              `mapstructure:"server" yaml:"server"`
	Logging       LoggingConfig             `mapstructure:"logging" yaml:"logging"`
	Profiles      map[string]*ProfileConfig `mapstructure:"profiles" yaml:"profiles,omitempty"`
}

type AudioConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"` // "auto", "malgo", "pipewire"
	SampleRate     int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels       int    `mapstructure:"channels" yaml:"channels"`
	BitRate        int    `mapstructure:"bit_rate" yaml:"bit_rate"`
	BufferSize     int    `mapstructure:"buffer_size" yaml:"buffer_size"` // bytes per read, per source
	MicDevice      string `mapstructure:"mic_device" yaml:"mic_device"`
	LoopbackDevice string `mapstructure:"loopback_device" yaml:"loopback_device"`

	ReadTimeout   time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	InputTimeout  time.Duration `mapstructure:"input_timeout" yaml:"input_timeout"`
	JoinTimeout   time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	MeterInterval time.Duration `mapstructure:"meter_interval" yaml:"meter_interval"`
}

type MixConfig struct {
	MicGain float64 `mapstructure:"mic_gain" yaml:"mic_gain"`
	AppGain float64 `mapstructure:"app_gain" yaml:"app_gain"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	Format    string `mapstructure:"format" yaml:"format"`
}

type ConsentConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"` // 0 = until revoked
}

type ServerConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
}

type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// ProfileConfig overrides mix and output settings. Nil fields inherit.
type ProfileConfig struct {
	MicGain   *float64 `mapstructure:"mic_gain,omitempty" yaml:"mic_gain,omitempty"`
	AppGain   *float64 `mapstructure:"app_gain,omitempty" yaml:"app_gain,omitempty"`
	Directory string   `mapstructure:"directory,omitempty" yaml:"directory,omitempty"`
	Format    string   `mapstructure:"format,omitempty" yaml:"format,omitempty"`
}

// DefaultPath returns the config file location used when --config is not given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/callcapture.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("active_profile", "")

	v.SetDefault("audio.backend", "auto")
	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.bit_rate", 128000)
	v.SetDefault("audio.buffer_size", 4096)
	v.SetDefault("audio.mic_device", "")
	v.SetDefault("audio.loopback_device", "")
	v.SetDefault("audio.read_timeout", 20*time.Millisecond)
	v.SetDefault("audio.input_timeout", 10*time.Millisecond)
	v.SetDefault("audio.join_timeout", 2*time.Second)
	v.SetDefault("audio.drain_timeout", 1500*time.Millisecond)
	v.SetDefault("audio.meter_interval", 20*time.Millisecond)

	v.SetDefault("mix.mic_gain", 0.7)
	v.SetDefault("mix.app_gain", 0.7)

	v.SetDefault("output.directory", filepath.Join(os.Getenv("HOME"), "Audio", "CallCapture"))
	v.SetDefault("output.format", FormatM4A)

	v.SetDefault("consent.ttl", time.Duration(0))
	v.SetDefault("server.port", "8080")

	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	c.Output.Directory = expandPath(c.Output.Directory)
	return &c
}

// LoadWithProfile reads configFile (missing file means defaults), applies
// CALLCAPTURE_* environment overrides, then the selected profile.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CALLCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error accessing config file %s: %w", configFile, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	name := profile
	if name == "" {
		name = c.ActiveProfile
	}
	if name != "" {
		p, ok := c.Profiles[name]
		if !ok {
			return nil, fmt.Errorf("configuration profile '%s' not found", name)
		}
		c.applyProfile(p)
		c.ActiveProfile = name
	}

	c.Output.Directory = expandPath(c.Output.Directory)
	c.Output.Format = strings.ToLower(c.Output.Format)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyProfile(p *ProfileConfig) {
	if p == nil {
		return
	}
	if p.MicGain != nil {
		c.Mix.MicGain = *p.MicGain
	}
	if p.AppGain != nil {
		c.Mix.AppGain = *p.AppGain
	}
	if p.Directory != "" {
		c.Output.Directory = p.Directory
	}
	if p.Format != "" {
		c.Output.Format = p.Format
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	a := c.Audio
	if a.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", a.SampleRate)
	}
	if a.Channels != 1 {
		return fmt.Errorf("audio.channels must be 1 (mono), got: %d", a.Channels)
	}
	if a.BitRate <= 0 {
		return fmt.Errorf("audio.bit_rate must be > 0, got: %d", a.BitRate)
	}
	if a.BufferSize <= 0 || a.BufferSize%2 != 0 {
		return fmt.Errorf("audio.buffer_size must be a positive even number of bytes, got: %d", a.BufferSize)
	}
	durations := map[string]time.Duration{
		"audio.read_timeout":   a.ReadTimeout,
		"audio.input_timeout":  a.InputTimeout,
		"audio.join_timeout":   a.JoinTimeout,
		"audio.drain_timeout":  a.DrainTimeout,
		"audio.meter_interval": a.MeterInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got: %s", key, d)
		}
	}
	// One mixer iteration waits at most read_timeout and consumes at most
	// one buffer, so the wait has to stay under the buffer's play time.
	if period := a.BufferPeriod(); a.ReadTimeout >= period {
		return fmt.Errorf("audio.read_timeout must be shorter than one buffer period (%s), got: %s", period, a.ReadTimeout)
	}
	// Stop waits join_timeout for the worker's final drain.
	if a.DrainTimeout >= a.JoinTimeout {
		return fmt.Errorf("audio.drain_timeout must be shorter than audio.join_timeout (%s), got: %s", a.JoinTimeout, a.DrainTimeout)
	}
	switch strings.ToLower(a.Backend) {
	case "", "auto", "malgo", "pipewire":
	default:
		return fmt.Errorf("audio.backend must be 'auto', 'malgo' or 'pipewire', got: %s", a.Backend)
	}

	if err := validateGain("mix.mic_gain", c.Mix.MicGain); err != nil {
		return err
	}
	if err := validateGain("mix.app_gain", c.Mix.AppGain); err != nil {
		return err
	}

	if c.Output.Directory == "" {
		return fmt.Errorf("output.directory is required")
	}
	switch c.Output.Format {
	case FormatM4A, FormatWAV:
	default:
		return fmt.Errorf("output.format must be '%s' or '%s', got: %s", FormatM4A, FormatWAV, c.Output.Format)
	}

	if c.Consent.TTL < 0 {
		return fmt.Errorf("consent.ttl must be >= 0, got: %s", c.Consent.TTL)
	}
	return nil
}

// BufferPeriod is the play time of one BufferSize read.
func (a AudioConfig) BufferPeriod() time.Duration {
	bytesPerSecond := a.SampleRate * a.Channels * 2
	return time.Duration(a.BufferSize) * time.Second / time.Duration(bytesPerSecond)
}

func validateGain(key string, g float64) error {
	if g < 0 || g > 1 {
		return fmt.Errorf("%s must be within [0, 1], got: %.2f", key, g)
	}
	return nil
}

// Extension returns the file extension for the output format, without dot.
func (c *Config) Extension() string {
	return c.Output.Format
}

// ProfileNames lists configured profiles.
func (c *Config) ProfileNames() []string {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	return names
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, name string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if name != "" && !v.IsSet("profiles."+name) {
		return fmt.Errorf("configuration profile '%s' not found", name)
	}

	v.Set("active_profile", name)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
