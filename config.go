// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvURI      = "SPICE_URI"
	EnvPassword = "SPICE_PASSWORD"
	EnvLogLevel = "SPICE_LOG_LEVEL"
)

// FileConfig is the on-disk form of a session configuration.
type FileConfig struct {
	URI                string        `yaml:"uri"`
	Password           string        `yaml:"password"`
	LogLevel           string        `yaml:"log_level"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	Channels           []string      `yaml:"channels"`
	MaxDisplayChannels int           `yaml:"max_display_channels"`
	DebugAddr          string        `yaml:"debug_addr"`
	RecordDir          string        `yaml:"record_dir"`
}

// LoadConfig reads a YAML file and applies environment overrides. An empty
// path yields a config built from the environment alone.
func LoadConfig(path string) (*FileConfig, error) {
	fc := &FileConfig{LogLevel: "info"}
	if path != "" {
		b, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil {
			return nil, configurationError("LoadConfig", "cannot read "+path, err)
		}
		if err := yaml.Unmarshal(b, fc); err != nil {
			return nil, configurationError("LoadConfig", "cannot parse "+path, err)
		}
	}
	fc.ApplyEnv(os.LookupEnv)
	return fc, nil
}

// ApplyEnv overrides fields from the SPICE_* variables that are set.
func (fc *FileConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvURI); ok && v != "" {
		fc.URI = v
	}
	if v, ok := lookup(EnvPassword); ok {
		fc.Password = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		fc.LogLevel = v
	}
}

// Validate checks the file values without dialing.
func (fc *FileConfig) Validate() error {
	if fc.URI == "" {
		return configurationError("FileConfig.Validate", "uri is required", nil)
	}
	if _, err := DialURI(fc.URI, fc.ConnectTimeout); err != nil {
		return err
	}
	if fc.ConnectTimeout < 0 || fc.WriteTimeout < 0 {
		return configurationError("FileConfig.Validate", "timeouts must not be negative", nil)
	}
	if fc.MaxDisplayChannels < 0 {
		return configurationError("FileConfig.Validate", "max_display_channels must not be negative", nil)
	}
	if _, err := parseChannelTypes(fc.Channels); err != nil {
		return err
	}
	switch strings.ToLower(fc.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return configurationError("FileConfig.Validate", "unknown log level "+fc.LogLevel, nil)
	}
	if err := newInputValidator().ValidatePassword(fc.Password); err != nil {
		return configurationError("FileConfig.Validate", "invalid password", err)
	}
	return nil
}

// Options converts the file values to client options. Callers append their
// own options (logger, sinks) after these.
func (fc *FileConfig) Options() ([]ClientOption, error) {
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	timeout := fc.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	dialer, err := DialURI(fc.URI, timeout)
	if err != nil {
		return nil, err
	}
	channels, err := parseChannelTypes(fc.Channels)
	if err != nil {
		return nil, err
	}

	opts := []ClientOption{
		WithDialer(dialer),
		WithPassword(fc.Password),
		WithConnectTimeout(timeout),
	}
	if fc.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(fc.WriteTimeout))
	}
	if len(channels) > 0 {
		opts = append(opts, WithChannels(channels...))
	}
	if fc.MaxDisplayChannels > 0 {
		opts = append(opts, WithMaxDisplayChannels(fc.MaxDisplayChannels))
	}
	if fc.RecordDir != "" {
		opts = append(opts, WithMediaSinks(NewWebMRecorder(fc.RecordDir)))
	}
	return opts, nil
}

// ParseChannelType maps a channel name such as "display" to its type.
func ParseChannelType(name string) (ChannelType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t := ChannelMain; t <= ChannelWebDAV; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, configurationError("ParseChannelType", fmt.Sprintf("unknown channel %q", name), nil)
}

func parseChannelTypes(names []string) ([]ChannelType, error) {
	out := make([]ChannelType, 0, len(names))
	for _, n := range names {
		t, err := ParseChannelType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
