// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"time"
)

// DefaultConnectTimeout bounds the time a channel may take to reach ready.
const DefaultConnectTimeout = 30 * time.Second

// ClientConfig configures a SPICE session and every channel it opens.
type ClientConfig struct {
	// Dialer opens the transport for each channel.
	Dialer Dialer

	// Password is encrypted into the link ticket.
	Password string

	// TicketEncrypter defaults to RSATicketEncrypter.
	TicketEncrypter TicketEncrypter

	// Logger specifies the logger instance to use for connection logging.
	Logger Logger

	// Metrics specifies the metrics collector to use for connection monitoring.
	Metrics MetricsCollector

	// ConnectTimeout bounds each channel's handshake.
	ConnectTimeout time.Duration

	// WriteTimeout applies to individual sends when non-zero.
	WriteTimeout time.Duration

	// Presenter allocates drawables for display surfaces.
	Presenter Presenter

	// Decoders holds the still-image codecs used by display channels.
	Decoders Decoders

	// MediaSinks accepts container-framed video streams (VP8 in WebM).
	MediaSinks MediaSinkProvider

	// VideoDecoders decodes hardware-codec streams (H264) into frames.
	VideoDecoders VideoDecoderProvider

	// AudioSink receives playback channel audio.
	AudioSink AudioSink

	// CursorSink receives cursor shape and position updates.
	CursorSink CursorSink

	// PortHandler receives port channel traffic.
	PortHandler PortHandler

	// AgentListener receives messages from the guest agent.
	AgentListener AgentListener

	// ErrorHandler is invoked once per channel with its fatal error.
	ErrorHandler func(c *Conn, err error)

	// StateObserver is invoked on every channel state transition.
	StateObserver func(c *Conn, s State)

	// Channels restricts which announced sub-channels are opened. Empty opens
	// every supported type.
	Channels []ChannelType

	// MaxDisplayChannels caps how many display heads are attached.
	MaxDisplayChannels int

	// Now supplies wall-clock time for multimedia timing.
	Now func() time.Time
}

// ClientOption represents a functional option for configuring a SPICE session.
type ClientOption func(*ClientConfig)

// WithDialer sets how channel transports are opened.
func WithDialer(d Dialer) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Dialer = d
	}
}

// WithPassword sets the ticket password.
func WithPassword(password string) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Password = password
	}
}

// WithTicketEncrypter replaces the RSA ticket encrypter.
func WithTicketEncrypter(e TicketEncrypter) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.TicketEncrypter = e
	}
}

// WithLogger sets the logger for every channel.
// Use NoOpLogger to disable logging or provide a custom implementation.
func WithLogger(logger Logger) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics sets the metrics collector for connection monitoring.
func WithMetrics(metrics MetricsCollector) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Metrics = metrics
	}
}

// WithConnectTimeout sets how long each channel may take to reach ready.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithWriteTimeout sets the timeout for individual sends.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.WriteTimeout = timeout
	}
}

// WithPresenter sets where display surfaces are drawn.
func WithPresenter(p Presenter) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Presenter = p
	}
}

// WithDecoders sets the still-image codecs.
func WithDecoders(d Decoders) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Decoders = d
	}
}

// WithMediaSinks enables container-framed video streams.
func WithMediaSinks(p MediaSinkProvider) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.MediaSinks = p
	}
}

// WithVideoDecoders enables hardware-codec video streams.
func WithVideoDecoders(p VideoDecoderProvider) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.VideoDecoders = p
	}
}

// WithAudioSink sets where playback audio goes.
func WithAudioSink(s AudioSink) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AudioSink = s
	}
}

// WithCursorSink sets where cursor updates go.
func WithCursorSink(s CursorSink) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.CursorSink = s
	}
}

// WithPortHandler sets the port channel consumer.
func WithPortHandler(h PortHandler) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.PortHandler = h
	}
}

// WithAgentListener sets the guest agent consumer.
func WithAgentListener(l AgentListener) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.AgentListener = l
	}
}

// WithErrorHandler registers a callback for fatal channel errors.
func WithErrorHandler(fn func(c *Conn, err error)) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.ErrorHandler = fn
	}
}

// WithStateObserver registers a callback for channel state transitions.
func WithStateObserver(fn func(c *Conn, s State)) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.StateObserver = fn
	}
}

// WithChannels restricts which sub-channels are opened.
func WithChannels(types ...ChannelType) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.Channels = types
	}
}

// WithMaxDisplayChannels caps the number of display heads.
func WithMaxDisplayChannels(n int) ClientOption {
	return func(cfg *ClientConfig) {
		cfg.MaxDisplayChannels = n
	}
}

// NewClientConfig applies options over the defaults.
func NewClientConfig(options ...ClientOption) *ClientConfig {
	cfg := &ClientConfig{}
	for _, option := range options {
		option(cfg)
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *ClientConfig) applyDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = &NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoOpMetrics{}
	}
	if cfg.TicketEncrypter == nil {
		cfg.TicketEncrypter = &RSATicketEncrypter{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Presenter == nil {
		cfg.Presenter = NewMemoryPresenter()
	}
	if cfg.Decoders.Still == nil {
		cfg.Decoders.Still = &JPEGDecoder{}
	}
	if cfg.MaxDisplayChannels <= 0 {
		cfg.MaxDisplayChannels = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// validate checks the settings a session cannot run without.
func (cfg *ClientConfig) validate() error {
	if cfg.Dialer == nil {
		return configurationError("ClientConfig.validate", "no dialer configured", nil)
	}
	validator := newInputValidator()
	if err := validator.ValidatePassword(cfg.Password); err != nil {
		return configurationError("ClientConfig.validate", "invalid password", err)
	}
	return nil
}

// wantsChannel reports whether t should be opened when announced.
func (cfg *ClientConfig) wantsChannel(t ChannelType) bool {
	if len(cfg.Channels) == 0 {
		return true
	}
	for _, c := range cfg.Channels {
		if c == t {
			return true
		}
	}
	return false
}
