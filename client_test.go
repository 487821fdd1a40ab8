// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientConfig_Defaults(t *testing.T) {
	cfg := NewClientConfig()

	assert.IsType(t, &NoOpLogger{}, cfg.Logger)
	assert.IsType(t, &NoOpMetrics{}, cfg.Metrics)
	assert.IsType(t, &RSATicketEncrypter{}, cfg.TicketEncrypter)
	assert.IsType(t, &MemoryPresenter{}, cfg.Presenter)
	assert.IsType(t, &JPEGDecoder{}, cfg.Decoders.Still)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
	assert.Equal(t, 2, cfg.MaxDisplayChannels)
	assert.NotNil(t, cfg.Now)
	assert.Nil(t, cfg.Dialer)
}

func TestNewClientConfig_Options(t *testing.T) {
	logger, _ := newTestLogger("debug")
	presenter := NewMemoryPresenter()
	recorder := NewWebMRecorder(t.TempDir())
	var errorsSeen, states int
	dialer := func(context.Context) (Transport, error) { return nil, nil }

	cfg := NewClientConfig(
		WithDialer(dialer),
		WithPassword("pw"),
		WithLogger(logger),
		WithConnectTimeout(3*time.Second),
		WithWriteTimeout(time.Second),
		WithPresenter(presenter),
		WithMediaSinks(recorder),
		WithErrorHandler(func(*Conn, error) { errorsSeen++ }),
		WithStateObserver(func(*Conn, State) { states++ }),
		WithChannels(ChannelDisplay),
		WithMaxDisplayChannels(4),
	)

	assert.NotNil(t, cfg.Dialer)
	assert.Equal(t, "pw", cfg.Password)
	assert.Same(t, logger, cfg.Logger)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
	assert.Same(t, presenter, cfg.Presenter)
	assert.Same(t, recorder, cfg.MediaSinks)
	assert.Equal(t, 4, cfg.MaxDisplayChannels)

	cfg.ErrorHandler(nil, nil)
	cfg.StateObserver(nil, StateReady)
	assert.Equal(t, 1, errorsSeen)
	assert.Equal(t, 1, states)
}

func TestNewClientConfig_LaterOptionsWin(t *testing.T) {
	cfg := NewClientConfig(WithPassword("a"), WithPassword("b"), WithConnectTimeout(-time.Second))
	assert.Equal(t, "b", cfg.Password)
	assert.Equal(t, DefaultConnectTimeout, cfg.ConnectTimeout)
}

func TestClientConfig_Validate(t *testing.T) {
	err := NewClientConfig().validate()
	assert.True(t, IsSpiceError(err, ErrConfiguration))

	dialer := func(context.Context) (Transport, error) { return nil, nil }
	require.NoError(t, NewClientConfig(WithDialer(dialer)).validate())

	err = NewClientConfig(WithDialer(dialer), WithPassword(strings.Repeat("x", maxTicketPassword+1))).validate()
	assert.True(t, IsSpiceError(err, ErrConfiguration))
}

func TestClientConfig_WantsChannel(t *testing.T) {
	all := NewClientConfig()
	for typ := ChannelMain; typ <= ChannelWebDAV; typ++ {
		assert.True(t, all.wantsChannel(typ))
	}

	some := NewClientConfig(WithChannels(ChannelDisplay, ChannelInputs))
	assert.True(t, some.wantsChannel(ChannelDisplay))
	assert.True(t, some.wantsChannel(ChannelInputs))
	assert.False(t, some.wantsChannel(ChannelCursor))
}

func TestConnect_InvalidConfig(t *testing.T) {
	_, err := Connect(context.Background())
	assert.True(t, IsSpiceError(err, ErrConfiguration))
}
