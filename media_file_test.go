// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebMRecorder_SupportsCodec(t *testing.T) {
	w := NewWebMRecorder(t.TempDir())
	assert.True(t, w.SupportsCodec(VideoCodecVP8))
	assert.False(t, w.SupportsCodec(VideoCodecMJPEG))
	assert.False(t, w.SupportsCodec(VideoCodecH264))
}

func TestWebMRecorder_WritesFragments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "streams")
	w := NewWebMRecorder(dir)
	w.Now = func() time.Time { return time.Unix(1700000000, 0) }

	sink, err := w.NewMediaSink(StreamInfo{ID: 7, Codec: VideoCodecVP8, Width: 64, Height: 48})
	require.NoError(t, err)

	done := make(chan error, 2)
	sink.Append([]byte("head"), func(err error) { done <- err })
	sink.Append([]byte("er"), func(err error) { done <- err })
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	b, err := os.ReadFile(filepath.Join(dir, "stream-7-1700000000.webm"))
	require.NoError(t, err)
	assert.Equal(t, "header", string(b))
}

func TestWebMRecorder_BadDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := NewWebMRecorder(filepath.Join(file, "sub")).NewMediaSink(StreamInfo{ID: 1})
	assert.True(t, IsSpiceError(err, ErrConfiguration))
}
