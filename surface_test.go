// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSurfaces() (*SurfaceManager, *MemoryPresenter) {
	p := NewMemoryPresenter()
	return NewSurfaceManager(p, &NoOpLogger{}), p
}

func TestSurfaceManager_PrimaryLifecycle(t *testing.T) {
	sm, p := newTestSurfaces()

	s, err := sm.Create(SurfaceCreate{SurfaceID: 0, Width: 640, Height: 480, Format: SurfaceFormat32xRGB, Flags: SurfaceFlagPrimary})
	require.NoError(t, err)
	assert.True(t, s.Primary())
	assert.Equal(t, image.Rect(0, 0, 640, 480), s.Drawable.Bounds())
	assert.Same(t, s.Drawable, p.Primary())
	assert.Equal(t, 480, p.ViewportHeight())
	assert.True(t, p.Hooked(s.Drawable))

	primary, ok := sm.Primary()
	require.True(t, ok)
	assert.Same(t, s, primary)

	assert.True(t, sm.Destroy(0))
	assert.False(t, p.Hooked(s.Drawable))
	assert.Nil(t, p.Primary())
	hooks, unhooks := p.HookCounts()
	assert.Equal(t, 1, hooks)
	assert.Equal(t, 1, unhooks)
	assert.Zero(t, p.LiveDrawables())

	_, ok = sm.Primary()
	assert.False(t, ok)
}

func TestSurfaceManager_OffscreenSurface(t *testing.T) {
	sm, p := newTestSurfaces()
	s, err := sm.Create(SurfaceCreate{SurfaceID: 3, Width: 16, Height: 16, Format: SurfaceFormat32ARGB})
	require.NoError(t, err)
	assert.False(t, s.Primary())
	assert.Nil(t, p.Primary())

	assert.True(t, sm.Destroy(3))
	hooks, unhooks := p.HookCounts()
	assert.Zero(t, hooks)
	assert.Zero(t, unhooks)
	assert.False(t, sm.Destroy(3))
}

func TestSurfaceManager_RejectsInvalid(t *testing.T) {
	sm, p := newTestSurfaces()

	_, err := sm.Create(SurfaceCreate{SurfaceID: 1, Width: 8, Height: 8, Format: SurfaceFormat16_565})
	assert.True(t, IsSpiceError(err, ErrUnsupported))

	_, err = sm.Create(SurfaceCreate{SurfaceID: 1, Width: 0, Height: 8, Format: SurfaceFormat32xRGB})
	assert.True(t, IsSpiceError(err, ErrValidation))

	assert.Zero(t, sm.Len())
	assert.Zero(t, p.LiveDrawables())
}

func TestSurfaceManager_ReplaceExistingID(t *testing.T) {
	sm, p := newTestSurfaces()
	first, err := sm.Create(SurfaceCreate{SurfaceID: 2, Width: 8, Height: 8, Format: SurfaceFormat32xRGB})
	require.NoError(t, err)
	second, err := sm.Create(SurfaceCreate{SurfaceID: 2, Width: 4, Height: 4, Format: SurfaceFormat32xRGB})
	require.NoError(t, err)

	got, ok := sm.Get(2)
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.NotSame(t, first, got)
	assert.Equal(t, 1, sm.Len())
	assert.Equal(t, 1, p.LiveDrawables())
}

func TestSurfaceManager_DestroyAll(t *testing.T) {
	sm, p := newTestSurfaces()
	for id := uint32(0); id < 4; id++ {
		var flags uint32
		if id == 0 {
			flags = SurfaceFlagPrimary
		}
		_, err := sm.Create(SurfaceCreate{SurfaceID: id, Width: 8, Height: 8, Format: SurfaceFormat32xRGB, Flags: flags})
		require.NoError(t, err)
	}
	sm.DestroyAll()
	assert.Zero(t, sm.Len())
	assert.Zero(t, p.LiveDrawables())
	assert.Nil(t, p.Primary())
	_, unhooks := p.HookCounts()
	assert.Equal(t, 1, unhooks)
}

func TestMemoryDrawable(t *testing.T) {
	d := NewMemoryDrawable(4, 4)
	red := color.NRGBA{R: 0xff, A: 0xff}
	d.FillRect(image.Rect(1, 1, 3, 3), red)
	assert.Equal(t, red, d.Pixels.NRGBAAt(1, 1))
	assert.Equal(t, color.NRGBA{}, d.Pixels.NRGBAAt(0, 0))

	region := d.ReadRegion(image.Rect(1, 1, 10, 10))
	assert.Equal(t, image.Rect(0, 0, 3, 3), region.Bounds())
	assert.Equal(t, red, region.NRGBAAt(0, 0))

	half := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	half.SetNRGBA(0, 0, color.NRGBA{B: 0xff, A: 0})
	d.Paste(half, 1, 1, true)
	assert.Equal(t, red, d.Pixels.NRGBAAt(1, 1))
	d.Paste(half, 1, 1, false)
	assert.Equal(t, uint8(0), d.Pixels.NRGBAAt(1, 1).A)
}

func TestImageCache(t *testing.T) {
	c := NewImageCache()
	_, ok := c.Get(1)
	assert.False(t, ok)

	px := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	c.Put(1, CachedImage{Pixels: px})
	e, ok := c.Get(1)
	require.True(t, ok)
	assert.Same(t, px, e.Pixels)

	assert.True(t, c.Remove(1))
	assert.False(t, c.Remove(1))

	c.Put(2, CachedImage{Pixels: px})
	c.Clear()
	assert.Zero(t, c.Len())
}
