// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapSource is an ImageSource backed by plain maps.
type mapSource struct {
	images   map[uint64]CachedImage
	surfaces map[uint32]*image.NRGBA
	palettes map[uint64]*Palette
}

func (m *mapSource) CachedImage(id uint64) (CachedImage, bool) {
	e, ok := m.images[id]
	return e, ok
}

func (m *mapSource) SurfaceRegion(id uint32, r image.Rectangle) (*image.NRGBA, SurfaceFormat, bool) {
	s, ok := m.surfaces[id]
	if !ok {
		return nil, 0, false
	}
	return (&MemoryDrawable{Pixels: s}).ReadRegion(r), SurfaceFormat32ARGB, true
}

func (m *mapSource) Palette(id uint64) (*Palette, bool) {
	p, ok := m.palettes[id]
	return p, ok
}

// stubCodec decodes every payload to a 2x2 image of one color.
type stubCodec struct {
	c     color.NRGBA
	err   error
	calls int
}

func (s *stubCodec) decode() (DecodedImage, error) {
	s.calls++
	if s.err != nil {
		return DecodedImage{}, s.err
	}
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = s.c.R, s.c.G, s.c.B, s.c.A
	}
	return DecodedImage{Pixels: img, HasAlpha: s.c.A != 0xff}, nil
}

func (s *stubCodec) DecodeQuantized(ImageDescriptor, []byte) (DecodedImage, error) {
	return s.decode()
}

func (s *stubCodec) DecodeDictionary(ImageDescriptor, []byte) (DecodedImage, error) {
	return s.decode()
}

func TestImageRouter_Deferred(t *testing.T) {
	r := NewImageDecodeRouter(Decoders{})
	assert.True(t, r.Deferred(ImageTypeJPEG))
	assert.True(t, r.Deferred(ImageTypeJPEGAlpha))
	for _, typ := range []ImageType{ImageTypeBitmap, ImageTypeQuic, ImageTypeLZRGB, ImageTypeFromCache, ImageTypeSurface} {
		assert.False(t, r.Deferred(typ), "type %s", typ)
	}
}

func TestImageRouter_Decode(t *testing.T) {
	cached := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	surface := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	surface.SetNRGBA(2, 2, opaqueBlue)
	src := &mapSource{
		images:   map[uint64]CachedImage{5: {Pixels: cached, HasAlpha: true}},
		surfaces: map[uint32]*image.NRGBA{1: surface},
		palettes: map[uint64]*Palette{9: {Unique: 9, Entries: []uint32{0x00ff0000}}},
	}
	quic := &stubCodec{c: opaqueGreen}
	lz := &stubCodec{c: opaqueRed}
	r := NewImageDecodeRouter(Decoders{Quantized: quic, Dictionary: lz})

	dec, _, err := r.Decode(&Image{Descriptor: ImageDescriptor{ID: 5, Type: ImageTypeFromCache}}, Rect{}, src)
	require.NoError(t, err)
	assert.Same(t, cached, dec.Pixels)
	assert.True(t, dec.HasAlpha)

	dec, area, err := r.Decode(&Image{Descriptor: ImageDescriptor{Type: ImageTypeSurface}, SurfaceID: 1}, box(2, 2, 4, 4), src)
	require.NoError(t, err)
	assert.Equal(t, box(0, 0, 2, 2), area)
	assert.Equal(t, opaqueBlue, dec.Pixels.NRGBAAt(0, 0))
	assert.True(t, dec.HasAlpha)

	bm := &Bitmap{Format: BitmapFmt8Bit, Flags: BitmapFlagsTopDown | BitmapFlagsPalFromCache, PaletteID: 9, Width: 1, Height: 1, Stride: 1, Data: []byte{0}}
	dec, _, err = r.Decode(&Image{Descriptor: ImageDescriptor{Type: ImageTypeBitmap}, Bitmap: bm}, Rect{}, src)
	require.NoError(t, err)
	assert.Equal(t, opaqueRed, dec.Pixels.NRGBAAt(0, 0))

	dec, _, err = r.Decode(&Image{Descriptor: ImageDescriptor{Type: ImageTypeQuic}, Data: []byte{1}}, Rect{}, src)
	require.NoError(t, err)
	assert.Equal(t, opaqueGreen, dec.Pixels.NRGBAAt(1, 1))
	assert.Equal(t, 1, quic.calls)

	dec, _, err = r.Decode(&Image{Descriptor: ImageDescriptor{Type: ImageTypeLZRGB}, Data: []byte{1}}, Rect{}, src)
	require.NoError(t, err)
	assert.Equal(t, opaqueRed, dec.Pixels.NRGBAAt(1, 1))
}

func TestImageRouter_DecodeErrors(t *testing.T) {
	src := &mapSource{}
	failing := &stubCodec{err: errors.New("corrupt stream")}
	r := NewImageDecodeRouter(Decoders{Quantized: failing})
	bare := NewImageDecodeRouter(Decoders{})

	tests := []struct {
		name   string
		router *ImageDecodeRouter
		img    *Image
		code   ErrorCode
	}{
		{"nil image", r, nil, ErrMalformed},
		{"cache miss", r, &Image{Descriptor: ImageDescriptor{ID: 3, Type: ImageTypeFromCacheLossless}}, ErrCacheMiss},
		{"missing surface", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeSurface}, SurfaceID: 8}, ErrMissingSurface},
		{"bitmap without body", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeBitmap}}, ErrMalformed},
		{"palette miss", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeBitmap}, Bitmap: &Bitmap{Flags: BitmapFlagsPalFromCache, PaletteID: 4}}, ErrCacheMiss},
		{"quic decoder failure", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeQuic}, Data: []byte{1}}, ErrDecode},
		{"quic without payload", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeQuic}}, ErrMalformed},
		{"no quic decoder", bare, &Image{Descriptor: ImageDescriptor{Type: ImageTypeQuic}, Data: []byte{1}}, ErrUnsupported},
		{"no lz decoder", bare, &Image{Descriptor: ImageDescriptor{Type: ImageTypeLZPLT}, Data: []byte{1}}, ErrUnsupported},
		{"glz", r, &Image{Descriptor: ImageDescriptor{Type: ImageTypeGLZRGB}, Data: []byte{1}}, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.router.Decode(tt.img, Rect{}, src)
			assert.True(t, IsSpiceError(err, tt.code), "got %v", err)
			assert.False(t, IsFatal(err))
		})
	}
}

func TestImageRouter_DecodeDeferredJPEG(t *testing.T) {
	r := NewImageDecodeRouter(Decoders{Still: &JPEGDecoder{}})
	payload := solidJPEG(t, 4, 4, opaqueRed)

	dec, err := r.DecodeDeferred(&Image{Descriptor: ImageDescriptor{Type: ImageTypeJPEG}, Data: payload}, true)
	require.NoError(t, err)
	assert.False(t, dec.HasAlpha)
	assert.Equal(t, image.Rect(0, 0, 4, 4), dec.Pixels.Rect)
	assert.Greater(t, dec.Pixels.NRGBAAt(1, 1).R, uint8(0xf0))

	_, err = r.DecodeDeferred(&Image{Descriptor: ImageDescriptor{Type: ImageTypeJPEG}, Data: []byte("nope")}, false)
	assert.True(t, IsSpiceError(err, ErrDecode))

	_, err = r.DecodeDeferred(&Image{Descriptor: ImageDescriptor{Type: ImageTypeJPEG}}, false)
	assert.True(t, IsSpiceError(err, ErrMalformed))

	_, err = NewImageDecodeRouter(Decoders{}).DecodeDeferred(&Image{Descriptor: ImageDescriptor{Type: ImageTypeJPEG}, Data: payload}, false)
	assert.True(t, IsSpiceError(err, ErrUnsupported))
}

// alphaPlane returns a 2x2 plane whose top row is transparent.
type alphaPlane struct{}

func (alphaPlane) DecodeDictionary(ImageDescriptor, []byte) (DecodedImage, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Pix[3], img.Pix[7] = 0x00, 0x00
	img.Pix[11], img.Pix[15] = 0xff, 0xff
	return DecodedImage{Pixels: img, HasAlpha: true}, nil
}

func TestImageRouter_DecodeDeferredJPEGAlpha(t *testing.T) {
	r := NewImageDecodeRouter(Decoders{Still: &JPEGDecoder{}, Dictionary: alphaPlane{}})
	img := &Image{
		Descriptor: ImageDescriptor{Type: ImageTypeJPEGAlpha},
		JPEGAlpha:  &JPEGAlpha{Flags: JPEGAlphaFlagsTopDown, JPEG: solidJPEG(t, 2, 2, opaqueRed), Alpha: []byte{1}},
	}

	dec, err := r.DecodeDeferred(img, true)
	require.NoError(t, err)
	assert.True(t, dec.HasAlpha)
	assert.Equal(t, uint8(0), dec.Pixels.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0xff), dec.Pixels.NRGBAAt(0, 1).A)

	img.JPEGAlpha.Flags = 0
	dec, err = r.DecodeDeferred(img, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(0xff), dec.Pixels.NRGBAAt(0, 0).A)
	assert.Equal(t, uint8(0), dec.Pixels.NRGBAAt(0, 1).A)

	dec, err = r.DecodeDeferred(img, false)
	require.NoError(t, err)
	assert.False(t, dec.HasAlpha)

	noLZ := NewImageDecodeRouter(Decoders{Still: &JPEGDecoder{}})
	_, err = noLZ.DecodeDeferred(img, true)
	assert.True(t, IsSpiceError(err, ErrUnsupported))

	img.JPEGAlpha.JPEG = solidJPEG(t, 4, 4, opaqueRed)
	_, err = r.DecodeDeferred(img, true)
	assert.True(t, IsSpiceError(err, ErrMalformed))
}

func TestPlanDraw(t *testing.T) {
	px := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 3; i < len(px.Pix); i += 4 {
		px.Pix[i] = 0x40
	}
	dec := DecodedImage{Pixels: px, HasAlpha: true}

	p := planDraw(SurfaceFormat32xRGB, box(1, 1, 3, 3), Rect{}, dec, ImageDescriptor{})
	assert.False(t, p.composite)
	assert.Equal(t, image.Pt(1, 1), p.at)
	assert.Equal(t, image.Rect(0, 0, 2, 2), p.src.Bounds())
	assert.Equal(t, uint8(0xff), p.src.(*image.NRGBA).NRGBAAt(0, 0).A)
	assert.Nil(t, p.cache)

	p = planDraw(SurfaceFormat32ARGB, box(0, 0, 4, 4), Rect{}, dec, ImageDescriptor{ID: 6, Flags: ImageFlagsCacheMe})
	assert.True(t, p.composite)
	require.NotNil(t, p.cache)
	assert.Equal(t, uint64(6), p.cacheID)
	assert.Same(t, px, p.cache.Pixels)
}
