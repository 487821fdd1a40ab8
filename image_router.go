// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
)

// DecodedImage is a decoded pixel buffer and whether its alpha is meaningful.
type DecodedImage struct {
	Pixels   *image.NRGBA
	HasAlpha bool
}

// QuantizedDecoder decodes quic images.
type QuantizedDecoder interface {
	DecodeQuantized(desc ImageDescriptor, payload []byte) (DecodedImage, error)
}

// DictionaryDecoder decodes lz images, including jpeg alpha planes.
type DictionaryDecoder interface {
	DecodeDictionary(desc ImageDescriptor, payload []byte) (DecodedImage, error)
}

// StillImageDecoder decodes a self-contained compressed still image.
type StillImageDecoder interface {
	DecodeStill(payload []byte) (image.Image, error)
}

// Decoders groups the codecs a display channel routes images to. A nil
// codec makes its encodings unsupported.
type Decoders struct {
	Quantized  QuantizedDecoder
	Dictionary DictionaryDecoder
	Still      StillImageDecoder
}

// JPEGDecoder decodes baseline and progressive JPEG.
type JPEGDecoder struct{}

func (JPEGDecoder) DecodeStill(payload []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, decodeError("JPEGDecoder.DecodeStill", "invalid jpeg", err)
	}
	return img, nil
}

// toNRGBA copies img into a fresh NRGBA buffer anchored at the origin.
func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// ImageSource resolves references to previously seen pixels.
type ImageSource interface {
	CachedImage(id uint64) (CachedImage, bool)
	SurfaceRegion(id uint32, r image.Rectangle) (*image.NRGBA, SurfaceFormat, bool)
	Palette(id uint64) (*Palette, bool)
}

// ImageDecodeRouter picks the decode path for an image. It never mutates
// caches or surfaces; callers apply the result.
type ImageDecodeRouter struct {
	decoders Decoders
}

// NewImageDecodeRouter creates a router over d.
func NewImageDecodeRouter(d Decoders) *ImageDecodeRouter {
	return &ImageDecodeRouter{decoders: d}
}

// Deferred reports whether images of type t decode off the event loop.
func (r *ImageDecodeRouter) Deferred(t ImageType) bool {
	return t == ImageTypeJPEG || t == ImageTypeJPEGAlpha
}

// Decode resolves img synchronously. srcArea is the part of the image the
// draw reads; the returned area is relative to the returned pixels.
func (r *ImageDecodeRouter) Decode(img *Image, srcArea Rect, src ImageSource) (DecodedImage, Rect, error) {
	const op = "ImageDecodeRouter.Decode"
	if img == nil {
		return DecodedImage{}, srcArea, malformedError(op, "draw carries no source image", nil)
	}
	d := img.Descriptor

	switch d.Type {
	case ImageTypeFromCache, ImageTypeFromCacheLossless:
		e, ok := src.CachedImage(d.ID)
		if !ok {
			return DecodedImage{}, srcArea, cacheMissError(op, d.ID)
		}
		return DecodedImage{Pixels: e.Pixels, HasAlpha: e.HasAlpha}, srcArea, nil

	case ImageTypeSurface:
		region, format, ok := src.SurfaceRegion(img.SurfaceID, srcArea.Image())
		if !ok {
			return DecodedImage{}, srcArea, missingSurfaceError(op, img.SurfaceID)
		}
		full := Rect{Right: int32(region.Rect.Dx()), Bottom: int32(region.Rect.Dy())} // #nosec G115 - bounded by surface size
		return DecodedImage{Pixels: region, HasAlpha: format != SurfaceFormat32xRGB}, full, nil

	case ImageTypeBitmap:
		if img.Bitmap == nil {
			return DecodedImage{}, srcArea, malformedError(op, "bitmap image without bitmap", nil)
		}
		palette := img.Bitmap.Palette
		if img.Bitmap.Flags&BitmapFlagsPalFromCache != 0 {
			p, ok := src.Palette(img.Bitmap.PaletteID)
			if !ok {
				return DecodedImage{}, srcArea, cacheMissError(op, img.Bitmap.PaletteID)
			}
			palette = p
		}
		dec, err := convertBitmap(img.Bitmap, palette)
		return dec, srcArea, err

	case ImageTypeQuic:
		if r.decoders.Quantized == nil {
			return DecodedImage{}, srcArea, unsupportedError(op, "no quic decoder configured", nil)
		}
		if len(img.Data) == 0 {
			return DecodedImage{}, srcArea, malformedError(op, "quic image without payload", nil)
		}
		dec, err := r.decoders.Quantized.DecodeQuantized(d, img.Data)
		if err != nil {
			return DecodedImage{}, srcArea, decodeError(op, "quic decode failed", err)
		}
		return dec, srcArea, nil

	case ImageTypeLZRGB, ImageTypeLZPLT:
		if r.decoders.Dictionary == nil {
			return DecodedImage{}, srcArea, unsupportedError(op, "no lz decoder configured", nil)
		}
		if len(img.Data) == 0 {
			return DecodedImage{}, srcArea, malformedError(op, "lz image without payload", nil)
		}
		dec, err := r.decoders.Dictionary.DecodeDictionary(d, img.Data)
		if err != nil {
			return DecodedImage{}, srcArea, decodeError(op, "lz decode failed", err)
		}
		return dec, srcArea, nil
	}

	return DecodedImage{}, srcArea, unsupportedError(op, fmt.Sprintf("image type %s", d.Type), nil)
}

// DecodeDeferred decodes a jpeg or jpeg-with-alpha image. It is safe to call
// off the event loop. wantAlpha applies the alpha plane; destinations
// without alpha ignore it.
func (r *ImageDecodeRouter) DecodeDeferred(img *Image, wantAlpha bool) (DecodedImage, error) {
	const op = "ImageDecodeRouter.DecodeDeferred"
	if r.decoders.Still == nil {
		return DecodedImage{}, unsupportedError(op, "no jpeg decoder configured", nil)
	}

	switch img.Descriptor.Type {
	case ImageTypeJPEG:
		if len(img.Data) == 0 {
			return DecodedImage{}, malformedError(op, "jpeg image without payload", nil)
		}
		still, err := r.decoders.Still.DecodeStill(img.Data)
		if err != nil {
			return DecodedImage{}, err
		}
		return DecodedImage{Pixels: toNRGBA(still)}, nil

	case ImageTypeJPEGAlpha:
		ja := img.JPEGAlpha
		if ja == nil || len(ja.JPEG) == 0 {
			return DecodedImage{}, malformedError(op, "jpeg alpha image without payload", nil)
		}
		still, err := r.decoders.Still.DecodeStill(ja.JPEG)
		if err != nil {
			return DecodedImage{}, err
		}
		pixels := toNRGBA(still)
		if !wantAlpha {
			return DecodedImage{Pixels: pixels}, nil
		}
		if r.decoders.Dictionary == nil {
			return DecodedImage{}, unsupportedError(op, "no lz decoder for alpha plane", nil)
		}
		plane, err := r.decoders.Dictionary.DecodeDictionary(img.Descriptor, ja.Alpha)
		if err != nil {
			return DecodedImage{}, decodeError(op, "alpha plane decode failed", err)
		}
		if !plane.Pixels.Rect.Eq(pixels.Rect) {
			return DecodedImage{}, malformedError(op,
				fmt.Sprintf("alpha plane %v does not match jpeg %v", plane.Pixels.Rect, pixels.Rect), nil)
		}
		if ja.Flags&JPEGAlphaFlagsTopDown == 0 {
			flipRows(plane.Pixels)
		}
		applyAlphaPlane(pixels, plane.Pixels)
		return DecodedImage{Pixels: pixels, HasAlpha: true}, nil
	}

	return DecodedImage{}, unsupportedError(op, fmt.Sprintf("image type %s", img.Descriptor.Type), nil)
}

// applyAlphaPlane copies the alpha channel of plane into dst.
func applyAlphaPlane(dst, plane *image.NRGBA) {
	for i := 3; i < len(dst.Pix) && i < len(plane.Pix); i += 4 {
		dst.Pix[i] = plane.Pix[i]
	}
}

func flipRows(img *image.NRGBA) {
	h := img.Rect.Dy()
	row := make([]byte, img.Stride)
	for y := 0; y < h/2; y++ {
		a := img.Pix[y*img.Stride : (y+1)*img.Stride]
		b := img.Pix[(h-1-y)*img.Stride : (h-y)*img.Stride]
		copy(row, a)
		copy(a, b)
		copy(b, row)
	}
}
