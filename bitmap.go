// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"encoding/binary"
	"fmt"
	"image"
)

// PixelReader converts rows of an uncompressed bitmap into NRGBA pixels.
type PixelReader struct {
	format  BitmapFormat
	palette *Palette
}

// NewPixelReader creates a reader for one bitmap format. Indexed formats
// require a palette.
func NewPixelReader(format BitmapFormat, palette *Palette) (*PixelReader, error) {
	switch format {
	case BitmapFmt32Bit, BitmapFmtRGBA, BitmapFmt24Bit, BitmapFmt16Bit:
	case BitmapFmt8Bit, BitmapFmt4BitLE, BitmapFmt4BitBE, BitmapFmt1BitLE, BitmapFmt1BitBE:
		if palette == nil || len(palette.Entries) == 0 {
			return nil, malformedError("NewPixelReader",
				fmt.Sprintf("bitmap format %d needs a palette", format), nil)
		}
	default:
		return nil, unsupportedError("NewPixelReader",
			fmt.Sprintf("bitmap format %d", format), nil)
	}
	return &PixelReader{format: format, palette: palette}, nil
}

// HasAlpha reports whether the format carries per-pixel alpha.
func (pr *PixelReader) HasAlpha() bool {
	return pr.format == BitmapFmtRGBA
}

// RowBytes returns the minimum stride for a row of width pixels.
func (pr *PixelReader) RowBytes(width int) int {
	switch pr.format {
	case BitmapFmt32Bit, BitmapFmtRGBA:
		return width * 4
	case BitmapFmt24Bit:
		return width * 3
	case BitmapFmt16Bit:
		return width * 2
	case BitmapFmt8Bit:
		return width
	case BitmapFmt4BitLE, BitmapFmt4BitBE:
		return (width + 1) / 2
	default:
		return (width + 7) / 8
	}
}

// ReadRow decodes one source row into dst, which holds width NRGBA pixels.
func (pr *PixelReader) ReadRow(dst, row []byte, width int) {
	for x := 0; x < width; x++ {
		o := x * 4
		switch pr.format {
		case BitmapFmt32Bit:
			dst[o], dst[o+1], dst[o+2], dst[o+3] = row[x*4+2], row[x*4+1], row[x*4], 0xff
		case BitmapFmtRGBA:
			dst[o], dst[o+1], dst[o+2], dst[o+3] = row[x*4+2], row[x*4+1], row[x*4], row[x*4+3]
		case BitmapFmt24Bit:
			dst[o], dst[o+1], dst[o+2], dst[o+3] = row[x*3+2], row[x*3+1], row[x*3], 0xff
		case BitmapFmt16Bit:
			v := binary.LittleEndian.Uint16(row[x*2:])
			dst[o], dst[o+1], dst[o+2], dst[o+3] = expand5(v>>10), expand5(v>>5), expand5(v), 0xff
		default:
			c := pr.paletteColor(pr.index(row, x))
			dst[o], dst[o+1], dst[o+2], dst[o+3] = c.R, c.G, c.B, 0xff
		}
	}
}

func (pr *PixelReader) index(row []byte, x int) int {
	switch pr.format {
	case BitmapFmt8Bit:
		return int(row[x])
	case BitmapFmt4BitLE:
		return int(row[x/2]>>(4*(x%2))) & 0x0f
	case BitmapFmt4BitBE:
		return int(row[x/2]>>(4*(1-x%2))) & 0x0f
	case BitmapFmt1BitLE:
		return int(row[x/8]>>(x%8)) & 1
	default:
		return int(row[x/8]>>(7-x%8)) & 1
	}
}

func (pr *PixelReader) paletteColor(i int) RGB {
	if i >= len(pr.palette.Entries) {
		return RGB{}
	}
	return RGBFromUint32(pr.palette.Entries[i])
}

func expand5(v uint16) uint8 {
	v &= 0x1f
	return uint8(v<<3 | v>>2)
}

// convertBitmap turns an uncompressed bitmap into NRGBA pixels, flipping
// bottom-up rows unless the top-down flag is set.
func convertBitmap(bm *Bitmap, palette *Palette) (DecodedImage, error) {
	if err := newInputValidator().ValidateSurfaceDimensions(bm.Width, bm.Height); err != nil {
		return DecodedImage{}, malformedError("convertBitmap", "bad bitmap size", err)
	}
	pr, err := NewPixelReader(bm.Format, palette)
	if err != nil {
		return DecodedImage{}, err
	}
	width, height := int(bm.Width), int(bm.Height)
	stride := int(bm.Stride)
	if stride < pr.RowBytes(width) {
		return DecodedImage{}, malformedError("convertBitmap",
			fmt.Sprintf("stride %d too small for %d pixels", stride, width), nil)
	}
	if len(bm.Data) < stride*height {
		return DecodedImage{}, malformedError("convertBitmap",
			fmt.Sprintf("bitmap data is %d bytes, need %d", len(bm.Data), stride*height), nil)
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	topDown := bm.Flags&BitmapFlagsTopDown != 0
	for y := 0; y < height; y++ {
		src := y
		if !topDown {
			src = height - 1 - y
		}
		row := bm.Data[src*stride : src*stride+stride]
		pr.ReadRow(out.Pix[y*out.Stride:], row, width)
	}
	return DecodedImage{Pixels: out, HasAlpha: pr.HasAlpha()}, nil
}

// forceOpaque returns a copy of img with every alpha byte set to 0xff.
func forceOpaque(img *image.NRGBA) *image.NRGBA {
	out := &image.NRGBA{
		Pix:    make([]byte, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	for i := 3; i < len(out.Pix); i += 4 {
		out.Pix[i] = 0xff
	}
	return out
}

// bgraToNRGBA converts tightly packed 32-bit BGRA rows.
func bgraToNRGBA(data []byte, width, height int, alpha bool) (*image.NRGBA, error) {
	if len(data) < width*height*4 {
		return nil, malformedError("bgraToNRGBA",
			fmt.Sprintf("pixel data is %d bytes, need %d", len(data), width*height*4), nil)
	}
	format := BitmapFmt32Bit
	if alpha {
		format = BitmapFmtRGBA
	}
	pr := &PixelReader{format: format}
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		pr.ReadRow(out.Pix[y*out.Stride:], data[y*width*4:(y+1)*width*4], width)
	}
	return out, nil
}
