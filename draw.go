// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"image"
)

// drawPlan is the set of side effects one decoded draw produces.
type drawPlan struct {
	src       image.Image
	at        image.Point
	composite bool
	cacheID   uint64
	cache     *CachedImage
}

// planDraw decides how dec is pasted into box on a surface of the given
// format. srcArea selects the part of dec that is read.
func planDraw(format SurfaceFormat, box, srcArea Rect, dec DecodedImage, desc ImageDescriptor) drawPlan {
	pixels := dec.Pixels
	if dec.HasAlpha && !format.HasAlpha() {
		pixels = forceOpaque(pixels)
	}

	area := srcArea.Image()
	if area.Empty() {
		area = pixels.Rect
	}
	area = area.Intersect(pixels.Rect)
	if w, h := box.Width(), box.Height(); w > 0 && h > 0 {
		if area.Dx() > w {
			area.Max.X = area.Min.X + w
		}
		if area.Dy() > h {
			area.Max.Y = area.Min.Y + h
		}
	}

	p := drawPlan{
		src:       pixels.SubImage(area),
		at:        image.Pt(int(box.Left), int(box.Top)),
		composite: dec.HasAlpha && format.HasAlpha(),
	}
	if desc.Cacheable() {
		p.cacheID = desc.ID
		p.cache = &CachedImage{Pixels: dec.Pixels, HasAlpha: dec.HasAlpha}
	}
	return p
}

func (p drawPlan) apply(d Drawable, cache *ImageCache) {
	d.Paste(p.src, p.at.X, p.at.Y, p.composite)
	p.remember(cache)
}

// remember performs only the cache side effect of the plan.
func (p drawPlan) remember(cache *ImageCache) {
	if p.cache != nil {
		cache.Put(p.cacheID, *p.cache)
	}
}

// applyDraw pastes a decoded image onto a live surface.
func (dc *DisplayChannel) applyDraw(s *Surface, op string, box, srcArea Rect, dec DecodedImage, desc ImageDescriptor) {
	planDraw(s.Format, box, srcArea, dec, desc).apply(s.Drawable, dc.cache)
	s.DrawCount++
	dc.metrics.DrawApplied(op)
}

// noteLimitations logs, once per kind, draw features that are ignored.
func (dc *DisplayChannel) noteLimitations(op string, base DisplayBase, rop uint16, mask QMask) {
	if base.Clip.Type != ClipTypeNone {
		dc.limitation(op+":clip", "Clip regions are not applied")
	}
	if mask.Bitmap != nil {
		dc.limitation(op+":mask", "Draw masks are not applied")
	}
	if rop != RopdOpPut {
		dc.limitation(fmt.Sprintf("%s:rop:%d", op, rop), "Only the PUT raster operation is supported")
	}
}

func (dc *DisplayChannel) limitation(key, msg string) {
	if dc.limitations[key] {
		return
	}
	dc.limitations[key] = true
	dc.logger.Warn(msg+", further notices suppressed", Field{Key: "kind", Value: key})
}

func (dc *DisplayChannel) surface(op string, id uint32) (*Surface, error) {
	s, ok := dc.surfaces.Get(id)
	if !ok {
		return nil, missingSurfaceError(op, id)
	}
	return s, nil
}

func (dc *DisplayChannel) drawCopy(c *Conn, m *DrawCopy) error {
	const op = "draw_copy"
	s, err := dc.surface("DisplayChannel.drawCopy", m.Base.SurfaceID)
	if err != nil {
		return err
	}
	dc.noteLimitations(op, m.Base, m.RopDescriptor, m.Mask)

	img := m.SrcBitmap
	if img == nil {
		return malformedError("DisplayChannel.drawCopy", "draw copy without source image", nil)
	}
	dc.rememberPalette(img)

	if dc.router.Deferred(img.Descriptor.Type) {
		dc.drawDeferred(c, op, s, m.Base.Box, m.SrcArea, img)
		return nil
	}

	dec, area, err := dc.router.Decode(img, m.SrcArea, dc)
	if err != nil {
		return err
	}
	dc.applyDraw(s, op, m.Base.Box, area, dec, img.Descriptor)
	return nil
}

func (dc *DisplayChannel) rememberPalette(img *Image) {
	bm := img.Bitmap
	if bm != nil && bm.Palette != nil && bm.Flags&BitmapFlagsPalCacheMe != 0 {
		dc.palettes.Put(bm.Palette)
	}
}

// drawDeferred decodes img off the event loop and pastes it on completion.
// The target surface is looked up again when the decode finishes.
func (dc *DisplayChannel) drawDeferred(c *Conn, op string, s *Surface, box, srcArea Rect, img *Image) {
	surfaceID := s.ID
	wantAlpha := s.Format.HasAlpha()
	router := dc.router
	submit(c, func() (DecodedImage, error) {
		return router.DecodeDeferred(img, wantAlpha)
	}, func(dec DecodedImage, err error) {
		if dc.closed {
			return
		}
		if err != nil {
			dc.logger.Warn("Asynchronous image decode failed",
				Field{Key: "surface_id", Value: surfaceID},
				Field{Key: "image_id", Value: img.Descriptor.ID},
				Field{Key: "error", Value: err})
			dc.metrics.Error(ChannelDisplay, GetErrorCode(err))
			return
		}
		if cur, ok := dc.surfaces.Get(surfaceID); ok {
			dc.applyDraw(cur, op, box, srcArea, dec, img.Descriptor)
			return
		}
		dc.logger.Debug("Surface destroyed before decode completed, caching only",
			Field{Key: "surface_id", Value: surfaceID})
		format := SurfaceFormat32xRGB
		if wantAlpha {
			format = SurfaceFormat32ARGB
		}
		planDraw(format, box, srcArea, dec, img.Descriptor).remember(dc.cache)
	})
}

func (dc *DisplayChannel) drawFill(m *DrawFill) error {
	const op = "draw_fill"
	s, err := dc.surface("DisplayChannel.drawFill", m.Base.SurfaceID)
	if err != nil {
		return err
	}
	dc.noteLimitations(op, m.Base, m.RopDescriptor, m.Mask)
	if m.RopDescriptor != RopdOpPut {
		return nil
	}
	if m.Brush.Type != BrushTypeSolid {
		return unsupportedError("DisplayChannel.drawFill",
			fmt.Sprintf("brush type %d", m.Brush.Type), nil)
	}
	s.Drawable.FillRect(m.Base.Box.Image(), RGBFromUint32(m.Brush.Color).Opaque())
	s.DrawCount++
	dc.metrics.DrawApplied(op)
	return nil
}

func (dc *DisplayChannel) copyBits(m *CopyBits) error {
	const op = "copy_bits"
	s, err := dc.surface("DisplayChannel.copyBits", m.Base.SurfaceID)
	if err != nil {
		return err
	}
	bounds := s.Drawable.Bounds()
	w := min(bounds.Dx()-int(m.SrcPos.X), m.Base.Box.Width())
	h := min(bounds.Dy()-int(m.SrcPos.Y), m.Base.Box.Height())
	if w <= 0 || h <= 0 {
		return nil
	}
	x, y := int(m.SrcPos.X), int(m.SrcPos.Y)
	region := s.Drawable.ReadRegion(image.Rect(x, y, x+w, y+h))
	s.Drawable.Paste(region, int(m.Base.Box.Left), int(m.Base.Box.Top), true)
	s.DrawCount++
	dc.metrics.DrawApplied(op)
	return nil
}

func (dc *DisplayChannel) invalList(m *InvalList) {
	for _, res := range m.Resources {
		if res.Type != ResTypePixmap {
			continue
		}
		if !dc.cache.Remove(res.ID) {
			dc.logger.Debug("Invalidated image was not cached", Field{Key: "image_id", Value: res.ID})
		}
	}
}

// paintFrame pastes a decoded stream frame scaled into dest.
func (dc *DisplayChannel) paintFrame(surfaceID uint32, dest Rect, frame image.Image) bool {
	s, ok := dc.surfaces.Get(surfaceID)
	if !ok {
		return false
	}
	pixels := toNRGBA(frame)
	if w, h := dest.Width(), dest.Height(); w > 0 && h > 0 && (w != pixels.Rect.Dx() || h != pixels.Rect.Dy()) {
		pixels = scaleNearest(pixels, w, h)
	}
	s.Drawable.Paste(pixels, int(dest.Left), int(dest.Top), false)
	s.DrawCount++
	dc.metrics.DrawApplied("stream_frame")
	return true
}

// scaleNearest resamples src to w by h.
func scaleNearest(src *image.NRGBA, w, h int) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	for y := 0; y < h; y++ {
		sy := y * sh / h
		for x := 0; x < w; x++ {
			sx := x * sw / w
			copy(out.Pix[y*out.Stride+x*4:y*out.Stride+x*4+4], src.Pix[sy*src.Stride+sx*4:])
		}
	}
	return out
}

// CachedImage implements ImageSource.
func (dc *DisplayChannel) CachedImage(id uint64) (CachedImage, bool) {
	return dc.cache.Get(id)
}

// SurfaceRegion implements ImageSource.
func (dc *DisplayChannel) SurfaceRegion(id uint32, r image.Rectangle) (*image.NRGBA, SurfaceFormat, bool) {
	s, ok := dc.surfaces.Get(id)
	if !ok {
		return nil, 0, false
	}
	return s.Drawable.ReadRegion(r), s.Format, true
}

// Palette implements ImageSource.
func (dc *DisplayChannel) Palette(id uint64) (*Palette, bool) {
	return dc.palettes.Get(id)
}
