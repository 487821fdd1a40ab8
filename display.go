// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"image"
)

// DisplayChannel interprets surface, draw and stream messages.
type DisplayChannel struct {
	cfg     *ClientConfig
	logger  Logger
	metrics MetricsCollector

	surfaces *SurfaceManager
	cache    *ImageCache
	palettes *PaletteCache
	router   *ImageDecodeRouter
	streams  *StreamReconstructor

	monitors    *MonitorsConfig
	limitations map[string]bool
	closed      bool
	conn        *Conn

	// onPrimary is called on the event loop when a primary surface appears.
	onPrimary func(width, height uint32)
}

// NewDisplayChannel creates a display handler drawing through cfg.Presenter.
func NewDisplayChannel(cfg *ClientConfig, clock *MediaClock) *DisplayChannel {
	logger := cfg.Logger.With(Field{Key: "channel", Value: ChannelDisplay.String()})
	dc := &DisplayChannel{
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		surfaces:    NewSurfaceManager(cfg.Presenter, logger),
		cache:       NewImageCache(),
		palettes:    NewPaletteCache(),
		router:      NewImageDecodeRouter(cfg.Decoders),
		limitations: make(map[string]bool),
	}
	dc.streams = newStreamReconstructor(cfg, logger, clock, dc)
	return dc
}

// Surfaces returns the channel's surface map.
func (dc *DisplayChannel) Surfaces() *SurfaceManager { return dc.surfaces }

// Cache returns the channel's image cache.
func (dc *DisplayChannel) Cache() *ImageCache { return dc.cache }

// Streams returns the channel's stream reconstructor.
func (dc *DisplayChannel) Streams() *StreamReconstructor { return dc.streams }

// ChannelCaps advertises the stream codecs the local decode stack supports.
func (dc *DisplayChannel) ChannelCaps() []uint32 {
	bits := []int{DisplayCapSizedStream, DisplayCapStreamReport, DisplayCapMultiCodec}
	if dc.streams.Supports(VideoCodecMJPEG) {
		bits = append(bits, DisplayCapCodecMJPEG)
	}
	if dc.streams.Supports(VideoCodecVP8) {
		bits = append(bits, DisplayCapCodecVP8)
	}
	if dc.streams.Supports(VideoCodecH264) {
		bits = append(bits, DisplayCapCodecH264)
	}
	return capSet(bits...)
}

func (dc *DisplayChannel) HandleMessage(c *Conn, f *Frame) (bool, error) {
	switch f.Type {
	case MsgDisplaySurfaceCreate:
		m, err := decodeSurfaceCreate(f.Data)
		if err != nil {
			return true, err
		}
		s, err := dc.surfaces.Create(m)
		if err != nil {
			return true, err
		}
		if s.Primary() && dc.onPrimary != nil {
			dc.onPrimary(s.Width, s.Height)
		}
		return true, nil

	case MsgDisplaySurfaceDestroy:
		id, err := decodeSurfaceID("decodeSurfaceDestroy", f.Data)
		if err != nil {
			return true, err
		}
		dc.surfaces.Destroy(id)
		return true, nil

	case MsgDisplayDrawCopy:
		m, err := decodeDrawCopy(f.Data)
		if err != nil {
			return true, err
		}
		return true, dc.drawCopy(c, m)

	case MsgDisplayDrawFill:
		m, err := decodeDrawFill(f.Data)
		if err != nil {
			return true, err
		}
		return true, dc.drawFill(m)

	case MsgDisplayCopyBits:
		m, err := decodeCopyBits(f.Data)
		if err != nil {
			return true, err
		}
		return true, dc.copyBits(m)

	case MsgDisplayInvalList:
		m, err := decodeInvalList(f.Data)
		if err != nil {
			return true, err
		}
		dc.invalList(m)
		return true, nil

	case MsgDisplayInvalAllPixmaps:
		dc.cache.Clear()
		return true, nil

	case MsgDisplayInvalPalette:
		r := newMsgReader(f.Data)
		id := r.u64()
		if err := wrapDecode("decodeInvalPalette", r); err != nil {
			return true, err
		}
		dc.palettes.Remove(id)
		return true, nil

	case MsgDisplayInvalAllPalettes:
		dc.palettes.Clear()
		return true, nil

	case MsgDisplayStreamCreate:
		m, err := decodeStreamCreate(f.Data)
		if err != nil {
			return true, err
		}
		if _, err := dc.surface("DisplayChannel.streamCreate", m.SurfaceID); err != nil {
			return true, err
		}
		return true, dc.streams.Create(m)

	case MsgDisplayStreamData, MsgDisplayStreamDataSized:
		m, err := decodeStreamData(f.Data, f.Type == MsgDisplayStreamDataSized)
		if err != nil {
			return true, err
		}
		return true, dc.streams.Data(c, m)

	case MsgDisplayStreamClip:
		m, err := decodeStreamClip(f.Data)
		if err != nil {
			return true, err
		}
		return true, dc.streams.SetClip(m)

	case MsgDisplayStreamDestroy:
		id, err := decodeSurfaceID("decodeStreamDestroy", f.Data)
		if err != nil {
			return true, err
		}
		dc.streams.Destroy(id)
		return true, nil

	case MsgDisplayStreamDestroyAll:
		dc.streams.DestroyAll()
		return true, nil

	case MsgDisplayStreamActivateReport:
		m, err := decodeStreamActivateReport(f.Data)
		if err != nil {
			return true, err
		}
		return true, dc.streams.ActivateReport(m)

	case MsgDisplayMonitorsConfig:
		m, err := decodeMonitorsConfig(f.Data)
		if err != nil {
			return true, err
		}
		dc.monitors = m
		dc.logger.Info("Guest monitors configured",
			Field{Key: "heads", Value: len(m.Heads)},
			Field{Key: "max_allowed", Value: m.MaxAllowed})
		return true, nil

	case MsgDisplayMode, MsgDisplayMark, MsgDisplayReset:
		return c.knownUnimplemented(f.Type, "display mode")

	case MsgDisplayDrawOpaque, MsgDisplayDrawBlend, MsgDisplayDrawBlackness, MsgDisplayDrawWhiteness,
		MsgDisplayDrawInvers, MsgDisplayDrawRop3, MsgDisplayDrawStroke, MsgDisplayDrawText,
		MsgDisplayDrawTransparent, MsgDisplayDrawAlphaBlend, MsgDisplayDrawComposite:
		return c.knownUnimplemented(f.Type, "draw")
	}
	return false, nil
}

// bind records the channel's connection for calls made off the event loop.
func (dc *DisplayChannel) bind(c *Conn) {
	dc.conn = c
}

// Monitors returns the last monitor layout the guest reported.
func (dc *DisplayChannel) Monitors() *MonitorsConfig {
	return dc.monitors
}

// Close detaches the primary surface, destroys every surface and releases
// stream decoders.
func (dc *DisplayChannel) Close(*Conn) error {
	if dc.closed {
		return nil
	}
	dc.closed = true
	dc.surfaces.DestroyAll()
	dc.streams.DestroyAll()
	dc.cache.Clear()
	return nil
}

// snapshot copies the primary surface's pixels. It must run on the event loop.
func (dc *DisplayChannel) snapshot() (*image.NRGBA, error) {
	s, ok := dc.surfaces.Primary()
	if !ok {
		return nil, missingSurfaceError("DisplayChannel.Snapshot", 0)
	}
	return s.Drawable.ReadRegion(s.Drawable.Bounds()), nil
}

// Snapshot copies the primary surface from outside the event loop.
func (dc *DisplayChannel) Snapshot(ctx context.Context) (*image.NRGBA, error) {
	c := dc.conn
	if c == nil {
		return nil, missingSurfaceError("DisplayChannel.Snapshot", 0)
	}
	type result struct {
		img *image.NRGBA
		err error
	}
	ch := make(chan result, 1)
	c.post(func() {
		img, err := dc.snapshot()
		ch <- result{img, err}
	})
	select {
	case r := <-ch:
		return r.img, r.err
	case <-c.Done():
		return nil, networkError("DisplayChannel.Snapshot", "display channel closed", c.Err())
	case <-ctx.Done():
		return nil, timeoutError("DisplayChannel.Snapshot", "gave up waiting for display", ctx.Err())
	}
}
