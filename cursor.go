// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"image"
)

// CursorShape is a decoded pointer image.
type CursorShape struct {
	Unique uint64
	Type   uint8
	Width  uint16
	Height uint16
	HotX   uint16
	HotY   uint16
	Image  *image.NRGBA
}

// CursorSink receives pointer updates from the cursor channel.
type CursorSink interface {
	SetCursor(shape *CursorShape, x, y int16, visible bool)
	MoveCursor(x, y int16)
	HideCursor()
	ResetCursor()
}

// CursorChannel decodes cursor shapes and positions.
type CursorChannel struct {
	sink   CursorSink
	logger Logger
	cache  map[uint64]*CursorShape
	warned map[uint8]bool
}

func newCursorChannel(cfg *ClientConfig) *CursorChannel {
	return &CursorChannel{
		sink:   cfg.CursorSink,
		logger: cfg.Logger.With(Field{Key: "channel", Value: ChannelCursor.String()}),
		cache:  make(map[uint64]*CursorShape),
		warned: make(map[uint8]bool),
	}
}

func (cc *CursorChannel) ChannelCaps() []uint32 { return nil }

func (cc *CursorChannel) HandleMessage(c *Conn, f *Frame) (bool, error) {
	r := newMsgReader(f.Data)
	switch f.Type {
	case MsgCursorInit:
		x, y := r.i16(), r.i16()
		r.u16() // trail length
		r.u16() // trail frequency
		visible := r.u8() != 0
		shape, err := cc.readCursor(r)
		if err != nil {
			return true, err
		}
		if err := wrapDecode("decodeCursorInit", r); err != nil {
			return true, err
		}
		cc.set(shape, x, y, visible)
		return true, nil

	case MsgCursorSet:
		x, y := r.i16(), r.i16()
		visible := r.u8() != 0
		shape, err := cc.readCursor(r)
		if err != nil {
			return true, err
		}
		if err := wrapDecode("decodeCursorSet", r); err != nil {
			return true, err
		}
		cc.set(shape, x, y, visible)
		return true, nil

	case MsgCursorMove:
		x, y := r.i16(), r.i16()
		if err := wrapDecode("decodeCursorMove", r); err != nil {
			return true, err
		}
		if cc.sink != nil {
			cc.sink.MoveCursor(x, y)
		}
		return true, nil

	case MsgCursorHide:
		if cc.sink != nil {
			cc.sink.HideCursor()
		}
		return true, nil

	case MsgCursorReset:
		cc.cache = make(map[uint64]*CursorShape)
		if cc.sink != nil {
			cc.sink.ResetCursor()
		}
		return true, nil

	case MsgCursorInvalOne:
		id := r.u64()
		if err := wrapDecode("decodeCursorInvalOne", r); err != nil {
			return true, err
		}
		delete(cc.cache, id)
		return true, nil

	case MsgCursorInvalAll:
		cc.cache = make(map[uint64]*CursorShape)
		return true, nil

	case MsgCursorTrail:
		return c.knownUnimplemented(f.Type, "cursor trail")
	}
	return false, nil
}

func (cc *CursorChannel) set(shape *CursorShape, x, y int16, visible bool) {
	if cc.sink == nil {
		return
	}
	if shape == nil {
		if visible {
			cc.sink.MoveCursor(x, y)
		} else {
			cc.sink.HideCursor()
		}
		return
	}
	cc.sink.SetCursor(shape, x, y, visible)
}

// readCursor decodes a cursor body. It returns nil with no error when the
// cursor carries no shape or uses an unsupported type.
func (cc *CursorChannel) readCursor(r *msgReader) (*CursorShape, error) {
	flags := r.u16()
	if flags&CursorFlagsNone != 0 {
		return nil, nil
	}
	shape := &CursorShape{
		Unique: r.u64(),
		Type:   r.u8(),
		Width:  r.u16(),
		Height: r.u16(),
		HotX:   r.u16(),
		HotY:   r.u16(),
	}
	if r.err != nil {
		return nil, wrapDecode("decodeCursor", r)
	}

	if flags&CursorFlagsFromCache != 0 {
		cached, ok := cc.cache[shape.Unique]
		if !ok {
			return nil, cacheMissError("CursorChannel.readCursor", shape.Unique)
		}
		return cached, nil
	}

	if shape.Type != CursorTypeAlpha {
		if !cc.warned[shape.Type] {
			cc.warned[shape.Type] = true
			cc.logger.Warn("Unsupported cursor type, further notices suppressed", Field{Key: "type", Value: shape.Type})
		}
		return nil, nil
	}

	data := r.rest()
	img, err := bgraToNRGBA(data, int(shape.Width), int(shape.Height), true)
	if err != nil {
		return nil, malformedError("CursorChannel.readCursor",
			fmt.Sprintf("cursor %dx%d", shape.Width, shape.Height), err)
	}
	shape.Image = img
	if flags&CursorFlagsCacheMe != 0 {
		cc.cache[shape.Unique] = shape
	}
	return shape, nil
}

func (cc *CursorChannel) Close(*Conn) error {
	cc.cache = nil
	return nil
}
