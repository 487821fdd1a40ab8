// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"image"
)

// Rect is a protocol rectangle. Bottom and Right are exclusive.
type Rect struct {
	Top    int32
	Left   int32
	Bottom int32
	Right  int32
}

// Width returns the horizontal extent of the rectangle.
func (r Rect) Width() int { return int(r.Right - r.Left) }

// Height returns the vertical extent of the rectangle.
func (r Rect) Height() int { return int(r.Bottom - r.Top) }

// Image converts the rectangle to an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(int(r.Left), int(r.Top), int(r.Right), int(r.Bottom))
}

// Point is a protocol coordinate.
type Point struct {
	X int32
	Y int32
}

// Clip restricts a draw to a set of rectangles.
type Clip struct {
	Type  uint8
	Rects []Rect
}

func readRect(r *msgReader) Rect {
	return Rect{Top: r.i32(), Left: r.i32(), Bottom: r.i32(), Right: r.i32()}
}

func readPoint(r *msgReader) Point {
	return Point{X: r.i32(), Y: r.i32()}
}

func readClip(r *msgReader) Clip {
	c := Clip{Type: r.u8()}
	if c.Type == ClipTypeRects {
		n := r.u32()
		if int(n)*16 > r.remaining() {
			r.take(int(n) * 16)
			return c
		}
		c.Rects = make([]Rect, 0, n)
		for i := uint32(0); i < n; i++ {
			c.Rects = append(c.Rects, readRect(r))
		}
	}
	return c
}

// SetAck installs a new acknowledgement window.
type SetAck struct {
	Generation uint32
	Window     uint32
}

func decodeSetAck(b []byte) (SetAck, error) {
	r := newMsgReader(b)
	m := SetAck{Generation: r.u32(), Window: r.u32()}
	return m, wrapDecode("decodeSetAck", r)
}

// Ping is a keepalive probe echoed back as a pong.
type Ping struct {
	ID        uint32
	Timestamp uint64
}

func decodePing(b []byte) (Ping, error) {
	r := newMsgReader(b)
	m := Ping{ID: r.u32(), Timestamp: r.u64()}
	return m, wrapDecode("decodePing", r)
}

// Notify is a server-originated diagnostic.
type Notify struct {
	TimeStamp  uint64
	Severity   uint32
	Visibility uint32
	What       uint32
	Message    string
}

func decodeNotify(b []byte) (Notify, error) {
	r := newMsgReader(b)
	m := Notify{TimeStamp: r.u64(), Severity: r.u32(), Visibility: r.u32(), What: r.u32()}
	n := r.u32()
	msg := r.bytes(int(n))
	if r.err == nil {
		m.Message = trimNul(msg)
	}
	return m, wrapDecode("decodeNotify", r)
}

// Disconnecting precedes an orderly server-side close.
type Disconnecting struct {
	TimeStamp uint64
	Reason    uint32
}

func decodeDisconnecting(b []byte) (Disconnecting, error) {
	r := newMsgReader(b)
	m := Disconnecting{TimeStamp: r.u64(), Reason: r.u32()}
	return m, wrapDecode("decodeDisconnecting", r)
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func wrapDecode(op string, r *msgReader) error {
	if r.err != nil {
		return malformedError(op, "truncated message", r.err)
	}
	return nil
}
