// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is one reassembled steady-state message.
type Frame struct {
	Type MessageType
	Size uint32
	Data []byte
}

// WireReader accumulates inbound bytes and releases them in exactly the
// amounts requested by the layer above. It also holds at most one parsed
// frame header while that frame's payload is still arriving.
type WireReader struct {
	buf    []byte
	needed int
	saved  *Frame

	deliver func(data []byte, saved *Frame) error
}

// NewWireReader creates a reader that hands completed reads to deliver.
func NewWireReader(deliver func(data []byte, saved *Frame) error) *WireReader {
	return &WireReader{deliver: deliver}
}

// Request declares how many bytes the next delivery must contain.
func (w *WireReader) Request(n int) {
	w.needed = n
}

// SaveHeader remembers h so it is passed along with the next delivery.
// Passing nil clears the slot.
func (w *WireReader) SaveHeader(h *Frame) {
	w.saved = h
}

// Saved returns the currently held header, if any.
func (w *WireReader) Saved() *Frame {
	return w.saved
}

// Buffered reports how many bytes are waiting for a request.
func (w *WireReader) Buffered() int {
	return len(w.buf)
}

// Feed appends newly arrived bytes and delivers every request that can be
// satisfied. The deliver callback may issue the next Request; delivery stops
// when no request is pending or not enough bytes are buffered.
func (w *WireReader) Feed(b []byte) error {
	w.buf = append(w.buf, b...)
	for w.needed > 0 && len(w.buf) >= w.needed {
		n := w.needed
		chunk := make([]byte, n)
		copy(chunk, w.buf[:n])
		w.buf = w.buf[n:]
		if len(w.buf) == 0 {
			w.buf = nil
		}
		w.needed = 0
		if err := w.deliver(chunk, w.saved); err != nil {
			return err
		}
	}
	return nil
}

// msgReader walks a little-endian message payload. The first short read
// latches an error and every later read returns zero values.
type msgReader struct {
	b   []byte
	off int
	err error
}

func newMsgReader(b []byte) *msgReader {
	return &msgReader{b: b}
}

// at returns a reader positioned at an absolute offset of the same payload.
func (r *msgReader) at(off uint32) *msgReader {
	sub := &msgReader{b: r.b, off: int(off)}
	if int(off) > len(r.b) {
		sub.err = fmt.Errorf("offset %d beyond payload of %d bytes: %w", off, len(r.b), io.ErrUnexpectedEOF)
	}
	return sub
}

func (r *msgReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.b) {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.off, len(r.b), io.ErrUnexpectedEOF)
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *msgReader) u8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *msgReader) u16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *msgReader) u32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *msgReader) i32() int32 {
	return int32(r.u32())
}

func (r *msgReader) i16() int16 {
	return int16(r.u16())
}

func (r *msgReader) u64() uint64 {
	p := r.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

// bytes returns a copy of the next n bytes.
func (r *msgReader) bytes(n int) []byte {
	p := r.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

// rest returns a copy of everything after the cursor.
func (r *msgReader) rest() []byte {
	if r.err != nil || r.off >= len(r.b) {
		return nil
	}
	return r.bytes(len(r.b) - r.off)
}

func (r *msgReader) remaining() int {
	if r.err != nil || r.off >= len(r.b) {
		return 0
	}
	return len(r.b) - r.off
}

// msgWriter builds little-endian client payloads.
type msgWriter struct {
	b []byte
}

func (w *msgWriter) u8(v uint8) *msgWriter {
	w.b = append(w.b, v)
	return w
}

func (w *msgWriter) u16(v uint16) *msgWriter {
	w.b = binary.LittleEndian.AppendUint16(w.b, v)
	return w
}

func (w *msgWriter) u32(v uint32) *msgWriter {
	w.b = binary.LittleEndian.AppendUint32(w.b, v)
	return w
}

func (w *msgWriter) i16(v int16) *msgWriter {
	return w.u16(uint16(v))
}

func (w *msgWriter) i32(v int32) *msgWriter {
	return w.u32(uint32(v))
}

func (w *msgWriter) u64(v uint64) *msgWriter {
	w.b = binary.LittleEndian.AppendUint64(w.b, v)
	return w
}

func (w *msgWriter) raw(p []byte) *msgWriter {
	w.b = append(w.b, p...)
	return w
}

func (w *msgWriter) bytes() []byte {
	return w.b
}

// encodeFrame prefixes payload with a mini header.
func encodeFrame(t MessageType, payload []byte) []byte {
	w := &msgWriter{b: make([]byte, 0, miniHeaderSize+len(payload))}
	return w.u16(uint16(t)).u32(uint32(len(payload))).raw(payload).bytes()
}

// decodeMiniHeader parses a 6 byte steady-state header.
func decodeMiniHeader(b []byte) (*Frame, error) {
	if len(b) < miniHeaderSize {
		return nil, malformedError("decodeMiniHeader", fmt.Sprintf("header is %d bytes", len(b)), nil)
	}
	return &Frame{
		Type: MessageType(binary.LittleEndian.Uint16(b[0:2])),
		Size: binary.LittleEndian.Uint32(b[2:6]),
	}, nil
}
