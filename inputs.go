// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"sync"
)

// InputsChannel sends keyboard and mouse events. Its methods may be called
// from any goroutine.
type InputsChannel struct {
	logger Logger

	mu        sync.Mutex
	conn      *Conn
	modifiers uint16
	mouseMode uint16
	buttons   uint16
	inFlight  int

	// Coalesced pointer state held back while the server is behind.
	pendingDX, pendingDY int32
	pendingPos           *pointerPosition
}

type pointerPosition struct {
	x, y    uint32
	display uint8
}

func newInputsChannel(cfg *ClientConfig, mouseMode uint16) *InputsChannel {
	return &InputsChannel{
		logger:    cfg.Logger.With(Field{Key: "channel", Value: ChannelInputs.String()}),
		mouseMode: mouseMode,
	}
}

func (ic *InputsChannel) bind(c *Conn) {
	ic.mu.Lock()
	ic.conn = c
	ic.mu.Unlock()
}

func (ic *InputsChannel) ChannelCaps() []uint32 { return nil }

func (ic *InputsChannel) HandleMessage(c *Conn, f *Frame) (bool, error) {
	switch f.Type {
	case MsgInputsInit, MsgInputsKeyModifiers:
		r := newMsgReader(f.Data)
		mods := r.u16()
		if err := wrapDecode("decodeKeyModifiers", r); err != nil {
			return true, err
		}
		ic.mu.Lock()
		ic.modifiers = mods
		ic.mu.Unlock()
		return true, nil

	case MsgInputsMouseMotionAck:
		return true, ic.motionAck()
	}
	return false, nil
}

func (ic *InputsChannel) Close(*Conn) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.pendingPos = nil
	ic.pendingDX, ic.pendingDY = 0, 0
	return nil
}

// Modifiers returns the lock-key state last reported by the server.
func (ic *InputsChannel) Modifiers() uint16 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.modifiers
}

func (ic *InputsChannel) setMouseMode(mode uint16) {
	ic.mu.Lock()
	ic.mouseMode = mode
	ic.mu.Unlock()
}

func (ic *InputsChannel) send(t MessageType, payload []byte) error {
	if ic.conn == nil {
		return networkError("InputsChannel.send", "inputs channel is not connected", nil)
	}
	return ic.conn.SendMessage(t, payload)
}

// KeyDown sends a PC AT scancode press.
func (ic *InputsChannel) KeyDown(scancode uint32) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	w := &msgWriter{}
	return ic.send(MsgcInputsKeyDown, w.u32(scancode).bytes())
}

// KeyUp sends the release of a scancode given in its press form. Extended
// keys are passed as (code << 8) | 0xe0.
func (ic *InputsChannel) KeyUp(scancode uint32) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	w := &msgWriter{}
	return ic.send(MsgcInputsKeyUp, w.u32(releaseCode(scancode)).bytes())
}

func releaseCode(scancode uint32) uint32 {
	if scancode < 0x100 {
		return scancode | 0x80
	}
	return scancode | 0x8000
}

// SetModifiers asks the guest to adopt the given lock-key state.
func (ic *InputsChannel) SetModifiers(mods uint16) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	w := &msgWriter{}
	return ic.send(MsgcInputsKeyModifiers, w.u16(mods).bytes())
}

// MouseMove reports pointer movement. In client mouse mode it sends the
// absolute position; in server mode, the relative delta.
func (ic *InputsChannel) MouseMove(x, y uint32, dx, dy int32, display uint8) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.mouseMode == MouseModeClient {
		ic.pendingPos = &pointerPosition{x: x, y: y, display: display}
	} else {
		ic.pendingDX += dx
		ic.pendingDY += dy
	}
	return ic.flushMotion()
}

// flushMotion sends coalesced pointer state unless too many motion events
// are still unacknowledged. Callers hold mu.
func (ic *InputsChannel) flushMotion() error {
	if ic.inFlight >= 2*inputsMotionAckBunch {
		return nil
	}
	if p := ic.pendingPos; p != nil {
		ic.pendingPos = nil
		ic.inFlight++
		w := &msgWriter{}
		return ic.send(MsgcInputsMousePosition, w.u32(p.x).u32(p.y).u16(ic.buttons).u8(p.display).bytes())
	}
	if ic.pendingDX != 0 || ic.pendingDY != 0 {
		dx, dy := ic.pendingDX, ic.pendingDY
		ic.pendingDX, ic.pendingDY = 0, 0
		ic.inFlight++
		w := &msgWriter{}
		return ic.send(MsgcInputsMouseMotion, w.i32(dx).i32(dy).u16(ic.buttons).bytes())
	}
	return nil
}

func (ic *InputsChannel) motionAck() error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.inFlight -= inputsMotionAckBunch
	if ic.inFlight < 0 {
		ic.inFlight = 0
	}
	return ic.flushMotion()
}

// MousePress presses one of the MouseButton* buttons.
func (ic *InputsChannel) MousePress(button uint8) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.buttons |= buttonMask(button)
	w := &msgWriter{}
	return ic.send(MsgcInputsMousePress, w.u8(button).u16(ic.buttons).bytes())
}

// MouseRelease releases one of the MouseButton* buttons.
func (ic *InputsChannel) MouseRelease(button uint8) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.buttons &^= buttonMask(button)
	w := &msgWriter{}
	return ic.send(MsgcInputsMouseRelease, w.u8(button).u16(ic.buttons).bytes())
}

func buttonMask(button uint8) uint16 {
	switch button {
	case MouseButtonLeft:
		return MouseButtonMaskLeft
	case MouseButtonMiddle:
		return MouseButtonMaskMiddle
	case MouseButtonRight:
		return MouseButtonMaskRight
	}
	return 0
}
