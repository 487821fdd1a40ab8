// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import "sync"

// PortHandler consumes traffic of named port channels.
type PortHandler interface {
	PortOpened(p *PortChannel, opened bool)
	PortEvent(p *PortChannel, event uint8)
	PortData(p *PortChannel, data []byte)
}

// PortChannel is a named bidirectional byte pipe into the guest.
type PortChannel struct {
	handler PortHandler
	logger  Logger

	mu     sync.Mutex
	conn   *Conn
	name   string
	opened bool
}

func newPortChannel(cfg *ClientConfig) *PortChannel {
	return &PortChannel{
		handler: cfg.PortHandler,
		logger:  cfg.Logger.With(Field{Key: "channel", Value: ChannelPort.String()}),
	}
}

func (p *PortChannel) bind(c *Conn) {
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
}

// Name returns the port name announced by the server.
func (p *PortChannel) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Opened reports whether the guest side of the port is open.
func (p *PortChannel) Opened() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func (p *PortChannel) ChannelCaps() []uint32 { return nil }

func (p *PortChannel) HandleMessage(_ *Conn, f *Frame) (bool, error) {
	switch f.Type {
	case MsgPortInit:
		r := newMsgReader(f.Data)
		size := r.u32()
		off := r.u32()
		opened := r.u8() != 0
		name := r.at(off).bytes(int(size))
		if err := wrapDecode("decodePortInit", r); err != nil {
			return true, err
		}
		if name == nil {
			return true, malformedError("decodePortInit", "port name out of range", nil)
		}
		p.mu.Lock()
		p.name = newInputValidator().SanitizeText(trimNul(name))
		p.opened = opened
		p.mu.Unlock()
		p.logger.Info("Port initialized", Field{Key: "name", Value: p.name}, Field{Key: "opened", Value: opened})
		if p.handler != nil {
			p.handler.PortOpened(p, opened)
		}
		return true, nil

	case MsgPortEvent:
		r := newMsgReader(f.Data)
		ev := r.u8()
		if err := wrapDecode("decodePortEvent", r); err != nil {
			return true, err
		}
		switch ev {
		case PortEventOpened, PortEventClosed:
			p.mu.Lock()
			p.opened = ev == PortEventOpened
			p.mu.Unlock()
		}
		if p.handler != nil {
			p.handler.PortEvent(p, ev)
		}
		return true, nil

	case MsgSpiceVMCData:
		if p.handler != nil {
			p.handler.PortData(p, f.Data)
		}
		return true, nil
	}
	return false, nil
}

// Write sends data to the guest side of the port.
func (p *PortChannel) Write(data []byte) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return networkError("PortChannel.Write", "port is not connected", nil)
	}
	return c.SendMessage(MsgcSpiceVMCData, data)
}

// SendEvent sends a PortEvent* to the guest.
func (p *PortChannel) SendEvent(event uint8) error {
	p.mu.Lock()
	c := p.conn
	p.mu.Unlock()
	if c == nil {
		return networkError("PortChannel.SendEvent", "port is not connected", nil)
	}
	return c.SendMessage(MsgcPortEvent, []byte{event})
}

func (p *PortChannel) Close(*Conn) error { return nil }
