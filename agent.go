// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"fmt"
	"io"
)

// AgentListener receives guest agent activity from the main channel.
type AgentListener interface {
	AgentConnected(connected bool)
	AgentMessage(msgType uint32, data []byte)
	FileTransferDone(t *FileTransfer, err error)
}

// agentHeaderSize is the size of a VDAgentMessage header.
const agentHeaderSize = 20

// AgentMessage is one message exchanged with the guest agent.
type AgentMessage struct {
	Protocol uint32
	Type     uint32
	Opaque   uint64
	Data     []byte
}

func (m AgentMessage) encode() []byte {
	w := &msgWriter{}
	return w.u32(m.Protocol).u32(m.Type).u64(m.Opaque).u32(uint32(len(m.Data))).raw(m.Data).bytes() // #nosec G115 - bounded by caller
}

// agentAssembler rebuilds agent messages split across AGENT_DATA frames.
type agentAssembler struct {
	buf []byte
}

// push appends b and returns every message completed by it.
func (a *agentAssembler) push(b []byte) ([]AgentMessage, error) {
	a.buf = append(a.buf, b...)
	var out []AgentMessage
	for len(a.buf) >= agentHeaderSize {
		r := newMsgReader(a.buf)
		m := AgentMessage{Protocol: r.u32(), Type: r.u32(), Opaque: r.u64()}
		size := r.u32()
		if m.Protocol != VDAgentProtocol {
			a.buf = nil
			return out, malformedError("agentAssembler.push",
				fmt.Sprintf("agent protocol %d", m.Protocol), nil)
		}
		if uint64(len(a.buf)) < agentHeaderSize+uint64(size) {
			break
		}
		m.Data = r.bytes(int(size))
		a.buf = a.buf[agentHeaderSize+int(size):]
		out = append(out, m)
	}
	if len(a.buf) == 0 {
		a.buf = nil
	}
	return out, nil
}

func (a *agentAssembler) reset() {
	a.buf = nil
}

func encodeAnnounceCapabilities(request bool) []byte {
	w := &msgWriter{}
	var req uint32
	if request {
		req = 1
	}
	caps := capSet(VDAgentCapMouseState, VDAgentCapMonitorsConfig, VDAgentCapReply)
	w.u32(req)
	for _, c := range caps {
		w.u32(c)
	}
	return w.bytes()
}

func decodeAnnounceCapabilities(b []byte) (request bool, caps []uint32, err error) {
	r := newMsgReader(b)
	request = r.u32() != 0
	for r.remaining() >= 4 {
		caps = append(caps, r.u32())
	}
	return request, caps, wrapDecode("decodeAnnounceCapabilities", r)
}

// MonitorConfig is one guest monitor requested through the agent.
type MonitorConfig struct {
	Width  uint32
	Height uint32
	Depth  uint32
	X      int32
	Y      int32
}

func encodeMonitorsConfig(flags uint32, monitors []MonitorConfig) []byte {
	w := &msgWriter{}
	w.u32(uint32(len(monitors))).u32(flags) // #nosec G115 - few monitors
	for _, m := range monitors {
		w.u32(m.Height).u32(m.Width).u32(m.Depth).i32(m.X).i32(m.Y)
	}
	return w.bytes()
}

// FileTransfer is one file being copied to the guest.
type FileTransfer struct {
	ID   uint32
	Name string
	Size uint64

	r         io.Reader
	sent      uint64
	cancelled bool
	reading   bool
	progress  func(sent, total uint64)
	done      chan struct{}
	err       error
}

// Done is closed when the agent reports the transfer finished.
func (t *FileTransfer) Done() <-chan struct{} { return t.done }

// Err returns the transfer's outcome once Done is closed.
func (t *FileTransfer) Err() error { return t.err }

// Sent returns how many bytes were handed to the agent.
func (t *FileTransfer) Sent() uint64 { return t.sent }

func encodeFileXferStart(id uint32, name string, size uint64) []byte {
	meta := fmt.Sprintf("[vdagent-file-xfer]\nname=%s\nsize=%d\n", name, size)
	w := &msgWriter{}
	return w.u32(id).raw([]byte(meta)).u8(0).bytes()
}

func encodeFileXferStatus(id, result uint32) []byte {
	w := &msgWriter{}
	return w.u32(id).u32(result).bytes()
}

func decodeFileXferStatus(b []byte) (id, result uint32, err error) {
	r := newMsgReader(b)
	id = r.u32()
	result = r.u32()
	return id, result, wrapDecode("decodeFileXferStatus", r)
}

func encodeFileXferData(id uint32, chunk []byte) []byte {
	w := &msgWriter{}
	return w.u32(id).u64(uint64(len(chunk))).raw(chunk).bytes()
}

// readChunk reads the next data chunk. It returns io.EOF once every byte of
// the declared size has been read.
func (t *FileTransfer) readChunk() ([]byte, error) {
	if t.sent >= t.Size {
		return nil, io.EOF
	}
	n := min(uint64(fileXferChunkSize), t.Size-t.sent)
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func fileXferStatusError(result uint32) error {
	const op = "FileTransfer"
	switch result {
	case VDAgentFileXferStatusSuccess:
		return nil
	case VDAgentFileXferStatusCancelled:
		return NewSpiceError(op, ErrValidation, "transfer is cancelled by spice agent", nil)
	case VDAgentFileXferStatusError:
		return NewSpiceError(op, ErrValidation, "some errors occurred in the spice agent", nil)
	default:
		return NewSpiceError(op, ErrUnsupported, fmt.Sprintf("unhandled status type: %d", result), nil)
	}
}
