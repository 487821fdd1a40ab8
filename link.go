// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
)

// LinkHeader precedes the link message and the link reply.
type LinkHeader struct {
	Magic [4]byte
	Major uint32
	Minor uint32
	Size  uint32
}

func (h LinkHeader) encode() []byte {
	w := &msgWriter{}
	return w.raw(h.Magic[:]).u32(h.Major).u32(h.Minor).u32(h.Size).bytes()
}

func decodeLinkHeader(b []byte) (LinkHeader, error) {
	var h LinkHeader
	r := newMsgReader(b)
	copy(h.Magic[:], r.take(4))
	h.Major = r.u32()
	h.Minor = r.u32()
	h.Size = r.u32()
	if r.err != nil {
		return h, malformedError("decodeLinkHeader", "short link header", r.err)
	}
	return h, nil
}

// LinkMess announces the channel and its capabilities to the server.
type LinkMess struct {
	ConnectionID uint32
	ChannelType  ChannelType
	ChannelID    uint8
	CommonCaps   []uint32
	ChannelCaps  []uint32
}

// linkMessFixedSize is the offset at which the capability words begin.
const linkMessFixedSize = 18

func (m LinkMess) encode() []byte {
	w := &msgWriter{}
	w.u32(m.ConnectionID).u8(uint8(m.ChannelType)).u8(m.ChannelID)
	w.u32(uint32(len(m.CommonCaps))).u32(uint32(len(m.ChannelCaps))).u32(linkMessFixedSize)
	for _, c := range m.CommonCaps {
		w.u32(c)
	}
	for _, c := range m.ChannelCaps {
		w.u32(c)
	}
	return w.bytes()
}

// encodeLink returns the header and message sent on transport open.
func encodeLink(m LinkMess) []byte {
	body := m.encode()
	h := LinkHeader{Major: VersionMajor, Minor: VersionMinor, Size: uint32(len(body))}
	copy(h.Magic[:], Magic)
	return append(h.encode(), body...)
}

// LinkReply is the server's answer to LinkMess.
type LinkReply struct {
	Error       LinkError
	PubKey      []byte
	CommonCaps  []uint32
	ChannelCaps []uint32
}

func decodeLinkReply(b []byte) (*LinkReply, error) {
	r := newMsgReader(b)
	reply := &LinkReply{Error: LinkError(r.u32())}
	if reply.Error != LinkOK {
		if r.err != nil {
			return nil, malformedError("decodeLinkReply", "short link reply", r.err)
		}
		return reply, nil
	}
	reply.PubKey = r.bytes(TicketPubkeyBytes)
	numCommon := r.u32()
	numChannel := r.u32()
	capsOffset := r.u32()
	if r.err != nil {
		return nil, malformedError("decodeLinkReply", "short link reply", r.err)
	}
	caps := r.at(capsOffset)
	for i := uint32(0); i < numCommon && caps.err == nil; i++ {
		reply.CommonCaps = append(reply.CommonCaps, caps.u32())
	}
	for i := uint32(0); i < numChannel && caps.err == nil; i++ {
		reply.ChannelCaps = append(reply.ChannelCaps, caps.u32())
	}
	if caps.err != nil {
		return nil, malformedError("decodeLinkReply", "capabilities overrun the reply", caps.err)
	}
	return reply, nil
}

func encodeAuthTicket(encrypted []byte) []byte {
	w := &msgWriter{}
	return w.u32(AuthMechanismSpice).raw(encrypted).bytes()
}

func decodeAuthReply(b []byte) (LinkError, error) {
	r := newMsgReader(b)
	code := LinkError(r.u32())
	if r.err != nil {
		return 0, malformedError("decodeAuthReply", "short auth reply", r.err)
	}
	return code, nil
}

// capSet builds capability words from bit numbers.
func capSet(bits ...int) []uint32 {
	var words []uint32
	for _, b := range bits {
		idx := b / 32
		for len(words) <= idx {
			words = append(words, 0)
		}
		words[idx] |= 1 << (uint(b) % 32)
	}
	return words
}

// hasCap reports whether bit is set in caps.
func hasCap(caps []uint32, bit int) bool {
	idx := bit / 32
	if idx >= len(caps) {
		return false
	}
	return caps[idx]&(1<<(uint(bit)%32)) != 0
}

func linkErrorMessage(code LinkError) string {
	return fmt.Sprintf("reply link error %d (%s)", uint32(code), code)
}
