// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"encoding/binary"
	"math"
)

// EBML element ids used by the WebM fragments.
const (
	ebmlIDHeader             = 0x1A45DFA3
	ebmlIDVersion            = 0x4286
	ebmlIDReadVersion        = 0x42F7
	ebmlIDMaxIDLength        = 0x42F2
	ebmlIDMaxSizeLength      = 0x42F3
	ebmlIDDocType            = 0x4282
	ebmlIDDocTypeVersion     = 0x4287
	ebmlIDDocTypeReadVersion = 0x4285

	webmIDSegment       = 0x18538067
	webmIDInfo          = 0x1549A966
	webmIDTimecodeScale = 0x2AD7B1
	webmIDMuxingApp     = 0x4D80
	webmIDWritingApp    = 0x5741

	webmIDTracks          = 0x1654AE6B
	webmIDTrackEntry      = 0xAE
	webmIDTrackNumber     = 0xD7
	webmIDTrackUID        = 0x73C5
	webmIDFlagLacing      = 0x9C
	webmIDLanguage        = 0x22B59C
	webmIDCodecID         = 0x86
	webmIDTrackType       = 0x83
	webmIDFlagEnabled     = 0xB9
	webmIDFlagDefault     = 0x88
	webmIDFlagForced      = 0x55AA
	webmIDDefaultDuration = 0x23E383
	webmIDVideo           = 0xE0
	webmIDPixelWidth      = 0xB0
	webmIDPixelHeight     = 0xBA
	webmIDAudio           = 0xE1
	webmIDSamplingFreq    = 0xB5
	webmIDChannels        = 0x9F
	webmIDCodecPrivate    = 0x63A2
	webmIDCodecDelay      = 0x56AA
	webmIDSeekPreRoll     = 0x56BB

	webmIDCluster     = 0x1F43B675
	webmIDTimecode    = 0xE7
	webmIDSimpleBlock = 0xA3
)

// Track types.
const (
	webmTrackVideo = 1
	webmTrackAudio = 2
)

// webmTimecodeScale expresses timecodes in milliseconds.
const webmTimecodeScale = 1000000

// webmMaxClusterTime is the longest span, in ms, one cluster may cover.
const webmMaxClusterTime = 1000

// webmTrackNumber is the only track written to each fragment stream.
const webmTrackNumber = 1

// ebmlUnknownSize marks a master element whose size is not known up front.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// WebMTrack describes the single track of a WebM fragment stream.
type WebMTrack struct {
	CodecID string

	// Video tracks.
	Width  uint32
	Height uint32

	// Audio tracks.
	SampleRate   float64
	Channels     uint32
	CodecPrivate []byte
}

func (t WebMTrack) audio() bool {
	return t.Width == 0 && t.Height == 0
}

type ebmlBuilder struct {
	b []byte
}

func (e *ebmlBuilder) id(id uint32) *ebmlBuilder {
	switch {
	case id >= 1<<24:
		e.b = append(e.b, byte(id>>24), byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<16:
		e.b = append(e.b, byte(id>>16), byte(id>>8), byte(id))
	case id >= 1<<8:
		e.b = append(e.b, byte(id>>8), byte(id))
	default:
		e.b = append(e.b, byte(id))
	}
	return e
}

// size appends n as an EBML variable length integer.
func (e *ebmlBuilder) size(n uint64) *ebmlBuilder {
	l := 1
	for l < 8 && n >= (uint64(1)<<(7*l))-1 {
		l++
	}
	v := n | uint64(1)<<(7*l)
	for i := l - 1; i >= 0; i-- {
		e.b = append(e.b, byte(v>>(8*i)))
	}
	return e
}

func (e *ebmlBuilder) element(id uint32, payload []byte) *ebmlBuilder {
	e.id(id).size(uint64(len(payload)))
	e.b = append(e.b, payload...)
	return e
}

func (e *ebmlBuilder) uint(id uint32, v uint64) *ebmlBuilder {
	var p []byte
	for shift := 56; shift >= 0; shift -= 8 {
		if c := byte(v >> shift); c != 0 || len(p) > 0 || shift == 0 {
			p = append(p, c)
		}
	}
	return e.element(id, p)
}

func (e *ebmlBuilder) float(id uint32, v float64) *ebmlBuilder {
	return e.element(id, binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
}

func (e *ebmlBuilder) str(id uint32, s string) *ebmlBuilder {
	return e.element(id, []byte(s))
}

func (e *ebmlBuilder) master(id uint32, body *ebmlBuilder) *ebmlBuilder {
	return e.element(id, body.b)
}

func (e *ebmlBuilder) bytes() []byte {
	return e.b
}

// WebMHeader returns the EBML header, the start of an unknown-size Segment,
// and the Info and Tracks elements for one track.
func WebMHeader(t WebMTrack) []byte {
	header := (&ebmlBuilder{}).
		uint(ebmlIDVersion, 1).
		uint(ebmlIDReadVersion, 1).
		uint(ebmlIDMaxIDLength, 4).
		uint(ebmlIDMaxSizeLength, 8).
		str(ebmlIDDocType, "webm").
		uint(ebmlIDDocTypeVersion, 2).
		uint(ebmlIDDocTypeReadVersion, 2)

	info := (&ebmlBuilder{}).
		uint(webmIDTimecodeScale, webmTimecodeScale).
		str(webmIDMuxingApp, "go-spice").
		str(webmIDWritingApp, "go-spice")

	entry := (&ebmlBuilder{}).
		uint(webmIDTrackNumber, webmTrackNumber).
		uint(webmIDTrackUID, webmTrackNumber).
		uint(webmIDFlagEnabled, 1).
		uint(webmIDFlagDefault, 1).
		uint(webmIDFlagForced, 0).
		uint(webmIDFlagLacing, 0).
		str(webmIDLanguage, "und").
		str(webmIDCodecID, t.CodecID)
	if t.audio() {
		entry.uint(webmIDTrackType, webmTrackAudio)
		if len(t.CodecPrivate) > 0 {
			entry.element(webmIDCodecPrivate, t.CodecPrivate)
		}
		entry.uint(webmIDCodecDelay, 0).
			uint(webmIDSeekPreRoll, 0).
			master(webmIDAudio, (&ebmlBuilder{}).
				float(webmIDSamplingFreq, t.SampleRate).
				uint(webmIDChannels, uint64(t.Channels)))
	} else {
		entry.uint(webmIDTrackType, webmTrackVideo).
			uint(webmIDDefaultDuration, 0).
			master(webmIDVideo, (&ebmlBuilder{}).
				uint(webmIDPixelWidth, uint64(t.Width)).
				uint(webmIDPixelHeight, uint64(t.Height)))
	}

	out := (&ebmlBuilder{}).master(ebmlIDHeader, header)
	out.id(webmIDSegment)
	out.b = append(out.b, ebmlUnknownSize...)
	out.master(webmIDInfo, info)
	out.master(webmIDTracks, (&ebmlBuilder{}).master(webmIDTrackEntry, entry))
	return out.bytes()
}

// WebMCluster opens an unknown-size cluster at the given timecode.
func WebMCluster(timecode uint64) []byte {
	out := (&ebmlBuilder{}).id(webmIDCluster)
	out.b = append(out.b, ebmlUnknownSize...)
	return out.uint(webmIDTimecode, timecode).bytes()
}

// WebMSimpleBlock wraps one encoded frame relative to its cluster timecode.
func WebMSimpleBlock(relative int16, keyframe bool, frame []byte) []byte {
	body := make([]byte, 0, 4+len(frame))
	body = append(body, 0x80|webmTrackNumber)
	body = binary.BigEndian.AppendUint16(body, uint16(relative)) // #nosec G115 - two's complement on the wire
	var flags byte
	if keyframe {
		flags |= 0x80
	}
	body = append(body, flags)
	body = append(body, frame...)
	return (&ebmlBuilder{}).element(webmIDSimpleBlock, body).bytes()
}
