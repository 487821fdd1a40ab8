// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"image"
	"math"
)

// StreamInfo describes a stream to the service that will consume it.
type StreamInfo struct {
	ID        uint32
	SurfaceID uint32
	Codec     VideoCodec
	Width     uint32
	Height    uint32
	Dest      Rect
}

// MediaSink consumes container fragments for incremental decode.
type MediaSink interface {
	// Append hands one fragment to the sink without blocking. done must be
	// called exactly once, from any goroutine, when the sink is ready for
	// the next fragment.
	Append(fragment []byte, done func(err error))
	Close() error
}

// MediaSinkProvider creates sinks for container-framed codecs.
type MediaSinkProvider interface {
	SupportsCodec(codec VideoCodec) bool
	NewMediaSink(info StreamInfo) (MediaSink, error)
}

// EncodedChunk is one timestamped unit handed to a VideoDecoder.
type EncodedChunk struct {
	Timestamp uint32
	Duration  uint32
	Key       bool
	Data      []byte
}

// VideoDecoder is an opaque frame decode service.
type VideoDecoder interface {
	// Decode queues chunk without blocking. output is called once per
	// decoded frame, from any goroutine; a nil frame means no picture was
	// produced for this chunk.
	Decode(chunk EncodedChunk, output func(frame image.Image, err error)) error
	Close() error
}

// VideoDecoderProvider creates decoders for hardware codecs.
type VideoDecoderProvider interface {
	SupportsCodec(codec VideoCodec) bool
	NewVideoDecoder(info StreamInfo) (VideoDecoder, error)
}

// frameTarget paints decoded frames onto surfaces.
type frameTarget interface {
	paintFrame(surfaceID uint32, dest Rect, frame image.Image) bool
}

// streamReport accumulates the counters of one report window.
type streamReport struct {
	uniqueID     uint32
	maxWindow    uint32
	timeout      uint32
	startFrameMM uint32
	numFrames    uint32
	numDrops     uint32
}

type webmFragment struct {
	data   []byte
	mmTime uint32
	frame  bool
}

// Stream is one active video stream.
type Stream struct {
	ID        uint32
	Codec     VideoCodec
	SurfaceID uint32
	Dest      Rect
	Clip      Clip
	Flags     uint8
	Width     uint32
	Height    uint32

	// Frames counts chunks that were decoded and presented.
	Frames uint64
	// Drops counts chunks discarded as late.
	Drops uint64

	framesLoading int
	report        *streamReport

	started     bool
	startTime   uint32
	clusterTime uint32
	appendReady bool
	queue       []webmFragment
	sink        MediaSink

	decoder VideoDecoder
}

// Reporting reports whether quality reports are active for the stream.
func (s *Stream) Reporting() bool {
	return s.report != nil
}

// Pending returns the number of container fragments waiting for the sink.
func (s *Stream) Pending() int {
	return len(s.queue)
}

// StreamReconstructor turns stream chunks into decoded frames or container
// fragments. All methods run on the display channel's event loop.
type StreamReconstructor struct {
	logger        Logger
	metrics       MetricsCollector
	clock         *MediaClock
	still         StillImageDecoder
	mediaSinks    MediaSinkProvider
	videoDecoders VideoDecoderProvider
	target        frameTarget
	streams       map[uint32]*Stream
}

func newStreamReconstructor(cfg *ClientConfig, logger Logger, clock *MediaClock, target frameTarget) *StreamReconstructor {
	return &StreamReconstructor{
		logger:        logger,
		metrics:       cfg.Metrics,
		clock:         clock,
		still:         cfg.Decoders.Still,
		mediaSinks:    cfg.MediaSinks,
		videoDecoders: cfg.VideoDecoders,
		target:        target,
		streams:       make(map[uint32]*Stream),
	}
}

// Supports reports whether chunks of codec can be reconstructed locally.
func (r *StreamReconstructor) Supports(codec VideoCodec) bool {
	switch codec {
	case VideoCodecMJPEG:
		return r.still != nil
	case VideoCodecVP8:
		return r.mediaSinks != nil && r.mediaSinks.SupportsCodec(codec)
	case VideoCodecH264:
		return r.videoDecoders != nil && r.videoDecoders.SupportsCodec(codec)
	}
	return false
}

// Get looks up a stream.
func (r *StreamReconstructor) Get(id uint32) (*Stream, bool) {
	s, ok := r.streams[id]
	return s, ok
}

// Len returns the number of active streams.
func (r *StreamReconstructor) Len() int {
	return len(r.streams)
}

// Create registers a stream and binds the decode service its codec needs.
func (r *StreamReconstructor) Create(m *StreamCreate) error {
	const op = "StreamReconstructor.Create"
	if !r.Supports(m.Codec) {
		return unsupportedError(op, fmt.Sprintf("codec %s", m.Codec), nil)
	}
	if _, exists := r.streams[m.ID]; exists {
		r.logger.Warn("Stream created over an existing id, replacing it", Field{Key: "stream_id", Value: m.ID})
		r.Destroy(m.ID)
	}

	s := &Stream{
		ID:        m.ID,
		Codec:     m.Codec,
		SurfaceID: m.SurfaceID,
		Dest:      m.Dest,
		Clip:      m.Clip,
		Flags:     m.Flags,
		Width:     m.StreamWidth,
		Height:    m.StreamHeight,
	}
	info := StreamInfo{ID: s.ID, SurfaceID: s.SurfaceID, Codec: s.Codec, Width: s.Width, Height: s.Height, Dest: s.Dest}

	switch m.Codec {
	case VideoCodecVP8:
		sink, err := r.mediaSinks.NewMediaSink(info)
		if err != nil {
			return decodeError(op, "failed to open media sink", err)
		}
		s.sink = sink
		s.appendReady = true
	case VideoCodecH264:
		dec, err := r.videoDecoders.NewVideoDecoder(info)
		if err != nil {
			return decodeError(op, "failed to open video decoder", err)
		}
		s.decoder = dec
	}

	r.streams[s.ID] = s
	r.logger.Debug("Stream created",
		Field{Key: "stream_id", Value: s.ID},
		Field{Key: "codec", Value: s.Codec.String()},
		Field{Key: "surface_id", Value: s.SurfaceID})
	return nil
}

// Data routes one chunk by the stream's codec.
func (r *StreamReconstructor) Data(c *Conn, m *StreamData) error {
	s, ok := r.streams[m.ID]
	if !ok {
		return malformedError("StreamReconstructor.Data", fmt.Sprintf("unknown stream %d", m.ID), nil)
	}
	dest := s.Dest
	if m.Sized {
		dest = m.Dest
	}
	switch s.Codec {
	case VideoCodecMJPEG:
		r.mjpegData(c, s, m, dest)
	case VideoCodecVP8:
		r.vp8Data(c, s, m)
	case VideoCodecH264:
		return r.h264Data(c, s, m, dest)
	}
	return nil
}

func (r *StreamReconstructor) mjpegData(c *Conn, s *Stream, m *StreamData, dest Rect) {
	if r.clock.Until(m.MMTime) < 0 && s.framesLoading > 0 {
		s.Drops++
		if s.report != nil {
			s.report.numDrops++
		}
		r.metrics.StreamFrame(s.Codec, true)
		return
	}
	s.framesLoading++
	r.metrics.StreamFrame(s.Codec, false)

	still := r.still
	payload := m.Data
	submit(c, func() (image.Image, error) {
		return still.DecodeStill(payload)
	}, func(frame image.Image, err error) {
		cur, ok := r.streams[s.ID]
		if !ok || cur != s {
			return
		}
		s.framesLoading--
		if err != nil {
			r.logger.Warn("Stream frame decode failed",
				Field{Key: "stream_id", Value: s.ID},
				Field{Key: "error", Value: err})
			return
		}
		r.present(c, s, dest, frame, m.MMTime)
	})
}

func (r *StreamReconstructor) h264Data(c *Conn, s *Stream, m *StreamData, dest Rect) error {
	r.metrics.StreamFrame(s.Codec, false)
	mmTime := m.MMTime
	chunk := EncodedChunk{Timestamp: mmTime, Key: true, Data: m.Data}
	err := s.decoder.Decode(chunk, func(frame image.Image, err error) {
		c.post(func() {
			cur, ok := r.streams[s.ID]
			if !ok || cur != s {
				return
			}
			if err != nil {
				r.logger.Warn("Stream frame decode failed",
					Field{Key: "stream_id", Value: s.ID},
					Field{Key: "error", Value: err})
				return
			}
			if frame == nil {
				return
			}
			r.present(c, s, dest, frame, mmTime)
		})
	})
	if err != nil {
		return decodeError("StreamReconstructor.Data", "video decoder rejected chunk", err)
	}
	return nil
}

func (r *StreamReconstructor) present(c *Conn, s *Stream, dest Rect, frame image.Image, mmTime uint32) {
	if !r.target.paintFrame(s.SurfaceID, dest, frame) {
		r.logger.Debug("Stream frame discarded, surface gone",
			Field{Key: "stream_id", Value: s.ID},
			Field{Key: "surface_id", Value: s.SurfaceID})
	}
	s.Frames++
	if s.report != nil {
		r.processReport(c, s, mmTime)
	}
}

func (r *StreamReconstructor) vp8Data(c *Conn, s *Stream, m *StreamData) {
	r.metrics.StreamFrame(s.Codec, false)
	mm := m.MMTime
	if !s.started {
		s.started = true
		s.startTime = mm
		s.clusterTime = mm
		r.pushOrQueue(c, s, webmFragment{data: WebMHeader(WebMTrack{CodecID: "V_VP8", Width: s.Width, Height: s.Height})})
		r.pushOrQueue(c, s, webmFragment{data: WebMCluster(0)})
		r.pushOrQueue(c, s, webmFragment{data: WebMSimpleBlock(0, true, m.Data), mmTime: mm, frame: true})
		return
	}

	if int64(mm)-int64(s.clusterTime) >= webmMaxClusterTime {
		s.clusterTime = mm
		r.pushOrQueue(c, s, webmFragment{data: WebMCluster(uint64(mm - s.startTime))})
		r.pushOrQueue(c, s, webmFragment{data: WebMSimpleBlock(0, true, m.Data), mmTime: mm, frame: true})
		return
	}

	rel := max(int64(mm)-int64(s.clusterTime), math.MinInt16)
	keyframe := len(m.Data) > 0 && m.Data[0]&0x01 == 0
	r.pushOrQueue(c, s, webmFragment{data: WebMSimpleBlock(int16(rel), keyframe, m.Data), mmTime: mm, frame: true}) // #nosec G115 - bounded by webmMaxClusterTime and MinInt16
}

// pushOrQueue appends f to the sink if it is idle, otherwise queues it.
func (r *StreamReconstructor) pushOrQueue(c *Conn, s *Stream, f webmFragment) {
	if s.appendReady {
		s.appendReady = false
		r.appendFragment(c, s, f)
		return
	}
	s.queue = append(s.queue, f)
}

func (r *StreamReconstructor) appendFragment(c *Conn, s *Stream, f webmFragment) {
	s.sink.Append(f.data, func(err error) {
		c.post(func() { r.appendDone(c, s, f, err) })
	})
}

func (r *StreamReconstructor) appendDone(c *Conn, s *Stream, f webmFragment, err error) {
	cur, ok := r.streams[s.ID]
	if !ok || cur != s {
		return
	}
	if err != nil {
		r.logger.Warn("Media sink append failed",
			Field{Key: "stream_id", Value: s.ID},
			Field{Key: "error", Value: err})
	} else if f.frame {
		s.Frames++
		if s.report != nil {
			r.processReport(c, s, f.mmTime)
		}
	}

	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		r.appendFragment(c, s, next)
		return
	}
	s.appendReady = true
}

// ActivateReport starts quality reporting for a stream.
func (r *StreamReconstructor) ActivateReport(m StreamActivateReport) error {
	s, ok := r.streams[m.StreamID]
	if !ok {
		return malformedError("StreamReconstructor.ActivateReport", fmt.Sprintf("unknown stream %d", m.StreamID), nil)
	}
	s.report = &streamReport{
		uniqueID:  m.UniqueID,
		maxWindow: m.MaxWindowSize,
		timeout:   m.TimeoutMS,
	}
	return nil
}

// processReport counts a presented frame and sends a report when the window
// fills or times out.
func (r *StreamReconstructor) processReport(c *Conn, s *Stream, mmTime uint32) {
	rep := s.report
	if rep.numFrames == 0 {
		rep.startFrameMM = mmTime
	}
	rep.numFrames++

	if rep.numFrames <= rep.maxWindow && mmTime-rep.startFrameMM <= rep.timeout {
		return
	}
	msg := StreamReport{
		StreamID:       s.ID,
		UniqueID:       rep.uniqueID,
		StartFrameMM:   rep.startFrameMM,
		EndFrameMM:     mmTime,
		NumFrames:      rep.numFrames,
		NumDrops:       rep.numDrops,
		LastFrameDelay: r.clock.Until(mmTime),
		AudioDelay:     0xffffffff,
	}
	if err := c.SendMessage(MsgcDisplayStreamReport, msg.encode()); err != nil {
		r.logger.Warn("Failed to send stream report", Field{Key: "error", Value: err})
	}
	rep.numFrames = 0
	rep.numDrops = 0
}

// SetClip replaces a stream's clip region.
func (r *StreamReconstructor) SetClip(m StreamClip) error {
	s, ok := r.streams[m.ID]
	if !ok {
		return malformedError("StreamReconstructor.SetClip", fmt.Sprintf("unknown stream %d", m.ID), nil)
	}
	s.Clip = m.Clip
	return nil
}

// Destroy releases a stream and its decode service.
func (r *StreamReconstructor) Destroy(id uint32) bool {
	s, ok := r.streams[id]
	if !ok {
		r.logger.Debug("Destroy of unknown stream ignored", Field{Key: "stream_id", Value: id})
		return false
	}
	delete(r.streams, id)
	r.release(s)
	return true
}

// DestroyAll releases every stream.
func (r *StreamReconstructor) DestroyAll() {
	for id := range r.streams {
		r.Destroy(id)
	}
}

func (r *StreamReconstructor) release(s *Stream) {
	s.queue = nil
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			r.logger.Warn("Media sink close failed", Field{Key: "stream_id", Value: s.ID}, Field{Key: "error", Value: err})
		}
	}
	if s.decoder != nil {
		if err := s.decoder.Close(); err != nil {
			r.logger.Warn("Video decoder close failed", Field{Key: "stream_id", Value: s.ID}, Field{Key: "error", Value: err})
		}
	}
}
