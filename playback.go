// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

// AudioSink plays audio from the playback channel.
type AudioSink interface {
	// SupportsOpus reports whether Opus packets can be played.
	SupportsOpus() bool
	Start(channels uint32, format uint16, frequency uint32, mmTime uint32) error
	Data(mode uint16, mmTime uint32, data []byte) error
	Stop() error
	SetVolume(volumes []uint16)
	SetMute(muted bool)
}

// PlaybackChannel forwards audio to the configured sink.
type PlaybackChannel struct {
	sink    AudioSink
	logger  Logger
	mode    uint16
	started bool
}

func newPlaybackChannel(cfg *ClientConfig) *PlaybackChannel {
	return &PlaybackChannel{
		sink:   cfg.AudioSink,
		logger: cfg.Logger.With(Field{Key: "channel", Value: ChannelPlayback.String()}),
		mode:   AudioDataModeRaw,
	}
}

// ChannelCaps advertises Opus only when the sink can play it.
func (pc *PlaybackChannel) ChannelCaps() []uint32 {
	bits := []int{PlaybackCapVolume, PlaybackCapLatency}
	if pc.sink != nil && pc.sink.SupportsOpus() {
		bits = append(bits, PlaybackCapOpus)
	}
	return capSet(bits...)
}

func (pc *PlaybackChannel) HandleMessage(_ *Conn, f *Frame) (bool, error) {
	r := newMsgReader(f.Data)
	switch f.Type {
	case MsgPlaybackMode:
		r.u32() // time
		pc.mode = r.u16()
		if err := wrapDecode("decodePlaybackMode", r); err != nil {
			return true, err
		}
		pc.logger.Debug("Playback mode", Field{Key: "mode", Value: pc.mode})
		return true, nil

	case MsgPlaybackStart:
		channels, format, freq, mm := r.u32(), r.u16(), r.u32(), r.u32()
		if err := wrapDecode("decodePlaybackStart", r); err != nil {
			return true, err
		}
		pc.started = true
		if pc.sink == nil {
			return true, nil
		}
		if err := pc.sink.Start(channels, format, freq, mm); err != nil {
			return true, decodeError("PlaybackChannel.start", "audio sink refused start", err)
		}
		return true, nil

	case MsgPlaybackData:
		mm := r.u32()
		data := r.rest()
		if err := wrapDecode("decodePlaybackData", r); err != nil {
			return true, err
		}
		if pc.sink == nil || !pc.started {
			return true, nil
		}
		if err := pc.sink.Data(pc.mode, mm, data); err != nil {
			return true, decodeError("PlaybackChannel.data", "audio sink rejected data", err)
		}
		return true, nil

	case MsgPlaybackStop:
		pc.started = false
		if pc.sink != nil {
			if err := pc.sink.Stop(); err != nil {
				return true, decodeError("PlaybackChannel.stop", "audio sink stop failed", err)
			}
		}
		return true, nil

	case MsgPlaybackVolume:
		n := r.u8()
		volumes := make([]uint16, 0, n)
		for i := uint8(0); i < n; i++ {
			volumes = append(volumes, r.u16())
		}
		if err := wrapDecode("decodePlaybackVolume", r); err != nil {
			return true, err
		}
		if pc.sink != nil {
			pc.sink.SetVolume(volumes)
		}
		return true, nil

	case MsgPlaybackMute:
		muted := r.u8() != 0
		if err := wrapDecode("decodePlaybackMute", r); err != nil {
			return true, err
		}
		if pc.sink != nil {
			pc.sink.SetMute(muted)
		}
		return true, nil

	case MsgPlaybackLatency:
		latency := r.u32()
		if err := wrapDecode("decodePlaybackLatency", r); err != nil {
			return true, err
		}
		pc.logger.Debug("Playback latency", Field{Key: "min_latency_ms", Value: latency})
		return true, nil
	}
	return false, nil
}

func (pc *PlaybackChannel) Close(*Conn) error {
	if pc.started && pc.sink != nil {
		pc.started = false
		return pc.sink.Stop()
	}
	return nil
}
