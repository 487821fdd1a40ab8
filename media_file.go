// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WebMRecorder is a MediaSinkProvider that writes each VP8 stream to its own
// .webm file under Dir.
type WebMRecorder struct {
	Dir string
	Now func() time.Time
}

// NewWebMRecorder returns a recorder writing into dir.
func NewWebMRecorder(dir string) *WebMRecorder {
	return &WebMRecorder{Dir: dir, Now: time.Now}
}

func (w *WebMRecorder) SupportsCodec(codec VideoCodec) bool {
	return codec == VideoCodecVP8
}

func (w *WebMRecorder) NewMediaSink(info StreamInfo) (MediaSink, error) {
	if err := os.MkdirAll(w.Dir, 0o750); err != nil {
		return nil, configurationError("WebMRecorder", "cannot create "+w.Dir, err)
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	name := filepath.Join(w.Dir, fmt.Sprintf("stream-%d-%d.webm", info.ID, now().Unix()))
	f, err := os.Create(name) // #nosec G304 - name built from the recorder directory
	if err != nil {
		return nil, configurationError("WebMRecorder", "cannot create "+name, err)
	}
	s := &fileSink{f: f, work: make(chan fileAppend, 1), stopped: make(chan struct{})}
	go s.run()
	return s, nil
}

type fileAppend struct {
	data []byte
	done func(error)
}

// fileSink serializes writes on its own goroutine so Append never blocks
// the caller's event loop.
type fileSink struct {
	f       *os.File
	work    chan fileAppend
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func (s *fileSink) run() {
	defer close(s.stopped)
	for a := range s.work {
		_, err := s.f.Write(a.data)
		a.done(err)
	}
}

func (s *fileSink) Append(fragment []byte, done func(error)) {
	s.work <- fileAppend{data: fragment, done: done}
}

func (s *fileSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.work)
		<-s.stopped
		s.closeErr = s.f.Close()
	})
	return s.closeErr
}
