// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Session is one logical connection to a SPICE server: a main channel and
// the sub-channels it announces.
type Session struct {
	cfg    *ClientConfig
	ctx    context.Context
	cancel context.CancelFunc
	clock  *MediaClock
	logger Logger

	main   *Conn
	mainCh *MainChannel

	mu        sync.Mutex
	conns     []*Conn
	displays  map[uint8]*DisplayChannel
	ports     map[uint8]*PortChannel
	inputs    *InputsChannel
	mouseMode uint16
	init      *MainInit

	initDone chan struct{}
	initOnce sync.Once
}

// Connect opens the main channel and waits until the server's init message
// has been processed. Sub-channels are opened in the background as the
// server announces them.
func Connect(ctx context.Context, options ...ClientOption) (*Session, error) {
	cfg := NewClientConfig(options...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := newSession(cfg)
	s.mainCh = newMainChannel(s)
	s.main = newConn(s.ctx, cfg, 0, ChannelMain, 0, s.mainCh)
	s.main.start(cfg.Dialer)

	select {
	case <-s.initDone:
		return s, nil
	case <-s.main.Done():
		err := s.main.Err()
		_ = s.Close()
		if err == nil {
			err = networkError("Connect", "main channel closed before init", nil)
		}
		return nil, err
	case <-ctx.Done():
		_ = s.Close()
		return nil, timeoutError("Connect", "gave up waiting for session", ctx.Err())
	}
}

func newSession(cfg *ClientConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		clock:     NewMediaClock(cfg.Now),
		logger:    cfg.Logger,
		displays:  make(map[uint8]*DisplayChannel),
		ports:     make(map[uint8]*PortChannel),
		mouseMode: MouseModeServer,
		initDone:  make(chan struct{}),
	}
}

func (s *Session) mainInitialized(m MainInit) {
	s.mu.Lock()
	s.init = &m
	s.mu.Unlock()
	s.initOnce.Do(func() { close(s.initDone) })
}

// SessionID returns the id assigned by the server.
func (s *Session) SessionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init == nil {
		return 0
	}
	return s.init.SessionID
}

// Clock returns the session's multimedia clock.
func (s *Session) Clock() *MediaClock { return s.clock }

// Main returns the main channel connection.
func (s *Session) Main() *Conn { return s.main }

// openChannels starts a connection for every announced channel this client
// handles.
func (s *Session) openChannels(sessionID uint32, list []ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range list {
		if !s.cfg.wantsChannel(ch.Type) {
			s.logger.Debug("Skipping channel", Field{Key: "type", Value: ch.Type.String()}, Field{Key: "id", Value: ch.ID})
			continue
		}
		var h ChannelHandler
		var bind func(*Conn)
		switch ch.Type {
		case ChannelDisplay:
			if int(ch.ID) >= s.cfg.MaxDisplayChannels {
				s.logger.Warn("Display head ignored, too many heads",
					Field{Key: "id", Value: ch.ID},
					Field{Key: "max", Value: s.cfg.MaxDisplayChannels})
				continue
			}
			dc := NewDisplayChannel(s.cfg, s.clock)
			if ch.ID == 0 {
				dc.onPrimary = s.primaryCreated
			}
			s.displays[ch.ID] = dc
			h, bind = dc, dc.bind
		case ChannelInputs:
			ic := newInputsChannel(s.cfg, s.mouseMode)
			s.inputs = ic
			h, bind = ic, ic.bind
		case ChannelCursor:
			h = newCursorChannel(s.cfg)
		case ChannelPlayback:
			h = newPlaybackChannel(s.cfg)
		case ChannelPort:
			pc := newPortChannel(s.cfg)
			s.ports[ch.ID] = pc
			h, bind = pc, pc.bind
		default:
			s.logger.Error(fmt.Sprintf("Channel type %s not implemented", ch.Type), Field{Key: "id", Value: ch.ID})
			continue
		}

		s.logger.Info("Opening channel", Field{Key: "type", Value: ch.Type.String()}, Field{Key: "id", Value: ch.ID})
		c := newConn(s.ctx, s.cfg, sessionID, ch.Type, ch.ID, h)
		if bind != nil {
			bind(c)
		}
		s.conns = append(s.conns, c)
		c.start(s.cfg.Dialer)
	}
}

// primaryCreated forwards the first head's size to the main channel.
func (s *Session) primaryCreated(width, height uint32) {
	s.main.post(func() {
		s.mainCh.primaryResized(s.main, width, height)
	})
}

func (s *Session) setMouseMode(mode uint16) {
	s.mu.Lock()
	s.mouseMode = mode
	ic := s.inputs
	s.mu.Unlock()
	if ic != nil {
		ic.setMouseMode(mode)
	}
}

// MouseMode returns the current MouseMode* value.
func (s *Session) MouseMode() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mouseMode
}

// Inputs returns the inputs channel, or nil before it is announced.
func (s *Session) Inputs() *InputsChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs
}

// Display returns a display head, or nil if it is not open.
func (s *Session) Display(id uint8) *DisplayChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displays[id]
}

// Ports returns the open port channels.
func (s *Session) Ports() []*PortChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PortChannel, 0, len(s.ports))
	for _, p := range s.ports {
		out = append(out, p)
	}
	return out
}

// Channels returns every sub-channel connection opened so far.
func (s *Session) Channels() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Snapshot copies the primary surface of a display head.
func (s *Session) Snapshot(ctx context.Context, display uint8) (*image.NRGBA, error) {
	dc := s.Display(display)
	if dc == nil {
		return nil, NewSpiceError("Session.Snapshot", ErrMissingSurface, fmt.Sprintf("display %d is not open", display), nil)
	}
	return dc.Snapshot(ctx)
}

// onMain runs fn on the main channel's event loop and waits for it.
func (s *Session) onMain(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	s.main.post(func() { errc <- fn() })
	select {
	case err := <-errc:
		return err
	case <-s.main.Done():
		return networkError("Session", "main channel closed", s.main.Err())
	case <-ctx.Done():
		return timeoutError("Session", "gave up waiting for main channel", ctx.Err())
	}
}

// SetMonitors asks the guest agent to resize the guest's displays.
func (s *Session) SetMonitors(ctx context.Context, monitors ...MonitorConfig) error {
	return s.onMain(ctx, func() error {
		return s.mainCh.setMonitors(s.main, monitors)
	})
}

// SendFile copies size bytes from r to the guest as name. progress may be
// nil. The returned transfer completes when the agent confirms it.
func (s *Session) SendFile(ctx context.Context, name string, size uint64, r io.Reader, progress func(sent, total uint64)) (*FileTransfer, error) {
	if err := newInputValidator().ValidateFileName(name); err != nil {
		return nil, err
	}
	t := &FileTransfer{Name: name, Size: size, r: r, progress: progress, done: make(chan struct{})}
	if err := s.onMain(ctx, func() error {
		return s.mainCh.startTransfer(s.main, t)
	}); err != nil {
		return nil, err
	}
	return t, nil
}

// CancelFile stops a running transfer at the next chunk boundary.
func (s *Session) CancelFile(ctx context.Context, t *FileTransfer) error {
	return s.onMain(ctx, func() error {
		if !s.mainCh.cancelTransfer(t.ID) {
			return NewSpiceError("Session.CancelFile", ErrValidation, fmt.Sprintf("no transfer %d", t.ID), nil)
		}
		return nil
	})
}

// Done is closed when the main channel ends.
func (s *Session) Done() <-chan struct{} {
	return s.main.Done()
}

// Err returns the error that ended the main channel, if any.
func (s *Session) Err() error {
	return s.main.Err()
}

// Close shuts down every sub-channel, then the main channel.
// It is safe to call Close multiple times.
func (s *Session) Close() error {
	var result *multierror.Error
	for _, c := range s.Channels() {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if s.main != nil {
		if err := s.main.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.cancel()
	return result.ErrorOrNil()
}
