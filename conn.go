// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State is a channel's position in the link handshake.
type State int32

const (
	StateConnecting State = iota
	StateStart
	StateLink
	StateTicket
	StateReady
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStart:
		return "start"
	case StateLink:
		return "link"
	case StateTicket:
		return "ticket"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ChannelHandler interprets the messages specific to one channel type.
type ChannelHandler interface {
	// ChannelCaps returns the channel capability words for the link message.
	ChannelCaps() []uint32

	// HandleMessage interprets f. It reports false when the type is not
	// recognized. Non-fatal errors drop the message and processing continues.
	HandleMessage(c *Conn, f *Frame) (bool, error)

	// Close releases everything the handler holds.
	Close(c *Conn) error
}

// maxMessageSize bounds a single steady-state payload.
const maxMessageSize = 64 * 1024 * 1024

// Conn is one authenticated SPICE channel. All message handling for a
// channel runs on its own event loop; transport reads, handshake timers and
// asynchronous decode completions are queued onto that loop.
type Conn struct {
	cfg     *ClientConfig
	logger  Logger
	metrics MetricsCollector
	handler ChannelHandler

	connectionID uint32
	channelType  ChannelType
	channelID    uint8

	sendMu    sync.Mutex
	transport Transport
	wire      *WireReader

	state        atomic.Int32
	ackWindow    uint32
	msgsUntilAck uint32
	ackGen       uint32
	warnings     map[MessageType]bool
	linkReply    *LinkReply
	created      time.Time

	timerMu sync.Mutex
	timer   *time.Timer

	tasks taskQueue
	spawn func(func())

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	tornDown  bool
	closeErr  error
	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
	dialed    chan struct{}

	errMu sync.Mutex
	err   error
}

func newConn(parent context.Context, cfg *ClientConfig, connectionID uint32, t ChannelType, id uint8, h ChannelHandler) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		cfg:          cfg,
		metrics:      cfg.Metrics,
		handler:      h,
		connectionID: connectionID,
		channelType:  t,
		channelID:    id,
		warnings:     make(map[MessageType]bool),
		created:      time.Now(),
		tasks:        taskQueue{signal: make(chan struct{}, 1)},
		spawn:        func(f func()) { go f() },
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
		closed:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		dialed:       make(chan struct{}),
	}
	c.logger = cfg.Logger.With(
		Field{Key: "channel", Value: t.String()},
		Field{Key: "channel_id", Value: id})
	c.wire = NewWireReader(c.processInbound)
	c.timer = time.AfterFunc(cfg.ConnectTimeout, func() {
		c.post(c.handshakeTimeout)
	})
	return c
}

// Type returns the channel type.
func (c *Conn) Type() ChannelType { return c.channelType }

// ID returns the channel id.
func (c *Conn) ID() uint8 { return c.channelID }

// ConnectionID returns the session id this channel was linked with.
func (c *Conn) ConnectionID() uint32 { return c.connectionID }

// State returns the current handshake state.
func (c *Conn) State() State { return State(c.state.Load()) }

// LinkReply returns the server's link reply once received.
func (c *Conn) LinkReply() *LinkReply { return c.linkReply }

// Ready is closed once the channel reaches StateReady.
func (c *Conn) Ready() <-chan struct{} { return c.ready }

// Done is closed once the channel has been torn down.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the fatal error that ended the channel, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// WaitReady blocks until the channel is ready, has failed, or ctx ends.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return networkError("Conn.WaitReady", "channel closed before ready", nil)
	case <-ctx.Done():
		return timeoutError("Conn.WaitReady", "gave up waiting for channel", ctx.Err())
	}
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.logger.Debug("Channel state changed",
		Field{Key: "from", Value: old.String()},
		Field{Key: "to", Value: s.String()})
	if c.cfg.StateObserver != nil {
		c.cfg.StateObserver(c, s)
	}
}

// start dials and runs the event loop in the background.
func (c *Conn) start(dial Dialer) {
	c.running.Store(true)
	go c.run(dial)
}

func (c *Conn) run(dial Dialer) {
	defer close(c.loopDone)

	t, err := dial(c.ctx)
	close(c.dialed)
	if err != nil {
		if c.ctx.Err() != nil {
			c.shutdown()
			return
		}
		c.fail(networkError("Conn.connect", "Connection refused.", err))
		return
	}
	c.attach(t)
	if err := c.open(); err != nil || c.ctx.Err() != nil {
		if c.ctx.Err() != nil {
			c.shutdown()
		} else {
			c.fail(err)
		}
		return
	}
	go c.readLoop(t)

	for {
		select {
		case <-c.ctx.Done():
			if !c.tornDown {
				c.shutdown()
			}
			return
		case <-c.tasks.signal:
			c.runPending()
		}
	}
}

func (c *Conn) attach(t Transport) {
	c.sendMu.Lock()
	c.transport = t
	c.sendMu.Unlock()
}

func (c *Conn) readLoop(t Transport) {
	for {
		b, err := t.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.post(func() { c.onTransportClosed(err) })
			return
		}
		c.post(func() { c.feed(b) })
	}
}

// post queues fn onto the channel's event loop.
func (c *Conn) post(fn func()) {
	c.tasks.push(fn)
}

// runPending executes every queued task in order.
func (c *Conn) runPending() {
	for {
		fns := c.tasks.drain()
		if len(fns) == 0 {
			return
		}
		for _, fn := range fns {
			fn()
		}
	}
}

// submit runs work off the event loop and delivers its result back onto it.
func submit[T any](c *Conn, work func() (T, error), done func(T, error)) {
	c.spawn(func() {
		v, err := work()
		c.post(func() { done(v, err) })
	})
}

// open sends the link message and waits for the reply header.
func (c *Conn) open() error {
	mess := LinkMess{
		ConnectionID: c.connectionID,
		ChannelType:  c.channelType,
		ChannelID:    c.channelID,
		CommonCaps:   capSet(CommonCapAuthSelection, CommonCapAuthSpice, CommonCapMiniHeader),
		ChannelCaps:  c.handler.ChannelCaps(),
	}
	c.logger.Debug("Sending link message",
		Field{Key: "connection_id", Value: c.connectionID},
		Field{Key: "channel_caps", Value: mess.ChannelCaps})
	if err := c.sendRaw(encodeLink(mess)); err != nil {
		return networkError("Conn.open", "failed to send link message", err)
	}
	c.setState(StateStart)
	c.wire.Request(linkHeaderSize)
	return nil
}

func (c *Conn) feed(b []byte) {
	if s := c.State(); s == StateClosing || s == StateError {
		return
	}
	if err := c.wire.Feed(b); err != nil {
		c.fail(err)
	}
}

func (c *Conn) processInbound(data []byte, saved *Frame) error {
	switch c.State() {
	case StateStart:
		return c.handleLinkHeader(data)
	case StateLink:
		return c.handleLinkReply(data)
	case StateTicket:
		return c.handleAuthReply(data)
	case StateReady:
		return c.handleFrameBytes(data, saved)
	default:
		return nil
	}
}

func (c *Conn) handleLinkHeader(data []byte) error {
	h, err := decodeLinkHeader(data)
	if err != nil {
		return protocolError("Conn.handshake", "Unexpected protocol mismatch.", err)
	}
	if !bytes.Equal(h.Magic[:], []byte(Magic)) {
		return protocolError("Conn.handshake", fmt.Sprintf("magic mismatch: %q", h.Magic[:]), nil)
	}
	if h.Major != VersionMajor {
		c.logger.Warn("Server protocol version differs",
			Field{Key: "major", Value: h.Major},
			Field{Key: "minor", Value: h.Minor})
	}
	if err := newInputValidator().ValidateMessageLength(h.Size, maxMessageSize); err != nil {
		return protocolError("Conn.handshake", "invalid link reply size", err)
	}
	c.setState(StateLink)
	c.wire.Request(int(h.Size))
	return nil
}

func (c *Conn) handleLinkReply(data []byte) error {
	reply, err := decodeLinkReply(data)
	if err != nil {
		return protocolError("Conn.handshake", "invalid link reply", err)
	}
	if reply.Error != LinkOK {
		return linkError("Conn.handshake", linkErrorMessage(reply.Error), nil)
	}
	c.linkReply = reply

	ticket, err := c.cfg.TicketEncrypter.EncryptTicket(reply.PubKey, c.cfg.Password)
	if err != nil {
		return authenticationError("Conn.handshake", "failed to encrypt ticket", err)
	}
	if err := c.sendRaw(encodeAuthTicket(ticket)); err != nil {
		return networkError("Conn.handshake", "failed to send ticket", err)
	}
	c.setState(StateTicket)
	c.wire.Request(authReplySize)
	return nil
}

func (c *Conn) handleAuthReply(data []byte) error {
	code, err := decodeAuthReply(data)
	if err != nil {
		return protocolError("Conn.handshake", "invalid auth reply", err)
	}
	switch code {
	case LinkOK:
	case LinkErrPermissionDenied:
		return authenticationError("Conn.handshake", "Permission denied.", nil)
	default:
		return linkError("Conn.handshake", fmt.Sprintf("Unexpected link error %d (%s)", uint32(code), code), nil)
	}

	if c.channelType == ChannelDisplay {
		if err := c.SendMessage(MsgcDisplayInit, encodeDisplayInit()); err != nil {
			return err
		}
	}

	c.stopTimer()
	c.setState(StateReady)
	c.wire.Request(miniHeaderSize)
	c.metrics.HandshakeCompleted(c.channelType, time.Since(c.created))
	c.logger.Info("Channel ready", Field{Key: "connection_id", Value: c.connectionID})
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

func (c *Conn) handleFrameBytes(data []byte, saved *Frame) error {
	if saved == nil {
		hdr, err := decodeMiniHeader(data)
		if err != nil {
			return protocolError("Conn.receive", "corrupted header", err)
		}
		if hdr.Type > maxMessageType {
			c.logger.Error("Message type out of range, stream is corrupted",
				Field{Key: "type", Value: hdr.Type},
				Field{Key: "size", Value: hdr.Size})
			return protocolError("Conn.receive", fmt.Sprintf("message type %d out of range", hdr.Type), nil)
		}
		if hdr.Size == 0 {
			c.wire.Request(miniHeaderSize)
			return c.dispatch(hdr)
		}
		if hdr.Size > maxMessageSize {
			return protocolError("Conn.receive", fmt.Sprintf("message size %d too large", hdr.Size), nil)
		}
		c.wire.SaveHeader(hdr)
		c.wire.Request(int(hdr.Size))
		return nil
	}

	saved.Data = data
	c.wire.SaveHeader(nil)
	c.wire.Request(miniHeaderSize)
	return c.dispatch(saved)
}

// dispatch offers f to the common handler, then to the channel handler, and
// finally runs the acknowledgement countdown.
func (c *Conn) dispatch(f *Frame) error {
	c.metrics.MessageReceived(c.channelType, f.Type, len(f.Data))

	handled, err := c.handleCommon(f)
	if !handled && err == nil {
		handled, err = c.handler.HandleMessage(c, f)
	}
	if err != nil {
		if IsFatal(err) {
			return err
		}
		c.logger.Warn("Message dropped",
			Field{Key: "type", Value: f.Type},
			Field{Key: "error", Value: err})
		c.metrics.Error(c.channelType, GetErrorCode(err))
	} else if !handled {
		c.logger.Warn("Unknown message type",
			Field{Key: "type", Value: f.Type},
			Field{Key: "size", Value: f.Size})
	}

	if f.Type == MsgSetAck {
		return nil
	}
	return c.countAck()
}

func (c *Conn) countAck() error {
	if c.ackWindow == 0 || c.msgsUntilAck == 0 {
		return nil
	}
	c.msgsUntilAck--
	if c.msgsUntilAck > 0 {
		return nil
	}
	c.msgsUntilAck = c.ackWindow
	if err := c.SendMessage(MsgcAck, nil); err != nil {
		return err
	}
	c.metrics.AckSent(c.channelType)
	return nil
}

func (c *Conn) handleCommon(f *Frame) (bool, error) {
	switch f.Type {
	case MsgSetAck:
		m, err := decodeSetAck(f.Data)
		if err != nil {
			return true, err
		}
		c.ackGen = m.Generation
		c.ackWindow = m.Window
		c.msgsUntilAck = m.Window
		c.logger.Debug("Ack window set",
			Field{Key: "generation", Value: m.Generation},
			Field{Key: "window", Value: m.Window})
		w := &msgWriter{}
		return true, c.SendMessage(MsgcAckSync, w.u32(m.Generation).bytes())
	case MsgPing:
		if len(f.Data) < 12 {
			return true, malformedError("Conn.ping", "ping shorter than 12 bytes", nil)
		}
		return true, c.SendMessage(MsgcPong, f.Data[:12])
	case MsgNotify:
		m, err := decodeNotify(f.Data)
		if err != nil {
			return true, err
		}
		text := newInputValidator().SanitizeText(m.Message)
		fields := []Field{{Key: "what", Value: m.What}, {Key: "visibility", Value: m.Visibility}}
		switch m.Severity {
		case NotifySeverityError:
			c.logger.Error(text, fields...)
		case NotifySeverityWarn:
			c.logger.Warn(text, fields...)
		default:
			c.logger.Info(text, fields...)
		}
		return true, nil
	case MsgDisconnecting:
		m, err := decodeDisconnecting(f.Data)
		if err != nil {
			return true, err
		}
		c.logger.Info("Server is disconnecting", Field{Key: "reason", Value: m.Reason})
		return true, nil
	case MsgMigrate, MsgMigrateData, MsgWaitForChannels, MsgList:
		return c.knownUnimplemented(f.Type, "common")
	}
	return false, nil
}

// knownUnimplemented logs once per message type and reports the message handled.
func (c *Conn) knownUnimplemented(t MessageType, name string) (bool, error) {
	if !c.warnings[t] {
		c.warnings[t] = true
		c.logger.Warn("Unimplemented message, further notices suppressed",
			Field{Key: "type", Value: t},
			Field{Key: "name", Value: name})
	}
	return true, nil
}

// SendMessage frames payload with a mini header and sends it.
func (c *Conn) SendMessage(t MessageType, payload []byte) error {
	if err := c.sendRaw(encodeFrame(t, payload)); err != nil {
		return err
	}
	c.metrics.MessageSent(c.channelType, t, len(payload))
	return nil
}

func (c *Conn) sendRaw(b []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.transport == nil {
		return networkError("Conn.send", "channel is not connected", nil)
	}
	ctx := c.ctx
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	if err := c.transport.Send(ctx, b); err != nil {
		return networkError("Conn.send", "send failed", err)
	}
	return nil
}

func (c *Conn) handshakeTimeout() {
	if c.State() >= StateReady {
		return
	}
	c.fail(timeoutError("Conn.handshake", "Connection timed out.", nil))
}

func (c *Conn) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) onTransportClosed(err error) {
	state := c.State()
	if state == StateClosing || state == StateError {
		return
	}
	var msg string
	switch state {
	case StateConnecting:
		msg = "Connection refused."
	case StateStart, StateLink:
		msg = "Unexpected protocol mismatch."
	case StateTicket:
		msg = "Bad password."
	default:
		msg = "Unexpected close while " + state.String()
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	c.fail(networkError("Conn.receive", msg, err))
}

// fail moves the channel to StateError and tears it down.
func (c *Conn) fail(err error) {
	if s := c.State(); s == StateError || s == StateClosing {
		return
	}
	c.setState(StateError)
	c.logger.Error("Channel failed", Field{Key: "error", Value: err})
	c.metrics.Error(c.channelType, GetErrorCode(err))

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	if c.cfg.ErrorHandler != nil {
		c.cfg.ErrorHandler(c, err)
	}
	_ = c.teardown()
}

// Close tears the channel down: the handshake timer is stopped, the handler
// releases its resources, then the transport is closed.
// It is safe to call Close multiple times.
func (c *Conn) Close() error {
	if !c.running.Load() {
		if s := c.State(); s != StateError {
			c.setState(StateClosing)
		}
		return c.teardown()
	}
	c.post(c.shutdown)
	select {
	case <-c.dialed:
	default:
		// Nothing runs posted tasks until the dial returns.
		c.cancel()
	}
	select {
	case <-c.loopDone:
	case <-time.After(5 * time.Second):
		return timeoutError("Conn.Close", "event loop did not stop", nil)
	}
	return c.closeErr
}

// shutdown is an orderly close run on the event loop.
func (c *Conn) shutdown() {
	if s := c.State(); s != StateError {
		c.setState(StateClosing)
	}
	c.closeErr = c.teardown()
}

func (c *Conn) teardown() error {
	if c.tornDown {
		return nil
	}
	c.tornDown = true
	c.stopTimer()

	var result *multierror.Error
	if c.handler != nil {
		if err := c.handler.Close(c); err != nil {
			result = multierror.Append(result, err)
		}
	}

	c.sendMu.Lock()
	t := c.transport
	c.sendMu.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, networkError("Conn.Close", "transport close failed", err))
		}
	}

	c.cancel()
	c.closeOnce.Do(func() { close(c.closed) })
	c.logger.Debug("Channel torn down")
	return result.ErrorOrNil()
}

// taskQueue is an unbounded FIFO of closures with a wakeup signal.
type taskQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func (q *taskQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *taskQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
