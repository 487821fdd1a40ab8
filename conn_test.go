// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler accepts the message types in known and records them.
type recordingHandler struct {
	mu     sync.Mutex
	frames []*Frame
	known  map[MessageType]error
	closed int
}

func newRecordingHandler(known ...MessageType) *recordingHandler {
	h := &recordingHandler{known: make(map[MessageType]error)}
	for _, t := range known {
		h.known[t] = nil
	}
	return h
}

func (h *recordingHandler) ChannelCaps() []uint32 { return []uint32{0x5} }

func (h *recordingHandler) HandleMessage(_ *Conn, f *Frame) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	err, ok := h.known[f.Type]
	if !ok {
		return false, nil
	}
	h.frames = append(h.frames, f)
	return true, err
}

func (h *recordingHandler) Close(*Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *recordingHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) observe(_ *Conn, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) get() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func startConn(t *testing.T, typ ChannelType, h ChannelHandler, opts ...ClientOption) (*Conn, *fakeServer) {
	t.Helper()
	srv := newFakeServer(t)
	cfg := NewClientConfig(append([]ClientOption{
		WithDialer(srv.p.dialer()),
		WithPassword("secret"),
	}, opts...)...)
	c := newConn(context.Background(), cfg, 42, typ, 0, h)
	c.start(cfg.Dialer)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func readyConn(t *testing.T, h ChannelHandler, opts ...ClientOption) (*Conn, *fakeServer) {
	t.Helper()
	c, srv := startConn(t, ChannelInputs, h, opts...)
	srv.handshake()
	waitReady(t, c)
	return c, srv
}

func waitReady(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.WaitReady(ctx))
}

func waitDone(t *testing.T, c *Conn) error {
	t.Helper()
	select {
	case <-c.Done():
		return c.Err()
	case <-time.After(2 * time.Second):
		require.FailNow(t, "channel did not close")
		return nil
	}
}

func setAckPayload(gen, window uint32) []byte {
	w := &msgWriter{}
	return w.u32(gen).u32(window).bytes()
}

func TestConn_Handshake(t *testing.T) {
	log := &stateLog{}
	h := newRecordingHandler()
	c, srv := startConn(t, ChannelInputs, h, WithStateObserver(log.observe))

	mess, password := srv.handshake()
	waitReady(t, c)

	assert.Equal(t, uint32(42), mess.ConnectionID)
	assert.Equal(t, ChannelInputs, mess.ChannelType)
	assert.Equal(t, uint8(0), mess.ChannelID)
	assert.Equal(t, capSet(CommonCapAuthSelection, CommonCapAuthSpice, CommonCapMiniHeader), mess.CommonCaps)
	assert.Equal(t, []uint32{0x5}, mess.ChannelCaps)
	assert.Equal(t, "secret", password)

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []State{StateStart, StateLink, StateTicket, StateReady}, log.get())
	require.NotNil(t, c.LinkReply())
	assert.Equal(t, srv.der, c.LinkReply().PubKey)
	srv.quiet(50 * time.Millisecond)
}

func TestConn_HandshakeSplitAcrossReads(t *testing.T) {
	c, srv := startConn(t, ChannelInputs, newRecordingHandler())
	srv.readLink()

	reply := linkReplyBytes(LinkOK, srv.der)
	for _, b := range reply {
		srv.push([]byte{b})
	}
	decryptTicket(t, srv.key, srv.recv())

	w := &msgWriter{}
	ok := w.u32(uint32(LinkOK)).bytes()
	srv.push(ok[:1])
	srv.push(ok[1:])
	waitReady(t, c)
}

func TestConn_DisplayInitAfterAuth(t *testing.T) {
	c, srv := startConn(t, ChannelDisplay, newRecordingHandler())
	srv.handshake()
	f := srv.expect(MsgcDisplayInit)
	assert.Len(t, f.Data, 14)
	waitReady(t, c)
}

func TestConn_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  func(srv *fakeServer)
		code    ErrorCode
		message string
	}{
		{
			name: "magic mismatch",
			script: func(srv *fakeServer) {
				reply := linkReplyBytes(LinkOK, srv.der)
				copy(reply, "XXXX")
				srv.push(reply)
			},
			code:    ErrProtocol,
			message: "magic mismatch",
		},
		{
			name: "link error",
			script: func(srv *fakeServer) {
				srv.push(linkReplyBytes(LinkErrNeedSecured, nil))
			},
			code:    ErrLink,
			message: "reply link error 5",
		},
		{
			name: "permission denied",
			script: func(srv *fakeServer) {
				srv.push(linkReplyBytes(LinkOK, srv.der))
				srv.recv()
				w := &msgWriter{}
				srv.push(w.u32(uint32(LinkErrPermissionDenied)).bytes())
			},
			code:    ErrAuthentication,
			message: "Permission denied.",
		},
		{
			name: "unexpected auth code",
			script: func(srv *fakeServer) {
				srv.push(linkReplyBytes(LinkOK, srv.der))
				srv.recv()
				w := &msgWriter{}
				srv.push(w.u32(uint32(LinkErrError)).bytes())
			},
			code:    ErrLink,
			message: "Unexpected link error 1",
		},
		{
			name: "close during link",
			script: func(srv *fakeServer) {
				srv.push(linkReplyBytes(LinkOK, srv.der)[:8])
				srv.p.Close()
			},
			code:    ErrNetwork,
			message: "Unexpected protocol mismatch.",
		},
		{
			name: "close after ticket",
			script: func(srv *fakeServer) {
				srv.push(linkReplyBytes(LinkOK, srv.der))
				srv.recv()
				srv.p.Close()
			},
			code:    ErrNetwork,
			message: "Bad password.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handled error
			var once sync.Once
			h := newRecordingHandler()
			c, srv := startConn(t, ChannelInputs, h, WithErrorHandler(func(_ *Conn, err error) {
				once.Do(func() { handled = err })
			}))
			srv.readLink()
			tt.script(srv)

			err := waitDone(t, c)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetErrorCode(err))
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, StateError, c.State())
			assert.Equal(t, err, handled)
			assert.Equal(t, 1, h.closeCount())
		})
	}
}

func TestConn_DialFailure(t *testing.T) {
	cfg := NewClientConfig(WithDialer(func(context.Context) (Transport, error) {
		return nil, errors.New("no route")
	}))
	c := newConn(context.Background(), cfg, 0, ChannelMain, 0, newRecordingHandler())
	c.start(cfg.Dialer)

	err := waitDone(t, c)
	assert.True(t, IsSpiceError(err, ErrNetwork))
	assert.Contains(t, err.Error(), "Connection refused.")
	assert.NoError(t, c.Close())
}

func TestConn_HandshakeTimeout(t *testing.T) {
	c, srv := startConn(t, ChannelInputs, newRecordingHandler(), WithConnectTimeout(50*time.Millisecond))
	srv.readLink()

	err := waitDone(t, c)
	assert.True(t, IsSpiceError(err, ErrTimeout))
	assert.Contains(t, err.Error(), "Connection timed out.")
}

func TestConn_TimerStoppedWhenReady(t *testing.T) {
	c, _ := readyConn(t, newRecordingHandler(), WithConnectTimeout(100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateReady, c.State())
	assert.NoError(t, c.Err())
}

func TestConn_AckWindow(t *testing.T) {
	for _, window := range []uint32{1, 4, 100} {
		t.Run(fmt.Sprintf("window %d", window), func(t *testing.T) {
			h := newRecordingHandler(MessageType(150))
			c, srv := readyConn(t, h)

			srv.send(MsgSetAck, setAckPayload(9, window))
			f := srv.expect(MsgcAckSync)
			assert.Equal(t, setAckPayload(9, 0)[:4], f.Data)

			const rounds = 3
			for i := uint32(0); i < rounds*window; i++ {
				srv.send(MessageType(150), []byte{byte(i)})
			}
			for i := 0; i < rounds; i++ {
				f := srv.expect(MsgcAck)
				assert.Empty(t, f.Data)
			}
			srv.quiet(50 * time.Millisecond)
			assert.Equal(t, int(rounds*window), h.count())
			assert.Equal(t, StateReady, c.State())
		})
	}
}

func TestConn_AckCountsUnknownMessages(t *testing.T) {
	c, srv := readyConn(t, newRecordingHandler())
	srv.send(MsgSetAck, setAckPayload(1, 2))
	srv.expect(MsgcAckSync)

	srv.send(MessageType(222), nil)
	srv.send(MessageType(223), []byte{1, 2, 3})
	srv.expect(MsgcAck)
	assert.Equal(t, StateReady, c.State())
}

func TestConn_PingPong(t *testing.T) {
	_, srv := readyConn(t, newRecordingHandler())

	w := &msgWriter{}
	ping := w.u32(77).u64(123456789).raw([]byte("padding")).bytes()
	srv.send(MsgPing, ping)

	f := srv.expect(MsgcPong)
	assert.Equal(t, ping[:12], f.Data)
	p, err := decodePing(f.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(77), p.ID)
	assert.Equal(t, uint64(123456789), p.Timestamp)
}

func TestConn_ShortPingDropped(t *testing.T) {
	c, srv := readyConn(t, newRecordingHandler())
	srv.send(MsgPing, []byte{1, 2, 3})
	srv.quiet(50 * time.Millisecond)
	assert.Equal(t, StateReady, c.State())
}

func TestConn_OutOfRangeTypeIsFatal(t *testing.T) {
	h := newRecordingHandler()
	c, srv := readyConn(t, h)
	srv.send(MessageType(maxMessageType+1), []byte{0})

	err := waitDone(t, c)
	assert.True(t, IsSpiceError(err, ErrProtocol))
	assert.Contains(t, err.Error(), "out of range")
	assert.Equal(t, 1, h.closeCount())
}

func TestConn_UnknownAndRejectedMessagesContinue(t *testing.T) {
	h := newRecordingHandler(MessageType(160))
	h.known[MessageType(161)] = malformedError("test", "bad payload", nil)
	c, srv := readyConn(t, h)

	srv.send(MessageType(250), []byte{1})
	srv.send(MessageType(161), []byte{2})
	srv.send(MessageType(160), []byte{3})

	w := &msgWriter{}
	srv.send(MsgPing, w.u32(1).u64(2).bytes())
	srv.expect(MsgcPong)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, 2, h.count())
}

func TestConn_FatalHandlerError(t *testing.T) {
	h := newRecordingHandler()
	h.known[MessageType(170)] = protocolError("test", "stream corrupted", nil)
	c, srv := readyConn(t, h)

	srv.send(MessageType(170), nil)
	err := waitDone(t, c)
	assert.True(t, IsSpiceError(err, ErrProtocol))
}

func TestConn_CommonMessagesHandled(t *testing.T) {
	h := newRecordingHandler()
	c, srv := readyConn(t, h)

	notify := &msgWriter{}
	notify.u64(1).u32(NotifySeverityWarn).u32(0).u32(3).u32(6).raw([]byte("hello\x00"))
	srv.send(MsgNotify, notify.bytes())

	disc := &msgWriter{}
	srv.send(MsgDisconnecting, disc.u64(1).u32(2).bytes())
	srv.send(MsgMigrate, nil)
	srv.send(MsgMigrate, nil)

	w := &msgWriter{}
	srv.send(MsgPing, w.u32(1).u64(2).bytes())
	srv.expect(MsgcPong)
	assert.Zero(t, h.count())
	assert.Equal(t, StateReady, c.State())
}

func TestConn_ServerCloseWhenReady(t *testing.T) {
	c, srv := readyConn(t, newRecordingHandler())
	srv.p.Close()

	err := waitDone(t, c)
	assert.True(t, IsSpiceError(err, ErrNetwork))
	assert.Contains(t, err.Error(), "Unexpected close while ready")
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	log := &stateLog{}
	h := newRecordingHandler()
	c, _ := readyConn(t, h, WithStateObserver(log.observe))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, h.closeCount())
	assert.Equal(t, StateClosing, c.State())
	assert.NoError(t, c.Err())
	assert.Equal(t, StateClosing, log.get()[len(log.get())-1])

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestConn_CloseBeforeStart(t *testing.T) {
	h := newRecordingHandler()
	cfg := NewClientConfig(WithDialer(newPipeTransport().dialer()))
	c := newConn(context.Background(), cfg, 0, ChannelCursor, 0, h)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, h.closeCount())
	assert.Equal(t, StateClosing, c.State())
}

// blockingDialer never connects; it returns once ctx is done.
func blockingDialer(ctx context.Context) (Transport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConn_CloseAbortsPendingDial(t *testing.T) {
	log := &stateLog{}
	h := newRecordingHandler()
	cfg := NewClientConfig(WithDialer(blockingDialer), WithStateObserver(log.observe))
	c := newConn(context.Background(), cfg, 0, ChannelMain, 0, h)
	c.start(cfg.Dialer)

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, h.closeCount())
	assert.Equal(t, StateClosing, c.State())
	assert.NoError(t, c.Err())
	assert.NotContains(t, log.get(), StateError)
	require.NoError(t, c.Close())
}

func TestConn_WaitReadyContext(t *testing.T) {
	c, srv := startConn(t, ChannelInputs, newRecordingHandler())
	srv.readLink()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitReady(ctx)
	assert.True(t, IsSpiceError(err, ErrTimeout))
}

func TestConn_SubmitDeliversOnLoop(t *testing.T) {
	c, _ := readyConn(t, newRecordingHandler())

	got := make(chan int, 1)
	c.post(func() {
		submit(c, func() (int, error) { return 21 * 2, nil }, func(v int, err error) {
			got <- v
		})
	})
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("submit result not delivered")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "state(42)", State(42).String())
}
