// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - matches the ticket format under test
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyDER  []byte
)

// serverKey returns a shared 1024-bit key whose DER form is TicketPubkeyBytes long.
func serverKey(t testing.TB) (*rsa.PrivateKey, []byte) {
	t.Helper()
	testKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			panic(err)
		}
		der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		if err != nil {
			panic(err)
		}
		testKey, testKeyDER = k, der
	})
	require.Len(t, testKeyDER, TicketPubkeyBytes)
	return testKey, testKeyDER
}

func encodeLinkReply(code LinkError, pubKey []byte, commonCaps, channelCaps []uint32) []byte {
	w := &msgWriter{}
	w.u32(uint32(code))
	if code != LinkOK {
		return w.bytes()
	}
	w.raw(pubKey)
	w.u32(uint32(len(commonCaps))).u32(uint32(len(channelCaps))).u32(uint32(4 + len(pubKey) + 12))
	for _, c := range commonCaps {
		w.u32(c)
	}
	for _, c := range channelCaps {
		w.u32(c)
	}
	return w.bytes()
}

func linkReplyBytes(code LinkError, pubKey []byte) []byte {
	body := encodeLinkReply(code, pubKey, capSet(CommonCapAuthSpice, CommonCapMiniHeader), nil)
	h := LinkHeader{Major: VersionMajor, Minor: VersionMinor, Size: uint32(len(body))}
	copy(h.Magic[:], Magic)
	return append(h.encode(), body...)
}

func decryptTicket(t testing.TB, key *rsa.PrivateKey, ticket []byte) string {
	t.Helper()
	require.Len(t, ticket, 4+TicketBytes)
	require.Equal(t, AuthMechanismSpice, binary.LittleEndian.Uint32(ticket[:4]))
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, ticket[4:], nil)
	require.NoError(t, err)
	require.NotEmpty(t, plain)
	require.Zero(t, plain[len(plain)-1])
	return string(plain[:len(plain)-1])
}

func parseLinkMess(t testing.TB, b []byte) (LinkHeader, LinkMess) {
	t.Helper()
	h, err := decodeLinkHeader(b[:linkHeaderSize])
	require.NoError(t, err)
	r := newMsgReader(b[linkHeaderSize:])
	m := LinkMess{ConnectionID: r.u32(), ChannelType: ChannelType(r.u8()), ChannelID: r.u8()}
	numCommon, numChannel := r.u32(), r.u32()
	caps := r.at(r.u32())
	for i := uint32(0); i < numCommon; i++ {
		m.CommonCaps = append(m.CommonCaps, caps.u32())
	}
	for i := uint32(0); i < numChannel; i++ {
		m.ChannelCaps = append(m.ChannelCaps, caps.u32())
	}
	require.NoError(t, r.err)
	require.NoError(t, caps.err)
	return h, m
}

// pipeTransport is an in-memory Transport. Each Send on either side is
// received as one chunk on the other.
type pipeTransport struct {
	toClient chan []byte
	toServer chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		toClient: make(chan []byte, 1024),
		toServer: make(chan []byte, 1024),
		closed:   make(chan struct{}),
	}
}

func (p *pipeTransport) Send(ctx context.Context, b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case p.toServer <- cp:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.toClient:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) dialer() Dialer {
	return func(context.Context) (Transport, error) { return p, nil }
}

// fakeServer scripts the server side of a pipeTransport.
type fakeServer struct {
	t   testing.TB
	p   *pipeTransport
	key *rsa.PrivateKey
	der []byte
}

func newFakeServer(t testing.TB) *fakeServer {
	key, der := serverKey(t)
	return &fakeServer{t: t, p: newPipeTransport(), key: key, der: der}
}

func (s *fakeServer) recv() []byte {
	s.t.Helper()
	select {
	case b := <-s.p.toServer:
		return b
	case <-time.After(2 * time.Second):
		require.FailNow(s.t, "timed out waiting for the client")
		return nil
	}
}

// push delivers raw bytes to the client.
func (s *fakeServer) push(b []byte) {
	s.p.toClient <- b
}

func (s *fakeServer) send(t MessageType, payload []byte) {
	s.push(encodeFrame(t, payload))
}

// readLink consumes the client's link message.
func (s *fakeServer) readLink() LinkMess {
	s.t.Helper()
	_, m := parseLinkMess(s.t, s.recv())
	return m
}

// handshake accepts the link and returns the password the client sent.
func (s *fakeServer) handshake() (LinkMess, string) {
	s.t.Helper()
	m := s.readLink()
	s.push(linkReplyBytes(LinkOK, s.der))
	password := decryptTicket(s.t, s.key, s.recv())
	w := &msgWriter{}
	s.push(w.u32(uint32(LinkOK)).bytes())
	return m, password
}

func (s *fakeServer) frame() *Frame {
	s.t.Helper()
	b := s.recv()
	f, err := decodeMiniHeader(b)
	require.NoError(s.t, err)
	f.Data = b[miniHeaderSize:]
	require.Len(s.t, f.Data, int(f.Size))
	return f
}

func (s *fakeServer) expect(t MessageType) *Frame {
	s.t.Helper()
	f := s.frame()
	require.Equal(s.t, t, f.Type)
	return f
}

// quiet asserts the client sends nothing for d.
func (s *fakeServer) quiet(d time.Duration) {
	s.t.Helper()
	select {
	case b := <-s.p.toServer:
		require.FailNowf(s.t, "unexpected client data", "% x", b)
	case <-time.After(d):
	}
}

// MockSpiceServer is a TCP server speaking enough SPICE for session tests:
// a main channel announcing one display and one inputs channel, a display
// that paints its primary surface, and an inputs channel that records keys.
type MockSpiceServer struct {
	listener net.Listener
	addr     string
	wg       sync.WaitGroup
	stop     chan struct{}

	Password    string
	SessionID   uint32
	Width       uint32
	Height      uint32
	FillColor   uint32
	AcceptAuth  bool
	KeyEvents   chan uint32
	LinkedTypes chan ChannelType
}

// NewMockSpiceServer creates a mock server with a 64x48 red primary surface.
func NewMockSpiceServer() *MockSpiceServer {
	return &MockSpiceServer{
		SessionID:   42,
		Width:       64,
		Height:      48,
		FillColor:   0x00ff0000,
		AcceptAuth:  true,
		KeyEvents:   make(chan uint32, 64),
		LinkedTypes: make(chan ChannelType, 16),
		stop:        make(chan struct{}),
	}
}

// Start listens on a random loopback port.
func (m *MockSpiceServer) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	m.listener = listener
	m.addr = listener.Addr().String()

	m.wg.Add(1)
	go m.serve()
	return nil
}

// Stop closes the listener and waits for connections to end.
func (m *MockSpiceServer) Stop() {
	close(m.stop)
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
}

// Addr returns the listen address.
func (m *MockSpiceServer) Addr() string {
	return m.addr
}

func (m *MockSpiceServer) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer conn.Close()
			go func() {
				<-m.stop
				conn.Close()
			}()
			_ = m.handleConnection(conn)
		}()
	}
}

func readFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, miniHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	f, err := decodeMiniHeader(hdr)
	if err != nil {
		return nil, err
	}
	f.Data = make([]byte, f.Size)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return nil, err
	}
	return f, nil
}

func (m *MockSpiceServer) handleConnection(conn net.Conn) error {
	key, der := testKey, testKeyDER

	hdr := make([]byte, linkHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	h, err := decodeLinkHeader(hdr)
	if err != nil {
		return err
	}
	body := make([]byte, h.Size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}
	channel := ChannelType(body[4])
	m.LinkedTypes <- channel

	if _, err := conn.Write(linkReplyBytes(LinkOK, der)); err != nil {
		return err
	}
	ticket := make([]byte, 4+TicketBytes)
	if _, err := io.ReadFull(conn, ticket); err != nil {
		return err
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, ticket[4:], nil)
	code := LinkOK
	if err != nil || !m.AcceptAuth || string(plain) != m.Password+"\x00" {
		code = LinkErrPermissionDenied
	}
	w := &msgWriter{}
	if _, err := conn.Write(w.u32(uint32(code)).bytes()); err != nil || code != LinkOK {
		return err
	}

	send := func(t MessageType, payload []byte) error {
		_, err := conn.Write(encodeFrame(t, payload))
		return err
	}

	switch channel {
	case ChannelMain:
		mi := &msgWriter{}
		mi.u32(m.SessionID).u32(1).u32(uint32(MouseModeServer | MouseModeClient)).u32(uint32(MouseModeServer)).
			u32(0).u32(10).u32(1000).u32(0)
		if err := send(MsgMainInit, mi.bytes()); err != nil {
			return err
		}
	case ChannelInputs:
		if err := send(MsgInputsInit, (&msgWriter{}).u16(0).bytes()); err != nil {
			return err
		}
	}

	for {
		f, err := readFrame(conn)
		if err != nil {
			return err
		}
		switch {
		case channel == ChannelMain && f.Type == MsgcMainAttachChannels:
			list := &msgWriter{}
			list.u32(2).u8(uint8(ChannelDisplay)).u8(0).u8(uint8(ChannelInputs)).u8(0)
			if err := send(MsgMainChannelsList, list.bytes()); err != nil {
				return err
			}
		case channel == ChannelDisplay && f.Type == MsgcDisplayInit:
			create := &msgWriter{}
			create.u32(0).u32(m.Width).u32(m.Height).u32(uint32(SurfaceFormat32xRGB)).u32(SurfaceFlagPrimary)
			if err := send(MsgDisplaySurfaceCreate, create.bytes()); err != nil {
				return err
			}
			box := Rect{Top: 0, Left: 0, Bottom: int32(m.Height), Right: int32(m.Width)}
			if err := send(MsgDisplayDrawFill, encodeSolidFill(0, box, m.FillColor, RopdOpPut)); err != nil {
				return err
			}
		case channel == ChannelInputs && f.Type == MsgcInputsKeyDown:
			m.KeyEvents <- binary.LittleEndian.Uint32(f.Data)
		}
	}
}

// Helpers that build server display messages.

func writeRect(w *msgWriter, r Rect) *msgWriter {
	return w.i32(r.Top).i32(r.Left).i32(r.Bottom).i32(r.Right)
}

func writeBase(w *msgWriter, surfaceID uint32, box Rect) *msgWriter {
	return writeRect(w.u32(surfaceID), box).u8(ClipTypeNone)
}

func encodeSolidFill(surfaceID uint32, box Rect, color uint32, rop uint16) []byte {
	w := &msgWriter{}
	writeBase(w, surfaceID, box)
	w.u8(BrushTypeSolid).u32(color)
	w.u16(rop)
	w.u8(0).i32(0).i32(0).u32(0) // mask
	return w.bytes()
}

// encodeDrawCopy builds a DRAW_COPY whose image body is appended after the
// fixed part.
func encodeDrawCopy(surfaceID uint32, box, srcArea Rect, rop uint16, image []byte) []byte {
	w := &msgWriter{}
	writeBase(w, surfaceID, box)
	// fixed part: base(4+16+1) + image offset(4) + src area(16) + rop(2) + scale(1) + mask(1+8+4)
	const fixed = 21 + 4 + 16 + 2 + 1 + 13
	w.u32(fixed)
	writeRect(w, srcArea)
	w.u16(rop).u8(0)
	w.u8(0).i32(0).i32(0).u32(0)
	return w.raw(image).bytes()
}

func encodeImageHeader(id uint64, t ImageType, flags uint8, width, height uint32) *msgWriter {
	w := &msgWriter{}
	return w.u64(id).u8(uint8(t)).u8(flags).u32(width).u32(height)
}

// encodeBitmapImage builds a top-down 32-bit bitmap image of solid BGRX pixels.
func encodeBitmapImage(id uint64, flags uint8, width, height uint32, bgrx uint32) []byte {
	w := encodeImageHeader(id, ImageTypeBitmap, flags, width, height)
	w.u8(uint8(BitmapFmt32Bit)).u8(BitmapFlagsTopDown).u32(width).u32(height).u32(width * 4)
	w.u32(0) // no palette
	for i := uint32(0); i < width*height; i++ {
		w.u32(bgrx)
	}
	return w.bytes()
}

func encodeFromCacheImage(id uint64, width, height uint32) []byte {
	return encodeImageHeader(id, ImageTypeFromCache, 0, width, height).bytes()
}

func encodeSurfaceCreate(id, width, height uint32, format SurfaceFormat, flags uint32) []byte {
	w := &msgWriter{}
	return w.u32(id).u32(width).u32(height).u32(uint32(format)).u32(flags).bytes()
}

func encodeStreamCreate(surfaceID, id uint32, codec VideoCodec, flags uint8, w, h uint32, dest Rect) []byte {
	mw := &msgWriter{}
	mw.u32(surfaceID).u32(id).u8(flags).u8(uint8(codec)).u64(0).u32(w).u32(h).u32(w).u32(h)
	writeRect(mw, dest)
	mw.u8(ClipTypeNone)
	return mw.bytes()
}

func encodeStreamData(id, mm uint32, data []byte) []byte {
	w := &msgWriter{}
	return w.u32(id).u32(mm).u32(uint32(len(data))).raw(data).bytes()
}
