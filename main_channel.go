// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MainInit is the first message of the main channel.
type MainInit struct {
	SessionID           uint32
	DisplayChannelsHint uint32
	SupportedMouseModes uint32
	CurrentMouseMode    uint32
	AgentConnected      uint32
	AgentTokens         uint32
	MultiMediaTime      uint32
	RAMHint             uint32
}

func decodeMainInit(b []byte) (MainInit, error) {
	r := newMsgReader(b)
	m := MainInit{
		SessionID:           r.u32(),
		DisplayChannelsHint: r.u32(),
		SupportedMouseModes: r.u32(),
		CurrentMouseMode:    r.u32(),
		AgentConnected:      r.u32(),
		AgentTokens:         r.u32(),
		MultiMediaTime:      r.u32(),
		RAMHint:             r.u32(),
	}
	return m, wrapDecode("decodeMainInit", r)
}

// ChannelID names one announced sub-channel.
type ChannelID struct {
	Type ChannelType
	ID   uint8
}

func decodeChannelsList(b []byte) ([]ChannelID, error) {
	r := newMsgReader(b)
	n := r.u32()
	if int(n)*2 > r.remaining() {
		return nil, malformedError("decodeChannelsList", fmt.Sprintf("%d channels do not fit", n), nil)
	}
	out := make([]ChannelID, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, ChannelID{Type: ChannelType(r.u8()), ID: r.u8()})
	}
	return out, wrapDecode("decodeChannelsList", r)
}

func decodeMouseMode(b []byte) (supported, current uint16, err error) {
	r := newMsgReader(b)
	supported = r.u16()
	current = r.u16()
	return supported, current, wrapDecode("decodeMouseMode", r)
}

func decodeU32(op string, b []byte) (uint32, error) {
	r := newMsgReader(b)
	v := r.u32()
	return v, wrapDecode(op, r)
}

// MainChannel runs the session's main channel: init, channel discovery,
// mouse mode and the guest agent link.
type MainChannel struct {
	session *Session
	logger  Logger

	sessionID      uint32
	mouseMode      uint16
	name           string
	uuid           uuid.UUID
	agentConnected bool
	agentTokens    uint32
	agentQueue     [][]byte
	agentCaps      []uint32
	assembler      agentAssembler

	primary *MonitorConfig

	transfers  map[uint32]*FileTransfer
	nextXferID uint32
	readQueue  []*FileTransfer
}

func newMainChannel(s *Session) *MainChannel {
	return &MainChannel{
		session:   s,
		logger:    s.cfg.Logger.With(Field{Key: "channel", Value: ChannelMain.String()}),
		transfers: make(map[uint32]*FileTransfer),
	}
}

func (mc *MainChannel) ChannelCaps() []uint32 {
	return capSet(MainCapNameAndUUID, MainCapAgentConnectedTokens)
}

func (mc *MainChannel) HandleMessage(c *Conn, f *Frame) (bool, error) {
	switch f.Type {
	case MsgMainInit:
		m, err := decodeMainInit(f.Data)
		if err != nil {
			return true, err
		}
		return true, mc.handleInit(c, m)

	case MsgMainChannelsList:
		list, err := decodeChannelsList(f.Data)
		if err != nil {
			return true, err
		}
		mc.session.openChannels(mc.sessionID, list)
		return true, nil

	case MsgMainMouseMode:
		supported, current, err := decodeMouseMode(f.Data)
		if err != nil {
			return true, err
		}
		return true, mc.handleMouseMode(c, current, supported)

	case MsgMainMultiMediaTime:
		mm, err := decodeU32("decodeMultiMediaTime", f.Data)
		if err != nil {
			return true, err
		}
		mc.session.clock.Sync(mm)
		return true, nil

	case MsgMainAgentConnected:
		return true, mc.connectAgent(c)

	case MsgMainAgentConnectedTokens:
		tokens, err := decodeU32("decodeAgentTokens", f.Data)
		if err != nil {
			return true, err
		}
		mc.agentTokens = tokens
		return true, mc.connectAgent(c)

	case MsgMainAgentToken:
		tokens, err := decodeU32("decodeAgentTokens", f.Data)
		if err != nil {
			return true, err
		}
		mc.agentTokens += tokens
		if err := mc.flushAgentQueue(c); err != nil {
			return true, err
		}
		return true, mc.resumeTransfers(c)

	case MsgMainAgentDisconnected:
		reason, err := decodeU32("decodeAgentDisconnected", f.Data)
		if err != nil {
			return true, err
		}
		mc.disconnectAgent(reason)
		return true, nil

	case MsgMainAgentData:
		msgs, err := mc.assembler.push(f.Data)
		for _, m := range msgs {
			if herr := mc.handleAgentMessage(c, m); herr != nil {
				return true, herr
			}
		}
		return true, err

	case MsgMainName:
		r := newMsgReader(f.Data)
		n := r.u32()
		name := r.bytes(int(n))
		if err := wrapDecode("decodeMainName", r); err != nil {
			return true, err
		}
		mc.name = newInputValidator().SanitizeText(trimNul(name))
		mc.logger.Info("Guest name", Field{Key: "name", Value: mc.name})
		return true, nil

	case MsgMainUUID:
		id, err := uuid.FromBytes(f.Data)
		if err != nil {
			return true, malformedError("decodeMainUUID", "invalid uuid", err)
		}
		mc.uuid = id
		mc.logger.Info("Guest uuid", Field{Key: "uuid", Value: id.String()})
		return true, nil

	case MsgMainMigrateBegin, MsgMainMigrateCancel, MsgMainMigrateSwitchHost, MsgMainMigrateEnd,
		MsgMainMigrateBeginSeamless, MsgMainMigrateDstSeamlessAck, MsgMainMigrateDstSeamlessNack:
		return c.knownUnimplemented(f.Type, "main migrate")
	}
	return false, nil
}

func (mc *MainChannel) handleInit(c *Conn, m MainInit) error {
	mc.sessionID = m.SessionID
	mc.agentTokens = m.AgentTokens
	mc.session.clock.Sync(m.MultiMediaTime)
	mc.logger.Info("Session established",
		Field{Key: "session_id", Value: m.SessionID},
		Field{Key: "display_channels_hint", Value: m.DisplayChannelsHint},
		Field{Key: "agent_connected", Value: m.AgentConnected != 0},
		Field{Key: "agent_tokens", Value: m.AgentTokens})

	if err := mc.handleMouseMode(c, uint16(m.CurrentMouseMode), uint16(m.SupportedMouseModes)); err != nil { // #nosec G115 - mode bits
		return err
	}
	if m.AgentConnected != 0 {
		if err := mc.connectAgent(c); err != nil {
			return err
		}
	}
	if err := c.SendMessage(MsgcMainAttachChannels, nil); err != nil {
		return err
	}
	mc.session.mainInitialized(m)
	return nil
}

// handleMouseMode asks for client mode whenever the server offers it.
func (mc *MainChannel) handleMouseMode(c *Conn, current, supported uint16) error {
	mc.mouseMode = current
	mc.session.setMouseMode(current)
	if current != MouseModeClient && supported&MouseModeClient != 0 {
		w := &msgWriter{}
		return c.SendMessage(MsgcMainMouseModeRequest, w.u16(MouseModeClient).bytes())
	}
	return nil
}

func (mc *MainChannel) connectAgent(c *Conn) error {
	mc.agentConnected = true
	mc.assembler.reset()
	w := &msgWriter{}
	if err := c.SendMessage(MsgcMainAgentStart, w.u32(^uint32(0)).bytes()); err != nil {
		return err
	}
	if err := mc.sendAgentMessage(c, VDAgentAnnounceCapabilities, encodeAnnounceCapabilities(true)); err != nil {
		return err
	}
	if l := mc.session.cfg.AgentListener; l != nil {
		l.AgentConnected(true)
	}
	return nil
}

func (mc *MainChannel) disconnectAgent(reason uint32) {
	mc.logger.Info("Guest agent disconnected", Field{Key: "reason", Value: reason})
	mc.agentConnected = false
	mc.agentQueue = nil
	mc.agentCaps = nil
	mc.assembler.reset()
	for id, t := range mc.transfers {
		mc.finishTransfer(t, networkError("FileTransfer", "agent disconnected", nil))
		delete(mc.transfers, id)
	}
	mc.readQueue = nil
	if l := mc.session.cfg.AgentListener; l != nil {
		l.AgentConnected(false)
	}
}

// sendAgentMessage splits one agent message into AGENT_DATA frames and
// queues them behind the token gate.
func (mc *MainChannel) sendAgentMessage(c *Conn, msgType uint32, data []byte) error {
	if !mc.agentConnected {
		return NewSpiceError("MainChannel.sendAgentMessage", ErrValidation, "guest agent is not connected", nil)
	}
	payload := AgentMessage{Protocol: VDAgentProtocol, Type: msgType, Data: data}.encode()
	const maxChunk = VDAgentMaxDataSize - miniHeaderSize
	for len(payload) > 0 {
		n := min(maxChunk, len(payload))
		mc.agentQueue = append(mc.agentQueue, payload[:n])
		payload = payload[n:]
	}
	return mc.flushAgentQueue(c)
}

func (mc *MainChannel) flushAgentQueue(c *Conn) error {
	for mc.agentTokens > 0 && len(mc.agentQueue) > 0 {
		chunk := mc.agentQueue[0]
		mc.agentQueue = mc.agentQueue[1:]
		mc.agentTokens--
		if err := c.SendMessage(MsgcMainAgentData, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MainChannel) handleAgentMessage(c *Conn, m AgentMessage) error {
	switch m.Type {
	case VDAgentAnnounceCapabilities:
		request, caps, err := decodeAnnounceCapabilities(m.Data)
		if err != nil {
			return err
		}
		mc.agentCaps = caps
		if request {
			if err := mc.sendAgentMessage(c, VDAgentAnnounceCapabilities, encodeAnnounceCapabilities(false)); err != nil {
				return err
			}
		}
		if err := mc.syncMonitors(c); err != nil {
			return err
		}
	case VDAgentFileXferStatus:
		id, result, err := decodeFileXferStatus(m.Data)
		if err != nil {
			return err
		}
		return mc.handleFileXferStatus(c, id, result)
	case VDAgentReply:
		r := newMsgReader(m.Data)
		typ, errCode := r.u32(), r.u32()
		mc.logger.Debug("Agent reply", Field{Key: "type", Value: typ}, Field{Key: "error", Value: errCode})
	}
	if l := mc.session.cfg.AgentListener; l != nil {
		l.AgentMessage(m.Type, m.Data)
	}
	return nil
}

// AgentHasCap reports whether the agent announced capability bit.
func (mc *MainChannel) AgentHasCap(bit int) bool {
	return hasCap(mc.agentCaps, bit)
}

// setMonitors asks the agent to reconfigure the guest's monitors.
func (mc *MainChannel) setMonitors(c *Conn, monitors []MonitorConfig) error {
	if !mc.AgentHasCap(VDAgentCapMonitorsConfig) {
		return unsupportedError("MainChannel.setMonitors", "agent does not support monitors config", nil)
	}
	return mc.sendAgentMessage(c, VDAgentMonitorsConfig, encodeMonitorsConfig(0, monitors))
}

// primaryResized records the primary surface size and offers it to the agent.
func (mc *MainChannel) primaryResized(c *Conn, width, height uint32) {
	mc.primary = &MonitorConfig{Width: width, Height: height, Depth: 32}
	if err := mc.syncMonitors(c); err != nil {
		mc.logger.Warn("Failed to send monitors config", Field{Key: "error", Value: err})
	}
}

// syncMonitors sends the primary surface size once both it and a capable
// agent are known.
func (mc *MainChannel) syncMonitors(c *Conn) error {
	if mc.primary == nil || !mc.agentConnected || !mc.AgentHasCap(VDAgentCapMonitorsConfig) {
		return nil
	}
	return mc.sendAgentMessage(c, VDAgentMonitorsConfig, encodeMonitorsConfig(0, []MonitorConfig{*mc.primary}))
}

// startTransfer announces a file to the agent. Data flows once the agent
// answers with CAN_SEND_DATA.
func (mc *MainChannel) startTransfer(c *Conn, t *FileTransfer) error {
	t.ID = mc.nextXferID
	mc.nextXferID++
	mc.transfers[t.ID] = t
	if err := mc.sendAgentMessage(c, VDAgentFileXferStart, encodeFileXferStart(t.ID, t.Name, t.Size)); err != nil {
		delete(mc.transfers, t.ID)
		return err
	}
	mc.logger.Info("File transfer started",
		Field{Key: "id", Value: t.ID},
		Field{Key: "name", Value: t.Name},
		Field{Key: "size", Value: t.Size})
	return nil
}

func (mc *MainChannel) handleFileXferStatus(c *Conn, id, result uint32) error {
	t, ok := mc.transfers[id]
	if !ok {
		mc.logger.Warn("Status for unknown file transfer", Field{Key: "id", Value: id})
		return nil
	}
	if result == VDAgentFileXferStatusCanSendData {
		return mc.readTransfer(c, t)
	}
	delete(mc.transfers, id)
	mc.finishTransfer(t, fileXferStatusError(result))
	return nil
}

// readTransfer reads the next chunk off the event loop while tokens are
// available and parks the transfer otherwise. One read is in flight per
// transfer.
func (mc *MainChannel) readTransfer(c *Conn, t *FileTransfer) error {
	if _, live := mc.transfers[t.ID]; !live || t.reading {
		return nil
	}
	if t.cancelled {
		delete(mc.transfers, t.ID)
		mc.finishTransfer(t, NewSpiceError("FileTransfer", ErrValidation, "transfer cancelled", nil))
		return mc.sendAgentMessage(c, VDAgentFileXferStatus,
			encodeFileXferStatus(t.ID, VDAgentFileXferStatusCancelled))
	}
	if mc.agentTokens == 0 {
		mc.readQueue = append(mc.readQueue, t)
		return nil
	}
	t.reading = true
	submit(c, t.readChunk, func(chunk []byte, err error) {
		t.reading = false
		if err := mc.chunkRead(c, t, chunk, err); err != nil {
			if IsFatal(err) {
				c.fail(err)
				return
			}
			mc.logger.Warn("File transfer stalled",
				Field{Key: "id", Value: t.ID},
				Field{Key: "error", Value: err})
		}
	})
	return nil
}

// chunkRead sends a chunk read by readTransfer and asks for the next one.
func (mc *MainChannel) chunkRead(c *Conn, t *FileTransfer, chunk []byte, err error) error {
	if _, live := mc.transfers[t.ID]; !live {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		delete(mc.transfers, t.ID)
		mc.finishTransfer(t, NewSpiceError("FileTransfer", ErrValidation, "failed to read file", err))
		return mc.sendAgentMessage(c, VDAgentFileXferStatus,
			encodeFileXferStatus(t.ID, VDAgentFileXferStatusError))
	}
	if t.cancelled {
		return mc.readTransfer(c, t)
	}
	if err := mc.sendAgentMessage(c, VDAgentFileXferData, encodeFileXferData(t.ID, chunk)); err != nil {
		return err
	}
	t.sent += uint64(len(chunk))
	if t.progress != nil {
		t.progress(t.sent, t.Size)
	}
	return mc.readTransfer(c, t)
}

func (mc *MainChannel) resumeTransfers(c *Conn) error {
	for mc.agentTokens > 0 && len(mc.readQueue) > 0 {
		t := mc.readQueue[0]
		mc.readQueue = mc.readQueue[1:]
		if err := mc.readTransfer(c, t); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MainChannel) cancelTransfer(id uint32) bool {
	t, ok := mc.transfers[id]
	if !ok {
		return false
	}
	t.cancelled = true
	return true
}

func (mc *MainChannel) finishTransfer(t *FileTransfer, err error) {
	t.err = err
	if err == nil {
		mc.logger.Info("File transfer succeeded", Field{Key: "name", Value: t.Name})
	} else {
		mc.logger.Warn("File transfer failed", Field{Key: "name", Value: t.Name}, Field{Key: "error", Value: err})
	}
	close(t.done)
	if l := mc.session.cfg.AgentListener; l != nil {
		l.FileTransferDone(t, err)
	}
}

func (mc *MainChannel) Close(*Conn) error {
	for id, t := range mc.transfers {
		mc.finishTransfer(t, networkError("FileTransfer", "session closed", nil))
		delete(mc.transfers, id)
	}
	mc.readQueue = nil
	mc.agentQueue = nil
	return nil
}
