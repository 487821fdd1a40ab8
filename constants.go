// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import "fmt"

// Link protocol constants.
const (
	Magic        = "REDQ"
	VersionMajor = 2
	VersionMinor = 2

	TicketPubkeyBytes = 162
	TicketBytes       = 128

	linkHeaderSize = 16
	miniHeaderSize = 6
	authReplySize  = 4

	// maxMessageType bounds the message numbering; anything above it means the
	// stream lost framing.
	maxMessageType = 500
)

// LinkError is the error code carried by a link reply or auth reply.
type LinkError uint32

const (
	LinkOK LinkError = iota
	LinkErrError
	LinkErrInvalidMagic
	LinkErrInvalidData
	LinkErrVersionMismatch
	LinkErrNeedSecured
	LinkErrNeedUnsecured
	LinkErrPermissionDenied
	LinkErrBadConnectionID
	LinkErrChannelNotAvailable
)

func (e LinkError) String() string {
	switch e {
	case LinkOK:
		return "OK"
	case LinkErrError:
		return "ERROR"
	case LinkErrInvalidMagic:
		return "INVALID_MAGIC"
	case LinkErrInvalidData:
		return "INVALID_DATA"
	case LinkErrVersionMismatch:
		return "VERSION_MISMATCH"
	case LinkErrNeedSecured:
		return "NEED_SECURED"
	case LinkErrNeedUnsecured:
		return "NEED_UNSECURED"
	case LinkErrPermissionDenied:
		return "PERMISSION_DENIED"
	case LinkErrBadConnectionID:
		return "BAD_CONNECTION_ID"
	case LinkErrChannelNotAvailable:
		return "CHANNEL_NOT_AVAILABLE"
	default:
		return fmt.Sprintf("LinkError(%d)", uint32(e))
	}
}

// AuthMechanism selects the ticket scheme.
const AuthMechanismSpice uint32 = 1

// ChannelType identifies a logical sub-channel.
type ChannelType uint8

const (
	ChannelMain ChannelType = iota + 1
	ChannelDisplay
	ChannelInputs
	ChannelCursor
	ChannelPlayback
	ChannelRecord
	ChannelTunnel
	ChannelSmartcard
	ChannelUSBRedir
	ChannelPort
	ChannelWebDAV
)

func (t ChannelType) String() string {
	switch t {
	case ChannelMain:
		return "main"
	case ChannelDisplay:
		return "display"
	case ChannelInputs:
		return "inputs"
	case ChannelCursor:
		return "cursor"
	case ChannelPlayback:
		return "playback"
	case ChannelRecord:
		return "record"
	case ChannelTunnel:
		return "tunnel"
	case ChannelSmartcard:
		return "smartcard"
	case ChannelUSBRedir:
		return "usbredir"
	case ChannelPort:
		return "port"
	case ChannelWebDAV:
		return "webdav"
	default:
		return fmt.Sprintf("channel(%d)", uint8(t))
	}
}

// Common capability bits.
const (
	CommonCapAuthSelection = 0
	CommonCapAuthSpice     = 1
	CommonCapAuthSASL      = 2
	CommonCapMiniHeader    = 3
)

// Main channel capability bits.
const (
	MainCapSemiSeamlessMigrate  = 0
	MainCapNameAndUUID          = 1
	MainCapAgentConnectedTokens = 2
	MainCapSeamlessMigrate      = 3
)

// Display channel capability bits.
const (
	DisplayCapSizedStream     = 0
	DisplayCapMonitorsConfig  = 1
	DisplayCapComposite       = 2
	DisplayCapA8Surface       = 3
	DisplayCapStreamReport    = 4
	DisplayCapLZ4Compression  = 5
	DisplayCapPrefCompression = 6
	DisplayCapGLScanout       = 7
	DisplayCapMultiCodec      = 8
	DisplayCapCodecMJPEG      = 9
	DisplayCapCodecVP8        = 10
	DisplayCapCodecH264       = 11
)

// Playback channel capability bits.
const (
	PlaybackCapCELT051 = 0
	PlaybackCapVolume  = 1
	PlaybackCapLatency = 2
	PlaybackCapOpus    = 3
)

// MessageType is the numeric type of a steady-state message. Values are
// shared across channels, so the meaning of a type depends on the channel.
type MessageType uint16

// Common server messages.
const (
	MsgMigrate         MessageType = 1
	MsgMigrateData     MessageType = 2
	MsgSetAck          MessageType = 3
	MsgPing            MessageType = 4
	MsgWaitForChannels MessageType = 5
	MsgDisconnecting   MessageType = 6
	MsgNotify          MessageType = 7
	MsgList            MessageType = 8
)

// Common client messages.
const (
	MsgcAckSync          MessageType = 1
	MsgcAck              MessageType = 2
	MsgcPong             MessageType = 3
	MsgcMigrateFlushMark MessageType = 4
	MsgcMigrateData      MessageType = 5
	MsgcDisconnecting    MessageType = 6
)

// Main channel server messages.
const (
	MsgMainMigrateBegin           MessageType = 101
	MsgMainMigrateCancel          MessageType = 102
	MsgMainInit                   MessageType = 103
	MsgMainChannelsList           MessageType = 104
	MsgMainMouseMode              MessageType = 105
	MsgMainMultiMediaTime         MessageType = 106
	MsgMainAgentConnected         MessageType = 107
	MsgMainAgentDisconnected      MessageType = 108
	MsgMainAgentData              MessageType = 109
	MsgMainAgentToken             MessageType = 110
	MsgMainMigrateSwitchHost      MessageType = 111
	MsgMainMigrateEnd             MessageType = 112
	MsgMainName                   MessageType = 113
	MsgMainUUID                   MessageType = 114
	MsgMainAgentConnectedTokens   MessageType = 115
	MsgMainMigrateBeginSeamless   MessageType = 116
	MsgMainMigrateDstSeamlessAck  MessageType = 117
	MsgMainMigrateDstSeamlessNack MessageType = 118
)

// Main channel client messages.
const (
	MsgcMainClientInfo          MessageType = 101
	MsgcMainMigrateConnected    MessageType = 102
	MsgcMainMigrateConnectError MessageType = 103
	MsgcMainAttachChannels      MessageType = 104
	MsgcMainMouseModeRequest    MessageType = 105
	MsgcMainAgentStart          MessageType = 106
	MsgcMainAgentData           MessageType = 107
	MsgcMainAgentToken          MessageType = 108
	MsgcMainMigrateEnd          MessageType = 109
)

// Display channel server messages.
const (
	MsgDisplayMode             MessageType = 101
	MsgDisplayMark             MessageType = 102
	MsgDisplayReset            MessageType = 103
	MsgDisplayCopyBits         MessageType = 104
	MsgDisplayInvalList        MessageType = 105
	MsgDisplayInvalAllPixmaps  MessageType = 106
	MsgDisplayInvalPalette     MessageType = 107
	MsgDisplayInvalAllPalettes MessageType = 108

	MsgDisplayStreamCreate     MessageType = 122
	MsgDisplayStreamData       MessageType = 123
	MsgDisplayStreamClip       MessageType = 124
	MsgDisplayStreamDestroy    MessageType = 125
	MsgDisplayStreamDestroyAll MessageType = 126

	MsgDisplayDrawFill             MessageType = 302
	MsgDisplayDrawOpaque           MessageType = 303
	MsgDisplayDrawCopy             MessageType = 304
	MsgDisplayDrawBlend            MessageType = 305
	MsgDisplayDrawBlackness        MessageType = 306
	MsgDisplayDrawWhiteness        MessageType = 307
	MsgDisplayDrawInvers           MessageType = 308
	MsgDisplayDrawRop3             MessageType = 309
	MsgDisplayDrawStroke           MessageType = 310
	MsgDisplayDrawText             MessageType = 311
	MsgDisplayDrawTransparent      MessageType = 312
	MsgDisplayDrawAlphaBlend       MessageType = 313
	MsgDisplaySurfaceCreate        MessageType = 314
	MsgDisplaySurfaceDestroy       MessageType = 315
	MsgDisplayStreamDataSized      MessageType = 316
	MsgDisplayMonitorsConfig       MessageType = 317
	MsgDisplayDrawComposite        MessageType = 318
	MsgDisplayStreamActivateReport MessageType = 319
)

// Display channel client messages.
const (
	MsgcDisplayInit         MessageType = 101
	MsgcDisplayStreamReport MessageType = 102
)

// Inputs channel messages.
const (
	MsgInputsInit           MessageType = 101
	MsgInputsKeyModifiers   MessageType = 102
	MsgInputsMouseMotionAck MessageType = 111

	MsgcInputsKeyDown       MessageType = 101
	MsgcInputsKeyUp         MessageType = 102
	MsgcInputsKeyModifiers  MessageType = 103
	MsgcInputsMouseMotion   MessageType = 111
	MsgcInputsMousePosition MessageType = 112
	MsgcInputsMousePress    MessageType = 113
	MsgcInputsMouseRelease  MessageType = 114
)

// Cursor channel server messages.
const (
	MsgCursorInit     MessageType = 101
	MsgCursorReset    MessageType = 102
	MsgCursorSet      MessageType = 103
	MsgCursorMove     MessageType = 104
	MsgCursorHide     MessageType = 105
	MsgCursorTrail    MessageType = 106
	MsgCursorInvalOne MessageType = 107
	MsgCursorInvalAll MessageType = 108
)

// Playback channel server messages.
const (
	MsgPlaybackData    MessageType = 101
	MsgPlaybackMode    MessageType = 102
	MsgPlaybackStart   MessageType = 103
	MsgPlaybackStop    MessageType = 104
	MsgPlaybackVolume  MessageType = 105
	MsgPlaybackMute    MessageType = 106
	MsgPlaybackLatency MessageType = 107
)

// Port channel messages.
const (
	MsgSpiceVMCData MessageType = 101
	MsgPortInit     MessageType = 201
	MsgPortEvent    MessageType = 202

	MsgcSpiceVMCData MessageType = 101
	MsgcPortEvent    MessageType = 201
)

// Port events.
const (
	PortEventOpened uint8 = 0
	PortEventClosed uint8 = 1
	PortEventBreak  uint8 = 2
)

// Notify severities.
const (
	NotifySeverityInfo  = 0
	NotifySeverityWarn  = 1
	NotifySeverityError = 2
)

// Mouse modes.
const (
	MouseModeServer uint16 = 1 << 0
	MouseModeClient uint16 = 1 << 1
)

// Mouse buttons and button masks.
const (
	MouseButtonLeft   uint8 = 1
	MouseButtonMiddle uint8 = 2
	MouseButtonRight  uint8 = 3
	MouseButtonUp     uint8 = 4
	MouseButtonDown   uint8 = 5

	MouseButtonMaskLeft   uint16 = 1 << 0
	MouseButtonMaskMiddle uint16 = 1 << 1
	MouseButtonMaskRight  uint16 = 1 << 2
)

// Keyboard modifier flags.
const (
	KeyboardModifierScrollLock uint16 = 1 << 0
	KeyboardModifierNumLock    uint16 = 1 << 1
	KeyboardModifierCapsLock   uint16 = 1 << 2
)

// inputsMotionAckBunch is how many motion events one MOUSE_MOTION_ACK releases.
const inputsMotionAckBunch = 4

// SurfaceFormat is the pixel format of a surface.
type SurfaceFormat uint32

const (
	SurfaceFormatInvalid SurfaceFormat = 0
	SurfaceFormat1A      SurfaceFormat = 1
	SurfaceFormat8A      SurfaceFormat = 8
	SurfaceFormat16_555  SurfaceFormat = 16
	SurfaceFormat32xRGB  SurfaceFormat = 32
	SurfaceFormat16_565  SurfaceFormat = 80
	SurfaceFormat32ARGB  SurfaceFormat = 96
)

// HasAlpha reports whether pixels of this format carry an alpha channel.
func (f SurfaceFormat) HasAlpha() bool {
	return f == SurfaceFormat32ARGB || f == SurfaceFormat8A || f == SurfaceFormat1A
}

// Surface flags.
const SurfaceFlagPrimary uint32 = 1 << 0

// Clip types.
const (
	ClipTypeNone  uint8 = 0
	ClipTypeRects uint8 = 1
)

// ImageType tags the encoding of an image payload.
type ImageType uint8

const (
	ImageTypeBitmap            ImageType = 0
	ImageTypeQuic              ImageType = 1
	ImageTypeReserved          ImageType = 2
	ImageTypeLZPLT             ImageType = 100
	ImageTypeLZRGB             ImageType = 101
	ImageTypeGLZRGB            ImageType = 102
	ImageTypeFromCache         ImageType = 103
	ImageTypeSurface           ImageType = 104
	ImageTypeJPEG              ImageType = 105
	ImageTypeFromCacheLossless ImageType = 106
	ImageTypeZlibGLZRGB        ImageType = 107
	ImageTypeJPEGAlpha         ImageType = 108
	ImageTypeLZ4               ImageType = 109
)

func (t ImageType) String() string {
	switch t {
	case ImageTypeBitmap:
		return "bitmap"
	case ImageTypeQuic:
		return "quic"
	case ImageTypeLZPLT:
		return "lz_plt"
	case ImageTypeLZRGB:
		return "lz_rgb"
	case ImageTypeGLZRGB:
		return "glz_rgb"
	case ImageTypeFromCache:
		return "from_cache"
	case ImageTypeSurface:
		return "surface"
	case ImageTypeJPEG:
		return "jpeg"
	case ImageTypeFromCacheLossless:
		return "from_cache_lossless"
	case ImageTypeZlibGLZRGB:
		return "zlib_glz_rgb"
	case ImageTypeJPEGAlpha:
		return "jpeg_alpha"
	case ImageTypeLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("image(%d)", uint8(t))
	}
}

// Image flags.
const (
	ImageFlagsCacheMe        uint8 = 1 << 0
	ImageFlagsHighBitsSet    uint8 = 1 << 1
	ImageFlagsCacheReplaceMe uint8 = 1 << 2
)

// BitmapFormat is the pixel layout of an uncompressed bitmap.
type BitmapFormat uint8

const (
	BitmapFmtInvalid BitmapFormat = iota
	BitmapFmt1BitLE
	BitmapFmt1BitBE
	BitmapFmt4BitLE
	BitmapFmt4BitBE
	BitmapFmt8Bit
	BitmapFmt16Bit
	BitmapFmt24Bit
	BitmapFmt32Bit
	BitmapFmtRGBA
	BitmapFmt8BitA
)

// Bitmap flags.
const (
	BitmapFlagsPalCacheMe   uint8 = 1 << 0
	BitmapFlagsPalFromCache uint8 = 1 << 1
	BitmapFlagsTopDown      uint8 = 1 << 2
)

// JPEG alpha flags.
const JPEGAlphaFlagsTopDown uint8 = 1 << 0

// Brush types.
const (
	BrushTypeNone    uint8 = 0
	BrushTypeSolid   uint8 = 1
	BrushTypePattern uint8 = 2
)

// Mask flags.
const (
	MaskFlagsInvers uint8 = 1 << 0
)

// Raster operation descriptor bits.
const (
	RopdInversSrc   uint16 = 1 << 0
	RopdInversBrush uint16 = 1 << 1
	RopdInversDest  uint16 = 1 << 2
	RopdOpPut       uint16 = 1 << 3
	RopdOpOr        uint16 = 1 << 4
	RopdOpAnd       uint16 = 1 << 5
	RopdOpXor       uint16 = 1 << 6
	RopdOpBlackness uint16 = 1 << 7
	RopdOpWhiteness uint16 = 1 << 8
	RopdOpInvers    uint16 = 1 << 9
	RopdInversRes   uint16 = 1 << 10
)

// Resource types for display invalidation lists.
const (
	ResTypeInvalid uint8 = 0
	ResTypePixmap  uint8 = 1
)

// VideoCodec is the codec of a display stream.
type VideoCodec uint8

const (
	VideoCodecMJPEG VideoCodec = 1
	VideoCodecVP8   VideoCodec = 2
	VideoCodecH264  VideoCodec = 3
	VideoCodecVP9   VideoCodec = 4
	VideoCodecH265  VideoCodec = 5
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecMJPEG:
		return "mjpeg"
	case VideoCodecVP8:
		return "vp8"
	case VideoCodecH264:
		return "h264"
	case VideoCodecVP9:
		return "vp9"
	case VideoCodecH265:
		return "h265"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Stream flags.
const StreamFlagsTopDown uint8 = 1 << 0

// Cursor types and flags.
const (
	CursorTypeAlpha   uint8 = 0
	CursorTypeMono    uint8 = 1
	CursorTypeColor4  uint8 = 2
	CursorTypeColor8  uint8 = 3
	CursorTypeColor16 uint8 = 4
	CursorTypeColor24 uint8 = 5
	CursorTypeColor32 uint8 = 6

	CursorFlagsNone      uint16 = 1 << 0
	CursorFlagsCacheMe   uint16 = 1 << 1
	CursorFlagsFromCache uint16 = 1 << 2
)

// Audio formats and modes.
const (
	AudioFmtS16 uint16 = 1

	AudioDataModeInvalid uint16 = 0
	AudioDataModeRaw     uint16 = 1
	AudioDataModeCELT051 uint16 = 2
	AudioDataModeOpus    uint16 = 3
)

// VD agent protocol.
const (
	VDAgentProtocol    = 1
	VDAgentMaxDataSize = 2048

	VDAgentMouseState           uint32 = 1
	VDAgentMonitorsConfig       uint32 = 2
	VDAgentReply                uint32 = 3
	VDAgentClipboard            uint32 = 4
	VDAgentDisplayConfig        uint32 = 5
	VDAgentAnnounceCapabilities uint32 = 6
	VDAgentClipboardGrab        uint32 = 7
	VDAgentClipboardRequest     uint32 = 8
	VDAgentClipboardRelease     uint32 = 9
	VDAgentFileXferStart        uint32 = 10
	VDAgentFileXferStatus       uint32 = 11
	VDAgentFileXferData         uint32 = 12
	VDAgentClientDisconnected   uint32 = 13

	VDAgentCapMouseState     = 0
	VDAgentCapMonitorsConfig = 1
	VDAgentCapReply          = 2

	VDAgentFileXferStatusCanSendData = 0
	VDAgentFileXferStatusCancelled   = 1
	VDAgentFileXferStatusError       = 2
	VDAgentFileXferStatusSuccess     = 3

	// fileXferChunkSize is the payload of one FILE_XFER_DATA message.
	fileXferChunkSize = VDAgentMaxDataSize * 32
)

// Display init defaults.
const (
	displayPixmapCacheID   uint8 = 1
	displayPixmapCacheSize int64 = 10 * 1024 * 1024
	displayGLZDictID       uint8 = 0
	displayGLZWindowSize   int32 = 0
)
