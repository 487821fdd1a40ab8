// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

// DisplayBase is the common prefix of every draw message.
type DisplayBase struct {
	SurfaceID uint32
	Box       Rect
	Clip      Clip
}

func readDisplayBase(r *msgReader) DisplayBase {
	return DisplayBase{SurfaceID: r.u32(), Box: readRect(r), Clip: readClip(r)}
}

// ImageDescriptor identifies an image independently of its pixels.
type ImageDescriptor struct {
	ID     uint64
	Type   ImageType
	Flags  uint8
	Width  uint32
	Height uint32
}

// Cacheable reports whether the decoded image must be kept for later reference.
func (d ImageDescriptor) Cacheable() bool {
	return d.Flags&ImageFlagsCacheMe != 0
}

// Palette is a color table for indexed bitmaps.
type Palette struct {
	Unique  uint64
	Entries []uint32
}

// Bitmap is an uncompressed image payload.
type Bitmap struct {
	Format    BitmapFormat
	Flags     uint8
	Width     uint32
	Height    uint32
	Stride    uint32
	PaletteID uint64
	Palette   *Palette
	Data      []byte
}

// JPEGAlpha carries a JPEG color plane and a separately compressed alpha plane.
type JPEGAlpha struct {
	Flags uint8
	JPEG  []byte
	Alpha []byte
}

// Image is a decoded image reference: a descriptor plus the payload its type calls for.
type Image struct {
	Descriptor ImageDescriptor

	// Data holds the compressed payload for quic, lz and jpeg images.
	Data      []byte
	Bitmap    *Bitmap
	SurfaceID uint32
	JPEGAlpha *JPEGAlpha
}

func readImageAt(r *msgReader, off uint32) *Image {
	if off == 0 {
		return nil
	}
	ir := r.at(off)
	img := readImage(ir)
	if ir.err != nil && r.err == nil {
		r.err = ir.err
	}
	return img
}

func readImage(r *msgReader) *Image {
	img := &Image{}
	d := &img.Descriptor
	d.ID = r.u64()
	d.Type = ImageType(r.u8())
	d.Flags = r.u8()
	d.Width = r.u32()
	d.Height = r.u32()

	switch d.Type {
	case ImageTypeBitmap:
		img.Bitmap = readBitmap(r)
	case ImageTypeQuic, ImageTypeJPEG, ImageTypeLZRGB, ImageTypeLZPLT, ImageTypeGLZRGB,
		ImageTypeZlibGLZRGB, ImageTypeLZ4:
		n := r.u32()
		img.Data = r.bytes(int(n))
	case ImageTypeSurface:
		img.SurfaceID = r.u32()
	case ImageTypeJPEGAlpha:
		ja := &JPEGAlpha{Flags: r.u8()}
		jpegSize := r.u32()
		dataSize := r.u32()
		if jpegSize > dataSize {
			r.take(int(dataSize) + 1)
			return img
		}
		ja.JPEG = r.bytes(int(jpegSize))
		ja.Alpha = r.bytes(int(dataSize - jpegSize))
		img.JPEGAlpha = ja
	}
	return img
}

func readBitmap(r *msgReader) *Bitmap {
	bm := &Bitmap{
		Format: BitmapFormat(r.u8()),
		Flags:  r.u8(),
		Width:  r.u32(),
		Height: r.u32(),
		Stride: r.u32(),
	}
	if bm.Flags&BitmapFlagsPalFromCache != 0 {
		bm.PaletteID = r.u64()
	} else if off := r.u32(); off != 0 {
		pr := r.at(off)
		p := &Palette{Unique: pr.u64()}
		n := pr.u16()
		for i := uint16(0); i < n && pr.err == nil; i++ {
			p.Entries = append(p.Entries, pr.u32())
		}
		if pr.err == nil {
			bm.Palette = p
		}
	}
	bm.Data = r.bytes(int(uint64(bm.Height) * uint64(bm.Stride)))
	return bm
}

// QMask is a 1bpp mask applied to a draw.
type QMask struct {
	Flags  uint8
	Pos    Point
	Bitmap *Image
}

func readQMask(r *msgReader) QMask {
	m := QMask{Flags: r.u8(), Pos: readPoint(r)}
	m.Bitmap = readImageAt(r, r.u32())
	return m
}

// Brush fills a region with a solid color or pattern.
type Brush struct {
	Type    uint8
	Color   uint32
	Pattern *Image
	Pos     Point
}

func readBrush(r *msgReader) Brush {
	b := Brush{Type: r.u8()}
	switch b.Type {
	case BrushTypeSolid:
		b.Color = r.u32()
	case BrushTypePattern:
		b.Pattern = readImageAt(r, r.u32())
		b.Pos = readPoint(r)
	}
	return b
}

// DrawCopy copies an image onto a surface.
type DrawCopy struct {
	Base          DisplayBase
	SrcBitmap     *Image
	SrcArea       Rect
	RopDescriptor uint16
	ScaleMode     uint8
	Mask          QMask
}

func decodeDrawCopy(b []byte) (*DrawCopy, error) {
	r := newMsgReader(b)
	m := &DrawCopy{Base: readDisplayBase(r)}
	m.SrcBitmap = readImageAt(r, r.u32())
	m.SrcArea = readRect(r)
	m.RopDescriptor = r.u16()
	m.ScaleMode = r.u8()
	m.Mask = readQMask(r)
	return m, wrapDecode("decodeDrawCopy", r)
}

// DrawFill fills a rectangle with a brush.
type DrawFill struct {
	Base          DisplayBase
	Brush         Brush
	RopDescriptor uint16
	Mask          QMask
}

func decodeDrawFill(b []byte) (*DrawFill, error) {
	r := newMsgReader(b)
	m := &DrawFill{Base: readDisplayBase(r), Brush: readBrush(r)}
	m.RopDescriptor = r.u16()
	m.Mask = readQMask(r)
	return m, wrapDecode("decodeDrawFill", r)
}

// CopyBits copies a region of a surface onto itself.
type CopyBits struct {
	Base   DisplayBase
	SrcPos Point
}

func decodeCopyBits(b []byte) (*CopyBits, error) {
	r := newMsgReader(b)
	m := &CopyBits{Base: readDisplayBase(r), SrcPos: readPoint(r)}
	return m, wrapDecode("decodeCopyBits", r)
}

// Resource names one cached object.
type Resource struct {
	Type uint8
	ID   uint64
}

// InvalList drops a set of cached images.
type InvalList struct {
	Resources []Resource
}

func decodeInvalList(b []byte) (*InvalList, error) {
	r := newMsgReader(b)
	n := r.u16()
	m := &InvalList{Resources: make([]Resource, 0, n)}
	for i := uint16(0); i < n && r.err == nil; i++ {
		m.Resources = append(m.Resources, Resource{Type: r.u8(), ID: r.u64()})
	}
	return m, wrapDecode("decodeInvalList", r)
}

// SurfaceCreate announces a new render target.
type SurfaceCreate struct {
	SurfaceID uint32
	Width     uint32
	Height    uint32
	Format    SurfaceFormat
	Flags     uint32
}

func decodeSurfaceCreate(b []byte) (SurfaceCreate, error) {
	r := newMsgReader(b)
	m := SurfaceCreate{
		SurfaceID: r.u32(),
		Width:     r.u32(),
		Height:    r.u32(),
		Format:    SurfaceFormat(r.u32()),
		Flags:     r.u32(),
	}
	return m, wrapDecode("decodeSurfaceCreate", r)
}

func decodeSurfaceID(op string, b []byte) (uint32, error) {
	r := newMsgReader(b)
	id := r.u32()
	return id, wrapDecode(op, r)
}

// StreamCreate opens a video stream onto a surface.
type StreamCreate struct {
	SurfaceID    uint32
	ID           uint32
	Flags        uint8
	Codec        VideoCodec
	Stamp        uint64
	StreamWidth  uint32
	StreamHeight uint32
	SrcWidth     uint32
	SrcHeight    uint32
	Dest         Rect
	Clip         Clip
}

func decodeStreamCreate(b []byte) (*StreamCreate, error) {
	r := newMsgReader(b)
	m := &StreamCreate{
		SurfaceID:    r.u32(),
		ID:           r.u32(),
		Flags:        r.u8(),
		Codec:        VideoCodec(r.u8()),
		Stamp:        r.u64(),
		StreamWidth:  r.u32(),
		StreamHeight: r.u32(),
		SrcWidth:     r.u32(),
		SrcHeight:    r.u32(),
	}
	m.Dest = readRect(r)
	m.Clip = readClip(r)
	return m, wrapDecode("decodeStreamCreate", r)
}

// StreamData is one encoded video chunk. Sized chunks carry their own
// dimensions and destination.
type StreamData struct {
	ID     uint32
	MMTime uint32
	Sized  bool
	Width  uint32
	Height uint32
	Dest   Rect
	Data   []byte
}

func decodeStreamData(b []byte, sized bool) (*StreamData, error) {
	r := newMsgReader(b)
	m := &StreamData{ID: r.u32(), MMTime: r.u32(), Sized: sized}
	if sized {
		m.Width = r.u32()
		m.Height = r.u32()
		m.Dest = readRect(r)
	}
	n := r.u32()
	m.Data = r.bytes(int(n))
	return m, wrapDecode("decodeStreamData", r)
}

// StreamClip replaces a stream's clip region.
type StreamClip struct {
	ID   uint32
	Clip Clip
}

func decodeStreamClip(b []byte) (StreamClip, error) {
	r := newMsgReader(b)
	m := StreamClip{ID: r.u32(), Clip: readClip(r)}
	return m, wrapDecode("decodeStreamClip", r)
}

// StreamActivateReport asks the client to send periodic stream reports.
type StreamActivateReport struct {
	StreamID      uint32
	UniqueID      uint32
	MaxWindowSize uint32
	TimeoutMS     uint32
}

func decodeStreamActivateReport(b []byte) (StreamActivateReport, error) {
	r := newMsgReader(b)
	m := StreamActivateReport{StreamID: r.u32(), UniqueID: r.u32(), MaxWindowSize: r.u32(), TimeoutMS: r.u32()}
	return m, wrapDecode("decodeStreamActivateReport", r)
}

// MonitorHead describes one guest monitor.
type MonitorHead struct {
	ID        uint32
	SurfaceID uint32
	Width     uint32
	Height    uint32
	X         uint32
	Y         uint32
	Flags     uint32
}

// MonitorsConfig lists the guest's monitors.
type MonitorsConfig struct {
	MaxAllowed uint16
	Heads      []MonitorHead
}

func decodeMonitorsConfig(b []byte) (*MonitorsConfig, error) {
	r := newMsgReader(b)
	n := r.u16()
	m := &MonitorsConfig{MaxAllowed: r.u16()}
	for i := uint16(0); i < n && r.err == nil; i++ {
		m.Heads = append(m.Heads, MonitorHead{
			ID: r.u32(), SurfaceID: r.u32(), Width: r.u32(), Height: r.u32(),
			X: r.u32(), Y: r.u32(), Flags: r.u32(),
		})
	}
	return m, wrapDecode("decodeMonitorsConfig", r)
}

func encodeDisplayInit() []byte {
	w := &msgWriter{}
	return w.u8(displayPixmapCacheID).u64(uint64(displayPixmapCacheSize)).
		u8(displayGLZDictID).i32(displayGLZWindowSize).bytes()
}

// StreamReport is the client's quality feedback for one stream.
type StreamReport struct {
	StreamID       uint32
	UniqueID       uint32
	StartFrameMM   uint32
	EndFrameMM     uint32
	NumFrames      uint32
	NumDrops       uint32
	LastFrameDelay int32
	AudioDelay     uint32
}

func (m StreamReport) encode() []byte {
	w := &msgWriter{}
	return w.u32(m.StreamID).u32(m.UniqueID).u32(m.StartFrameMM).u32(m.EndFrameMM).
		u32(m.NumFrames).u32(m.NumDrops).i32(m.LastFrameDelay).u32(m.AudioDelay).bytes()
}
