// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
)

// Drawable is a pixel target a surface is rendered into.
type Drawable interface {
	// Bounds returns the drawable's extent, anchored at the origin.
	Bounds() image.Rectangle

	// Paste draws src with its minimum point at (x, y). When composite is
	// true src is blended through its alpha, otherwise it overwrites.
	Paste(src image.Image, x, y int, composite bool)

	// ReadRegion returns a copy of r, clipped to the drawable.
	ReadRegion(r image.Rectangle) *image.NRGBA

	// FillRect overwrites r with c.
	FillRect(r image.Rectangle, c color.NRGBA)
}

// Presenter creates drawables and binds the primary one to the screen.
type Presenter interface {
	CreateDrawable(surfaceID uint32, width, height int) Drawable
	BindPrimary(d Drawable, height int)
	HookInputs(d Drawable)
	UnhookInputs(d Drawable)
	ReleaseDrawable(d Drawable)
}

// MemoryDrawable is an in-memory Drawable.
type MemoryDrawable struct {
	Pixels *image.NRGBA
}

// NewMemoryDrawable allocates a transparent black drawable.
func NewMemoryDrawable(width, height int) *MemoryDrawable {
	return &MemoryDrawable{Pixels: image.NewNRGBA(image.Rect(0, 0, width, height))}
}

func (d *MemoryDrawable) Bounds() image.Rectangle { return d.Pixels.Bounds() }

func (d *MemoryDrawable) Paste(src image.Image, x, y int, composite bool) {
	sb := src.Bounds()
	dst := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())
	op := draw.Src
	if composite {
		op = draw.Over
	}
	draw.Draw(d.Pixels, dst, src, sb.Min, op)
}

func (d *MemoryDrawable) ReadRegion(r image.Rectangle) *image.NRGBA {
	r = r.Intersect(d.Pixels.Bounds())
	out := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), d.Pixels, r.Min, draw.Src)
	return out
}

func (d *MemoryDrawable) FillRect(r image.Rectangle, c color.NRGBA) {
	draw.Draw(d.Pixels, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// MemoryPresenter keeps drawables in memory and records viewport and input
// hook activity. It is the default presenter for headless clients.
type MemoryPresenter struct {
	mu             sync.Mutex
	primary        Drawable
	viewportHeight int
	hooked         map[Drawable]bool
	hookCalls      int
	unhookCalls    int
	live           int
}

// NewMemoryPresenter creates an empty presenter.
func NewMemoryPresenter() *MemoryPresenter {
	return &MemoryPresenter{hooked: make(map[Drawable]bool)}
}

func (p *MemoryPresenter) CreateDrawable(_ uint32, width, height int) Drawable {
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	return NewMemoryDrawable(width, height)
}

func (p *MemoryPresenter) BindPrimary(d Drawable, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.primary = d
	p.viewportHeight = height
}

func (p *MemoryPresenter) HookInputs(d Drawable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooked[d] = true
	p.hookCalls++
}

func (p *MemoryPresenter) UnhookInputs(d Drawable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hooked, d)
	p.unhookCalls++
	if p.primary == d {
		p.primary = nil
	}
}

func (p *MemoryPresenter) ReleaseDrawable(Drawable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
}

// ViewportHeight returns the height fixed by the last primary surface.
func (p *MemoryPresenter) ViewportHeight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewportHeight
}

// Primary returns the drawable bound to the viewport.
func (p *MemoryPresenter) Primary() Drawable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}

// Hooked reports whether input hooks are attached to d.
func (p *MemoryPresenter) Hooked(d Drawable) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hooked[d]
}

// HookCounts returns how many times inputs were hooked and unhooked.
func (p *MemoryPresenter) HookCounts() (hooks, unhooks int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hookCalls, p.unhookCalls
}

// LiveDrawables returns the number of drawables not yet released.
func (p *MemoryPresenter) LiveDrawables() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Surface is a server-defined render target and its local drawable.
type Surface struct {
	ID        uint32
	Width     uint32
	Height    uint32
	Format    SurfaceFormat
	Flags     uint32
	Drawable  Drawable
	DrawCount uint64
}

// Primary reports whether the surface is bound to the viewport.
func (s *Surface) Primary() bool {
	return s.Flags&SurfaceFlagPrimary != 0
}

// SurfaceManager tracks the surfaces of one display channel.
type SurfaceManager struct {
	presenter  Presenter
	logger     Logger
	surfaces   map[uint32]*Surface
	primaryID  uint32
	hasPrimary bool
}

// NewSurfaceManager creates an empty manager drawing through p.
func NewSurfaceManager(p Presenter, logger Logger) *SurfaceManager {
	return &SurfaceManager{
		presenter: p,
		logger:    logger,
		surfaces:  make(map[uint32]*Surface),
	}
}

// Create allocates a drawable for m. Unsupported formats are rejected and
// no surface is created.
func (sm *SurfaceManager) Create(m SurfaceCreate) (*Surface, error) {
	validator := newInputValidator()
	if err := validator.ValidateSurfaceFormat(m.Format); err != nil {
		return nil, err
	}
	if err := validator.ValidateSurfaceDimensions(m.Width, m.Height); err != nil {
		return nil, err
	}
	if _, exists := sm.surfaces[m.SurfaceID]; exists {
		sm.logger.Warn("Surface created over an existing id, replacing it",
			Field{Key: "surface_id", Value: m.SurfaceID})
		sm.Destroy(m.SurfaceID)
	}

	s := &Surface{
		ID:       m.SurfaceID,
		Width:    m.Width,
		Height:   m.Height,
		Format:   m.Format,
		Flags:    m.Flags,
		Drawable: sm.presenter.CreateDrawable(m.SurfaceID, int(m.Width), int(m.Height)),
	}
	sm.surfaces[s.ID] = s

	if s.Primary() {
		sm.primaryID = s.ID
		sm.hasPrimary = true
		sm.presenter.BindPrimary(s.Drawable, int(s.Height))
		sm.presenter.HookInputs(s.Drawable)
	}

	sm.logger.Debug("Surface created",
		Field{Key: "surface_id", Value: s.ID},
		Field{Key: "width", Value: s.Width},
		Field{Key: "height", Value: s.Height},
		Field{Key: "primary", Value: s.Primary()})
	return s, nil
}

// Destroy removes a surface. It reports false when the id is unknown.
func (sm *SurfaceManager) Destroy(id uint32) bool {
	s, ok := sm.surfaces[id]
	if !ok {
		sm.logger.Debug("Destroy of unknown surface ignored", Field{Key: "surface_id", Value: id})
		return false
	}
	if sm.hasPrimary && sm.primaryID == id {
		sm.presenter.UnhookInputs(s.Drawable)
		sm.hasPrimary = false
	}
	sm.presenter.ReleaseDrawable(s.Drawable)
	delete(sm.surfaces, id)
	return true
}

// DestroyAll removes every surface, the primary first.
func (sm *SurfaceManager) DestroyAll() {
	if sm.hasPrimary {
		sm.Destroy(sm.primaryID)
	}
	for id := range sm.surfaces {
		sm.Destroy(id)
	}
}

// Get looks up a surface.
func (sm *SurfaceManager) Get(id uint32) (*Surface, bool) {
	s, ok := sm.surfaces[id]
	return s, ok
}

// Primary returns the primary surface, if any.
func (sm *SurfaceManager) Primary() (*Surface, bool) {
	if !sm.hasPrimary {
		return nil, false
	}
	return sm.Get(sm.primaryID)
}

// Len returns the number of live surfaces.
func (sm *SurfaceManager) Len() int {
	return len(sm.surfaces)
}

// CachedImage is a decoded image kept for reference by id.
type CachedImage struct {
	Pixels   *image.NRGBA
	HasAlpha bool
}

// ImageCache maps server-assigned image ids to decoded pixels.
type ImageCache struct {
	entries map[uint64]CachedImage
}

// NewImageCache creates an empty cache.
func NewImageCache() *ImageCache {
	return &ImageCache{entries: make(map[uint64]CachedImage)}
}

func (c *ImageCache) Get(id uint64) (CachedImage, bool) {
	e, ok := c.entries[id]
	return e, ok
}

func (c *ImageCache) Put(id uint64, e CachedImage) {
	c.entries[id] = e
}

// Remove drops id and reports whether it was present.
func (c *ImageCache) Remove(id uint64) bool {
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

func (c *ImageCache) Clear() {
	c.entries = make(map[uint64]CachedImage)
}

func (c *ImageCache) Len() int {
	return len(c.entries)
}
