// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"image/color"
	"sync"
)

// RGB is an 8-bit per component color as carried by brushes and palettes.
type RGB struct {
	// R is the red color component value (0-255).
	R uint8

	// G is the green color component value (0-255).
	G uint8

	// B is the blue color component value (0-255).
	B uint8
}

// RGBFromUint32 unpacks a 0x00RRGGBB word. The top byte is ignored.
func RGBFromUint32(v uint32) RGB {
	return RGB{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)} // #nosec G115 - truncation intended
}

// Uint32 packs the color as 0x00RRGGBB.
func (c RGB) Uint32() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// Opaque returns the color as a fully opaque NRGBA value.
func (c RGB) Opaque() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 0xff}
}

// PaletteCache keeps palettes the server asked to be cached. It provides
// synchronized access so decoders running off the event loop can read it.
type PaletteCache struct {
	mu       sync.RWMutex
	palettes map[uint64]*Palette
}

// NewPaletteCache creates an empty cache.
func NewPaletteCache() *PaletteCache {
	return &PaletteCache{palettes: make(map[uint64]*Palette)}
}

// Get retrieves the palette with the given unique id.
func (pc *PaletteCache) Get(id uint64) (*Palette, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.palettes[id]
	return p, ok
}

// Put stores p under its unique id.
func (pc *PaletteCache) Put(p *Palette) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.palettes[p.Unique] = p
}

// Remove drops one palette.
func (pc *PaletteCache) Remove(id uint64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.palettes, id)
}

// Clear drops every palette.
func (pc *PaletteCache) Clear() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.palettes = make(map[uint64]*Palette)
}

// Len returns the number of cached palettes.
func (pc *PaletteCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.palettes)
}
