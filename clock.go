// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"sync"
	"time"
)

// MediaClock tracks the server's multimedia time. It is synchronized from the
// main channel and read by display and playback channels.
type MediaClock struct {
	mu       sync.Mutex
	now      func() time.Time
	syncedAt time.Time
	mmTime   uint32
}

// NewMediaClock creates a clock reading wall time from now. A nil now uses
// time.Now.
func NewMediaClock(now func() time.Time) *MediaClock {
	if now == nil {
		now = time.Now
	}
	return &MediaClock{now: now, syncedAt: now()}
}

// Sync anchors the clock to the server's mm time at this instant.
func (m *MediaClock) Sync(mmTime uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmTime = mmTime
	m.syncedAt = m.now()
}

// Now returns the server-relative mm time in milliseconds.
func (m *MediaClock) Now() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	elapsed := m.now().Sub(m.syncedAt).Milliseconds()
	return m.mmTime + uint32(elapsed) // #nosec G115 - mm time wraps by definition
}

// Until returns how many milliseconds remain before mmTime is due. Negative
// values mean it is already late.
func (m *MediaClock) Until(mmTime uint32) int32 {
	return int32(mmTime - m.Now()) // #nosec G115 - wrapping difference
}
