// Package buffer implements the page cache: a fixed-capacity, pin-aware
// cache of in-memory pages sitting in front of storage.FileStorage, with a
// pluggable eviction policy and an observer hook that keeps the
// free-space list in sync with page mutations.
package buffer

import "github.com/novusdb/kernel/storage"

// Replacer tracks all resident page IDs and selects an eviction victim
// among the unpinned ones. Implementations must never surface a pinned
// page from GetVictimId.
type Replacer interface {
	// Track registers id as resident and evictable (unpinned) by
	// default.
	Track(id storage.PageId)
	// Forget removes id from consideration entirely (used on eviction).
	Forget(id storage.PageId)
	// Pin marks id as ineligible for eviction.
	Pin(id storage.PageId)
	// Unpin marks id as eligible for eviction again, once its last pin
	// is released.
	Unpin(id storage.PageId)
	// IsPinned reports whether id currently has an outstanding pin.
	IsPinned(id storage.PageId) bool
	// GetVictimId selects an eviction victim among unpinned tracked
	// pages. Returns (0, false) if none are evictable.
	GetVictimId() (storage.PageId, bool)
	// Len reports the number of currently tracked pages.
	Len() int
}
