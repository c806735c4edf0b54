package buffer

import "github.com/novusdb/kernel/storage"

// Handle is a scoped, RAII-style pin on a resident page. All accessors go
// through the handle; the manager never hands out raw page pointers.
// Callers must call Release when done — typically via defer — to drop the
// pin; a leaked handle keeps its page pinned (and thus un-evictable)
// forever.
type Handle[P storage.Page] struct {
	mgr      *Manager[P]
	id       storage.PageId
	page     P
	released bool
}

// Page returns the underlying page. Mutating it directly is allowed; call
// MarkDirty afterward so the buffer manager's dirty tracking and
// free-space list observe the change.
func (h *Handle[P]) Page() P { return h.page }

// PageId returns the id of the pinned page.
func (h *Handle[P]) PageId() storage.PageId { return h.id }

// MarkDirty notifies the buffer manager that the page was mutated: it
// sets the dirty flag and updates the free-space list, mirroring the
// observer contract every mutating page operation must trigger.
func (h *Handle[P]) MarkDirty() { h.mgr.notifyMutation(h.id, h.page) }

// Release drops this handle's pin. Safe to call more than once.
func (h *Handle[P]) Release() {
	if h.released {
		return
	}
	h.released = true
	h.mgr.unpin(h.id)
}
