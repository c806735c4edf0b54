// Package record implements the record manager: whole-record insert,
// read, update, and remove, built on chains of storage.RecordPageSlot
// spanning as many pages as the record's bytes require, with an optional
// s2 compression boundary for large payloads.
package record

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/concurrency"
	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/storage"
	"github.com/novusdb/kernel/txn"
)

// compressedFlag marks a record's leading byte when its payload was
// s2-compressed before chunking across slots.
const compressedFlag byte = 1

// compressionThreshold is the smallest record size worth paying s2's
// framing overhead for.
const compressionThreshold = 256

// Manager inserts, reads, updates, and removes whole records by chaining
// storage.RecordPageSlot fragments through a record-page buffer manager,
// logging every physical slot mutation through the transaction manager so
// undo can reverse it.
type Manager struct {
	pages    *buffer.Manager[*storage.RecordPage]
	txns     *txn.Manager
	locks    *concurrency.LockManager
	compress bool
	logger   zerolog.Logger
}

// NewManager creates a record manager over pages, logging mutations
// through txns. compress enables s2 compression for records above
// compressionThreshold. Update and Remove serialize against each other
// per record via an internal LockManager, since each is several
// non-atomic slot mutations that must not interleave with another goroutine
// operating on the same record.
func NewManager(pages *buffer.Manager[*storage.RecordPage], txns *txn.Manager, compress bool) *Manager {
	return &Manager{
		pages:    pages,
		txns:     txns,
		locks:    concurrency.NewLockManager(concurrency.LockPolicyWait),
		compress: compress,
		logger:   zerolog.Nop(),
	}
}

// SetLogger installs a structured logger.
func (rm *Manager) SetLogger(l zerolog.Logger) { rm.logger = l }

func (rm *Manager) encodeRecord(data []byte) []byte {
	flags := byte(0)
	payload := data
	if rm.compress && len(data) > compressionThreshold {
		compressed := s2.Encode(nil, data)
		if len(compressed) < len(data) {
			payload = compressed
			flags = compressedFlag
		}
	}
	full := make([]byte, 1+len(payload))
	full[0] = flags
	copy(full[1:], payload)
	return full
}

func decodeRecord(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errs.New(errs.ErrRecordCorrupt, fmt.Errorf("empty record"))
	}
	flags, payload := raw[0], raw[1:]
	if flags&compressedFlag == 0 {
		return payload, nil
	}
	decoded, err := s2.Decode(nil, payload)
	if err != nil {
		return nil, errs.New(errs.ErrRecordCorrupt, fmt.Errorf("s2 decode: %w", err))
	}
	return decoded, nil
}

// Insert writes data as a new record, returning the Location of its first
// slot — the handle callers address it by for Read/Update/Remove.
func (rm *Manager) Insert(t *txn.Transaction, data []byte) (storage.Location, error) {
	remaining := rm.encodeRecord(data)

	var firstLoc, prevLoc storage.Location
	for len(remaining) > 0 {
		h, err := rm.pages.GetFree()
		if err != nil {
			return storage.NullLocation, err
		}
		capacity := h.Page().GetFreeSpaceSize(true) - storage.RecordSlotOverhead()
		if capacity <= 0 {
			h.Release()
			return storage.NullLocation, errs.New(errs.ErrStorage, fmt.Errorf("no page has room for a record slot"))
		}
		chunkLen := min(len(remaining), capacity)
		chunk := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		slot := storage.RecordPageSlot{PrevLocation: prevLoc, Data: chunk}
		slotId := h.Page().NextSlotId()
		loc := storage.RecordLocation(h.PageId(), slotId)

		// Log before mutating: a crash between these two steps leaves
		// only an unapplied, recoverable log record rather than an
		// unlogged page mutation.
		if err := rm.txns.LogInsert(t, loc, slot); err != nil {
			h.Release()
			return storage.NullLocation, err
		}
		if err := h.Page().UndoRemovePageSlot(slotId, slot); err != nil {
			h.Release()
			return storage.NullLocation, err
		}
		h.MarkDirty()
		h.Release()

		if firstLoc.IsNull() {
			firstLoc = loc
		}
		if !prevLoc.IsNull() {
			if err := rm.patchNext(t, prevLoc, loc); err != nil {
				return storage.NullLocation, err
			}
		}
		prevLoc = loc
	}
	return firstLoc, nil
}

// Read follows loc's chain and returns the reassembled, decompressed
// record bytes. A null loc or a missing first slot is RecordNotFound; a
// missing slot further along the chain is RecordCorrupt.
func (rm *Manager) Read(loc storage.Location) ([]byte, error) {
	if loc.IsNull() {
		return nil, errs.New(errs.ErrRecordNotFound, fmt.Errorf("null location"))
	}
	var buf bytes.Buffer
	cur := loc
	for !cur.IsNull() {
		h, err := rm.pages.Get(cur.PageId)
		if err != nil {
			return nil, err
		}
		slot, err := h.Page().GetPageSlot(cur.SlotId())
		if err != nil {
			h.Release()
			if cur == loc {
				return nil, errs.New(errs.ErrRecordNotFound, err)
			}
			return nil, errs.New(errs.ErrRecordCorrupt, err)
		}
		buf.Write(slot.Data)
		next := slot.NextLocation
		h.Release()
		cur = next
	}
	return decodeRecord(buf.Bytes())
}

// Update replaces the record at loc with data, reusing as much of the
// existing slot chain as fits the new size, allocating additional slots
// if it grew, and trimming trailing slots if it shrank.
func (rm *Manager) Update(t *txn.Transaction, loc storage.Location, data []byte) error {
	if err := rm.locks.AcquireRecord(loc); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	defer rm.locks.ReleaseRecord(loc)

	chain, err := rm.chainLocations(loc)
	if err != nil {
		return err
	}

	remaining := rm.encodeRecord(data)
	var prevLoc storage.Location
	var newChain []storage.Location

	for i := 0; len(remaining) > 0; i++ {
		reusing := i < len(chain)
		var h *buffer.Handle[*storage.RecordPage]
		if reusing {
			h, err = rm.pages.Get(chain[i].PageId)
		} else {
			h, err = rm.pages.GetFree()
		}
		if err != nil {
			return err
		}

		capacity := h.Page().GetFreeSpaceSize(true) - storage.RecordSlotOverhead()
		if !reusing && capacity <= 0 {
			// A free-list page can have room for a slot descriptor but not
			// for a slot's fixed overhead; take a fresh page instead.
			h.Release()
			if h, err = rm.pages.GetNew(); err != nil {
				return err
			}
			capacity = h.Page().GetFreeSpaceSize(true) - storage.RecordSlotOverhead()
		}
		if reusing {
			existing, gerr := h.Page().GetPageSlot(chain[i].SlotId())
			if gerr != nil {
				h.Release()
				return gerr
			}
			// The slot's own bytes already count against the page, so add
			// them back: an in-place update is not "new" free space.
			capacity += len(existing.Data)
		}
		if capacity <= 0 {
			h.Release()
			return errs.New(errs.ErrStorage, fmt.Errorf("insufficient free space for update"))
		}
		chunkLen := min(len(remaining), capacity)
		chunk := remaining[:chunkLen]
		remaining = remaining[chunkLen:]

		newSlot := storage.RecordPageSlot{PrevLocation: prevLoc, Data: chunk}
		var thisLoc storage.Location
		if reusing {
			slotId := chain[i].SlotId()
			before, gerr := h.Page().GetPageSlot(slotId)
			if gerr != nil {
				h.Release()
				return gerr
			}
			thisLoc = chain[i]

			if err := rm.txns.LogUpdate(t, thisLoc, before, newSlot); err != nil {
				h.Release()
				return err
			}
			if err := h.Page().UpdatePageSlot(slotId, newSlot); err != nil {
				h.Release()
				return err
			}
			h.MarkDirty()
			h.Release()
		} else {
			slotId := h.Page().NextSlotId()
			thisLoc = storage.RecordLocation(h.PageId(), slotId)

			if err := rm.txns.LogInsert(t, thisLoc, newSlot); err != nil {
				h.Release()
				return err
			}
			if err := h.Page().UndoRemovePageSlot(slotId, newSlot); err != nil {
				h.Release()
				return err
			}
			h.MarkDirty()
			h.Release()
		}

		if !prevLoc.IsNull() {
			if err := rm.patchNext(t, prevLoc, thisLoc); err != nil {
				return err
			}
		}
		newChain = append(newChain, thisLoc)
		prevLoc = thisLoc
	}

	for i := len(newChain); i < len(chain); i++ {
		if err := rm.removeSlotLogged(t, chain[i]); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes every slot in loc's chain.
func (rm *Manager) Remove(t *txn.Transaction, loc storage.Location) error {
	if err := rm.locks.AcquireRecord(loc); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	defer rm.locks.ReleaseRecord(loc)

	chain, err := rm.chainLocations(loc)
	if err != nil {
		return err
	}
	for _, l := range chain {
		if err := rm.removeSlotLogged(t, l); err != nil {
			return err
		}
	}
	return nil
}

func (rm *Manager) chainLocations(loc storage.Location) ([]storage.Location, error) {
	var chain []storage.Location
	cur := loc
	for !cur.IsNull() {
		h, err := rm.pages.Get(cur.PageId)
		if err != nil {
			return nil, err
		}
		slot, err := h.Page().GetPageSlot(cur.SlotId())
		if err != nil {
			h.Release()
			return nil, errs.New(errs.ErrRecordNotFound, err)
		}
		chain = append(chain, cur)
		next := slot.NextLocation
		h.Release()
		cur = next
	}
	if len(chain) == 0 {
		return nil, errs.New(errs.ErrRecordNotFound, fmt.Errorf("null location"))
	}
	return chain, nil
}

func (rm *Manager) patchNext(t *txn.Transaction, loc storage.Location, next storage.Location) error {
	h, err := rm.pages.Get(loc.PageId)
	if err != nil {
		return err
	}
	before, err := h.Page().GetPageSlot(loc.SlotId())
	if err != nil {
		h.Release()
		return err
	}
	after := before
	after.NextLocation = next

	if err := rm.txns.LogUpdate(t, loc, before, after); err != nil {
		h.Release()
		return err
	}
	if err := h.Page().UpdatePageSlot(loc.SlotId(), after); err != nil {
		h.Release()
		return err
	}
	h.MarkDirty()
	h.Release()
	return nil
}

func (rm *Manager) removeSlotLogged(t *txn.Transaction, loc storage.Location) error {
	h, err := rm.pages.Get(loc.PageId)
	if err != nil {
		return err
	}
	before, err := h.Page().GetPageSlot(loc.SlotId())
	if err != nil {
		h.Release()
		return err
	}
	if err := rm.txns.LogDelete(t, loc, before); err != nil {
		h.Release()
		return err
	}
	if err := h.Page().RemovePageSlot(loc.SlotId()); err != nil {
		h.Release()
		return err
	}
	h.MarkDirty()
	h.Release()
	return nil
}
