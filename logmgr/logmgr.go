// Package logmgr implements the log manager: a BufferManager specialized
// to storage.LogPage plus the monotonic SeqNumber counter and fragment
// chaining that turn arbitrary-length LogRecords into a paged,
// checksummed write-ahead log.
package logmgr

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/fsm"
	"github.com/novusdb/kernel/storage"
)

// LogManager serializes every append, read, and flush behind one
// manager-wide lock rather than latching individual log pages — log
// writes are already sequential by nature, so the extra concurrency a
// finer-grained scheme would buy is not worth the complexity.
type LogManager struct {
	mu      sync.Mutex
	buf     *buffer.Manager[*storage.LogPage]
	nextSeq storage.SeqNumber
	log     zerolog.Logger
}

// NewLogManager creates a log manager fronting fs with its own page
// cache of the given capacity. If fs already holds log pages from a prior
// process, the next SeqNumber assigned is one past the highest found in
// them, per the log manager's start operation — otherwise a reopened file
// would reissue SeqNumbers a previous session already used.
func NewLogManager(fs *storage.FileStorage, capacity int) (*LogManager, error) {
	fsl := fsm.NewFreeSpaceList("")
	buf, err := buffer.NewManager[*storage.LogPage](
		fs, buffer.NewLRUReplacer(), fsl, capacity,
		storage.DecodeLogPage,
		func(id storage.PageId, pageSize uint64) *storage.LogPage { return storage.NewLogPage(id, pageSize) },
	)
	if err != nil {
		return nil, err
	}
	m := &LogManager{buf: buf, log: zerolog.Nop()}
	if err := m.recoverNextSeq(fs); err != nil {
		return nil, err
	}
	return m, nil
}

// recoverNextSeq scans every page already allocated in fs for the highest
// LastSeqNumber recorded in its header and sets nextSeq to it, so the
// next Add assigns one past it. A
// page that fails to decode (never written, or not a log page at all) is
// skipped rather than treated as a fatal error — start must tolerate the
// trailing not-yet-written page a prior session allocated but never
// filled.
func (m *LogManager) recoverNextSeq(fs *storage.FileStorage) error {
	count := fs.PageCount()
	for id := storage.PageId(1); uint64(id) <= count; id++ {
		raw, err := fs.ReadRaw(id)
		if err != nil {
			return err
		}
		page, err := storage.DecodeLogPage(raw)
		if err != nil {
			continue
		}
		if page.LastSeqNumber() > m.nextSeq {
			m.nextSeq = page.LastSeqNumber()
		}
	}
	return nil
}

// SetLogger installs a structured logger, also propagated to the
// underlying page cache.
func (m *LogManager) SetLogger(l zerolog.Logger) {
	m.log = l
	m.buf.SetLogger(l)
}

// Add assigns the next SeqNumber to rec, serializes it, and appends it to
// the log, splitting across as many pages as the encoded bytes require.
// Returns the assigned SeqNumber and the Location of its first fragment.
func (m *LogManager) Add(rec storage.LogRecord) (storage.SeqNumber, storage.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	seq := m.nextSeq
	rec.SeqNumber = seq
	data := rec.Encode()

	firstLoc, err := m.writeFragments(seq, data)
	if err != nil {
		return 0, storage.NullLocation, err
	}
	m.log.Debug().Uint64("seq", uint64(seq)).Int("bytes", len(data)).Msg("logmgr: appended record")
	return seq, firstLoc, nil
}

// writeFragments places data into a chain of LogPageSlots, pulling pages
// from the buffer manager's free-space pool and allocating fresh ones
// when a fragment doesn't fit.
func (m *LogManager) writeFragments(seq storage.SeqNumber, data []byte) (storage.Location, error) {
	h, err := m.buf.GetFree()
	if err != nil {
		return storage.NullLocation, err
	}
	firstLoc := storage.LogLocation(h.PageId(), seq)
	remaining := data

	for {
		free := h.Page().GetFreeSpaceSize()
		if free <= 0 {
			h.Release()
			h, err = m.buf.GetNew()
			if err != nil {
				return storage.NullLocation, err
			}
			continue
		}

		if len(remaining) > free {
			chunk := remaining[:free]
			remaining = remaining[free:]

			nh, err := m.buf.GetNew()
			if err != nil {
				h.Release()
				return storage.NullLocation, err
			}
			nextLoc := storage.LogLocation(nh.PageId(), seq)
			if err := h.Page().InsertPageSlot(storage.LogPageSlot{SeqNumber: seq, NextLocation: nextLoc, Payload: chunk}); err != nil {
				h.Release()
				nh.Release()
				return storage.NullLocation, err
			}
			h.MarkDirty()
			h.Release()
			h = nh
			continue
		}

		if err := h.Page().InsertPageSlot(storage.LogPageSlot{SeqNumber: seq, NextLocation: storage.NullLocation, Payload: remaining}); err != nil {
			h.Release()
			return storage.NullLocation, err
		}
		h.MarkDirty()
		h.Release()
		return firstLoc, nil
	}
}

// Get reads and reassembles the log record whose first fragment sits at
// loc, walking the fragment chain via each slot's NextLocation. loc, not a
// bare SeqNumber, is what addresses a record: the SeqNumber alone says
// nothing about which page to start reading from, and the manager keeps
// no persisted index from SeqNumber to Location — callers that need to
// walk backward (e.g. Abort replaying a transaction's log chain) already
// have the Location from the PrevLogRecordLocation of the record they
// just read.
func (m *LogManager) Get(loc storage.Location) (storage.LogRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := loc.SeqNumber()
	var payload bytes.Buffer
	cur := loc
	for !cur.IsNull() {
		h, err := m.buf.Get(cur.PageId)
		if err != nil {
			return storage.LogRecord{}, err
		}
		slot, err := h.Page().GetPageSlot(seq)
		if err != nil {
			h.Release()
			return storage.LogRecord{}, err
		}
		payload.Write(slot.Payload)
		next := slot.NextLocation
		h.Release()
		cur = next
	}
	if payload.Len() == 0 {
		return storage.LogRecord{}, errs.WithLocation(errs.New(errs.ErrLogRecordParse, fmt.Errorf("no log fragment at location")), loc.String())
	}
	return storage.DecodeLogRecord(payload.Bytes())
}

// Flush writes every dirty log page to storage. When sync is true the
// backing file is fsynced afterward — the transaction manager sets this
// on every commit, so the just-appended COMMIT record is durable before
// Commit reports success.
func (m *LogManager) Flush(sync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.FlushAll(sync)
}

// LastSeqNumber returns the most recently assigned SeqNumber.
func (m *LogManager) LastSeqNumber() storage.SeqNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq
}
