package buffer

import (
	"fmt"
	"sync"

	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/fsm"
	"github.com/novusdb/kernel/storage"

	"github.com/rs/zerolog"
)

// DecodeFunc turns the raw bytes of one page into a concrete page value.
type DecodeFunc[P storage.Page] func([]byte) (P, error)

// NewPageFunc constructs a brand-new, empty page for a freshly allocated
// PageId.
type NewPageFunc[P storage.Page] func(id storage.PageId, pageSize uint64) P

// Manager is a fixed-capacity, pin-aware cache of pages of type P sitting
// in front of a storage.FileStorage. One Manager instance backs the main
// record-page cache; another, specialized to *storage.LogPage, backs the
// log manager.
//
// Locking discipline: mu guards the resident-page table (pages, dirty,
// latches) and every Replacer call. Per-page latches serialize
// the load/flush I/O for one PageId without blocking operations on any
// other PageId, satisfying the requirement that get/flush on distinct
// pages proceed in parallel while get/flush on the same page never
// interleave.
type Manager[P storage.Page] struct {
	mu       sync.Mutex
	storage  *storage.FileStorage
	replacer Replacer
	fsl      *fsm.FreeSpaceList
	decode   DecodeFunc[P]
	newPage  NewPageFunc[P]
	capacity int
	log      zerolog.Logger

	pages   map[storage.PageId]P
	dirty   map[storage.PageId]bool
	latches map[storage.PageId]*sync.Mutex
}

// NewManager creates a buffer manager of the given capacity (must be at
// least 2, per the component design's minimum) fronting fs, evicting via
// replacer and keeping fsl in sync with page free-space changes.
func NewManager[P storage.Page](fs *storage.FileStorage, replacer Replacer, fsl *fsm.FreeSpaceList, capacity int, decode DecodeFunc[P], newPage NewPageFunc[P]) (*Manager[P], error) {
	if capacity < 2 {
		return nil, errs.New(errs.ErrBufferManager, fmt.Errorf("buffer capacity %d below minimum 2", capacity))
	}
	return &Manager[P]{
		storage:  fs,
		replacer: replacer,
		fsl:      fsl,
		decode:   decode,
		newPage:  newPage,
		capacity: capacity,
		log:      zerolog.Nop(),
		pages:    make(map[storage.PageId]P),
		dirty:    make(map[storage.PageId]bool),
		latches:  make(map[storage.PageId]*sync.Mutex),
	}, nil
}

// SetLogger installs a structured logger for cache-miss/eviction/flush
// tracing. The zero value is a disabled logger, matching the component's
// default-silent logging stance.
func (m *Manager[P]) SetLogger(l zerolog.Logger) { m.log = l }

func (m *Manager[P]) latchFor(id storage.PageId) *sync.Mutex {
	l, ok := m.latches[id]
	if !ok {
		l = &sync.Mutex{}
		m.latches[id] = l
	}
	return l
}

func (m *Manager[P]) handle(id storage.PageId, page P) *Handle[P] {
	return &Handle[P]{mgr: m, id: id, page: page}
}

// Get returns a pinned handle to the page, loading it from storage if not
// already resident. Concurrent Get calls for the same missing page block
// behind one shared load; only one of them actually reads from storage.
func (m *Manager[P]) Get(id storage.PageId) (*Handle[P], error) {
	m.mu.Lock()
	if page, ok := m.pages[id]; ok {
		m.replacer.Pin(id)
		m.mu.Unlock()
		return m.handle(id, page), nil
	}
	latch := m.latchFor(id)
	m.mu.Unlock()

	latch.Lock()
	defer latch.Unlock()

	m.mu.Lock()
	if page, ok := m.pages[id]; ok {
		m.replacer.Pin(id)
		m.mu.Unlock()
		return m.handle(id, page), nil
	}
	m.mu.Unlock()

	raw, err := m.storage.ReadRaw(id)
	if err != nil {
		return nil, err
	}
	page, err := m.decode(raw)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.ensureCapacityLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.pages[id] = page
	m.dirty[id] = false
	m.replacer.Track(id)
	m.replacer.Pin(id)
	m.mu.Unlock()

	m.log.Debug().Uint64("pageId", uint64(id)).Msg("buffer: loaded page")
	return m.handle(id, page), nil
}

// GetNew allocates a fresh PageId from storage and installs a new, empty
// page for it in the cache, pinned and ready for the caller to populate.
func (m *Manager[P]) GetNew() (*Handle[P], error) {
	id := m.storage.Allocate()
	page := m.newPage(id, m.storage.PageSize())

	m.mu.Lock()
	if err := m.ensureCapacityLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.pages[id] = page
	m.dirty[id] = true
	m.replacer.Track(id)
	m.replacer.Pin(id)
	m.mu.Unlock()

	if page.FreeInsertSpace() > 0 {
		m.fsl.Insert(id)
	}
	m.log.Debug().Uint64("pageId", uint64(id)).Msg("buffer: allocated new page")
	return m.handle(id, page), nil
}

// GetFree returns a handle to a page with insertable free space, either
// picking one from the free-space list or allocating a new one if none
// currently has room.
func (m *Manager[P]) GetFree() (*Handle[P], error) {
	if id, ok := m.fsl.Tail(); ok {
		h, err := m.Get(id)
		if err == nil {
			return h, nil
		}
		// Fall through to allocating a new page if the tracked page
		// turned out to be unreadable; a stale FSL entry must not wedge
		// every future insert.
	}
	return m.GetNew()
}

// notifyMutation is the observer hook a Handle calls on MarkDirty: it
// flags the page dirty and keeps the free-space list in sync with the
// page's current capacity.
func (m *Manager[P]) notifyMutation(id storage.PageId, page P) {
	m.mu.Lock()
	m.dirty[id] = true
	m.mu.Unlock()

	if page.FreeInsertSpace() > 0 {
		m.fsl.Insert(id)
	} else {
		m.fsl.Erase(id)
	}
}

func (m *Manager[P]) unpin(id storage.PageId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replacer.Unpin(id)
}

// Flush writes id's page to storage if it is resident, dirty, and
// currently unpinned. A pinned dirty page is left alone: its owner still
// holds an in-flight mutation and may call Flush again after Release.
// When sync is true the backing storage is fsynced after the write —
// callers forcing a commit set this so the page is durable, not just
// buffered, before reporting success.
func (m *Manager[P]) Flush(id storage.PageId, sync bool) error {
	m.mu.Lock()
	if _, ok := m.pages[id]; !ok {
		m.mu.Unlock()
		return nil
	}
	latch := m.latchFor(id)
	m.mu.Unlock()

	latch.Lock()
	defer latch.Unlock()

	m.mu.Lock()
	page, ok := m.pages[id]
	if !ok || !m.dirty[id] || m.replacer.IsPinned(id) {
		m.mu.Unlock()
		return nil
	}
	raw := page.Encode()
	m.mu.Unlock()

	if err := m.storage.WriteRaw(id, raw); err != nil {
		return err
	}
	if sync {
		if err := m.storage.Sync(); err != nil {
			return err
		}
	}
	if err := m.fsl.Save(); err != nil {
		return err
	}

	m.mu.Lock()
	m.dirty[id] = false
	m.mu.Unlock()

	m.log.Debug().Uint64("pageId", uint64(id)).Msg("buffer: flushed page")
	return nil
}

// FlushAll writes every resident dirty, unpinned page to storage. When
// sync is true the backing storage is fsynced once after every page has
// been written, rather than per page.
func (m *Manager[P]) FlushAll(sync bool) error {
	m.mu.Lock()
	ids := make([]storage.PageId, 0, len(m.pages))
	for id := range m.pages {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Flush(id, false); err != nil {
			return err
		}
	}
	if sync {
		return m.storage.Sync()
	}
	return nil
}

// ensureCapacityLocked evicts pages until the table has room for one more.
// Called with mu held; it releases and re-acquires mu around any flush it
// has to perform, since flush does its own I/O-free-of-mu dance.
func (m *Manager[P]) ensureCapacityLocked() error {
	for len(m.pages) >= m.capacity {
		victim, ok := m.replacer.GetVictimId()
		if !ok {
			return errs.New(errs.ErrBufferManager, fmt.Errorf("buffer full: all %d resident pages are pinned", len(m.pages)))
		}
		needsFlush := m.dirty[victim]
		m.mu.Unlock()
		if needsFlush {
			if err := m.Flush(victim, false); err != nil {
				m.mu.Lock()
				return err
			}
		}
		m.mu.Lock()

		if m.replacer.IsPinned(victim) {
			// Raced with a concurrent Get that repinned it; try another.
			continue
		}
		if _, ok := m.pages[victim]; !ok {
			continue
		}
		delete(m.pages, victim)
		delete(m.dirty, victim)
		delete(m.latches, victim)
		m.replacer.Forget(victim)
		m.log.Debug().Uint64("pageId", uint64(victim)).Msg("buffer: evicted page")
	}
	return nil
}

// Len reports the number of pages currently resident.
func (m *Manager[P]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}
