// Package fsm implements the free-space manager: the set of page IDs
// known to have insertable free space, persisted separately from data
// pages so updating it never touches a data page.
package fsm

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/storage"
)

// FreeSpaceList tracks pages with insertable free space. Insertions are
// serviced from the tail of the set — an arbitrary but fixed policy:
// callers must not rely on order, only on "any page with free space".
type FreeSpaceList struct {
	mu   sync.Mutex
	path string
	// order preserves insertion order so "tail of the set" is a stable,
	// O(1) operation; present tracks membership for O(1) add/remove.
	order   []storage.PageId
	present map[storage.PageId]struct{}
}

// NewFreeSpaceList creates an empty, unpersisted free-space list. Pass an
// empty path to skip persistence entirely (used for in-memory storage).
func NewFreeSpaceList(path string) *FreeSpaceList {
	return &FreeSpaceList{path: path, present: make(map[storage.PageId]struct{})}
}

// Load reads a previously persisted snapshot, if one exists. A missing
// file is not an error — it means no snapshot was ever written.
func (f *FreeSpaceList) Load() error {
	if f.path == "" {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.ErrStorage, err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		if err == io.EOF {
			return nil
		}
		return errs.New(errs.ErrStorage, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = f.order[:0]
	f.present = make(map[storage.PageId]struct{}, count)
	for i := uint64(0); i < count; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return errs.New(errs.ErrStorage, err)
		}
		pid := storage.PageId(id)
		f.order = append(f.order, pid)
		f.present[pid] = struct{}{}
	}
	return nil
}

// Save persists the current snapshot. A no-op if the list has no backing
// path (in-memory storage).
func (f *FreeSpaceList) Save() error {
	if f.path == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Create(f.path)
	if err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(f.order))); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	for _, id := range f.order {
		if err := binary.Write(w, binary.LittleEndian, uint64(id)); err != nil {
			return errs.New(errs.ErrStorage, err)
		}
	}
	if err := w.Flush(); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	return file.Sync()
}

// Insert adds id to the set if it isn't already present.
func (f *FreeSpaceList) Insert(id storage.PageId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.present[id]; ok {
		return
	}
	f.present[id] = struct{}{}
	f.order = append(f.order, id)
}

// Erase removes id from the set.
func (f *FreeSpaceList) Erase(id storage.PageId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.present[id]; !ok {
		return
	}
	delete(f.present, id)
	for i, o := range f.order {
		if o == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether id is currently in the set.
func (f *FreeSpaceList) Contains(id storage.PageId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.present[id]
	return ok
}

// Tail returns a page with free space, preferring the tail of the set for
// cache locality, and whether the set is non-empty.
func (f *FreeSpaceList) Tail() (storage.PageId, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return 0, false
	}
	return f.order[len(f.order)-1], true
}

// Len reports the number of pages currently tracked.
func (f *FreeSpaceList) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}
