package storage

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/novusdb/kernel/errs"
)

// headerSize is the size in bytes of the file header: a single
// little-endian page-size field, per the external interfaces section.
const headerSize = 8

// FileStorage opens a backing file (or in-memory blob) containing a
// fixed-size header followed by consecutive fixed-size pages. It is the
// sole owner of the page-aligned read/write contract: callers never see a
// torn page, a page is either fully readable or the read fails.
type FileStorage struct {
	file      StorageFile
	lock      *fileLock
	path      string
	pageSize  uint64
	pageCount uint64
}

// OpenFileStorage opens path as the backing file for pages of the given
// size. If the file is empty, a new header is written fixing pageSize;
// otherwise the stored pageSize is adopted regardless of what the caller
// requested, and pageCount is derived from the file length.
func OpenFileStorage(path string, pageSize uint64) (*FileStorage, error) {
	if pageSize < MinPageSize {
		return nil, errs.New(errs.ErrPageSize, fmt.Errorf("pageSize %d below minimum %d", pageSize, MinPageSize))
	}

	lock, err := lockFile(path)
	if err != nil {
		return nil, errs.New(errs.ErrStorage, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		lock.unlock()
		return nil, errs.New(errs.ErrStorage, err)
	}

	fs, err := newFileStorage(f, lock, path, pageSize)
	if err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}
	return fs, nil
}

// OpenMemStorage opens an in-memory backing store of the given page size;
// it is never locked since it is process-local.
func OpenMemStorage(pageSize uint64) (*FileStorage, error) {
	if pageSize < MinPageSize {
		return nil, errs.New(errs.ErrPageSize, fmt.Errorf("pageSize %d below minimum %d", pageSize, MinPageSize))
	}
	return newFileStorage(NewMemFile(), nil, ":memory:", pageSize)
}

func newFileStorage(f StorageFile, lock *fileLock, path string, pageSize uint64) (*FileStorage, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errs.New(errs.ErrStorage, err)
	}

	fs := &FileStorage{file: f, lock: lock, path: path}

	if info.Size() == 0 {
		fs.pageSize = pageSize
		if err := fs.writeHeader(); err != nil {
			return nil, err
		}
		fs.pageCount = 0
		return fs, nil
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil && err != io.EOF {
		return nil, errs.New(errs.ErrStorage, err)
	}
	fs.pageSize = binary.LittleEndian.Uint64(hdr)
	if fs.pageSize < MinPageSize {
		return nil, errs.New(errs.ErrPageSize, fmt.Errorf("stored pageSize %d below minimum %d", fs.pageSize, MinPageSize))
	}

	dataBytes := info.Size() - headerSize
	if dataBytes < 0 {
		dataBytes = 0
	}
	fs.pageCount = uint64(dataBytes) / fs.pageSize
	return fs, nil
}

func (fs *FileStorage) writeHeader() error {
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr, fs.pageSize)
	if _, err := fs.file.WriteAt(hdr, 0); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	return nil
}

// PageSize returns the page size negotiated at open.
func (fs *FileStorage) PageSize() uint64 { return fs.pageSize }

// PageCount returns the number of pages currently allocated.
func (fs *FileStorage) PageCount() uint64 { return fs.pageCount }

// Allocate reserves the next sequential PageId. It does not write any
// bytes for the new page; the first Write call does.
func (fs *FileStorage) Allocate() PageId {
	fs.pageCount++
	return PageId(fs.pageCount)
}

func (fs *FileStorage) offset(id PageId) int64 {
	return int64(headerSize) + int64(uint64(id)-1)*int64(fs.pageSize)
}

// ReadRaw reads the pageSize bytes stored for id. Fails PageNotFound if the
// computed offset is at or past the end of allocated pages.
func (fs *FileStorage) ReadRaw(id PageId) ([]byte, error) {
	if id.IsNull() || uint64(id) > fs.pageCount {
		return nil, errs.WithPage(errs.New(errs.ErrPageNotFound, nil), uint64(id))
	}
	buf := make([]byte, fs.pageSize)
	off := fs.offset(id)
	if _, err := fs.file.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, errs.WithPage(errs.New(errs.ErrStorage, err), uint64(id))
	}
	return buf, nil
}

// WriteRaw persists pageSize bytes of data for id. An invalid (null)
// pageId fails StorageError.
func (fs *FileStorage) WriteRaw(id PageId, data []byte) error {
	if id.IsNull() {
		return errs.New(errs.ErrStorage, fmt.Errorf("write to null pageId"))
	}
	if uint64(len(data)) != fs.pageSize {
		return errs.New(errs.ErrStorage, fmt.Errorf("write size %d != pageSize %d", len(data), fs.pageSize))
	}
	off := fs.offset(id)
	if _, err := fs.file.WriteAt(data, off); err != nil {
		return errs.WithPage(errs.New(errs.ErrStorage, err), uint64(id))
	}
	if uint64(id) > fs.pageCount {
		fs.pageCount = uint64(id)
	}
	return nil
}

// Sync flushes the backing file to stable storage.
func (fs *FileStorage) Sync() error {
	if err := fs.file.Sync(); err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	return nil
}

// Close closes the backing file without deleting it.
func (fs *FileStorage) Close() error {
	err := fs.file.Close()
	if fs.lock != nil {
		fs.lock.unlock()
	}
	if err != nil {
		return errs.New(errs.ErrStorage, err)
	}
	return nil
}

// Remove closes and deletes the backing file.
func (fs *FileStorage) Remove() error {
	fs.Close()
	if fs.path != "" && fs.path != ":memory:" {
		if err := os.Remove(fs.path); err != nil && !os.IsNotExist(err) {
			return errs.New(errs.ErrStorage, err)
		}
	}
	return nil
}
