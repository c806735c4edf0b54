// Package kernel wires the storage, buffer, log, transaction, and record
// components into a single embeddable engine, addressed by a connection
// string the way database/sql drivers are.
package kernel

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/fsm"
	"github.com/novusdb/kernel/logmgr"
	"github.com/novusdb/kernel/record"
	"github.com/novusdb/kernel/storage"
	"github.com/novusdb/kernel/txn"
)

// Options configures a Kernel. The zero value is not directly usable;
// start from DefaultOptions and override what you need.
type Options struct {
	// PageSize is the fixed page size for both the data file and the log
	// file. Ignored when opening an existing file, whose stored page size
	// wins.
	PageSize uint64
	// BufferCapacity is the record-page cache's resident page count.
	BufferCapacity int
	// LogBufferCapacity is the log manager's own page cache size.
	LogBufferCapacity int
	// Compress enables s2 compression of records above a small size
	// threshold.
	Compress bool
	// Logger receives structured diagnostics from every component. The
	// zero value is a disabled logger.
	Logger zerolog.Logger
}

// DefaultOptions returns sensible defaults: a 4096-byte page size (eight
// times the minimum),
// a 64-page data buffer, a 16-page log buffer, compression off, and
// logging disabled.
func DefaultOptions() Options {
	return Options{
		PageSize:          storage.MinPageSize * 8,
		BufferCapacity:    64,
		LogBufferCapacity: 16,
		Compress:          false,
		Logger:            zerolog.Nop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize == 0 {
		o.PageSize = d.PageSize
	}
	if o.BufferCapacity == 0 {
		o.BufferCapacity = d.BufferCapacity
	}
	if o.LogBufferCapacity == 0 {
		o.LogBufferCapacity = d.LogBufferCapacity
	}
	return o
}

// Kernel is an open storage engine: one data file, one log file, and the
// component stack sitting on top of them.
type Kernel struct {
	dataStorage *storage.FileStorage
	logStorage  *storage.FileStorage
	fsl         *fsm.FreeSpaceList

	Pages   *buffer.Manager[*storage.RecordPage]
	Log     *logmgr.LogManager
	Txns    *txn.Manager
	Records *record.Manager

	opts Options
}

// Open parses dsn — "memory://" for a process-local, unpersisted engine,
// or "file:///path/to/db[?pagesize=N]" for a durable one — and assembles
// a Kernel over it. For a file DSN, the log is kept in "<path>.log" and
// the free-space list snapshot in "<path>.fsl", alongside the data file.
func Open(dsn string, opts Options) (*Kernel, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, errs.New(errs.ErrStorage, fmt.Errorf("parsing connection string: %w", err))
	}
	opts = opts.withDefaults()
	if ps := u.Query().Get("pagesize"); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 64)
		if err != nil {
			return nil, errs.New(errs.ErrStorage, fmt.Errorf("parsing pagesize: %w", err))
		}
		opts.PageSize = n
	}

	var dataStorage, logStorage *storage.FileStorage
	var fslPath string

	switch u.Scheme {
	case "", "memory":
		if dataStorage, err = storage.OpenMemStorage(opts.PageSize); err != nil {
			return nil, err
		}
		if logStorage, err = storage.OpenMemStorage(opts.PageSize); err != nil {
			return nil, err
		}
	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, errs.New(errs.ErrStorage, fmt.Errorf("file connection string missing a path"))
		}
		if dataStorage, err = storage.OpenFileStorage(path, opts.PageSize); err != nil {
			return nil, err
		}
		if logStorage, err = storage.OpenFileStorage(path+".log", opts.PageSize); err != nil {
			dataStorage.Close()
			return nil, err
		}
		fslPath = path + ".fsl"
	default:
		return nil, errs.New(errs.ErrStorage, fmt.Errorf("unsupported connection scheme %q", u.Scheme))
	}

	fsl := fsm.NewFreeSpaceList(fslPath)
	if err := fsl.Load(); err != nil {
		dataStorage.Close()
		logStorage.Close()
		return nil, err
	}

	pages, err := buffer.NewManager[*storage.RecordPage](
		dataStorage, buffer.NewLRUReplacer(), fsl, opts.BufferCapacity,
		storage.DecodeRecordPage,
		func(id storage.PageId, pageSize uint64) *storage.RecordPage { return storage.NewRecordPage(id, pageSize) },
	)
	if err != nil {
		dataStorage.Close()
		logStorage.Close()
		return nil, err
	}
	pages.SetLogger(opts.Logger)

	logMgr, err := logmgr.NewLogManager(logStorage, opts.LogBufferCapacity)
	if err != nil {
		dataStorage.Close()
		logStorage.Close()
		return nil, err
	}
	logMgr.SetLogger(opts.Logger)

	txnMgr := txn.NewManager(logMgr, pages)
	txnMgr.SetLogger(opts.Logger)

	recMgr := record.NewManager(pages, txnMgr, opts.Compress)
	recMgr.SetLogger(opts.Logger)

	return &Kernel{
		dataStorage: dataStorage,
		logStorage:  logStorage,
		fsl:         fsl,
		Pages:       pages,
		Log:         logMgr,
		Txns:        txnMgr,
		Records:     recMgr,
		opts:        opts,
	}, nil
}

// Close fsyncs every dirty page and the log, saves the free-space list,
// then closes both backing files.
func (k *Kernel) Close() error {
	if err := k.Pages.FlushAll(true); err != nil {
		return err
	}
	if err := k.Log.Flush(true); err != nil {
		return err
	}
	if err := k.fsl.Save(); err != nil {
		return err
	}
	if err := k.dataStorage.Close(); err != nil {
		return err
	}
	return k.logStorage.Close()
}
