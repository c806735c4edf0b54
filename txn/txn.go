// Package txn implements the transaction manager: the begin/commit/abort
// state machine and the undo logic that replays a transaction's log chain
// backward to restore pre-transaction page state.
package txn

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/errs"
	"github.com/novusdb/kernel/logmgr"
	"github.com/novusdb/kernel/storage"
)

// State is a transaction's position in the ACTIVE -> PARTIALLY_COMMITTED
// -> COMMITTED / ABORTED state machine.
type State uint8

const (
	StateActive State = iota
	StatePartiallyCommitted
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePartiallyCommitted:
		return "PARTIALLY_COMMITTED"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction tracks one in-flight unit of work: its id, state, and the
// location of the most recent log record in its chain. Staged page
// mutations are not buffered here — the record manager applies them
// directly to resident pages, and undo relies entirely on replaying the
// log chain rather than on an in-memory staging set.
type Transaction struct {
	mu      sync.Mutex
	id      storage.TransactionId
	state   State
	tailLog storage.Location
}

// Id returns the transaction's identifier.
func (t *Transaction) Id() storage.TransactionId {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Manager drives the transaction state machine against a shared log
// manager and the record-page buffer manager, so undo can both read the
// log chain and physically reverse page mutations.
type Manager struct {
	mu        sync.Mutex
	log       *logmgr.LogManager
	pages     *buffer.Manager[*storage.RecordPage]
	nextTxnId storage.TransactionId
	txns      map[storage.TransactionId]*Transaction
	logger    zerolog.Logger
}

// NewManager creates a transaction manager over the given log manager and
// record-page buffer manager.
func NewManager(log *logmgr.LogManager, pages *buffer.Manager[*storage.RecordPage]) *Manager {
	return &Manager{
		log:    log,
		pages:  pages,
		txns:   make(map[storage.TransactionId]*Transaction),
		logger: zerolog.Nop(),
	}
}

// SetLogger installs a structured logger.
func (m *Manager) SetLogger(l zerolog.Logger) { m.logger = l }

// Begin starts a new transaction, logging its BEGIN record.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	m.nextTxnId++
	id := m.nextTxnId
	m.mu.Unlock()

	_, loc, err := m.log.Add(storage.LogRecord{Tag: storage.LogRecordBegin, TransactionId: id, PrevLogRecordLocation: storage.NullLocation})
	if err != nil {
		return nil, err
	}

	txn := &Transaction{id: id, state: StateActive, tailLog: loc}
	m.mu.Lock()
	m.txns[id] = txn
	m.mu.Unlock()

	m.logger.Debug().Uint64("txnId", uint64(id)).Msg("txn: begin")
	return txn, nil
}

func (m *Manager) requireActive(txn *Transaction) error {
	if txn.state != StateActive {
		return errs.WithLocation(errs.New(errs.ErrTransactionState, fmt.Errorf("transaction is %s, not ACTIVE", txn.state)), fmt.Sprintf("txn=%d", txn.id))
	}
	return nil
}

// LogInsert appends an INSERT record for a slot about to be inserted at
// loc, extending the transaction's log chain. Callers log first and
// mutate the page afterward.
func (m *Manager) LogInsert(txn *Transaction, loc storage.Location, inserted storage.RecordPageSlot) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := m.requireActive(txn); err != nil {
		return err
	}
	_, newLoc, err := m.log.Add(storage.LogRecord{
		Tag: storage.LogRecordInsert, TransactionId: txn.id,
		PrevLogRecordLocation: txn.tailLog, Location: loc, SlotA: &inserted,
	})
	if err != nil {
		return err
	}
	txn.tailLog = newLoc
	return nil
}

// LogDelete appends a DELETE record for the slot about to be removed at
// loc. deleted is the slot's content before removal, kept so abort can
// restore it via UndoRemovePageSlot.
func (m *Manager) LogDelete(txn *Transaction, loc storage.Location, deleted storage.RecordPageSlot) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := m.requireActive(txn); err != nil {
		return err
	}
	_, newLoc, err := m.log.Add(storage.LogRecord{
		Tag: storage.LogRecordDelete, TransactionId: txn.id,
		PrevLogRecordLocation: txn.tailLog, Location: loc, SlotA: &deleted,
	})
	if err != nil {
		return err
	}
	txn.tailLog = newLoc
	return nil
}

// LogUpdate appends an UPDATE record for the slot about to be overwritten
// at loc, carrying both the before-image (for undo) and the after-image.
func (m *Manager) LogUpdate(txn *Transaction, loc storage.Location, before, after storage.RecordPageSlot) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := m.requireActive(txn); err != nil {
		return err
	}
	_, newLoc, err := m.log.Add(storage.LogRecord{
		Tag: storage.LogRecordUpdate, TransactionId: txn.id,
		PrevLogRecordLocation: txn.tailLog, Location: loc, SlotA: &before, SlotB: &after,
	})
	if err != nil {
		return err
	}
	txn.tailLog = newLoc
	return nil
}

// Commit transitions txn to PARTIALLY_COMMITTED, appends its COMMIT
// record and fsyncs the log. Only when force is true does it also fsync
// the record-page buffer, at which point it transitions to COMMITTED. A
// non-forced commit stays PARTIALLY_COMMITTED: there is no background
// promotion task.
func (m *Manager) Commit(txn *Transaction, force bool) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := m.requireActive(txn); err != nil {
		return err
	}
	txn.state = StatePartiallyCommitted

	_, loc, err := m.log.Add(storage.LogRecord{Tag: storage.LogRecordCommit, TransactionId: txn.id, PrevLogRecordLocation: txn.tailLog})
	if err != nil {
		return err
	}
	txn.tailLog = loc

	// The COMMIT record is made durable on every commit.
	if err := m.log.Flush(true); err != nil {
		return err
	}
	if !force {
		return nil
	}
	// force=true also fsyncs the record-page buffer (the data the
	// transaction actually wrote), not just a buffered write.
	if err := m.pages.FlushAll(true); err != nil {
		return err
	}
	txn.state = StateCommitted
	m.logger.Debug().Uint64("txnId", uint64(txn.id)).Msg("txn: committed")
	return nil
}

// Abort walks txn's log chain backward, physically reversing each
// mutation — INSERT undone by remove, DELETE undone by undoRemove, UPDATE
// undone by restoring the before-image — logging every inverse as it
// goes, then appends the transaction's ABORT record.
func (m *Manager) Abort(txn *Transaction) error {
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := m.requireActive(txn); err != nil {
		return err
	}

	cur := txn.tailLog
	for !cur.IsNull() {
		rec, err := m.log.Get(cur)
		if err != nil {
			return err
		}
		if rec.TransactionId == txn.id {
			if newTail, err := m.undoOne(txn, rec); err != nil {
				return err
			} else if !newTail.IsNull() {
				txn.tailLog = newTail
			}
		}
		cur = rec.PrevLogRecordLocation
	}

	_, loc, err := m.log.Add(storage.LogRecord{Tag: storage.LogRecordAbort, TransactionId: txn.id, PrevLogRecordLocation: txn.tailLog})
	if err != nil {
		return err
	}
	txn.tailLog = loc
	txn.state = StateAborted
	m.logger.Debug().Uint64("txnId", uint64(txn.id)).Msg("txn: aborted")
	return nil
}

// undoOne reverses a single log record in place and logs its inverse,
// returning the new log-chain tail (null if the record had no physical
// effect to undo).
func (m *Manager) undoOne(txn *Transaction, rec storage.LogRecord) (storage.Location, error) {
	switch rec.Tag {
	case storage.LogRecordBegin, storage.LogRecordCommit, storage.LogRecordAbort:
		return storage.NullLocation, nil

	case storage.LogRecordInsert:
		// Log the inverse before applying it: a crash between the two
		// leaves an unapplied DELETE record rather than a page already
		// reverted with no record of it.
		_, loc, err := m.log.Add(storage.LogRecord{
			Tag: storage.LogRecordDelete, TransactionId: txn.id,
			PrevLogRecordLocation: txn.tailLog, Location: rec.Location, SlotA: rec.SlotA,
		})
		if err != nil {
			return storage.NullLocation, err
		}
		if err := m.removeSlot(rec.Location); err != nil {
			return storage.NullLocation, err
		}
		return loc, nil

	case storage.LogRecordDelete:
		_, loc, err := m.log.Add(storage.LogRecord{
			Tag: storage.LogRecordInsert, TransactionId: txn.id,
			PrevLogRecordLocation: txn.tailLog, Location: rec.Location, SlotA: rec.SlotA,
		})
		if err != nil {
			return storage.NullLocation, err
		}
		if err := m.undoRemoveSlot(rec.Location, *rec.SlotA); err != nil {
			return storage.NullLocation, err
		}
		return loc, nil

	case storage.LogRecordUpdate:
		_, loc, err := m.log.Add(storage.LogRecord{
			Tag: storage.LogRecordUpdate, TransactionId: txn.id,
			PrevLogRecordLocation: txn.tailLog, Location: rec.Location, SlotA: rec.SlotB, SlotB: rec.SlotA,
		})
		if err != nil {
			return storage.NullLocation, err
		}
		if err := m.updateSlot(rec.Location, *rec.SlotA); err != nil {
			return storage.NullLocation, err
		}
		return loc, nil

	default:
		return storage.NullLocation, errs.New(errs.ErrLogRecordCorrupt, fmt.Errorf("unknown log record tag %d", rec.Tag))
	}
}

func (m *Manager) removeSlot(loc storage.Location) error {
	h, err := m.pages.Get(loc.PageId)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := h.Page().RemovePageSlot(loc.SlotId()); err != nil {
		return err
	}
	h.MarkDirty()
	return nil
}

func (m *Manager) undoRemoveSlot(loc storage.Location, slot storage.RecordPageSlot) error {
	h, err := m.pages.Get(loc.PageId)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := h.Page().UndoRemovePageSlot(loc.SlotId(), slot); err != nil {
		return err
	}
	h.MarkDirty()
	return nil
}

func (m *Manager) updateSlot(loc storage.Location, slot storage.RecordPageSlot) error {
	h, err := m.pages.Get(loc.PageId)
	if err != nil {
		return err
	}
	defer h.Release()
	if err := h.Page().UpdatePageSlot(loc.SlotId(), slot); err != nil {
		return err
	}
	h.MarkDirty()
	return nil
}
