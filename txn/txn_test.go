package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/fsm"
	"github.com/novusdb/kernel/logmgr"
	"github.com/novusdb/kernel/storage"
)

func newTestManagers(t *testing.T) (*Manager, *buffer.Manager[*storage.RecordPage]) {
	t.Helper()
	fs, err := storage.OpenMemStorage(storage.MinPageSize)
	require.NoError(t, err)

	pages, err := buffer.NewManager[*storage.RecordPage](
		fs, buffer.NewLRUReplacer(), fsm.NewFreeSpaceList(""), 4,
		storage.DecodeRecordPage,
		func(id storage.PageId, pageSize uint64) *storage.RecordPage { return storage.NewRecordPage(id, pageSize) },
	)
	require.NoError(t, err)

	log, err := logmgr.NewLogManager(fs, 4)
	require.NoError(t, err)

	return NewManager(log, pages), pages
}

func TestCommitForcePersistsInsert(t *testing.T) {
	tm, pages := newTestManagers(t)

	txn, err := tm.Begin()
	require.NoError(t, err)

	h, err := pages.GetNew()
	require.NoError(t, err)
	pageId := h.PageId()
	slot := storage.RecordPageSlot{Data: []byte("payload")}
	slotId := h.Page().NextSlotId()
	loc := storage.RecordLocation(pageId, slotId)
	require.NoError(t, tm.LogInsert(txn, loc, slot))
	require.NoError(t, h.Page().UndoRemovePageSlot(slotId, slot))
	h.MarkDirty()
	h.Release()

	require.NoError(t, tm.Commit(txn, true))
	require.Equal(t, StateCommitted, txn.State())

	h2, err := pages.Get(pageId)
	require.NoError(t, err)
	defer h2.Release()
	got, err := h2.Page().GetPageSlot(slotId)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got.Data)
}

func TestAbortUndoesInsert(t *testing.T) {
	tm, pages := newTestManagers(t)

	txn, err := tm.Begin()
	require.NoError(t, err)

	h, err := pages.GetNew()
	require.NoError(t, err)
	pageId := h.PageId()
	slot := storage.RecordPageSlot{Data: []byte("temporary")}
	slotId := h.Page().NextSlotId()
	loc := storage.RecordLocation(pageId, slotId)
	require.NoError(t, tm.LogInsert(txn, loc, slot))
	require.NoError(t, h.Page().UndoRemovePageSlot(slotId, slot))
	h.MarkDirty()
	h.Release()

	require.NoError(t, tm.Abort(txn))
	require.Equal(t, StateAborted, txn.State())

	h2, err := pages.Get(pageId)
	require.NoError(t, err)
	defer h2.Release()
	_, err = h2.Page().GetPageSlot(slotId)
	require.Error(t, err)
}

func TestAbortUndoesDeleteAndUpdate(t *testing.T) {
	tm, pages := newTestManagers(t)

	setupTxn, err := tm.Begin()
	require.NoError(t, err)
	h, err := pages.GetNew()
	require.NoError(t, err)
	pageId := h.PageId()
	original := storage.RecordPageSlot{Data: []byte("original")}
	slotId := h.Page().NextSlotId()
	loc := storage.RecordLocation(pageId, slotId)
	require.NoError(t, tm.LogInsert(setupTxn, loc, original))
	require.NoError(t, h.Page().UndoRemovePageSlot(slotId, original))
	h.MarkDirty()
	h.Release()
	require.NoError(t, tm.Commit(setupTxn, true))

	txn, err := tm.Begin()
	require.NoError(t, err)
	h2, err := pages.Get(pageId)
	require.NoError(t, err)
	updated := storage.RecordPageSlot{Data: []byte("updated")}
	require.NoError(t, tm.LogUpdate(txn, loc, original, updated))
	require.NoError(t, h2.Page().UpdatePageSlot(slotId, updated))
	require.NoError(t, tm.LogDelete(txn, loc, updated))
	require.NoError(t, h2.Page().RemovePageSlot(slotId))
	h2.MarkDirty()
	h2.Release()

	require.NoError(t, tm.Abort(txn))

	h3, err := pages.Get(pageId)
	require.NoError(t, err)
	defer h3.Release()
	got, err := h3.Page().GetPageSlot(slotId)
	require.NoError(t, err)
	require.Equal(t, []byte("original"), got.Data)
}
