package record

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novusdb/kernel/buffer"
	"github.com/novusdb/kernel/fsm"
	"github.com/novusdb/kernel/logmgr"
	"github.com/novusdb/kernel/storage"
	"github.com/novusdb/kernel/txn"
)

func newTestManager(t *testing.T, compress bool) (*Manager, *txn.Manager) {
	t.Helper()
	fs, err := storage.OpenMemStorage(storage.MinPageSize)
	require.NoError(t, err)

	pages, err := buffer.NewManager[*storage.RecordPage](
		fs, buffer.NewLRUReplacer(), fsm.NewFreeSpaceList(""), 8,
		storage.DecodeRecordPage,
		func(id storage.PageId, pageSize uint64) *storage.RecordPage { return storage.NewRecordPage(id, pageSize) },
	)
	require.NoError(t, err)

	log, err := logmgr.NewLogManager(fs, 8)
	require.NoError(t, err)

	txns := txn.NewManager(log, pages)
	return NewManager(pages, txns, compress), txns
}

func TestInsertReadRoundTrip(t *testing.T) {
	rm, txns := newTestManager(t, false)
	tx, err := txns.Begin()
	require.NoError(t, err)

	loc, err := rm.Insert(tx, []byte("hello, record manager"))
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tx, true))

	got, err := rm.Read(loc)
	require.NoError(t, err)
	require.Equal(t, []byte("hello, record manager"), got)
}

func TestInsertSpansMultiplePages(t *testing.T) {
	rm, txns := newTestManager(t, false)
	tx, err := txns.Begin()
	require.NoError(t, err)

	big := bytes.Repeat([]byte("0123456789abcdef"), storage.MinPageSize)
	loc, err := rm.Insert(tx, big)
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tx, true))

	got, err := rm.Read(loc)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestUpdateGrowsAndShrinks(t *testing.T) {
	rm, txns := newTestManager(t, false)
	tx, err := txns.Begin()
	require.NoError(t, err)
	loc, err := rm.Insert(tx, []byte("short"))
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tx, true))

	tx2, err := txns.Begin()
	require.NoError(t, err)
	longer := bytes.Repeat([]byte("grow"), 500)
	require.NoError(t, rm.Update(tx2, loc, longer))
	require.NoError(t, txns.Commit(tx2, true))

	got, err := rm.Read(loc)
	require.NoError(t, err)
	require.Equal(t, longer, got)

	tx3, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, rm.Update(tx3, loc, []byte("tiny")))
	require.NoError(t, txns.Commit(tx3, true))

	got2, err := rm.Read(loc)
	require.NoError(t, err)
	require.Equal(t, []byte("tiny"), got2)
}

func TestRemoveThenReadFails(t *testing.T) {
	rm, txns := newTestManager(t, false)
	tx, err := txns.Begin()
	require.NoError(t, err)
	loc, err := rm.Insert(tx, []byte("gone soon"))
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tx, true))

	tx2, err := txns.Begin()
	require.NoError(t, err)
	require.NoError(t, rm.Remove(tx2, loc))
	require.NoError(t, txns.Commit(tx2, true))

	_, err = rm.Read(loc)
	require.Error(t, err)
}

func TestCompressedLargeRecordRoundTrips(t *testing.T) {
	rm, txns := newTestManager(t, true)
	tx, err := txns.Begin()
	require.NoError(t, err)

	data := bytes.Repeat([]byte("compressible-compressible-compressible "), 100)
	loc, err := rm.Insert(tx, data)
	require.NoError(t, err)
	require.NoError(t, txns.Commit(tx, true))

	got, err := rm.Read(loc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestAbortedInsertNotReadable(t *testing.T) {
	rm, txns := newTestManager(t, false)
	tx, err := txns.Begin()
	require.NoError(t, err)
	loc, err := rm.Insert(tx, []byte("should vanish"))
	require.NoError(t, err)
	require.NoError(t, txns.Abort(tx))

	_, err = rm.Read(loc)
	require.Error(t, err)
}
