package logmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novusdb/kernel/storage"
)

func newTestLogManager(t *testing.T) *LogManager {
	t.Helper()
	fs, err := storage.OpenMemStorage(storage.MinPageSize)
	require.NoError(t, err)
	m, err := NewLogManager(fs, 4)
	require.NoError(t, err)
	return m
}

func TestLogManagerAddGetRoundTrip(t *testing.T) {
	m := newTestLogManager(t)

	rec := storage.LogRecord{Tag: storage.LogRecordBegin, TransactionId: 7}
	seq, loc, err := m.Add(rec)
	require.NoError(t, err)
	require.False(t, seq.IsNull())
	require.False(t, loc.IsNull())

	got, err := m.Get(loc)
	require.NoError(t, err)
	require.Equal(t, storage.LogRecordBegin, got.Tag)
	require.Equal(t, storage.TransactionId(7), got.TransactionId)
	require.Equal(t, seq, got.SeqNumber)
}

func TestLogManagerSeqNumbersMonotonic(t *testing.T) {
	m := newTestLogManager(t)

	var last storage.SeqNumber
	for i := 0; i < 5; i++ {
		seq, _, err := m.Add(storage.LogRecord{Tag: storage.LogRecordCommit, TransactionId: storage.TransactionId(i)})
		require.NoError(t, err)
		require.Greater(t, uint64(seq), uint64(last))
		last = seq
	}
}

func TestLogManagerSplitsLargeRecordAcrossPages(t *testing.T) {
	m := newTestLogManager(t)

	big := make([]byte, storage.MinPageSize*3)
	for i := range big {
		big[i] = byte(i)
	}
	rec := storage.LogRecord{
		Tag:      storage.LogRecordInsert,
		Location: storage.RecordLocation(1, 1),
		SlotA:    &storage.RecordPageSlot{Data: big},
	}
	_, loc, err := m.Add(rec)
	require.NoError(t, err)

	got, err := m.Get(loc)
	require.NoError(t, err)
	require.Equal(t, storage.LogRecordInsert, got.Tag)
	require.NotNil(t, got.SlotA)
	require.Equal(t, big, got.SlotA.Data)
}

func TestLogManagerFlushIsIdempotent(t *testing.T) {
	m := newTestLogManager(t)
	_, _, err := m.Add(storage.LogRecord{Tag: storage.LogRecordBegin})
	require.NoError(t, err)
	require.NoError(t, m.Flush(true))
	require.NoError(t, m.Flush(true))
}
