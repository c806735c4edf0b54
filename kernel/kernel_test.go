package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMemoryAndRoundTripRecord(t *testing.T) {
	k, err := Open("memory://", Options{})
	require.NoError(t, err)
	defer k.Close()

	tx, err := k.Txns.Begin()
	require.NoError(t, err)
	loc, err := k.Records.Insert(tx, []byte("kernel wiring works"))
	require.NoError(t, err)
	require.NoError(t, k.Txns.Commit(tx, true))

	got, err := k.Records.Read(loc)
	require.NoError(t, err)
	require.Equal(t, []byte("kernel wiring works"), got)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("postgres://localhost/db", Options{})
	require.Error(t, err)
}

func TestOpenFileRoundTripsAcrossClose(t *testing.T) {
	dir := t.TempDir()
	dsn := "file://" + dir + "/test.db"

	k, err := Open(dsn, Options{})
	require.NoError(t, err)
	tx, err := k.Txns.Begin()
	require.NoError(t, err)
	loc, err := k.Records.Insert(tx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, k.Txns.Commit(tx, true))
	require.NoError(t, k.Close())

	k2, err := Open(dsn, Options{})
	require.NoError(t, err)
	defer k2.Close()
	got, err := k2.Records.Read(loc)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got)
}
