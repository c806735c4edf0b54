package storage

import "hash/crc32"

// crcTable is the IEEE polynomial table used for every on-disk checksum in
// this package, matching the checksum choice the write-ahead log already
// used before this kernel generalized it to pages and log records.
var crcTable = crc32.MakeTable(crc32.IEEE)

// checksum computes the deterministic, single-pass checksum required of
// every serialized object (page header, page slot, log record) by the
// design notes.
func checksum(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}
