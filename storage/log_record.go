package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/novusdb/kernel/errs"
)

// LogRecordTag identifies the variant of a LogRecord. Numeric values match
// the on-disk byte layout exactly; do not reorder.
type LogRecordTag byte

const (
	LogRecordBegin  LogRecordTag = 0
	LogRecordInsert LogRecordTag = 1
	LogRecordUpdate LogRecordTag = 2
	LogRecordDelete LogRecordTag = 3
	LogRecordAbort  LogRecordTag = 4
	LogRecordCommit LogRecordTag = 5
)

func (t LogRecordTag) String() string {
	switch t {
	case LogRecordBegin:
		return "BEGIN"
	case LogRecordInsert:
		return "INSERT"
	case LogRecordUpdate:
		return "UPDATE"
	case LogRecordDelete:
		return "DELETE"
	case LogRecordAbort:
		return "ABORT"
	case LogRecordCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// logRecordHeaderSize is SeqNumber(8) + prevLogRecordLocation(16) +
// transactionId(8).
const logRecordHeaderSize = 8 + 16 + 8

// LogRecord is a tagged variant over {BEGIN, INSERT, UPDATE, DELETE,
// COMMIT, ABORT}. BEGIN/COMMIT/ABORT carry only the header. INSERT/DELETE
// carry a Location and SlotA (the slot inserted or deleted). UPDATE
// carries a Location, SlotA (before-image) and SlotB (after-image).
type LogRecord struct {
	SeqNumber             SeqNumber
	PrevLogRecordLocation Location
	TransactionId         TransactionId
	Tag                   LogRecordTag
	Location              Location
	SlotA                 *RecordPageSlot
	SlotB                 *RecordPageSlot
}

func encodeOptionalSlot(buf *bytes.Buffer, s *RecordPageSlot) {
	if s == nil {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	enc := s.encode()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(enc)))
	buf.Write(lenBuf[:])
	buf.Write(enc)
}

// Encode serializes the record to a self-describing byte buffer with a
// trailing checksum; recovery relies on byte-exact replay so the layout
// here is the canonical form.
func (r LogRecord) Encode() []byte {
	var buf bytes.Buffer
	var hdr [logRecordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(r.SeqNumber))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(r.PrevLogRecordLocation.PageId))
	binary.LittleEndian.PutUint64(hdr[16:24], r.PrevLogRecordLocation.Slot)
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(r.TransactionId))
	buf.Write(hdr[:])

	buf.WriteByte(byte(r.Tag))

	var loc [16]byte
	binary.LittleEndian.PutUint64(loc[0:8], uint64(r.Location.PageId))
	binary.LittleEndian.PutUint64(loc[8:16], r.Location.Slot)
	buf.Write(loc[:])

	encodeOptionalSlot(&buf, r.SlotA)
	encodeOptionalSlot(&buf, r.SlotB)

	sum := checksum(buf.Bytes())
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], sum)
	buf.Write(sumBuf[:])

	return buf.Bytes()
}

func decodeOptionalSlot(buf []byte) (*RecordPageSlot, int, error) {
	if len(buf) < 1 {
		return nil, 0, errs.New(errs.ErrLogRecordParse, fmt.Errorf("truncated record: missing presence byte"))
	}
	present := buf[0]
	if present == 0 {
		return nil, 1, nil
	}
	if len(buf) < 5 {
		return nil, 0, errs.New(errs.ErrLogRecordParse, fmt.Errorf("truncated record: missing slot length"))
	}
	n := int(binary.LittleEndian.Uint32(buf[1:5]))
	if len(buf) < 5+n {
		return nil, 0, errs.New(errs.ErrLogRecordParse, fmt.Errorf("truncated record: short slot payload"))
	}
	slot, err := decodeRecordPageSlot(buf[5 : 5+n])
	if err != nil {
		return nil, 0, err
	}
	return &slot, 5 + n, nil
}

// DecodeLogRecord parses a record previously produced by Encode.
func DecodeLogRecord(buf []byte) (LogRecord, error) {
	if len(buf) < logRecordHeaderSize+1+16+4 {
		return LogRecord{}, errs.New(errs.ErrLogRecordParse, fmt.Errorf("log record buffer too short"))
	}
	sumStart := len(buf) - 4
	gotSum := checksum(buf[:sumStart])
	wantSum := binary.LittleEndian.Uint32(buf[sumStart:])
	if gotSum != wantSum {
		return LogRecord{}, errs.New(errs.ErrLogRecordCorrupt, fmt.Errorf("log record checksum mismatch"))
	}

	r := LogRecord{
		SeqNumber: SeqNumber(binary.LittleEndian.Uint64(buf[0:8])),
		PrevLogRecordLocation: Location{
			PageId: PageId(binary.LittleEndian.Uint64(buf[8:16])),
			Slot:   binary.LittleEndian.Uint64(buf[16:24]),
		},
		TransactionId: TransactionId(binary.LittleEndian.Uint64(buf[24:32])),
	}
	off := logRecordHeaderSize
	r.Tag = LogRecordTag(buf[off])
	off++
	r.Location = Location{
		PageId: PageId(binary.LittleEndian.Uint64(buf[off : off+8])),
		Slot:   binary.LittleEndian.Uint64(buf[off+8 : off+16]),
	}
	off += 16

	slotA, n, err := decodeOptionalSlot(buf[off:sumStart])
	if err != nil {
		return LogRecord{}, err
	}
	r.SlotA = slotA
	off += n

	slotB, n, err := decodeOptionalSlot(buf[off:sumStart])
	if err != nil {
		return LogRecord{}, err
	}
	r.SlotB = slotB
	off += n

	return r, nil
}
