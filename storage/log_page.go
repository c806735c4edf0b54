package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/novusdb/kernel/errs"
)

// logPageHeaderSize is the fixed header: pageId, lastSeqNumber, slotCount
// (8 bytes each) followed by a 4-byte checksum over those 24 bytes.
const logPageHeaderSize = 8*3 + 4

// logSlotFixedSize is the fixed portion of a serialized LogPageSlot:
// SeqNumber (8) + nextLocation (16) + length prefix (4) + checksum (4).
const logSlotFixedSize = 8 + 16 + 4 + 4

// LogPageSlot is a fragment of a log record's serialized bytes. A log
// record exceeding one page's free space is split across successive log
// pages; every fragment carries the record's SeqNumber and a nextLocation
// pointing at its continuation (null for the last fragment).
type LogPageSlot struct {
	SeqNumber    SeqNumber
	NextLocation Location
	Payload      []byte
}

func (s LogPageSlot) serializedSize() int { return logSlotFixedSize + len(s.Payload) }

func (s LogPageSlot) encode() []byte {
	buf := make([]byte, s.serializedSize())
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.SeqNumber))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.NextLocation.PageId))
	binary.LittleEndian.PutUint64(buf[16:24], s.NextLocation.Slot)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(s.Payload)))
	copy(buf[28:28+len(s.Payload)], s.Payload)
	sum := checksum(buf[:28+len(s.Payload)])
	binary.LittleEndian.PutUint32(buf[28+len(s.Payload):], sum)
	return buf
}

func decodeLogPageSlot(buf []byte) (LogPageSlot, int, error) {
	if len(buf) < logSlotFixedSize {
		return LogPageSlot{}, 0, errs.New(errs.ErrLogRecordParse, fmt.Errorf("log slot buffer too short"))
	}
	payloadLen := binary.LittleEndian.Uint32(buf[24:28])
	total := 28 + int(payloadLen) + 4
	if len(buf) < total {
		return LogPageSlot{}, 0, errs.New(errs.ErrLogRecordParse, fmt.Errorf("log slot buffer too short for declared length"))
	}
	gotSum := checksum(buf[:28+int(payloadLen)])
	wantSum := binary.LittleEndian.Uint32(buf[28+int(payloadLen) : total])
	if gotSum != wantSum {
		return LogPageSlot{}, 0, errs.New(errs.ErrLogRecordCorrupt, fmt.Errorf("log slot checksum mismatch"))
	}
	slot := LogPageSlot{
		SeqNumber: SeqNumber(binary.LittleEndian.Uint64(buf[0:8])),
		NextLocation: Location{
			PageId: PageId(binary.LittleEndian.Uint64(buf[8:16])),
			Slot:   binary.LittleEndian.Uint64(buf[16:24]),
		},
	}
	slot.Payload = make([]byte, payloadLen)
	copy(slot.Payload, buf[28:28+int(payloadLen)])
	return slot, total, nil
}

// LogPage is structurally analogous to RecordPage but keyed by SeqNumber
// instead of SlotId, and its slots are packed sequentially from the start
// of the page (append-only) rather than from the tail.
type LogPage struct {
	pageId        PageId
	pageSize      uint64
	lastSeqNumber SeqNumber
	order         []SeqNumber
	slots         map[SeqNumber]LogPageSlot
}

// NewLogPage creates an empty log page of the given id and size.
func NewLogPage(pageId PageId, pageSize uint64) *LogPage {
	return &LogPage{pageId: pageId, pageSize: pageSize, slots: make(map[SeqNumber]LogPageSlot)}
}

func (p *LogPage) PageId() PageId              { return p.pageId }
func (p *LogPage) LastSeqNumber() SeqNumber     { return p.lastSeqNumber }
func (p *LogPage) SlotCount() int               { return len(p.order) }

// FreeInsertSpace implements storage.Page for the buffer manager's
// FSL-maintenance observer.
func (p *LogPage) FreeInsertSpace() int { return p.GetFreeSpaceSize() }

func (p *LogPage) usedBytes() uint64 {
	var used uint64
	for _, seq := range p.order {
		used += uint64(p.slots[seq].serializedSize())
	}
	return used
}

// GetFreeSpaceSize returns the bytes available for a new slot payload,
// already subtracting the fixed per-slot header overhead so the caller can
// size writes before paying for it.
func (p *LogPage) GetFreeSpaceSize() int {
	free := int64(p.pageSize) - int64(logPageHeaderSize) - int64(p.usedBytes()) - int64(logSlotFixedSize)
	if free < 0 {
		return 0
	}
	return int(free)
}

// GetPageSlot returns the slot for the given SeqNumber.
func (p *LogPage) GetPageSlot(seq SeqNumber) (LogPageSlot, error) {
	slot, ok := p.slots[seq]
	if !ok {
		return LogPageSlot{}, errs.WithLocation(errs.New(errs.ErrPageSlotNotFound, nil), fmt.Sprintf("%d:%d", p.pageId, seq))
	}
	return slot, nil
}

// InsertPageSlot appends slot to the page. Fails if it would not fit.
func (p *LogPage) InsertPageSlot(slot LogPageSlot) error {
	if p.GetFreeSpaceSize()+logSlotFixedSize < slot.serializedSize() {
		return errs.New(errs.ErrStorage, fmt.Errorf("insufficient free space in log page"))
	}
	if _, exists := p.slots[slot.SeqNumber]; !exists {
		p.order = append(p.order, slot.SeqNumber)
	}
	p.slots[slot.SeqNumber] = slot
	if slot.SeqNumber > p.lastSeqNumber {
		p.lastSeqNumber = slot.SeqNumber
	}
	return nil
}

// Encode serializes the page to exactly pageSize bytes.
func (p *LogPage) Encode() []byte {
	buf := make([]byte, p.pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.pageId))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.lastSeqNumber))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(p.order)))
	sum := checksum(buf[0:24])
	binary.LittleEndian.PutUint32(buf[24:28], sum)

	off := logPageHeaderSize
	for _, seq := range p.order {
		enc := p.slots[seq].encode()
		copy(buf[off:off+len(enc)], enc)
		off += len(enc)
	}
	return buf
}

// DecodeLogPage parses a page previously produced by Encode.
func DecodeLogPage(buf []byte) (*LogPage, error) {
	if len(buf) < logPageHeaderSize {
		return nil, errs.New(errs.ErrPageParse, fmt.Errorf("log page buffer too short"))
	}
	gotSum := checksum(buf[0:24])
	wantSum := binary.LittleEndian.Uint32(buf[24:28])
	if gotSum != wantSum {
		return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("log page header checksum mismatch"))
	}

	p := &LogPage{
		pageId:        PageId(binary.LittleEndian.Uint64(buf[0:8])),
		lastSeqNumber: SeqNumber(binary.LittleEndian.Uint64(buf[8:16])),
		pageSize:      uint64(len(buf)),
		slots:         make(map[SeqNumber]LogPageSlot),
	}
	slotCount := binary.LittleEndian.Uint64(buf[16:24])

	off := logPageHeaderSize
	for i := uint64(0); i < slotCount; i++ {
		if off >= len(buf) {
			return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("log page slots truncated"))
		}
		slot, n, err := decodeLogPageSlot(buf[off:])
		if err != nil {
			return nil, err
		}
		p.order = append(p.order, slot.SeqNumber)
		p.slots[slot.SeqNumber] = slot
		off += n
	}
	return p, nil
}
