package storage

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/novusdb/kernel/errs"
)

// recordPageHeaderSize is the fixed header: pageId, prevPageId, nextPageId,
// slotCount (8 bytes each, little-endian) followed by a 4-byte checksum
// over those 32 bytes.
const recordPageHeaderSize = 8*4 + 4

// slotDescriptorSize is the size of one (SlotId, offset, size) directory
// entry.
const slotDescriptorSize = 8 * 3

// slotPayloadFixedSize is the fixed portion of a serialized
// RecordPageSlot: prevLocation (16 bytes) + nextLocation (16 bytes) +
// length prefix (4 bytes) + trailing checksum (4 bytes).
const slotPayloadFixedSize = 16 + 16 + 4 + 4

// RecordPageSlot is a single slot: a byte payload plus the locations of
// the logically adjacent slots when a record spans multiple pages. Null
// locations terminate the chain.
type RecordPageSlot struct {
	PrevLocation Location
	NextLocation Location
	Data         []byte
}

func (s RecordPageSlot) serializedSize() int {
	return slotPayloadFixedSize + len(s.Data)
}

func (s RecordPageSlot) encode() []byte {
	buf := make([]byte, s.serializedSize())
	binary.LittleEndian.PutUint64(buf[0:8], uint64(s.PrevLocation.PageId))
	binary.LittleEndian.PutUint64(buf[8:16], s.PrevLocation.Slot)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(s.NextLocation.PageId))
	binary.LittleEndian.PutUint64(buf[24:32], s.NextLocation.Slot)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(s.Data)))
	copy(buf[36:36+len(s.Data)], s.Data)
	sum := checksum(buf[:36+len(s.Data)])
	binary.LittleEndian.PutUint32(buf[36+len(s.Data):], sum)
	return buf
}

func decodeRecordPageSlot(buf []byte) (RecordPageSlot, error) {
	if len(buf) < slotPayloadFixedSize {
		return RecordPageSlot{}, errs.New(errs.ErrPageSlotParse, fmt.Errorf("slot buffer too short: %d bytes", len(buf)))
	}
	dataLen := binary.LittleEndian.Uint32(buf[32:36])
	want := 36 + int(dataLen) + 4
	if len(buf) < want {
		return RecordPageSlot{}, errs.New(errs.ErrPageSlotParse, fmt.Errorf("slot buffer too short for declared length %d", dataLen))
	}
	gotSum := checksum(buf[:36+int(dataLen)])
	wantSum := binary.LittleEndian.Uint32(buf[36+int(dataLen) : want])
	if gotSum != wantSum {
		return RecordPageSlot{}, errs.New(errs.ErrPageCorrupt, fmt.Errorf("slot checksum mismatch"))
	}

	slot := RecordPageSlot{
		PrevLocation: Location{
			PageId: PageId(binary.LittleEndian.Uint64(buf[0:8])),
			Slot:   binary.LittleEndian.Uint64(buf[8:16]),
		},
		NextLocation: Location{
			PageId: PageId(binary.LittleEndian.Uint64(buf[16:24])),
			Slot:   binary.LittleEndian.Uint64(buf[24:32]),
		},
	}
	slot.Data = make([]byte, dataLen)
	copy(slot.Data, buf[36:36+int(dataLen)])
	return slot, nil
}

type slotDescriptor struct {
	slotId SlotId
	offset uint64
	size   uint64
}

// RecordPage is the primary slotted data page: variable-length slots with
// chain links to neighboring slots, addressed by an ordered SlotId ->
// (offset, size) directory. Slots grow downward from the page end; header
// and directory grow upward from the page start.
type RecordPage struct {
	pageId     PageId
	prevPageId PageId
	nextPageId PageId
	pageSize   uint64

	descriptors []slotDescriptor      // ordered by SlotId ascending
	slots       map[SlotId]RecordPageSlot
	nextSlotId  SlotId
}

// NewRecordPage creates an empty record page of the given id and size.
func NewRecordPage(pageId PageId, pageSize uint64) *RecordPage {
	return &RecordPage{
		pageId:     pageId,
		pageSize:   pageSize,
		slots:      make(map[SlotId]RecordPageSlot),
		nextSlotId: 1,
	}
}

func (p *RecordPage) PageId() PageId      { return p.pageId }
func (p *RecordPage) PrevPageId() PageId  { return p.prevPageId }
func (p *RecordPage) NextPageId() PageId  { return p.nextPageId }
func (p *RecordPage) SetPrevPageId(id PageId) { p.prevPageId = id }
func (p *RecordPage) SetNextPageId(id PageId) { p.nextPageId = id }
func (p *RecordPage) SlotCount() int      { return len(p.descriptors) }

// FreeInsertSpace implements storage.Page for the buffer manager's
// FSL-maintenance observer.
func (p *RecordPage) FreeInsertSpace() int { return p.GetFreeSpaceSize(true) }

// NextSlotId reports the SlotId the next InsertPageSlot call will assign,
// without mutating the page. Callers that must log an insert before
// performing it (record.Manager's log-before-mutate discipline) use this
// to compute the slot's eventual Location up front, then apply it via
// UndoRemovePageSlot at that exact id once the log append succeeds.
func (p *RecordPage) NextSlotId() SlotId { return p.nextSlotId }

// RecordSlotOverhead is the fixed per-slot encoding cost (chain pointers,
// length prefix, checksum) that a record manager must subtract from
// GetFreeSpaceSize(true) to learn how many bytes of actual record data
// fit in one slot.
func RecordSlotOverhead() int { return slotPayloadFixedSize }

// directoryEnd returns the offset just past the slot directory, i.e. the
// start of free space.
func (p *RecordPage) directoryEnd() uint64 {
	return uint64(recordPageHeaderSize) + uint64(len(p.descriptors))*uint64(slotDescriptorSize)
}

// tailOffset returns the lowest offset currently occupied by a slot
// payload (page size if no slots are present).
func (p *RecordPage) tailOffset() uint64 {
	if len(p.descriptors) == 0 {
		return p.pageSize
	}
	min := p.descriptors[0].offset
	for _, d := range p.descriptors {
		if d.offset < min {
			min = d.offset
		}
	}
	return min
}

// GetFreeSpaceSize returns tail - directoryEnd, further reduced by one
// slot-descriptor's worth when op is "insert" (a new slot costs one
// descriptor in the header).
func (p *RecordPage) GetFreeSpaceSize(forInsert bool) int {
	free := int64(p.tailOffset()) - int64(p.directoryEnd())
	if forInsert {
		free -= slotDescriptorSize
	}
	if free < 0 {
		return 0
	}
	return int(free)
}

// GetPageSlot returns the slot at slotId. Read-only; does not log.
func (p *RecordPage) GetPageSlot(slotId SlotId) (RecordPageSlot, error) {
	slot, ok := p.slots[slotId]
	if !ok {
		return RecordPageSlot{}, errs.WithLocation(errs.New(errs.ErrPageSlotNotFound, nil), fmt.Sprintf("%d:%d", p.pageId, slotId))
	}
	return slot, nil
}

func (p *RecordPage) insertDescriptor(d slotDescriptor) {
	idx := sort.Search(len(p.descriptors), func(i int) bool { return p.descriptors[i].slotId >= d.slotId })
	p.descriptors = append(p.descriptors, slotDescriptor{})
	copy(p.descriptors[idx+1:], p.descriptors[idx:])
	p.descriptors[idx] = d
}

func (p *RecordPage) removeDescriptor(slotId SlotId) (slotDescriptor, bool) {
	for i, d := range p.descriptors {
		if d.slotId == slotId {
			p.descriptors = append(p.descriptors[:i], p.descriptors[i+1:]...)
			return d, true
		}
	}
	return slotDescriptor{}, false
}

// InsertPageSlot allocates the next sequential SlotId and places the slot
// at tail-size, updating the directory. Returns the assigned SlotId.
// Logging and observer notification are the caller's (RecordManager's)
// responsibility; this method does neither.
func (p *RecordPage) InsertPageSlot(slot RecordPageSlot) (SlotId, error) {
	size := uint64(slot.serializedSize())
	if p.GetFreeSpaceSize(true) < int(size) {
		return 0, errs.New(errs.ErrStorage, fmt.Errorf("insufficient free space: need %d, have %d", size, p.GetFreeSpaceSize(true)))
	}
	slotId := p.nextSlotId
	p.nextSlotId++
	offset := p.tailOffset() - size
	p.insertDescriptor(slotDescriptor{slotId: slotId, offset: offset, size: size})
	p.slots[slotId] = slot
	return slotId, nil
}

// UndoRemovePageSlot reinserts a slot at a specific slotId, used by the
// transaction manager's undo path. Advances nextSlotId if necessary so
// future InsertPageSlot calls never collide with it.
func (p *RecordPage) UndoRemovePageSlot(slotId SlotId, slot RecordPageSlot) error {
	size := uint64(slot.serializedSize())
	if p.GetFreeSpaceSize(true) < int(size) {
		return errs.New(errs.ErrStorage, fmt.Errorf("insufficient free space for undo reinsert"))
	}
	offset := p.tailOffset() - size
	p.insertDescriptor(slotDescriptor{slotId: slotId, offset: offset, size: size})
	p.slots[slotId] = slot
	p.repack()
	if slotId >= p.nextSlotId {
		p.nextSlotId = slotId + 1
	}
	return nil
}

// UpdatePageSlot replaces the slot at slotId in place. Because slots are
// held decoded in memory (not as a flat byte buffer) the "shift higher
// offsets" bookkeeping described in the design collapses to recomputing
// offsets for the whole directory, which keeps the monotonic-offset
// invariant without tracking per-slot deltas by hand.
func (p *RecordPage) UpdatePageSlot(slotId SlotId, newSlot RecordPageSlot) error {
	if _, ok := p.slots[slotId]; !ok {
		return errs.WithLocation(errs.New(errs.ErrPageSlotNotFound, nil), fmt.Sprintf("%d:%d", p.pageId, slotId))
	}
	old := p.slots[slotId]
	oldSize := uint64(old.serializedSize())
	newSize := uint64(newSlot.serializedSize())
	if newSize > oldSize {
		if p.GetFreeSpaceSize(false)+int(oldSize) < int(newSize) {
			return errs.New(errs.ErrStorage, fmt.Errorf("insufficient free space for update"))
		}
	}
	p.slots[slotId] = newSlot
	p.repack()
	return nil
}

// RemovePageSlot deletes the slotId's directory entry and payload,
// closing the gap by repacking remaining slots toward the tail.
func (p *RecordPage) RemovePageSlot(slotId SlotId) error {
	if _, ok := p.removeDescriptor(slotId); !ok {
		return errs.WithLocation(errs.New(errs.ErrPageSlotNotFound, nil), fmt.Sprintf("%d:%d", p.pageId, slotId))
	}
	delete(p.slots, slotId)
	p.repack()
	return nil
}

// repack recomputes offsets for all resident slots from the page tail
// backward, preserving SlotId order, so invariant (a) — strictly
// decreasing offsets in SlotId order — always holds after a mutation.
func (p *RecordPage) repack() {
	sort.Slice(p.descriptors, func(i, j int) bool { return p.descriptors[i].slotId < p.descriptors[j].slotId })
	offset := p.pageSize
	for i := len(p.descriptors) - 1; i >= 0; i-- {
		d := &p.descriptors[i]
		slot := p.slots[d.slotId]
		size := uint64(slot.serializedSize())
		offset -= size
		d.offset = offset
		d.size = size
	}
}

// Encode serializes the page to exactly pageSize bytes.
func (p *RecordPage) Encode() []byte {
	buf := make([]byte, p.pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(p.pageId))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.prevPageId))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(p.nextPageId))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(len(p.descriptors)))
	sum := checksum(buf[0:32])
	binary.LittleEndian.PutUint32(buf[32:36], sum)

	dirOff := recordPageHeaderSize
	for _, d := range p.descriptors {
		binary.LittleEndian.PutUint64(buf[dirOff:dirOff+8], uint64(d.slotId))
		binary.LittleEndian.PutUint64(buf[dirOff+8:dirOff+16], d.offset)
		binary.LittleEndian.PutUint64(buf[dirOff+16:dirOff+24], d.size)
		dirOff += slotDescriptorSize

		slot := p.slots[d.slotId]
		copy(buf[d.offset:d.offset+d.size], slot.encode())
	}
	return buf
}

// DecodeRecordPage parses a page previously produced by Encode. Rejects
// pages whose encoded slotCount exceeds what the header region could
// hold.
func DecodeRecordPage(buf []byte) (*RecordPage, error) {
	if len(buf) < recordPageHeaderSize {
		return nil, errs.New(errs.ErrPageParse, fmt.Errorf("page buffer too short"))
	}
	gotSum := checksum(buf[0:32])
	wantSum := binary.LittleEndian.Uint32(buf[32:36])
	if gotSum != wantSum {
		return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("page header checksum mismatch"))
	}

	p := &RecordPage{
		pageId:     PageId(binary.LittleEndian.Uint64(buf[0:8])),
		prevPageId: PageId(binary.LittleEndian.Uint64(buf[8:16])),
		nextPageId: PageId(binary.LittleEndian.Uint64(buf[16:24])),
		pageSize:   uint64(len(buf)),
		slots:      make(map[SlotId]RecordPageSlot),
	}
	slotCount := binary.LittleEndian.Uint64(buf[24:32])

	maxSlots := (uint64(len(buf)) - recordPageHeaderSize) / slotDescriptorSize
	if slotCount > maxSlots {
		return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("encoded slotCount %d exceeds header capacity %d", slotCount, maxSlots))
	}

	dirOff := recordPageHeaderSize
	var maxSlotId SlotId
	for i := uint64(0); i < slotCount; i++ {
		if dirOff+slotDescriptorSize > len(buf) {
			return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("slot directory truncated"))
		}
		slotId := SlotId(binary.LittleEndian.Uint64(buf[dirOff : dirOff+8]))
		offset := binary.LittleEndian.Uint64(buf[dirOff+8 : dirOff+16])
		size := binary.LittleEndian.Uint64(buf[dirOff+16 : dirOff+24])
		dirOff += slotDescriptorSize

		if offset+size > uint64(len(buf)) {
			return nil, errs.New(errs.ErrPageCorrupt, fmt.Errorf("slot payload out of bounds"))
		}
		slot, err := decodeRecordPageSlot(buf[offset : offset+size])
		if err != nil {
			return nil, err
		}
		p.descriptors = append(p.descriptors, slotDescriptor{slotId: slotId, offset: offset, size: size})
		p.slots[slotId] = slot
		if slotId > maxSlotId {
			maxSlotId = slotId
		}
	}
	p.nextSlotId = maxSlotId + 1
	return p, nil
}
