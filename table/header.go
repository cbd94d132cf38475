package table

import "encoding/binary"

// tableHeader is the fixed-width record at the start of every content
// table file. next_free is the head of the in-table free list (a slot
// index); touched_count is the high-water mark of slots ever initialized;
// external_data is the sum of external payload file sizes, meaningful only
// for Oversize tables.
type tableHeader struct {
	Used         uint32
	NextFree     uint16
	TouchedCount uint32
	ExternalData uint64
}

// headerSize is the encoded width of tableHeader: 4 + 2 + 4 + 8. next_free
// is u16 because a table's slot count never exceeds datumsize's 65536
// capacity ceiling, so every valid slot index fits.
const headerSize = 18

func decodeHeader(buf []byte) tableHeader {
	return tableHeader{
		Used:         binary.LittleEndian.Uint32(buf[0:4]),
		NextFree:     binary.LittleEndian.Uint16(buf[4:6]),
		TouchedCount: binary.LittleEndian.Uint32(buf[6:10]),
		ExternalData: binary.LittleEndian.Uint64(buf[10:18]),
	}
}

func encodeHeader(buf []byte, h tableHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Used)
	binary.LittleEndian.PutUint16(buf[4:6], h.NextFree)
	binary.LittleEndian.PutUint32(buf[6:10], h.TouchedCount)
	binary.LittleEndian.PutUint64(buf[10:18], h.ExternalData)
}

// itemHeaderSize is the size, in bytes, of one slot's header (before its
// payload bytes): refcount(2) + size_correction(correctionWidth) + key, or
// enough to hold a free-list link (1 + 2), whichever is larger.
func itemHeaderSize(correctionWidth, keyBytes int) int {
	allocated := 2 + correctionWidth + keyBytes
	free := 1 + 2
	if allocated > free {
		return allocated
	}
	return free
}

// decodeRefCount reads the allocated/free flag and, if allocated, the
// 15-bit refcount from the first two bytes of an item header.
func decodeRefCount(buf []byte) (refCount uint16, allocated bool) {
	if buf[0] == 0 {
		return 0, false
	}
	return (uint16(buf[0]&0x7F) << 8) | uint16(buf[1]), true
}

func encodeRefCount(buf []byte, refCount uint16) {
	buf[0] = 0x80 | byte(refCount>>8)
	buf[1] = byte(refCount)
}

func decodeSizeCorrection(buf []byte, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(buf[i]) << (8 * uint(i))
	}
	return v
}

func encodeSizeCorrection(buf []byte, width int, v uint64) {
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * uint(i)))
	}
}

func decodeNextFree(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[1:3])
}

func encodeFree(buf []byte, nextFree uint16) {
	buf[0] = 0
	binary.LittleEndian.PutUint16(buf[1:3], nextFree)
	for i := 3; i < len(buf); i++ {
		buf[i] = 0
	}
}
