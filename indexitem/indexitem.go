// Package indexitem encodes and decodes one slot of the index file: a
// skipped-count byte plus an optional occupied entry (key correction, key
// suffix, content address).
package indexitem

import "encoding/binary"

// AddressSize is the encoded width of a packed content address.
const AddressSize = 4

// HeaderSize is the width of the skipped-count + occupancy header, before
// the variable-length suffix.
const HeaderSize = 3

// MaxCorrection is the largest key_correction value the 15-bit field can
// hold.
const MaxCorrection = 1<<15 - 1

// Entry is an occupied index slot.
type Entry struct {
	KeyCorrection int
	KeySuffix     []byte
	Address       uint32 // packed contentaddress.ContentAddress
}

// Item is one decoded index slot.
type Item struct {
	SkippedCount uint8
	Entry        *Entry // nil for an empty slot
}

// Size returns the encoded byte width of a record with the given suffix
// length.
func Size(suffixLen int) int {
	return HeaderSize + AddressSize + suffixLen
}

// Decode reads one record of Size(suffixLen) bytes from buf.
func Decode(buf []byte, suffixLen int) Item {
	occWord := binary.LittleEndian.Uint16(buf[0:2])
	skipped := buf[2]
	if occWord == 0 {
		return Item{SkippedCount: skipped}
	}
	correction := int(occWord &^ 0x8000)
	suffix := make([]byte, suffixLen)
	copy(suffix, buf[HeaderSize:HeaderSize+suffixLen])
	address := binary.LittleEndian.Uint32(buf[HeaderSize+suffixLen : HeaderSize+suffixLen+AddressSize])
	return Item{
		SkippedCount: skipped,
		Entry: &Entry{
			KeyCorrection: correction,
			KeySuffix:     suffix,
			Address:       address,
		},
	}
}

// Encode writes it into buf, which must be Size(suffixLen) bytes long.
func Encode(buf []byte, it Item, suffixLen int) {
	buf[2] = it.SkippedCount
	if it.Entry == nil {
		binary.LittleEndian.PutUint16(buf[0:2], 0)
		for i := HeaderSize; i < len(buf); i++ {
			buf[i] = 0
		}
		return
	}
	if it.Entry.KeyCorrection < 0 || it.Entry.KeyCorrection > MaxCorrection {
		panic("subdb: key_correction out of range")
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(it.Entry.KeyCorrection)|0x8000)
	copy(buf[HeaderSize:HeaderSize+suffixLen], it.Entry.KeySuffix)
	binary.LittleEndian.PutUint32(buf[HeaderSize+suffixLen:HeaderSize+suffixLen+AddressSize], it.Entry.Address)
}
