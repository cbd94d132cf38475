// Package contentaddress packs a (size class, table index, slot index)
// triple into the 32-bit value stored inside an IndexEntry.
package contentaddress

import "github.com/rpcpool/subdb/datumsize"

// ContentAddress locates one stored blob: which size class's tables it
// lives in, which table instance of that class, and which slot within it.
type ContentAddress struct {
	DatumSize    datumsize.DatumSize
	ContentTable int
	EntryIndex   int
}

// Encode packs the address into 32 bits: class in the low 6 bits, then
// linear = entry_index + capacity(class)*content_table shifted up by 6.
func (a ContentAddress) Encode() uint32 {
	capacity := a.DatumSize.Capacity()
	linear := a.EntryIndex + capacity*a.ContentTable
	return uint32(a.DatumSize.Byte()) | uint32(linear)<<6
}

// Decode unpacks a 32-bit code into a ContentAddress.
func Decode(code uint32) ContentAddress {
	class := datumsize.FromByte(uint8(code & 0x3F))
	linear := int(code >> 6)
	capacity := class.Capacity()
	return ContentAddress{
		DatumSize:    class,
		ContentTable: linear / capacity,
		EntryIndex:   linear % capacity,
	}
}
