package contentaddress

import (
	"testing"

	"github.com/rpcpool/subdb/datumsize"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	a := ContentAddress{DatumSize: datumsize.DatumSize(0), ContentTable: 1, EntryIndex: 2}
	if cap := a.DatumSize.Capacity(); cap != 65536 {
		t.Fatalf("capacity(0) = %d, want 65536", cap)
	}
	code := a.Encode()
	if want := uint32(65538 * 64); code != want {
		t.Errorf("Encode() = %d, want %d", code, want)
	}
	back := Decode(code)
	if back != a {
		t.Errorf("Decode(Encode(a)) = %+v, want %+v", back, a)
	}
}

func TestEncodeDecodeOversize(t *testing.T) {
	a := ContentAddress{DatumSize: datumsize.Oversize, ContentTable: 7, EntryIndex: 0}
	code := a.Encode()
	back := Decode(code)
	if back != a {
		t.Errorf("Decode(Encode(oversize)) = %+v, want %+v", back, a)
	}
}

func TestEncodeDecodeManyClasses(t *testing.T) {
	for c := datumsize.DatumSize(0); c <= datumsize.Oversize; c++ {
		for _, table := range []int{0, 1, 5} {
			for _, slot := range []int{0, 1, 3} {
				// An entry index is always below the class's capacity
				// (Oversize tables hold exactly one slot).
				a := ContentAddress{DatumSize: c, ContentTable: table, EntryIndex: slot % c.Capacity()}
				if back := Decode(a.Encode()); back != a {
					t.Fatalf("round trip failed for %+v: got %+v", a, back)
				}
			}
		}
	}
}
