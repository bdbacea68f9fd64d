package dwarf_test

import (
	"bytes"
	"testing"

	"github.com/undoio/dwarfscope/pkg/dwarf"
)

func TestReadString(t *testing.T) {
	bstr := bytes.NewBuffer([]byte{'h', 'i', 0x0, 0xFF, 0xCC})
	str, _ := dwarf.ReadString(bstr)

	if str != "hi" {
		t.Fatalf("String was not parsed correctly %#v", str)
	}
	if bstr.Len() != 2 {
		t.Fatalf("String terminator was not consumed, %d bytes left", bstr.Len())
	}
}

func TestReadStringUnterminated(t *testing.T) {
	if _, err := dwarf.ReadString(bytes.NewBuffer([]byte{'h', 'i'})); err == nil {
		t.Fatal("expected an error for an unterminated string")
	}
}
