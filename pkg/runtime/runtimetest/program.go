// Package runtimetest provides an in-memory target and a small program with
// debug information for tests of the runtime session and its clients.
package runtimetest

import (
	godwarf "debug/dwarf"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/dwarf"
	b "github.com/undoio/dwarfscope/pkg/dwarf/dwarfbuilder"
	"github.com/undoio/dwarfscope/pkg/elfimage"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// The program is compiled from
//
//	10 int f(struct point *p) {
//	11     int x = 41;
//	12     x = x + 1;
//	13     return x;
//	14 }
//	...
//	20 int main(void) {
//	21     f(&pt);
//	22     counter++;
//	23 }
const (
	File = "/work/src/main.c"

	FuncF    = 0x1000
	FuncFEnd = 0x1040
	FuncMain = 0x1040
	MainEnd  = 0x1080

	// ReturnLine is the line after the assignment of x in f.
	ReturnLine = 13
	ReturnPC   = 0x1014
	AssignPC   = 0x100c
	EpiloguePC = 0x101c
	CallPC     = 0x1048
	AfterCall  = 0x1050
	CounterPC  = 0x1050
	MainEndPC  = 0x1060

	CounterAddr = 0x4000
	OriginAddr  = 0x4010
	TableAddr   = 0x4020
	ListAddr    = 0x5000

	// Register and stack layout at ReturnPC.
	FrameRBP = 0x7ff0
	FrameCFA = 0x8000
	XAddr    = FrameCFA - 20
	PAddr    = FrameCFA - 32
	MainRBP  = 0x8040
	MainCFA  = 0x8050
	PtAddr   = MainCFA - 24
	LAddr    = MainCFA - 32
)

// x86-64 frame instructions of a function starting with
// "push %rbp; mov %rsp,%rbp".
var prologueCFI = []byte{
	0x41,       // advance_loc 1
	0x0e, 0x10, // def_cfa_offset 16
	0x86, 0x02, // offset rbp at cfa-16
	0x43,       // advance_loc 3
	0x0d, 0x06, // def_cfa_register rbp
}

func attrs(list []b.Attr, more ...b.Attr) []b.Attr {
	return append(append([]b.Attr(nil), list...), more...)
}

// Program builds the image of the program and returns its symbol cache.
func Program(t testing.TB) *symbols.Cache {
	t.Helper()
	bld := b.New()
	u := bld.AddUnit("src/main.c", "/work", FuncF, MainEnd)
	u.Lines = []b.LineRow{
		{Addr: FuncF, Line: 10},
		{Addr: 0x1004, Line: 11, PrologueEnd: true},
		{Addr: AssignPC, Line: 12},
		{Addr: ReturnPC, Line: ReturnLine},
		{Addr: EpiloguePC, Line: 14, EpilogueBegin: true},
		{Addr: FuncMain, Line: 20},
		{Addr: CallPC, Line: 21, PrologueEnd: true},
		{Addr: CounterPC, Line: 22},
		{Addr: MainEndPC, Line: 23, EpilogueBegin: true},
	}
	root := u.Root()

	intT := root.Add(godwarf.TagBaseType, b.Name("int"), b.ByteSize(4), b.Encoding(5))
	point := root.Add(godwarf.TagStructType, b.Name("point"), b.ByteSize(8))
	point.Add(godwarf.TagMember, b.Name("x"), b.Type(intT), b.MemberOffset(0))
	point.Add(godwarf.TagMember, b.Name("y"), b.Type(intT), b.MemberOffset(4))
	pointP := root.Add(godwarf.TagPointerType, b.Type(point), b.ByteSize(8))
	root.Add(godwarf.TagTypedef, b.Name("point_t"), b.Type(point))
	node := root.Add(godwarf.TagStructType, b.Name("node"), b.ByteSize(16))
	nodeP := root.Add(godwarf.TagPointerType, b.Type(node), b.ByteSize(8))
	node.Add(godwarf.TagMember, b.Name("v"), b.Type(intT), b.MemberOffset(0))
	node.Add(godwarf.TagMember, b.Name("next"), b.Type(nodeP), b.MemberOffset(8))
	arr := root.Add(godwarf.TagArrayType, b.Type(intT))
	arr.Add(godwarf.TagSubrangeType, b.UpperBound(3))

	f := root.Add(godwarf.TagSubprogram, attrs(b.LowHigh(FuncF, FuncFEnd),
		b.Name("f"), b.External(), b.DeclFile(1), b.DeclLine(10), b.Type(intT), b.FrameBase(0x9c))...)
	f.Add(godwarf.TagFormalParameter, b.Name("p"), b.Type(pointP), b.Location(0x91, 0x60))
	f.Add(godwarf.TagVariable, b.Name("x"), b.Type(intT), b.Location(0x91, 0x6c))

	mainFn := root.Add(godwarf.TagSubprogram, attrs(b.LowHigh(FuncMain, MainEnd),
		b.Name("main"), b.External(), b.DeclFile(1), b.DeclLine(20), b.Type(intT), b.FrameBase(0x9c))...)
	mainFn.Add(godwarf.TagVariable, b.Name("pt"), b.Type(point), b.Location(0x91, 0x68))
	mainFn.Add(godwarf.TagVariable, b.Name("list"), b.Type(nodeP), b.Location(0x91, 0x60))

	counter := root.Add(godwarf.TagVariable, b.Name("counter"), b.Type(intT), b.External(),
		b.Location(addrOp(CounterAddr)...))
	origin := root.Add(godwarf.TagVariable, b.Name("origin"), b.Type(point), b.External(),
		b.Location(addrOp(OriginAddr)...))
	table := root.Add(godwarf.TagVariable, b.Name("table"), b.Type(arr), b.External(),
		b.Location(addrOp(TableAddr)...))

	bld.AddPubname(f, "f")
	bld.AddPubname(mainFn, "main")
	bld.AddPubname(counter, "counter")
	bld.AddPubname(origin, "origin")
	bld.AddPubname(table, "table")
	bld.AddPubtype(point, "point")
	bld.AddPubtype(node, "node")
	bld.AddSymbol(b.Symbol{Name: "f", Value: FuncF, Size: FuncFEnd - FuncF, Type: elf.STT_FUNC})
	bld.AddSymbol(b.Symbol{Name: "main", Value: FuncMain, Size: MainEnd - FuncMain, Type: elf.STT_FUNC})
	bld.AddFDE(FuncF, FuncFEnd, prologueCFI...)
	bld.AddFDE(FuncMain, MainEnd, prologueCFI...)

	im, err := elfimage.New("prog", bld.Build())
	require.NoError(t, err)
	info, err := dwarf.Load(im)
	require.NoError(t, err)
	return symbols.New(info)
}

func addrOp(addr uint64) []byte {
	code := []byte{0x03}
	for i := 0; i < 8; i++ {
		code = append(code, byte(addr>>(8*i)))
	}
	return code
}
