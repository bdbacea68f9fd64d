package dwarf_test

import (
	godwarf "debug/dwarf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/dwarf"
	"github.com/undoio/dwarfscope/pkg/dwarf/dwarfbuilder"
	"github.com/undoio/dwarfscope/pkg/dwarf/frame"
	"github.com/undoio/dwarfscope/pkg/elfimage"
	"github.com/undoio/dwarfscope/pkg/errs"
)

type fixture struct {
	info  *dwarf.Info
	main  *dwarfbuilder.Unit
	util  *dwarfbuilder.Unit
	point *dwarfbuilder.Entry
	p     *dwarfbuilder.Entry
	sig   *dwarfbuilder.Entry
}

// standard x86-64 prologue: push %rbp; mov %rsp,%rbp
var prologue = []byte{0x41, 0x0e, 0x10, 0x86, 0x02, 0x43, 0x0d, 0x06}

func build(t *testing.T, mod func(b *dwarfbuilder.Builder)) *fixture {
	t.Helper()
	b := dwarfbuilder.New()
	fx := &fixture{}

	fx.main = b.AddUnit("main.c", "/src/prog", 0x1000, 0x1040)
	fx.main.Files = []string{"main.c", "/src/prog/include/defs.h"}
	fx.main.Lines = []dwarfbuilder.LineRow{
		{Addr: 0x1000, Line: 3},
		{Addr: 0x1004, Line: 4, PrologueEnd: true},
		{Addr: 0x1010, Line: 5},
		{Addr: 0x1018, Line: 6},
		{Addr: 0x1020, Line: 5},
		{Addr: 0x1024, File: 2, Line: 12},
		{Addr: 0x1028, File: 1, Line: 7, EpilogueBegin: true},
	}

	fx.util = b.AddUnit("lib/util.c", "/src/prog", 0x1040, 0x1080)
	fx.util.Lines = []dwarfbuilder.LineRow{{Addr: 0x1040, Line: 10}, {Addr: 0x1050, Line: 11}}
	intT := fx.util.Root().Add(godwarf.TagBaseType, dwarfbuilder.Name("int"), dwarfbuilder.ByteSize(4))
	fx.point = fx.util.Root().Add(godwarf.TagStructType, dwarfbuilder.Name("point"), dwarfbuilder.ByteSize(8))
	fx.point.Add(godwarf.TagMember, dwarfbuilder.Name("x"), dwarfbuilder.Type(intT))

	f := fx.main.Root().Add(godwarf.TagSubprogram, append([]dwarfbuilder.Attr{dwarfbuilder.Name("f")},
		dwarfbuilder.LowHigh(0x1000, 0x1030)...)...)
	fx.p = f.Add(godwarf.TagVariable, dwarfbuilder.Name("p"), dwarfbuilder.Type(fx.point))
	fx.sig = f.Add(godwarf.TagVariable, dwarfbuilder.Name("s"),
		dwarfbuilder.Attr{Attr: godwarf.AttrType, Form: dwarfbuilder.FormRefSig8, Value: uint64(0xdeadbeef)})
	b.AddPubname(f, "f")
	b.AddPubtype(fx.point, "point")

	b.AddFDE(0x1000, 0x1040, prologue...)
	b.AddFDE(0x1040, 0x1080)

	if mod != nil {
		mod(b)
	}
	im, err := elfimage.New("test", b.Build())
	require.NoError(t, err)
	fx.info, err = dwarf.Load(im)
	require.NoError(t, err)
	return fx
}

func TestUnits(t *testing.T) {
	fx := build(t, nil)

	n, err := fx.info.NumUnits()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	u, err := fx.info.UnitAt(1)
	require.NoError(t, err)
	assert.Equal(t, "/src/prog/lib/util.c", u.Path())
	assert.Equal(t, fx.util.Offset(), u.Offset)

	u2, err := fx.info.UnitAt(1)
	require.NoError(t, err)
	assert.Same(t, u, u2)

	_, err = fx.info.UnitAt(2)
	assert.True(t, errs.IsNotFound(err))

	u, err = fx.info.UnitByOffset(fx.p.Offset())
	require.NoError(t, err)
	assert.Equal(t, "main.c", u.Name)
}

func TestUnitByFile(t *testing.T) {
	fx := build(t, nil)

	u, err := fx.info.UnitByFile("util.c")
	require.NoError(t, err)
	assert.Equal(t, "lib/util.c", u.Name)

	u, err = fx.info.UnitByFile("/src/prog/main.c")
	require.NoError(t, err)
	assert.Equal(t, "main.c", u.Name)

	_, err = fx.info.UnitByFile("other.c")
	assert.True(t, errs.IsNotFound(err))
	assert.Contains(t, err.Error(), "other.c")

	_, err = fx.info.UnitByFile("prog")
	assert.True(t, errs.IsNotFound(err))

	_, err = fx.info.UnitByFile("")
	assert.True(t, errs.IsNotFound(err))
}

func TestUnitByFileAmbiguous(t *testing.T) {
	fx := build(t, func(b *dwarfbuilder.Builder) {
		b.AddUnit("test/main.c", "/src/prog", 0x2000, 0x2010)
	})
	_, err := fx.info.UnitByFile("main.c")
	assert.True(t, errs.IsAmbiguous(err), "%v", err)

	u, err := fx.info.UnitByFile("test/main.c")
	require.NoError(t, err)
	assert.Equal(t, 2, u.Index)

	u, err = fx.info.UnitByFile("/src/prog/main.c")
	require.NoError(t, err)
	assert.Equal(t, 0, u.Index)
}

func TestUnitByAddr(t *testing.T) {
	for _, noAranges := range []bool{false, true} {
		fx := build(t, func(b *dwarfbuilder.Builder) { b.NoAranges = noAranges })

		u, err := fx.info.Unit(0x1044)
		require.NoError(t, err)
		assert.Equal(t, "lib/util.c", u.Name)

		u, err = fx.info.Unit(0x1000)
		require.NoError(t, err)
		assert.Equal(t, "main.c", u.Name)

		_, err = fx.info.Unit(0x5000)
		assert.True(t, errs.IsNotFound(err))
	}
}

func TestLines(t *testing.T) {
	fx := build(t, nil)

	le, err := fx.info.LineForAddr(0x1012)
	require.NoError(t, err)
	assert.Equal(t, "/src/prog/main.c", le.File)
	assert.Equal(t, 5, le.Line)

	le, err = fx.info.LineForAddr(0x1004)
	require.NoError(t, err)
	assert.True(t, le.PrologueEnd)

	addrs, err := fx.info.AddrsForLine("main.c", 5)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1010, 0x1020}, addrs)

	addrs, err = fx.info.AddrsForLine("defs.h", 12)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1024}, addrs)

	_, err = fx.info.AddrsForLine("main.c", 40)
	assert.True(t, errs.IsNotFound(err))

	_, err = fx.info.AddrsForLine("nope.c", 1)
	assert.True(t, errs.IsNotFound(err))

	u, err := fx.info.UnitByFile("main.c")
	require.NoError(t, err)
	assert.Equal(t, "/src/prog/include/defs.h", u.FileName(2))
}

func TestRef(t *testing.T) {
	fx := build(t, nil)
	u, err := fx.info.UnitByFile("main.c")
	require.NoError(t, err)

	p, err := u.EntryAt(fx.p.Offset())
	require.NoError(t, err)
	tu, te, err := fx.info.Ref(u, p, godwarf.AttrType)
	require.NoError(t, err)
	assert.Equal(t, "lib/util.c", tu.Name)
	assert.Equal(t, "point", te.Val(godwarf.AttrName))

	s, err := u.EntryAt(fx.sig.Offset())
	require.NoError(t, err)
	_, _, err = fx.info.Ref(u, s, godwarf.AttrType)
	assert.True(t, errs.IsNotImplemented(err), "%v", err)

	_, _, err = fx.info.Ref(u, s, godwarf.AttrLocation)
	assert.True(t, errs.IsNotFound(err))
}

func TestChildren(t *testing.T) {
	fx := build(t, nil)
	u, err := fx.info.UnitByFile("util.c")
	require.NoError(t, err)
	children, err := u.Children()
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, godwarf.TagBaseType, children[0].Tag)
	assert.Equal(t, godwarf.TagStructType, children[1].Tag)

	members, err := u.ChildrenOf(children[1])
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "x", members[0].Val(godwarf.AttrName))
}

func TestPubnames(t *testing.T) {
	fx := build(t, nil)

	pn, err := fx.info.Pubnames("f")
	require.NoError(t, err)
	require.Len(t, pn, 1)
	assert.Equal(t, fx.main.Offset(), pn[0].Unit)

	pt, err := fx.info.Pubtypes("point")
	require.NoError(t, err)
	require.Len(t, pt, 1)
	assert.Equal(t, fx.point.Offset(), pt[0].Entry)

	pn, err = fx.info.Pubnames("g")
	require.NoError(t, err)
	assert.Empty(t, pn)

	names, err := fx.info.PubnameList()
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, names)
}

func TestCFA(t *testing.T) {
	fx := build(t, nil)

	for _, tc := range []struct {
		pc  uint64
		cfa string
	}{
		{0x1000, "(+ reg7 8)"},
		{0x1001, "(+ reg7 0x10)"},
		{0x1003, "(+ reg7 0x10)"},
		{0x1004, "(+ reg6 0x10)"},
		{0x103f, "(+ reg6 0x10)"},
		{0x1050, "(+ reg7 8)"},
	} {
		cfa, err := fx.info.CFA(tc.pc)
		require.NoError(t, err)
		assert.Equal(t, tc.cfa, cfa.String(), "%#x", tc.pc)
	}

	row, err := fx.info.CFR(0x1010)
	require.NoError(t, err)
	assert.Equal(t, frame.Rule{Kind: frame.RuleOffset, Offset: -16}, row.Reg(6))
	assert.Equal(t, frame.Rule{Kind: frame.RuleOffset, Offset: -8}, row.Reg(16))

	fde, err := fx.info.FDE(0x1040)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1080), fde.End)

	_, err = fx.info.FDE(0x9000)
	var nofde *frame.NoFDEForPCError
	assert.ErrorAs(t, err, &nofde)
	assert.True(t, errs.IsNotFound(err))
}

func TestNoFrameSection(t *testing.T) {
	fx := build(t, func(b *dwarfbuilder.Builder) { b.NoFrame = true })
	_, err := fx.info.CFA(0x1000)
	require.Error(t, err)
	assert.False(t, errs.IsNotFound(err))
	assert.Contains(t, err.Error(), ".debug_frame or .eh_frame")
}
