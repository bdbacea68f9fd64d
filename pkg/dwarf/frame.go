package dwarf

import (
	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/dwarf/frame"
	"github.com/undoio/dwarfscope/pkg/expr"
)

var errNoFrameSection = errors.New("dwarf: could not get .debug_frame or .eh_frame section")

// frameTable opens the call frame information, preferring .debug_frame over
// .eh_frame. Without either section there is no way to compute a CFA.
func (d *Info) frameTable() (*frame.Table, error) {
	if d.frame != nil || d.frameErr != nil {
		return d.frame, d.frameErr
	}
	im := d.Image
	switch {
	case im.HasSection(".debug_frame"):
		data, err := im.Section(".debug_frame")
		if err != nil {
			d.frameErr = errors.Wrap(err, "dwarf: could not get .debug_frame section")
			break
		}
		d.frame = frame.New(data, d.order, d.ptrSize, false, 0)
	case im.HasSection(".eh_frame"):
		data, err := im.Section(".eh_frame")
		if err != nil {
			d.frameErr = errors.Wrap(err, "dwarf: could not get .eh_frame section")
			break
		}
		addr, _ := im.SectionAddr(".eh_frame")
		d.frame = frame.New(data, d.order, d.ptrSize, true, addr)
	default:
		d.frameErr = errNoFrameSection
	}
	return d.frame, d.frameErr
}

// FDE returns the frame description entry covering addr.
func (d *Info) FDE(addr uint64) (*frame.FrameDescriptionEntry, error) {
	t, err := d.frameTable()
	if err != nil {
		return nil, err
	}
	return t.FDEForPC(addr)
}

// CFR returns the call frame row in effect at addr.
func (d *Info) CFR(addr uint64) (*frame.Row, error) {
	fde, err := d.FDE(addr)
	if err != nil {
		return nil, err
	}
	return fde.RowForPC(addr)
}

// CFA returns the expression computing the canonical frame address at addr:
// a register plus an offset, or the graph of a DW_CFA_def_cfa_expression.
func (d *Info) CFA(addr uint64) (expr.Node, error) {
	row, err := d.CFR(addr)
	if err != nil {
		return nil, err
	}
	return d.CFAOf(row)
}

// CFAOf returns the CFA expression of row.
func (d *Info) CFAOf(row *frame.Row) (expr.Node, error) {
	switch row.CFA.Kind {
	case frame.RuleCFA:
		return expr.Plus(&expr.Register{Num: int(row.CFA.Reg)}, expr.Const(row.CFA.Offset)), nil
	case frame.RuleExpression:
		e, err := expr.Build(row.CFA.Expr, expr.Options{AddressSize: d.ptrSize, ByteOrder: d.order})
		if err != nil {
			return nil, err
		}
		return e.Root, nil
	}
	return nil, errors.Errorf("dwarf: no CFA rule at %#x", row.Loc)
}
