package frame

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/intervalmap"
)

// RuleKind is the kind of a register or CFA rule.
type RuleKind uint8

const (
	RuleUndefined RuleKind = iota
	RuleSameVal
	RuleOffset
	RuleValOffset
	RuleRegister
	RuleExpression
	RuleValExpression
	// RuleCFA is the register+offset CFA rule.
	RuleCFA
)

// Rule describes how to recover a register (or the CFA) in the caller's
// frame.
type Rule struct {
	Kind   RuleKind
	Reg    uint64
	Offset int64
	Expr   []byte
}

func (r Rule) String() string {
	switch r.Kind {
	case RuleUndefined:
		return "undefined"
	case RuleSameVal:
		return "same"
	case RuleOffset:
		return fmt.Sprintf("[cfa%+d]", r.Offset)
	case RuleValOffset:
		return fmt.Sprintf("cfa%+d", r.Offset)
	case RuleRegister:
		return fmt.Sprintf("reg%d", r.Reg)
	case RuleExpression:
		return fmt.Sprintf("[expr % x]", r.Expr)
	case RuleValExpression:
		return fmt.Sprintf("expr % x", r.Expr)
	case RuleCFA:
		return fmt.Sprintf("reg%d%+d", r.Reg, r.Offset)
	}
	return "?"
}

// Row is a line of the call frame table: the rules that hold from Loc up
// to the next row.
type Row struct {
	Loc  uint64
	CFA  Rule
	Regs map[uint64]Rule
}

func (r *Row) clone() *Row {
	c := &Row{Loc: r.Loc, CFA: r.CFA, Regs: make(map[uint64]Rule, len(r.Regs))}
	for k, v := range r.Regs {
		c.Regs[k] = v
	}
	return c
}

// Reg returns the rule for register reg, undefined when the table does not
// mention it.
func (r *Row) Reg(reg uint64) Rule {
	return r.Regs[reg]
}

func (r *Row) String() string {
	regs := make([]uint64, 0, len(r.Regs))
	for k := range r.Regs {
		regs = append(regs, k)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	var b bytes.Buffer
	fmt.Fprintf(&b, "%#x: cfa=%s", r.Loc, r.CFA)
	for _, reg := range regs {
		fmt.Fprintf(&b, " r%d=%s", reg, r.Regs[reg])
	}
	return b.String()
}

// Call frame instructions.
const (
	cfaNop                  = 0x00
	cfaSetLoc               = 0x01
	cfaAdvanceLoc1          = 0x02
	cfaAdvanceLoc2          = 0x03
	cfaAdvanceLoc4          = 0x04
	cfaOffsetExtended       = 0x05
	cfaRestoreExtended      = 0x06
	cfaUndefined            = 0x07
	cfaSameValue            = 0x08
	cfaRegister             = 0x09
	cfaRememberState        = 0x0a
	cfaRestoreState         = 0x0b
	cfaDefCFA               = 0x0c
	cfaDefCFARegister       = 0x0d
	cfaDefCFAOffset         = 0x0e
	cfaDefCFAExpression     = 0x0f
	cfaExpression           = 0x10
	cfaOffsetExtendedSF     = 0x11
	cfaDefCFASF             = 0x12
	cfaDefCFAOffsetSF       = 0x13
	cfaValOffset            = 0x14
	cfaValOffsetSF          = 0x15
	cfaValExpression        = 0x16
	cfaGNUArgsSize          = 0x2e
	cfaGNUNegOffsetExtended = 0x2f
	cfaAdvanceLoc           = 0x40
	cfaOffset               = 0x80
	cfaRestore              = 0xc0
	cfaHighMask             = 0xc0
	cfaLowMask              = 0x3f
)

type vm struct {
	fde     *FrameDescriptionEntry
	cie     *CommonInformationEntry
	row     *Row
	initial *Row
	stack   []*Row
	rows    *intervalmap.Map[*Row]
}

// Rows returns the call frame table of fde, computed on first use.
func (fde *FrameDescriptionEntry) Rows() (*intervalmap.Map[*Row], error) {
	if fde.rows != nil {
		return fde.rows, nil
	}
	ctx := &vm{
		fde:  fde,
		cie:  fde.CIE,
		row:  &Row{Loc: fde.Begin, Regs: make(map[uint64]Rule)},
		rows: &intervalmap.Map[*Row]{},
	}
	if err := ctx.execute(fde.CIE.InitialInstructions, "CIE instructions", fde.CIE.Offset); err != nil {
		return nil, err
	}
	ctx.initial = ctx.row.clone()
	if err := ctx.execute(fde.Instructions, "FDE instructions", fde.Offset); err != nil {
		return nil, err
	}
	ctx.emit(fde.End)
	fde.rows = ctx.rows
	return fde.rows, nil
}

// RowForPC returns the call frame row covering pc.
func (fde *FrameDescriptionEntry) RowForPC(pc uint64) (*Row, error) {
	rows, err := fde.Rows()
	if err != nil {
		return nil, err
	}
	row, ok := rows.Get(pc)
	if !ok {
		return nil, errs.NotFound("call frame row", fmt.Sprintf("%#x", pc))
	}
	return row, nil
}

// emit closes the current row at end and starts a new one there.
func (ctx *vm) emit(end uint64) {
	if end > ctx.row.Loc {
		ctx.rows.Set(ctx.row.Loc, end, ctx.row)
	}
	ctx.row = ctx.row.clone()
	ctx.row.Loc = end
}

func (ctx *vm) advance(delta uint64) {
	ctx.emit(ctx.row.Loc + delta*ctx.cie.CodeAlignmentFactor)
}

func (ctx *vm) restore(reg uint64) {
	if ctx.initial == nil {
		delete(ctx.row.Regs, reg)
		return
	}
	if r, ok := ctx.initial.Regs[reg]; ok {
		ctx.row.Regs[reg] = r
	} else {
		delete(ctx.row.Regs, reg)
	}
}

func (ctx *vm) execute(code []byte, what string, off uint64) error {
	r := newReader(code, ctx.fde.order, what, off)
	daf := ctx.cie.DataAlignmentFactor
	for r.remaining() > 0 {
		b := r.u8()
		switch b & cfaHighMask {
		case cfaAdvanceLoc:
			ctx.advance(uint64(b & cfaLowMask))
			continue
		case cfaOffset:
			off := r.uleb()
			if r.err == nil {
				ctx.row.Regs[uint64(b&cfaLowMask)] = Rule{Kind: RuleOffset, Offset: int64(off) * daf}
			}
			continue
		case cfaRestore:
			ctx.restore(uint64(b & cfaLowMask))
			continue
		}

		switch b {
		case cfaNop:
		case cfaSetLoc:
			loc := r.fixed(ctx.cie.AddressSize)
			if r.err == nil {
				ctx.emit(loc)
			}
		case cfaAdvanceLoc1:
			d := r.fixed(1)
			if r.err == nil {
				ctx.advance(d)
			}
		case cfaAdvanceLoc2:
			d := r.fixed(2)
			if r.err == nil {
				ctx.advance(d)
			}
		case cfaAdvanceLoc4:
			d := r.fixed(4)
			if r.err == nil {
				ctx.advance(d)
			}
		case cfaOffsetExtended:
			reg, off := r.uleb(), r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleOffset, Offset: int64(off) * daf})
		case cfaOffsetExtendedSF:
			reg, off := r.uleb(), r.sleb()
			ctx.setReg(r, reg, Rule{Kind: RuleOffset, Offset: off * daf})
		case cfaGNUNegOffsetExtended:
			reg, off := r.uleb(), r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleOffset, Offset: -int64(off) * daf})
		case cfaValOffset:
			reg, off := r.uleb(), r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleValOffset, Offset: int64(off) * daf})
		case cfaValOffsetSF:
			reg, off := r.uleb(), r.sleb()
			ctx.setReg(r, reg, Rule{Kind: RuleValOffset, Offset: off * daf})
		case cfaRestoreExtended:
			reg := r.uleb()
			if r.err == nil {
				ctx.restore(reg)
			}
		case cfaUndefined:
			ctx.setReg(r, r.uleb(), Rule{Kind: RuleUndefined})
		case cfaSameValue:
			ctx.setReg(r, r.uleb(), Rule{Kind: RuleSameVal})
		case cfaRegister:
			reg, reg2 := r.uleb(), r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleRegister, Reg: reg2})
		case cfaRememberState:
			ctx.stack = append(ctx.stack, ctx.row.clone())
		case cfaRestoreState:
			if len(ctx.stack) == 0 {
				return errors.Errorf("frame: restore_state with empty stack in %s", ctx.fde)
			}
			saved := ctx.stack[len(ctx.stack)-1]
			ctx.stack = ctx.stack[:len(ctx.stack)-1]
			loc := ctx.row.Loc
			ctx.row = saved
			ctx.row.Loc = loc
		case cfaDefCFA:
			reg, off := r.uleb(), r.uleb()
			ctx.setCFA(r, Rule{Kind: RuleCFA, Reg: reg, Offset: int64(off)})
		case cfaDefCFASF:
			reg, off := r.uleb(), r.sleb()
			ctx.setCFA(r, Rule{Kind: RuleCFA, Reg: reg, Offset: off * daf})
		case cfaDefCFARegister:
			reg := r.uleb()
			ctx.setCFA(r, Rule{Kind: RuleCFA, Reg: reg, Offset: ctx.row.CFA.Offset})
		case cfaDefCFAOffset:
			off := r.uleb()
			ctx.setCFA(r, Rule{Kind: RuleCFA, Reg: ctx.row.CFA.Reg, Offset: int64(off)})
		case cfaDefCFAOffsetSF:
			off := r.sleb()
			ctx.setCFA(r, Rule{Kind: RuleCFA, Reg: ctx.row.CFA.Reg, Offset: off * daf})
		case cfaDefCFAExpression:
			ctx.setCFA(r, Rule{Kind: RuleExpression, Expr: r.block()})
		case cfaExpression:
			reg := r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleExpression, Expr: r.block()})
		case cfaValExpression:
			reg := r.uleb()
			ctx.setReg(r, reg, Rule{Kind: RuleValExpression, Expr: r.block()})
		case cfaGNUArgsSize:
			r.uleb()
		default:
			return errs.NotImplemented("call frame instruction %#x", b)
		}
	}
	return r.err
}

func (ctx *vm) setReg(r *reader, reg uint64, rule Rule) {
	if r.err == nil {
		ctx.row.Regs[reg] = rule
	}
}

func (ctx *vm) setCFA(r *reader, rule Rule) {
	if r.err == nil {
		ctx.row.CFA = rule
	}
}
