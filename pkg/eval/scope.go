package eval

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/undoio/dwarfscope/pkg/arch"
	"github.com/undoio/dwarfscope/pkg/errs"
	"github.com/undoio/dwarfscope/pkg/expr"
	"github.com/undoio/dwarfscope/pkg/memory"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// Session is the live state values are read through. Version changes every
// time the target resumes.
type Session interface {
	expr.Context
	Version() uint64
	Symbols() *symbols.Cache
}

// Scope is a Session over a fixed register set and memory, for example a
// stopped thread or a saved frame. Contains the current location (PC), the
// register values and the memory to read from.
type Scope struct {
	PC   uint64
	Regs map[int]uint64
	Mem  memory.ReadWriter

	cache   *symbols.Cache
	arch    *arch.Arch
	tls     uint64 // thread local storage
	objects []uint64
	version uint64
}

// NewScope returns a scope stopped at pc. Regs is indexed by DWARF register
// number and must hold the PC register.
func NewScope(pc uint64, regs map[int]uint64, mem memory.ReadWriter, cache *symbols.Cache, a *arch.Arch, tls uint64) *Scope {
	return &Scope{
		PC:    pc,
		Regs:  regs,
		Mem:   mem,
		cache: cache,
		arch:  a,
		tls:   tls,
	}
}

// Advance moves the scope to the next version, as a resume of the target
// would.
func (s *Scope) Advance() {
	s.version++
}

func (s *Scope) Version() uint64 { return s.version }

func (s *Scope) Symbols() *symbols.Cache { return s.cache }

func (s *Scope) Register(num int) (uint64, error) {
	if v, ok := s.Regs[num]; ok {
		return v, nil
	}
	name, err := s.arch.RegisterName(num)
	if err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("register %s not available", name)
}

func (s *Scope) ReadMemory(addr uint64, size int) ([]byte, error) {
	return s.Mem.Read(addr, size)
}

func (s *Scope) AddressSize() int { return s.arch.PtrSize }

func (s *Scope) ByteOrder() binary.ByteOrder { return s.arch.ByteOrder }

func (s *Scope) FrameBase() (uint64, error) {
	return FrameBaseAt(s, s.cache, s.PC)
}

func (s *Scope) CFA() (uint64, error) {
	return CFAAt(s, s.cache, s.PC)
}

func (s *Scope) TLSAddress(offset uint64) (uint64, error) {
	if s.tls == 0 {
		return 0, errs.NotImplemented("thread local storage without a TLS base")
	}
	return s.tls + offset, nil
}

func (s *Scope) ObjectAddress() (uint64, error) {
	if len(s.objects) == 0 {
		return 0, errors.New("no current object")
	}
	return s.objects[len(s.objects)-1], nil
}

func (s *Scope) PushObject(addr uint64) { s.objects = append(s.objects, addr) }

func (s *Scope) PopObject() { s.objects = s.objects[:len(s.objects)-1] }

// FrameBaseAt evaluates the frame base of the subprogram covering pc.
func FrameBaseAt(ctx expr.Context, cache *symbols.Cache, pc uint64) (uint64, error) {
	sub, err := cache.Subprogram(pc)
	if err != nil {
		return 0, err
	}
	fb, err := sub.FrameBase()
	if err != nil {
		return 0, err
	}
	v, err := expr.Eval(fb.Root, ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "frame base of %s", sub)
	}
	return v, nil
}

// CFAAt evaluates the canonical frame address at pc.
func CFAAt(ctx expr.Context, cache *symbols.Cache, pc uint64) (uint64, error) {
	n, err := cache.Info.CFA(pc)
	if err != nil {
		return 0, err
	}
	return expr.Eval(n, ctx)
}
