package script

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"

	"github.com/undoio/dwarfscope/pkg/eval"
	"github.com/undoio/dwarfscope/pkg/runtime"
	"github.com/undoio/dwarfscope/pkg/symbols"
)

// hitContext is the argument passed to a handler for one breakpoint hit.
type hitContext struct {
	rt *runtime.Runtime
	bp *runtime.Breakpoint
}

var _ starlark.HasAttrs = (*hitContext)(nil)

func (c *hitContext) String() string        { return fmt.Sprintf("<hit %s>", c.bp) }
func (c *hitContext) Type() string          { return "hit" }
func (c *hitContext) Freeze()               {}
func (c *hitContext) Truth() starlark.Bool  { return starlark.True }
func (c *hitContext) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: hit") }

type builtinFn func(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error)

var hitMethods = map[string]builtinFn{
	"get":    hitGet,
	"field":  hitField,
	"locals": hitLocals,
	"pc":     hitPC,
	"line":   hitLine,
	"stop":   hitStop,
}

func (c *hitContext) Attr(name string) (starlark.Value, error) {
	fn, ok := hitMethods[name]
	if !ok {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return fn(c, b, args, kwargs)
	}), nil
}

func (c *hitContext) AttrNames() []string {
	names := make([]string, 0, len(hitMethods))
	for name := range hitMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hitGet(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	v, err := c.rt.Lookup(name)
	if err != nil {
		return nil, err
	}
	return toStarlark(v)
}

// hitField reads the member of name reached by the dotted path. Numeric
// components index arrays and pointers.
func hitField(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, path string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &name, &path); err != nil {
		return nil, err
	}
	v, err := c.rt.Lookup(name)
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(path, ".") {
		if i, perr := strconv.ParseInt(part, 10, 64); perr == nil {
			v, err = v.Index(i)
		} else {
			v, err = v.Field(part)
		}
		if err != nil {
			return nil, err
		}
	}
	return toStarlark(v)
}

func hitLocals(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	names, err := c.rt.Names()
	if err != nil {
		return nil, err
	}
	l := make([]starlark.Value, len(names))
	for i, n := range names {
		l[i] = starlark.String(n)
	}
	return starlark.NewList(l), nil
}

func hitPC(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	pc, err := c.rt.PC()
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(pc), nil
}

func hitLine(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	loc, err := c.rt.Location()
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt(loc.Line), nil
}

func hitStop(c *hitContext, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	c.rt.Stop()
	return starlark.None, nil
}

// toStarlark reads v: scalars become numbers, everything else its rendered
// text.
func toStarlark(v *eval.Value) (starlark.Value, error) {
	switch v.Type.Strip().Code {
	case symbols.CodeInt, symbols.CodeChar, symbols.CodeEnum:
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return starlark.MakeInt64(n), nil
	case symbols.CodeUint, symbols.CodePointer, symbols.CodeReference:
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return starlark.MakeUint64(uint64(n)), nil
	case symbols.CodeBool:
		n, err := v.Int()
		if err != nil {
			return nil, err
		}
		return starlark.Bool(n != 0), nil
	case symbols.CodeFloat:
		s, err := v.Render()
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return starlark.String(s), nil
		}
		return starlark.Float(f), nil
	}
	s, err := v.Render()
	if err != nil {
		return nil, err
	}
	return starlark.String(s), nil
}
