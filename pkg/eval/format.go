package eval

import (
	"fmt"
	"math"
	"strings"

	"github.com/undoio/dwarfscope/pkg/symbols"
)

const (
	maxArrayElems = 64
	maxDepth      = 3
)

// Render formats the contents of v the way a C debugger prints them.
func (v *Value) Render() (string, error) {
	var sb strings.Builder
	if err := v.render(&sb, 0); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (v *Value) render(sb *strings.Builder, depth int) error {
	t := v.Type.Strip()
	switch t.Code {
	case symbols.CodeStruct, symbols.CodeUnion:
		if depth >= maxDepth {
			sb.WriteString("{...}")
			return nil
		}
		sb.WriteByte('{')
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%s: ", f.Name)
			fv, err := v.Field(f.Name)
			if err != nil {
				fmt.Fprintf(sb, "<%v>", err)
				continue
			}
			if err := fv.render(sb, depth+1); err != nil {
				fmt.Fprintf(sb, "<%v>", err)
			}
		}
		sb.WriteByte('}')
		return nil
	case symbols.CodeArray:
		if depth >= maxDepth {
			sb.WriteString("[...]")
			return nil
		}
		n := t.Count
		if n > maxArrayElems {
			n = maxArrayElems
		}
		sb.WriteByte('[')
		for i := int64(0); i < n; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			ev, err := v.Index(i)
			if err != nil {
				return err
			}
			if err := ev.render(sb, depth+1); err != nil {
				return err
			}
		}
		if n < t.Count {
			sb.WriteString(", ...")
		}
		sb.WriteByte(']')
		return nil
	case symbols.CodePointer, symbols.CodeReference:
		p, err := v.Fetch(0)
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "(%s) %#x", v.Type, p)
		return nil
	case symbols.CodeBool:
		u, err := v.Fetch(0)
		if err != nil {
			return err
		}
		fmt.Fprint(sb, u != 0)
		return nil
	case symbols.CodeFloat:
		size, err := v.Size()
		if err != nil {
			return err
		}
		u, err := v.Fetch(size)
		if err != nil {
			return err
		}
		if size == 4 {
			fmt.Fprint(sb, math.Float32frombits(uint32(u)))
		} else {
			fmt.Fprint(sb, math.Float64frombits(u))
		}
		return nil
	case symbols.CodeEnum:
		n, err := v.Int()
		if err != nil {
			return err
		}
		for _, e := range t.Enumerators {
			if e.Value == n {
				sb.WriteString(e.Name)
				return nil
			}
		}
		fmt.Fprintf(sb, "%d", n)
		return nil
	case symbols.CodeChar:
		n, err := v.Int()
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "%d %q", n, rune(byte(n)))
		return nil
	case symbols.CodeUint:
		u, err := v.Fetch(0)
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "%d", u)
		return nil
	case symbols.CodeInt:
		n, err := v.Int()
		if err != nil {
			return err
		}
		fmt.Fprintf(sb, "%d", n)
		return nil
	}
	return fmt.Errorf("cannot print %s of type %s", v.Name, v.Type)
}
