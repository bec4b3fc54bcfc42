package ir

import (
	"fmt"
	"strings"
)

// String renders f in a stable textual form.
func (f *Func) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "func %s(", f.Name)
	for i, p := range f.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(")\n")
	for _, b := range f.Blocks {
		sb.WriteString(b.LongString())
	}
	return sb.String()
}

// LongString renders b with its values and terminator.
func (b *Block) LongString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:", b)
	if len(b.Preds) > 0 {
		sb.WriteString(" <-")
		for _, p := range b.Preds {
			fmt.Fprintf(&sb, " %s", p)
		}
	}
	sb.WriteByte('\n')
	for _, v := range b.Values {
		fmt.Fprintf(&sb, "    %s\n", v.LongString())
	}
	switch b.Kind {
	case BlockPlain:
		if len(b.Succs) == 0 {
			sb.WriteString("    Plain -> ?\n")
			break
		}
		fmt.Fprintf(&sb, "    Plain -> %s\n", b.Succs[0])
	case BlockIf:
		if len(b.Succs) != 2 {
			sb.WriteString("    If ?\n")
			break
		}
		fmt.Fprintf(&sb, "    If %s -> %s %s\n", b.Control, b.Succs[0], b.Succs[1])
	case BlockReturn:
		if b.Control != nil {
			fmt.Fprintf(&sb, "    Return %s\n", b.Control)
		} else {
			sb.WriteString("    Return\n")
		}
	case BlockExit:
		sb.WriteString("    Exit\n")
	default:
		sb.WriteString("    <no terminator>\n")
	}
	return sb.String()
}
