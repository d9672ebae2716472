package ir

import (
	"fmt"
	"strings"
)

// FunctionPrinter 以文本形式打印函数
type FunctionPrinter struct {
	Fun       *Function
	Snapshots bool // 是否打印 Snapshot 指令
}

// NewFunctionPrinter 创建打印器，默认不打印快照
func NewFunctionPrinter(fn *Function) FunctionPrinter {
	return FunctionPrinter{Fun: fn}
}

// WithSnapshots 打印快照
func (p FunctionPrinter) WithSnapshots() FunctionPrinter {
	p.Snapshots = true
	return p
}

func (p FunctionPrinter) String() string {
	fn := p.Fun
	var sb strings.Builder
	name := "<unknown>"
	if fn.Iseq != nil {
		name = fn.Iseq.Label()
	}
	fmt.Fprintf(&sb, "fn %s:\n", name)
	for i, b := range fn.Blocks {
		params := make([]string, len(b.Params))
		for n, id := range b.Params {
			params[n] = id.String()
		}
		fmt.Fprintf(&sb, "%s(%s):\n", BlockId(i), strings.Join(params, ", "))
		for _, id := range b.Insns {
			insn := fn.Insns[id]
			if _, ok := insn.(*Snapshot); ok && !p.Snapshots {
				continue
			}
			fmt.Fprintf(&sb, "  %s = %s\n", id, FormatInsn(insn))
		}
	}
	return sb.String()
}

// FormatInsn 返回单条指令的文本
func FormatInsn(insn Insn) string {
	m := insn.Mnemonic()
	switch i := insn.(type) {
	case *Param:
		return fmt.Sprintf("%s %d", m, i.Idx)
	case *Snapshot:
		return fmt.Sprintf("%s %s", m, i.State)
	case *StringCopy:
		return fmt.Sprintf("%s %s", m, i.Val)
	case *StringIntern:
		return fmt.Sprintf("%s %s", m, i.Val)
	case *NewArray:
		return fmt.Sprintf("%s %d", m, i.Count)
	case *ArraySet:
		return fmt.Sprintf("%s %s, %d, %s", m, i.Array, i.Idx, i.Val)
	case *Test:
		return fmt.Sprintf("%s %s", m, i.Val)
	case *Defined:
		return fmt.Sprintf("%s %d, %s", m, i.OpType, i.V)
	case *GetConstantPath:
		return fmt.Sprintf("%s %s", m, i.IC.Path())
	case *Jump:
		return fmt.Sprintf("%s %s", m, i.Edge)
	case *IfTrue:
		return fmt.Sprintf("%s %s, %s", m, i.Val, i.Target)
	case *IfFalse:
		return fmt.Sprintf("%s %s, %s", m, i.Val, i.Target)
	case *CCall:
		return fmt.Sprintf("%s %s(%s)", m, i.Name, joinOpnds(i.Args))
	case *Send:
		parts := []string{i.Self.String(), ":" + i.Call.Name}
		for _, a := range i.Args {
			parts = append(parts, a.String())
		}
		return fmt.Sprintf("%s %s", m, strings.Join(parts, ", "))
	case *Return:
		return fmt.Sprintf("%s %s", m, i.Val)
	}
	return m
}
