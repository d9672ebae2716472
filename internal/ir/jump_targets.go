package ir

import (
	"golang.org/x/exp/slices"

	"github.com/tangzhangming/zjit/internal/bytecode"
)

// ComputeJumpTargets 扫描一遍字节码，返回所有基本块起点（不含入口 0）
//
// 跳转目标以下一条指令为偏移基准；leave 之后仍在 iseq 内的指令
// 只能经由跳转到达，也算作起点。结果升序且去重。
func ComputeJumpTargets(is Iseq) []int {
	var targets []int
	size := is.EncodedSize()
	for idx := 0; idx < size; {
		op := is.OpcodeAt(idx)
		next := idx + bytecode.InsnLen(op)
		switch op {
		case bytecode.OpJump, bytecode.OpBranchif, bytecode.OpBranchunless, bytecode.OpBranchnil:
			targets = append(targets, next+int(is.ArgAt(idx, 0).AsInt()))
		case bytecode.OpLeave:
			if next < size {
				targets = append(targets, next)
			}
		}
		idx = next
	}
	slices.Sort(targets)
	return slices.Compact(targets)
}
