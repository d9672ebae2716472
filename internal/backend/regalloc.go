// regalloc.go - 寄存器分配
//
// 线性扫描（Linear Scan）：
// 1. 计算每个虚拟寄存器的活跃区间（从定义到最后一次使用）
// 2. 按指令顺序扫描，定义时从空闲池中取一个物理寄存器
// 3. 区间结束后寄存器归还空闲池
//
// 区间按指令的线性顺序计算，值不能跨越回边存活。
// 当前的代码生成只在块内使用虚拟寄存器，满足这一前提。
// 物理寄存器耗尽时不溢出到栈，而是返回 ErrRegistersExhausted，由调用者放弃编译。

package backend

import (
	"errors"
	"fmt"
)

// ErrRegistersExhausted 可分配寄存器不足
var ErrRegistersExhausted = errors.New("registers exhausted")

// allocatable 可分配给虚拟寄存器的物理寄存器
// rbx/r12/r13 保存解释器状态，rdi/rsi 是入参，r11 留作编码时的临时寄存器
var allocatable = []Reg{RAX, RCX, RDX, R8, R9, R10}

// scratch 编码阶段使用的临时寄存器
const scratch = R11

// LiveInterval 活跃区间
type LiveInterval struct {
	VReg  int // 虚拟寄存器编号
	Start int // 定义位置（指令下标）
	End   int // 最后一次使用位置
	Reg   Reg // 分配的物理寄存器
}

// liveIntervals 计算每个虚拟寄存器的活跃区间
func liveIntervals(insns []Insn, numVRegs int) []*LiveInterval {
	intervals := make([]*LiveInterval, numVRegs)
	for i, insn := range insns {
		if insn.Out.Kind == OpndVReg {
			intervals[insn.Out.VReg] = &LiveInterval{VReg: insn.Out.VReg, Start: i, End: i, Reg: -1}
		}
		for _, o := range insn.Opnds {
			if v, ok := o.vregUse(); ok && intervals[v] != nil && i > intervals[v].End {
				intervals[v].End = i
			}
		}
	}
	return intervals
}

// allocateRegisters 为所有虚拟寄存器分配物理寄存器
func allocateRegisters(insns []Insn, numVRegs int) ([]*LiveInterval, error) {
	intervals := liveIntervals(insns, numVRegs)
	free := append([]Reg(nil), allocatable...)
	var active []*LiveInterval

	for i, insn := range insns {
		if insn.Out.Kind != OpndVReg {
			continue
		}
		// 输入在本条指令仍然活跃，只回收严格早于本条指令结束的区间，
		// 保证输出寄存器与输入不同
		kept := active[:0]
		for _, li := range active {
			if li.End < i {
				free = append(free, li.Reg)
			} else {
				kept = append(kept, li)
			}
		}
		active = kept

		if len(free) == 0 {
			return nil, fmt.Errorf("v%d at %d: %w", insn.Out.VReg, i, ErrRegistersExhausted)
		}
		li := intervals[insn.Out.VReg]
		li.Reg = free[0]
		free = free[1:]
		active = append(active, li)
	}
	return intervals, nil
}
