package ir

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/zjit/internal/value"
)

// FrameState 翻译时模拟的解释器帧：操作数栈与局部变量
type FrameState struct {
	PC     int
	Stack  []Opnd
	Locals []Opnd
}

// NewFrameState 创建状态，局部变量初始化为 nil
func NewFrameState(numLocals int) FrameState {
	st := FrameState{Locals: make([]Opnd, numLocals)}
	for i := range st.Locals {
		st.Locals[i] = ConstOpnd(value.Qnil)
	}
	return st
}

// Push 压栈
func (st *FrameState) Push(o Opnd) {
	st.Stack = append(st.Stack, o)
}

// Pop 出栈
func (st *FrameState) Pop() Opnd {
	if len(st.Stack) == 0 {
		invariantf("bytecode stack mismatch (underflow) at %04d", st.PC)
	}
	o := st.Stack[len(st.Stack)-1]
	st.Stack = st.Stack[:len(st.Stack)-1]
	return o
}

// Top 读取栈顶
func (st *FrameState) Top() Opnd {
	if len(st.Stack) == 0 {
		invariantf("bytecode stack mismatch (underflow) at %04d", st.PC)
	}
	return st.Stack[len(st.Stack)-1]
}

// StackSize 栈深度
func (st *FrameState) StackSize() int {
	return len(st.Stack)
}

// GetLocal 读局部变量，越界时先以 nil 扩充
func (st *FrameState) GetLocal(idx int) Opnd {
	st.growLocals(idx)
	return st.Locals[idx]
}

// SetLocal 写局部变量，越界时先以 nil 扩充
func (st *FrameState) SetLocal(idx int, o Opnd) {
	st.growLocals(idx)
	st.Locals[idx] = o
}

func (st *FrameState) growLocals(idx int) {
	for len(st.Locals) <= idx {
		st.Locals = append(st.Locals, ConstOpnd(value.Qnil))
	}
}

// Clone 深拷贝（快照使用）
func (st *FrameState) Clone() FrameState {
	return FrameState{
		PC:     st.PC,
		Stack:  append([]Opnd(nil), st.Stack...),
		Locals: append([]Opnd(nil), st.Locals...),
	}
}

func (st FrameState) String() string {
	return fmt.Sprintf("FrameState { pc: %d, stack: [%s], locals: [%s] }",
		st.PC, joinOpnds(st.Stack), joinOpnds(st.Locals))
}

func joinOpnds(opnds []Opnd) string {
	parts := make([]string, len(opnds))
	for i, o := range opnds {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}
