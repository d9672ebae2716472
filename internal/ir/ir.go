// Package ir 定义 JIT 的 SSA 中间表示，以及从字节码到 SSA 的翻译
//
// 一个 Function 由扁平的指令表和基本块表组成。指令与基本块都以稠密整数
// 编号（v<N>、bb<N>），只追加、不删除，编号在一次编译中不会复用。
// 块之间传值通过块参数（Param）与跳转边参数（BranchEdge.Args）完成。
package ir

import (
	"fmt"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/value"
)

// InsnId 指令编号
type InsnId int

func (id InsnId) String() string {
	return fmt.Sprintf("v%d", int(id))
}

// BlockId 基本块编号
type BlockId int

func (id BlockId) String() string {
	return fmt.Sprintf("bb%d", int(id))
}

// ============================================================================
// 操作数
// ============================================================================

type opndKind uint8

const (
	opndConst opndKind = iota
	opndInsn
)

// Opnd 操作数：常量或对另一条指令结果的引用
type Opnd struct {
	kind opndKind
	val  value.VALUE
	insn InsnId
}

// ConstOpnd 构造常量操作数
func ConstOpnd(v value.VALUE) Opnd {
	return Opnd{kind: opndConst, val: v}
}

// InsnOpnd 构造指令引用操作数
func InsnOpnd(id InsnId) Opnd {
	return Opnd{kind: opndInsn, insn: id}
}

// IsConst 是否为常量
func (o Opnd) IsConst() bool {
	return o.kind == opndConst
}

// Value 返回常量值
func (o Opnd) Value() (value.VALUE, bool) {
	return o.val, o.kind == opndConst
}

// InsnID 返回被引用的指令
func (o Opnd) InsnID() (InsnId, bool) {
	return o.insn, o.kind == opndInsn
}

func (o Opnd) String() string {
	if o.kind == opndInsn {
		return o.insn.String()
	}
	switch {
	case o.val.FixnumP():
		return fmt.Sprintf("Fixnum(%d)", o.val.AsFixnum())
	case o.val == value.Qnil, o.val == value.Qtrue, o.val == value.Qfalse:
		return fmt.Sprintf("Const(%s)", o.val)
	default:
		return fmt.Sprintf("Const(%#x)", uint64(o.val))
	}
}

// ============================================================================
// 指令
// ============================================================================

// Insn 一条 SSA 指令
type Insn interface {
	// Mnemonic 返回打印用的指令名
	Mnemonic() string
	isInsn()
}

// BranchEdge 跳转边：目标块与传给目标块参数的值
type BranchEdge struct {
	Target BlockId
	Args   []Opnd
}

func (e BranchEdge) String() string {
	return fmt.Sprintf("%s(%s)", e.Target, joinOpnds(e.Args))
}

// CallInfo 方法调用信息
type CallInfo struct {
	Name string
}

// Param 块参数，Idx 为该值在入边参数中的位置
type Param struct {
	Idx int
}

// Snapshot 记录指令执行前的解释器状态
type Snapshot struct {
	State FrameState
}

// StringCopy 复制字符串字面量
type StringCopy struct {
	Val Opnd
}

// StringIntern 字符串转符号
type StringIntern struct {
	Val Opnd
}

// NewArray 分配长度为 Count 的数组
type NewArray struct {
	Count int
}

// ArraySet 写入数组元素
type ArraySet struct {
	Array Opnd
	Idx   int
	Val   Opnd
}

// Test 真值测试，结果为 0 或 1
type Test struct {
	Val Opnd
}

// Defined defined? 查询
type Defined struct {
	OpType  int
	Obj     value.VALUE
	PushVal value.VALUE
	V       Opnd
}

// GetConstantPath 通过内联缓存读取常量路径
type GetConstantPath struct {
	IC *bytecode.ConstCache
}

// Jump 无条件跳转
type Jump struct {
	Edge BranchEdge
}

// IfTrue 条件为真时跳转，否则继续执行块内下一条指令
type IfTrue struct {
	Val    Opnd
	Target BranchEdge
}

// IfFalse 条件为假时跳转，否则继续执行块内下一条指令
type IfFalse struct {
	Val    Opnd
	Target BranchEdge
}

// CCall 直接调用本地函数
type CCall struct {
	Name string
	Cfun uintptr
	Args []Opnd
}

// Send 动态方法调用
type Send struct {
	Self Opnd
	Call CallInfo
	Args []Opnd
}

// Return 从方法返回
type Return struct {
	Val Opnd
}

func (*Param) Mnemonic() string           { return "Param" }
func (*Snapshot) Mnemonic() string        { return "Snapshot" }
func (*StringCopy) Mnemonic() string      { return "StringCopy" }
func (*StringIntern) Mnemonic() string    { return "StringIntern" }
func (*NewArray) Mnemonic() string        { return "NewArray" }
func (*ArraySet) Mnemonic() string        { return "ArraySet" }
func (*Test) Mnemonic() string            { return "Test" }
func (*Defined) Mnemonic() string         { return "Defined" }
func (*GetConstantPath) Mnemonic() string { return "GetConstantPath" }
func (*Jump) Mnemonic() string            { return "Jump" }
func (*IfTrue) Mnemonic() string          { return "IfTrue" }
func (*IfFalse) Mnemonic() string         { return "IfFalse" }
func (*CCall) Mnemonic() string           { return "CCall" }
func (*Send) Mnemonic() string            { return "Send" }
func (*Return) Mnemonic() string          { return "Return" }

func (*Param) isInsn()           {}
func (*Snapshot) isInsn()        {}
func (*StringCopy) isInsn()      {}
func (*StringIntern) isInsn()    {}
func (*NewArray) isInsn()        {}
func (*ArraySet) isInsn()        {}
func (*Test) isInsn()            {}
func (*Defined) isInsn()         {}
func (*GetConstantPath) isInsn() {}
func (*Jump) isInsn()            {}
func (*IfTrue) isInsn()          {}
func (*IfFalse) isInsn()         {}
func (*CCall) isInsn()           {}
func (*Send) isInsn()            {}
func (*Return) isInsn()          {}

// IsTerminator 指令是否结束基本块
func IsTerminator(insn Insn) bool {
	switch insn.(type) {
	case *Jump, *Return:
		return true
	}
	return false
}

// Edges 返回指令携带的跳转边
func Edges(insn Insn) []BranchEdge {
	switch i := insn.(type) {
	case *Jump:
		return []BranchEdge{i.Edge}
	case *IfTrue:
		return []BranchEdge{i.Target}
	case *IfFalse:
		return []BranchEdge{i.Target}
	}
	return nil
}
