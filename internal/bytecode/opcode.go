// Package bytecode 定义解释器的字节码格式
//
// 一个方法的字节码（iseq）是定长字（value.VALUE）的序列：
// 每条指令占用一个操作码字，后面跟随若干操作数字，个数由操作码决定。
// 跳转偏移以“下一条指令”的位置为基准。
package bytecode

import (
	"fmt"
)

// Opcode 操作码
type Opcode int

const (
	OpNop Opcode = iota

	// 常量与字面量
	OpPutnil             // 压入 nil
	OpPutself            // 压入 self
	OpPutobject          // 压入字面量 (val)
	OpPutobjectINT2FIX0  // 压入 0
	OpPutobjectINT2FIX1  // 压入 1
	OpPutstring          // 压入字符串副本 (str)
	OpIntern             // 字符串 -> 符号
	OpNewarray           // 创建数组 (num)

	// 栈操作
	OpDup
	OpPop
	OpSwap

	// 局部变量
	OpGetlocal    // (idx, level)
	OpSetlocal    // (idx, level)
	OpGetlocalWC0 // (idx)
	OpSetlocalWC0 // (idx)

	// 实例变量
	OpGetinstancevariable // (id)
	OpSetinstancevariable // (id)

	// 查询
	OpDefined            // (op_type, obj, pushval)
	OpOptGetconstantPath // (ic)

	// 跳转
	OpJump         // (offset)
	OpBranchif     // (offset)
	OpBranchunless // (offset)
	OpBranchnil    // (offset)

	// 特化的方法调用
	OpOptNilP  // (cd)
	OpOptPlus  // (cd)
	OpOptMinus // (cd)
	OpOptMult  // (cd)
	OpOptLt    // (cd)
	OpOptLe    // (cd)
	OpOptGt    // (cd)
	OpOptGe    // (cd)
	OpOptEq    // (cd)

	// 通用方法调用
	OpOptSendWithoutBlock // (cd)

	// 返回
	OpLeave

	numOpcodes
)

// OperandKind 操作数类型
type OperandKind int

const (
	OperandNum      OperandKind = iota // 无符号整数（计数、索引、层级）
	OperandValue                       // 字面量 VALUE
	OperandString                      // 冻结的字符串字面量
	OperandOffset                      // 相对跳转偏移
	OperandCallData                    // 调用信息索引
	OperandIC                          // 常量缓存索引
	OperandID                          // 符号
)

// opInfo 操作码元数据
type opInfo struct {
	name     string
	operands []OperandKind
}

var opTable = [numOpcodes]opInfo{
	OpNop:                 {"nop", nil},
	OpPutnil:              {"putnil", nil},
	OpPutself:             {"putself", nil},
	OpPutobject:           {"putobject", []OperandKind{OperandValue}},
	OpPutobjectINT2FIX0:   {"putobject_INT2FIX_0_", nil},
	OpPutobjectINT2FIX1:   {"putobject_INT2FIX_1_", nil},
	OpPutstring:           {"putstring", []OperandKind{OperandString}},
	OpIntern:              {"intern", nil},
	OpNewarray:            {"newarray", []OperandKind{OperandNum}},
	OpDup:                 {"dup", nil},
	OpPop:                 {"pop", nil},
	OpSwap:                {"swap", nil},
	OpGetlocal:            {"getlocal", []OperandKind{OperandNum, OperandNum}},
	OpSetlocal:            {"setlocal", []OperandKind{OperandNum, OperandNum}},
	OpGetlocalWC0:         {"getlocal_WC_0", []OperandKind{OperandNum}},
	OpSetlocalWC0:         {"setlocal_WC_0", []OperandKind{OperandNum}},
	OpGetinstancevariable: {"getinstancevariable", []OperandKind{OperandID}},
	OpSetinstancevariable: {"setinstancevariable", []OperandKind{OperandID}},
	OpDefined:             {"defined", []OperandKind{OperandNum, OperandValue, OperandValue}},
	OpOptGetconstantPath:  {"opt_getconstant_path", []OperandKind{OperandIC}},
	OpJump:                {"jump", []OperandKind{OperandOffset}},
	OpBranchif:            {"branchif", []OperandKind{OperandOffset}},
	OpBranchunless:        {"branchunless", []OperandKind{OperandOffset}},
	OpBranchnil:           {"branchnil", []OperandKind{OperandOffset}},
	OpOptNilP:             {"opt_nil_p", []OperandKind{OperandCallData}},
	OpOptPlus:             {"opt_plus", []OperandKind{OperandCallData}},
	OpOptMinus:            {"opt_minus", []OperandKind{OperandCallData}},
	OpOptMult:             {"opt_mult", []OperandKind{OperandCallData}},
	OpOptLt:               {"opt_lt", []OperandKind{OperandCallData}},
	OpOptLe:               {"opt_le", []OperandKind{OperandCallData}},
	OpOptGt:               {"opt_gt", []OperandKind{OperandCallData}},
	OpOptGe:               {"opt_ge", []OperandKind{OperandCallData}},
	OpOptEq:               {"opt_eq", []OperandKind{OperandCallData}},
	OpOptSendWithoutBlock: {"opt_send_without_block", []OperandKind{OperandCallData}},
	OpLeave:               {"leave", nil},
}

// 特化调用对应的方法名
var specializedSends = map[Opcode]string{
	OpOptNilP:  "nil?",
	OpOptPlus:  "+",
	OpOptMinus: "-",
	OpOptMult:  "*",
	OpOptLt:    "<",
	OpOptLe:    "<=",
	OpOptGt:    ">",
	OpOptGe:    ">=",
	OpOptEq:    "==",
}

// opByName 名称 -> 操作码（文本汇编器使用）
var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(0); op < numOpcodes; op++ {
		m[opTable[op].name] = op
	}
	return m
}()

// Valid 检查操作码是否已定义
func (op Opcode) Valid() bool {
	return op >= 0 && op < numOpcodes
}

// String 返回操作码名称
func (op Opcode) String() string {
	if op.Valid() {
		return opTable[op].name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(op))
}

// Operands 返回操作数类型列表
func (op Opcode) Operands() []OperandKind {
	if !op.Valid() {
		return nil
	}
	return opTable[op].operands
}

// IsBranch 是否为（条件或无条件）跳转指令
func (op Opcode) IsBranch() bool {
	switch op {
	case OpJump, OpBranchif, OpBranchunless, OpBranchnil:
		return true
	}
	return false
}

// SpecializedMethod 返回特化调用指令对应的方法名
func (op Opcode) SpecializedMethod() (string, bool) {
	name, ok := specializedSends[op]
	return name, ok
}

// InsnLen 返回指令总长度（操作码字 + 操作数字）
func InsnLen(op Opcode) int {
	return 1 + len(op.Operands())
}

// LookupOpcode 按名称查找操作码
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// defined 指令的查询类型
const (
	DefinedNil    = 1 // defined?(nil)
	DefinedIvar   = 2 // defined?(@a)
	DefinedConst  = 9 // defined?(Foo)
	DefinedMethod = 6 // defined?(obj.foo)
	DefinedSelf   = 3 // defined?(self)
	DefinedTrue   = 4
	DefinedFalse  = 5
)
