// Package value 定义虚拟机统一的标记值表示（tagged value）
//
// 所有运行时值都编码在一个 64 位字中：
//
//	Qfalse    0x00
//	Qnil      0x08
//	Qtrue     0x14
//	Qundef    0x24
//	Fixnum    ...xxxx1           (n << 1 | 1)
//	Symbol    ...xxxx_0000_1100  (id << 8 | 0x0c)
//	Heap      (index + 1) << 4   (对象空间句柄，低 4 位为 0)
//
// 这套编码与 JIT 生成的机器码共享：机器码直接把 VALUE 作为立即数返回。
package value

import (
	"fmt"
)

// VALUE 标记值
type VALUE uint64

// 特殊常量
const (
	Qfalse VALUE = 0x00
	Qnil   VALUE = 0x08
	Qtrue  VALUE = 0x14
	Qundef VALUE = 0x24
)

const (
	fixnumFlag     VALUE = 0x01
	symbolFlag     VALUE = 0x0c
	symbolMask     VALUE = 0xff
	immediateMask  VALUE = 0x07
	heapShift            = 4
	heapMask       VALUE = 0x0f
	FixnumMax            = int64(1<<62 - 1)
	FixnumMin            = -int64(1 << 62)
)

// Bool 将 Go 布尔值转换为 Qtrue/Qfalse
func Bool(b bool) VALUE {
	if b {
		return Qtrue
	}
	return Qfalse
}

// Fixnum 编码整数
// 超出 fixnum 范围会 panic，调用者应先用 FixableP 检查
func Fixnum(n int64) VALUE {
	if !FixableP(n) {
		panic(fmt.Sprintf("integer %d out of fixnum range", n))
	}
	return VALUE(uint64(n)<<1) | fixnumFlag
}

// FixnumFromUint 编码非负整数
func FixnumFromUint(n uint64) VALUE {
	return Fixnum(int64(n))
}

// FixableP 检查整数能否编码为 fixnum
func FixableP(n int64) bool {
	return n >= FixnumMin && n <= FixnumMax
}

// Symbol 编码静态符号
func Symbol(id uint32) VALUE {
	return VALUE(id)<<8 | symbolFlag
}

// Heap 将对象空间索引编码为堆句柄
func Heap(index int) VALUE {
	return VALUE(index+1) << heapShift
}

// FixnumP 是否为 fixnum
func (v VALUE) FixnumP() bool {
	return v&fixnumFlag != 0
}

// SymbolP 是否为静态符号
func (v VALUE) SymbolP() bool {
	return v&symbolMask == symbolFlag
}

// NilP 是否为 nil
func (v VALUE) NilP() bool {
	return v == Qnil
}

// UndefP 是否为 undef
func (v VALUE) UndefP() bool {
	return v == Qundef
}

// ImmediateP 是否为立即数（fixnum、符号、true、undef）
func (v VALUE) ImmediateP() bool {
	return v&immediateMask != 0
}

// SpecialConstP 是否为特殊常量（立即数、nil、false）
func (v VALUE) SpecialConstP() bool {
	return v.ImmediateP() || !RTEST(v)
}

// HeapP 是否为堆对象句柄
func (v VALUE) HeapP() bool {
	return !v.SpecialConstP() && v&heapMask == 0
}

// AsFixnum 解码 fixnum（算术右移保留符号）
func (v VALUE) AsFixnum() int64 {
	return int64(v) >> 1
}

// AsUint 以无符号整数解码（用于指令操作数中的计数、索引）
func (v VALUE) AsUint() uint64 {
	return uint64(v)
}

// AsInt 以有符号整数解码（用于跳转偏移）
func (v VALUE) AsInt() int64 {
	return int64(v)
}

// SymbolID 解码符号 ID
func (v VALUE) SymbolID() uint32 {
	return uint32(v >> 8)
}

// HeapIndex 解码对象空间索引
func (v VALUE) HeapIndex() int {
	return int(v>>heapShift) - 1
}

// RTEST 真值测试：只有 nil 和 false 为假
func RTEST(v VALUE) bool {
	return v&^Qnil != 0
}

// String 返回调试用的字符串表示
func (v VALUE) String() string {
	switch {
	case v == Qnil:
		return "nil"
	case v == Qtrue:
		return "true"
	case v == Qfalse:
		return "false"
	case v == Qundef:
		return "undef"
	case v.FixnumP():
		return fmt.Sprintf("%d", v.AsFixnum())
	case v.SymbolP():
		return fmt.Sprintf("sym#%d", v.SymbolID())
	default:
		return fmt.Sprintf("%#x", uint64(v))
	}
}
