// x64.go - x86-64 机器码编码
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段

package backend

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// 寄存器
// ============================================================================

// Reg x86-64 通用寄存器
type Reg int

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}
	return "???"
}

// IsExtended 是否需要 REX 扩展位
func (r Reg) IsExtended() bool {
	return r >= R8 && r <= R15
}

// LowBits 寄存器编码的低 3 位
func (r Reg) LowBits() byte {
	return byte(r) & 0x7
}

// ============================================================================
// 编码器
// ============================================================================

// x64Encoder 顺序写出机器码，跳转以标签为目标，最后统一回填
type x64Encoder struct {
	code   []byte
	labels map[Label]int
	relocs []x64Reloc
}

// x64Reloc 待回填的 rel32
type x64Reloc struct {
	offset int   // rel32 字段在代码中的位置
	target Label // 目标标签
}

func newX64Encoder() *x64Encoder {
	return &x64Encoder{
		code:   make([]byte, 0, 256),
		labels: make(map[Label]int),
	}
}

func (e *x64Encoder) emit(bytes ...byte) {
	e.code = append(e.code, bytes...)
}

func (e *x64Encoder) emitU32(v uint32) {
	e.code = binary.LittleEndian.AppendUint32(e.code, v)
}

func (e *x64Encoder) emitU64(v uint64) {
	e.code = binary.LittleEndian.AppendUint64(e.code, v)
}

func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

func fitsInt32(v int64) bool {
	return v >= -1<<31 && v <= 1<<31-1
}

func fitsInt8(v int64) bool {
	return v >= -128 && v <= 127
}

// bind 记录标签位置
func (e *x64Encoder) bind(l Label) {
	e.labels[l] = len(e.code)
}

// ---- 数据移动 ----

// movRegReg mov dst, src
func (e *x64Encoder) movRegReg(dst, src Reg) {
	e.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	e.emit(0x89)
	e.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// movRegImm 加载立即数，能用 imm32 符号扩展时用短编码
func (e *x64Encoder) movRegImm(reg Reg, imm int64) {
	if fitsInt32(imm) {
		e.emit(rex(true, false, false, reg.IsExtended()))
		e.emit(0xC7)
		e.emit(modrm(3, 0, reg.LowBits()))
		e.emitU32(uint32(int32(imm)))
		return
	}
	e.emit(rex(true, false, false, reg.IsExtended()))
	e.emit(0xB8 + reg.LowBits())
	e.emitU64(uint64(imm))
}

// movRegMem mov dst, [base+disp]
func (e *x64Encoder) movRegMem(dst, base Reg, disp int32) {
	e.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	e.emit(0x8B)
	e.memOperand(dst.LowBits(), base, disp)
}

// movMemReg mov [base+disp], src
func (e *x64Encoder) movMemReg(base Reg, disp int32, src Reg) {
	e.emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	e.emit(0x89)
	e.memOperand(src.LowBits(), base, disp)
}

// movMemImm32 mov qword [base+disp], imm32（符号扩展）
func (e *x64Encoder) movMemImm32(base Reg, disp int32, imm int32) {
	e.emit(rex(true, false, false, base.IsExtended()))
	e.emit(0xC7)
	e.memOperand(0, base, disp)
	e.emitU32(uint32(imm))
}

// memOperand 内存操作数的 ModR/M、SIB 与位移
// rsp/r12 作基址需要 SIB；rbp/r13 作基址时 mod=0 表示 RIP 相对，必须带位移
func (e *x64Encoder) memOperand(reg byte, base Reg, disp int32) {
	needSIB := base == RSP || base == R12
	var mod byte
	switch {
	case disp == 0 && base != RBP && base != R13:
		mod = 0
	case disp >= -128 && disp <= 127:
		mod = 1
	default:
		mod = 2
	}
	if needSIB {
		e.emit(modrm(mod, reg, 4))
		e.emit(0x24)
	} else {
		e.emit(modrm(mod, reg, base.LowBits()))
	}
	switch mod {
	case 1:
		e.emit(byte(int8(disp)))
	case 2:
		e.emitU32(uint32(disp))
	}
}

// ---- 算术与比较 ----

// aluRegReg 形如 op r/m64, r64 的二元运算
func (e *x64Encoder) aluRegReg(opcode byte, dst, src Reg) {
	e.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	e.emit(opcode)
	e.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// aluRegImm 形如 op r/m64, imm 的二元运算，ext 为 ModR/M.reg 中的操作码扩展
func (e *x64Encoder) aluRegImm(ext byte, reg Reg, imm int32) {
	e.emit(rex(true, false, false, reg.IsExtended()))
	if fitsInt8(int64(imm)) {
		e.emit(0x83)
		e.emit(modrm(3, ext, reg.LowBits()))
		e.emit(byte(int8(imm)))
		return
	}
	e.emit(0x81)
	e.emit(modrm(3, ext, reg.LowBits()))
	e.emitU32(uint32(imm))
}

func (e *x64Encoder) addRegReg(dst, src Reg)      { e.aluRegReg(0x01, dst, src) }
func (e *x64Encoder) subRegReg(dst, src Reg)      { e.aluRegReg(0x29, dst, src) }
func (e *x64Encoder) cmpRegReg(left, right Reg)   { e.aluRegReg(0x39, left, right) }
func (e *x64Encoder) testRegReg(left, right Reg)  { e.aluRegReg(0x85, left, right) }
func (e *x64Encoder) addRegImm(reg Reg, imm int32) { e.aluRegImm(0, reg, imm) }
func (e *x64Encoder) subRegImm(reg Reg, imm int32) { e.aluRegImm(5, reg, imm) }
func (e *x64Encoder) cmpRegImm(reg Reg, imm int32) { e.aluRegImm(7, reg, imm) }

// testRegImm test r64, imm32
func (e *x64Encoder) testRegImm(reg Reg, imm int32) {
	e.emit(rex(true, false, false, reg.IsExtended()))
	e.emit(0xF7)
	e.emit(modrm(3, 0, reg.LowBits()))
	e.emitU32(uint32(imm))
}

// cmovnz dst, src
func (e *x64Encoder) cmovnz(dst, src Reg) {
	e.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	e.emit(0x0F, 0x45)
	e.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// cmovz dst, src
func (e *x64Encoder) cmovz(dst, src Reg) {
	e.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	e.emit(0x0F, 0x44)
	e.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// ---- 栈 ----

func (e *x64Encoder) push(reg Reg) {
	if reg.IsExtended() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(0x50 + reg.LowBits())
}

func (e *x64Encoder) pop(reg Reg) {
	if reg.IsExtended() {
		e.emit(rex(false, false, false, true))
	}
	e.emit(0x58 + reg.LowBits())
}

// ---- 控制流 ----

func (e *x64Encoder) reloc(target Label) {
	e.relocs = append(e.relocs, x64Reloc{offset: len(e.code), target: target})
	e.emitU32(0)
}

// jmp rel32
func (e *x64Encoder) jmp(target Label) {
	e.emit(0xE9)
	e.reloc(target)
}

// jz rel32 (ZF=1)
func (e *x64Encoder) jz(target Label) {
	e.emit(0x0F, 0x84)
	e.reloc(target)
}

// jnz rel32 (ZF=0)
func (e *x64Encoder) jnz(target Label) {
	e.emit(0x0F, 0x85)
	e.reloc(target)
}

func (e *x64Encoder) ret() {
	e.emit(0xC3)
}

// resolve 回填所有跳转偏移（相对于 rel32 字段之后的位置）
func (e *x64Encoder) resolve() error {
	for _, r := range e.relocs {
		target, ok := e.labels[r.target]
		if !ok {
			return fmt.Errorf("label %d is never bound", r.target)
		}
		rel := int32(target - (r.offset + 4))
		binary.LittleEndian.PutUint32(e.code[r.offset:], uint32(rel))
	}
	return nil
}
