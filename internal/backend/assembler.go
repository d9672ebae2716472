// Package backend 实现 JIT 的后端汇编器
//
// 代码生成器面向一个抽象的指令流编程：操作数可以是物理寄存器、
// 虚拟寄存器（指令输出）、立即数或内存。Compile 完成寄存器分配
// 并编码为 x86-64 机器码。
package backend

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ============================================================================
// 操作数
// ============================================================================

// OpndKind 操作数类型
type OpndKind uint8

const (
	OpndNone OpndKind = iota
	OpndImm           // 立即数
	OpndReg           // 物理寄存器
	OpndVReg          // 虚拟寄存器
	OpndMem           // [base+disp]，base 为物理或虚拟寄存器
)

// Opnd 后端操作数
type Opnd struct {
	Kind OpndKind
	Imm  int64
	Reg  Reg
	VReg int

	Disp     int32 // 仅 OpndMem
	BaseVReg bool  // 仅 OpndMem：基址是否为虚拟寄存器
}

// Imm 有符号立即数
func Imm(v int64) Opnd {
	return Opnd{Kind: OpndImm, Imm: v}
}

// UImm 无符号立即数（按位存储）
func UImm(v uint64) Opnd {
	return Opnd{Kind: OpndImm, Imm: int64(v)}
}

// RegOpnd 物理寄存器
func RegOpnd(r Reg) Opnd {
	return Opnd{Kind: OpndReg, Reg: r}
}

// Mem 以寄存器为基址的内存操作数
func Mem(base Opnd, disp int32) Opnd {
	switch base.Kind {
	case OpndReg:
		return Opnd{Kind: OpndMem, Reg: base.Reg, Disp: disp}
	case OpndVReg:
		return Opnd{Kind: OpndMem, VReg: base.VReg, BaseVReg: true, Disp: disp}
	}
	panic(fmt.Sprintf("backend: memory base must be a register, got %s", base))
}

// 解释器约定的固定寄存器
var (
	EC    = RegOpnd(R12) // 执行上下文
	CFP   = RegOpnd(R13) // 当前控制帧
	SP    = RegOpnd(RBX) // 解释器栈指针
	CArg0 = RegOpnd(RDI) // 第一个 C 参数
	CArg1 = RegOpnd(RSI) // 第二个 C 参数
	CRetR = RegOpnd(RAX) // C 返回值
)

// vregUse 操作数读取的虚拟寄存器（直接或作为内存基址）
func (o Opnd) vregUse() (int, bool) {
	switch {
	case o.Kind == OpndVReg:
		return o.VReg, true
	case o.Kind == OpndMem && o.BaseVReg:
		return o.VReg, true
	}
	return 0, false
}

func (o Opnd) String() string {
	switch o.Kind {
	case OpndNone:
		return "_"
	case OpndImm:
		return fmt.Sprintf("%#x", o.Imm)
	case OpndReg:
		return o.Reg.String()
	case OpndVReg:
		return fmt.Sprintf("v%d", o.VReg)
	case OpndMem:
		base := o.Reg.String()
		if o.BaseVReg {
			base = fmt.Sprintf("v%d", o.VReg)
		}
		return fmt.Sprintf("[%s%+d]", base, o.Disp)
	}
	return "?"
}

// ============================================================================
// 指令
// ============================================================================

// Op 后端指令类型
type Op uint8

const (
	OpComment Op = iota
	OpLabel
	OpFrameSetup
	OpFrameTeardown
	OpCPush
	OpCPopInto
	OpMov
	OpLoad
	OpAdd
	OpSub
	OpTest
	OpCmp
	OpCSelNZ
	OpCSelZ
	OpJmp
	OpJz
	OpJnz
	OpCRet
)

var opNames = [...]string{
	OpComment:       "Comment",
	OpLabel:         "Label",
	OpFrameSetup:    "FrameSetup",
	OpFrameTeardown: "FrameTeardown",
	OpCPush:         "CPush",
	OpCPopInto:      "CPopInto",
	OpMov:           "Mov",
	OpLoad:          "Load",
	OpAdd:           "Add",
	OpSub:           "Sub",
	OpTest:          "Test",
	OpCmp:           "Cmp",
	OpCSelNZ:        "CSelNZ",
	OpCSelZ:         "CSelZ",
	OpJmp:           "Jmp",
	OpJz:            "Jz",
	OpJnz:           "Jnz",
	OpCRet:          "CRet",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Label 代码标签
type Label int

// Insn 后端指令
type Insn struct {
	Op     Op
	Opnds  []Opnd
	Out    Opnd // 输出（虚拟寄存器），无输出时为 OpndNone
	Target Label
	Text   string
}

func (i Insn) String() string {
	var sb strings.Builder
	if i.Out.Kind != OpndNone {
		fmt.Fprintf(&sb, "%s = ", i.Out)
	}
	sb.WriteString(i.Op.String())
	switch i.Op {
	case OpComment:
		fmt.Fprintf(&sb, " %q", i.Text)
	case OpLabel, OpJmp, OpJz, OpJnz:
		fmt.Fprintf(&sb, " L%d", i.Target)
	}
	for n, o := range i.Opnds {
		if n == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	return sb.String()
}

// ============================================================================
// 汇编器
// ============================================================================

// Assembler 抽象指令流
type Assembler struct {
	insns    []Insn
	numVRegs int
	labels   int
}

// NewAssembler 创建汇编器
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Insns 返回已记录的指令
func (a *Assembler) Insns() []Insn {
	return a.insns
}

func (a *Assembler) push(insn Insn) {
	a.insns = append(a.insns, insn)
}

func (a *Assembler) newVReg() Opnd {
	o := Opnd{Kind: OpndVReg, VReg: a.numVRegs}
	a.numVRegs++
	return o
}

func (a *Assembler) pushOut(op Op, opnds ...Opnd) Opnd {
	out := a.newVReg()
	a.push(Insn{Op: op, Opnds: opnds, Out: out})
	return out
}

// Comment 注释，出现在反汇编输出中
func (a *Assembler) Comment(text string) {
	a.push(Insn{Op: OpComment, Text: text})
}

// NewLabel 创建未绑定的标签
func (a *Assembler) NewLabel() Label {
	a.labels++
	return Label(a.labels - 1)
}

// BindLabel 将标签绑定到当前位置
func (a *Assembler) BindLabel(l Label) {
	a.push(Insn{Op: OpLabel, Target: l})
}

// FrameSetup push rbp; mov rbp, rsp
func (a *Assembler) FrameSetup() {
	a.push(Insn{Op: OpFrameSetup})
}

// FrameTeardown mov rsp, rbp; pop rbp
func (a *Assembler) FrameTeardown() {
	a.push(Insn{Op: OpFrameTeardown})
}

// CPush 保存寄存器到机器栈
func (a *Assembler) CPush(o Opnd) {
	a.push(Insn{Op: OpCPush, Opnds: []Opnd{o}})
}

// CPopInto 从机器栈恢复寄存器
func (a *Assembler) CPopInto(o Opnd) {
	a.push(Insn{Op: OpCPopInto, Opnds: []Opnd{o}})
}

// Mov dst = src
func (a *Assembler) Mov(dst, src Opnd) {
	a.push(Insn{Op: OpMov, Opnds: []Opnd{dst, src}})
}

// Load 将操作数读入新的虚拟寄存器
func (a *Assembler) Load(src Opnd) Opnd {
	return a.pushOut(OpLoad, src)
}

// Add 返回 left + right
func (a *Assembler) Add(left, right Opnd) Opnd {
	return a.pushOut(OpAdd, left, right)
}

// Sub 返回 left - right
func (a *Assembler) Sub(left, right Opnd) Opnd {
	return a.pushOut(OpSub, left, right)
}

// Test 按位与设置标志位
func (a *Assembler) Test(left, right Opnd) {
	a.push(Insn{Op: OpTest, Opnds: []Opnd{left, right}})
}

// Cmp 比较设置标志位
func (a *Assembler) Cmp(left, right Opnd) {
	a.push(Insn{Op: OpCmp, Opnds: []Opnd{left, right}})
}

// CSelNZ ZF=0 时取 truthy，否则取 falsy
func (a *Assembler) CSelNZ(truthy, falsy Opnd) Opnd {
	return a.pushOut(OpCSelNZ, truthy, falsy)
}

// CSelZ ZF=1 时取 truthy，否则取 falsy
func (a *Assembler) CSelZ(truthy, falsy Opnd) Opnd {
	return a.pushOut(OpCSelZ, truthy, falsy)
}

// Jmp 无条件跳转
func (a *Assembler) Jmp(l Label) {
	a.push(Insn{Op: OpJmp, Target: l})
}

// Jz ZF=1 时跳转
func (a *Assembler) Jz(l Label) {
	a.push(Insn{Op: OpJz, Target: l})
}

// Jnz ZF=0 时跳转
func (a *Assembler) Jnz(l Label) {
	a.push(Insn{Op: OpJnz, Target: l})
}

// CRet 将值放入返回寄存器并返回
func (a *Assembler) CRet(o Opnd) {
	a.push(Insn{Op: OpCRet, Opnds: []Opnd{o}})
}

// ============================================================================
// 编码
// ============================================================================

// Output 编码结果
type Output struct {
	Code     []byte
	Comments map[int][]string // 代码偏移 -> 注释
}

// CommentOffsets 按偏移升序返回有注释的位置
func (o *Output) CommentOffsets() []int {
	offsets := make([]int, 0, len(o.Comments))
	for off := range o.Comments {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)
	return offsets
}

// Compile 分配寄存器并编码为机器码
func (a *Assembler) Compile() (*Output, error) {
	intervals, err := allocateRegisters(a.insns, a.numVRegs)
	if err != nil {
		return nil, err
	}
	l := &lowering{enc: newX64Encoder(), intervals: intervals}
	out := &Output{Comments: make(map[int][]string)}

	for _, insn := range a.insns {
		if insn.Op == OpComment {
			off := len(l.enc.code)
			out.Comments[off] = append(out.Comments[off], insn.Text)
			continue
		}
		if err := l.lower(insn); err != nil {
			return nil, fmt.Errorf("lower %s: %w", insn, err)
		}
	}
	if err := l.enc.resolve(); err != nil {
		return nil, err
	}
	out.Code = l.enc.code
	return out, nil
}

// lowering 将单条抽象指令编码为机器指令
type lowering struct {
	enc       *x64Encoder
	intervals []*LiveInterval
}

// reg 将寄存器类操作数解析为物理寄存器
func (l *lowering) reg(o Opnd) (Reg, error) {
	switch o.Kind {
	case OpndReg:
		return o.Reg, nil
	case OpndVReg:
		li := l.intervals[o.VReg]
		if li == nil || li.Reg < 0 {
			return 0, fmt.Errorf("v%d has no register", o.VReg)
		}
		return li.Reg, nil
	}
	return 0, fmt.Errorf("%s is not a register", o)
}

// base 解析内存操作数的基址
func (l *lowering) base(o Opnd) (Reg, error) {
	if o.BaseVReg {
		return l.reg(Opnd{Kind: OpndVReg, VReg: o.VReg})
	}
	return o.Reg, nil
}

// toReg 将任意操作数放入寄存器，必要时借用临时寄存器
func (l *lowering) toReg(o Opnd) (Reg, error) {
	switch o.Kind {
	case OpndReg, OpndVReg:
		return l.reg(o)
	case OpndImm:
		l.enc.movRegImm(scratch, o.Imm)
		return scratch, nil
	case OpndMem:
		base, err := l.base(o)
		if err != nil {
			return 0, err
		}
		l.enc.movRegMem(scratch, base, o.Disp)
		return scratch, nil
	}
	return 0, fmt.Errorf("cannot materialize %s", o)
}

// mov 通用数据移动
func (l *lowering) mov(dst, src Opnd) error {
	e := l.enc
	if dst.Kind == OpndMem {
		base, err := l.base(dst)
		if err != nil {
			return err
		}
		if src.Kind == OpndImm && fitsInt32(src.Imm) {
			e.movMemImm32(base, dst.Disp, int32(src.Imm))
			return nil
		}
		r, err := l.toReg(src)
		if err != nil {
			return err
		}
		e.movMemReg(base, dst.Disp, r)
		return nil
	}

	d, err := l.reg(dst)
	if err != nil {
		return err
	}
	switch src.Kind {
	case OpndImm:
		e.movRegImm(d, src.Imm)
	case OpndReg, OpndVReg:
		s, err := l.reg(src)
		if err != nil {
			return err
		}
		if s != d {
			e.movRegReg(d, s)
		}
	case OpndMem:
		base, err := l.base(src)
		if err != nil {
			return err
		}
		e.movRegMem(d, base, src.Disp)
	default:
		return fmt.Errorf("bad mov source %s", src)
	}
	return nil
}

// binary 形如 out = left op right
func (l *lowering) binary(insn Insn, rr func(dst, src Reg), ri func(dst Reg, imm int32)) error {
	if err := l.mov(insn.Out, insn.Opnds[0]); err != nil {
		return err
	}
	out, _ := l.reg(insn.Out)
	right := insn.Opnds[1]
	if right.Kind == OpndImm && fitsInt32(right.Imm) {
		ri(out, int32(right.Imm))
		return nil
	}
	r, err := l.toReg(right)
	if err != nil {
		return err
	}
	rr(out, r)
	return nil
}

// flags 形如 test/cmp left, right
func (l *lowering) flags(insn Insn, rr func(left, right Reg), ri func(left Reg, imm int32)) error {
	left, right := insn.Opnds[0], insn.Opnds[1]
	lr, err := l.toReg(left)
	if err != nil {
		return err
	}
	if right.Kind == OpndImm && fitsInt32(right.Imm) {
		ri(lr, int32(right.Imm))
		return nil
	}
	if lr == scratch && right.Kind != OpndReg && right.Kind != OpndVReg {
		return fmt.Errorf("both operands of %s need the scratch register", insn.Op)
	}
	rreg, err := l.toReg(right)
	if err != nil {
		return err
	}
	rr(lr, rreg)
	return nil
}

// csel 条件选择：先放入 falsy，再按条件用 cmov 覆盖为 truthy
func (l *lowering) csel(insn Insn, cmov func(dst, src Reg)) error {
	// mov 不影响标志位
	if err := l.mov(insn.Out, insn.Opnds[1]); err != nil {
		return err
	}
	out, _ := l.reg(insn.Out)
	t, err := l.toReg(insn.Opnds[0])
	if err != nil {
		return err
	}
	cmov(out, t)
	return nil
}

func (l *lowering) lower(insn Insn) error {
	e := l.enc
	switch insn.Op {
	case OpLabel:
		e.bind(insn.Target)
	case OpFrameSetup:
		e.push(RBP)
		e.movRegReg(RBP, RSP)
	case OpFrameTeardown:
		e.movRegReg(RSP, RBP)
		e.pop(RBP)
	case OpCPush:
		r, err := l.reg(insn.Opnds[0])
		if err != nil {
			return err
		}
		e.push(r)
	case OpCPopInto:
		r, err := l.reg(insn.Opnds[0])
		if err != nil {
			return err
		}
		e.pop(r)
	case OpMov:
		return l.mov(insn.Opnds[0], insn.Opnds[1])
	case OpLoad:
		return l.mov(insn.Out, insn.Opnds[0])
	case OpAdd:
		return l.binary(insn, e.addRegReg, e.addRegImm)
	case OpSub:
		return l.binary(insn, e.subRegReg, e.subRegImm)
	case OpTest:
		return l.flags(insn, e.testRegReg, e.testRegImm)
	case OpCmp:
		return l.flags(insn, e.cmpRegReg, e.cmpRegImm)
	case OpCSelNZ:
		return l.csel(insn, e.cmovnz)
	case OpCSelZ:
		return l.csel(insn, e.cmovz)
	case OpJmp:
		e.jmp(insn.Target)
	case OpJz:
		e.jz(insn.Target)
	case OpJnz:
		e.jnz(insn.Target)
	case OpCRet:
		if err := l.mov(CRetR, insn.Opnds[0]); err != nil {
			return err
		}
		e.ret()
	default:
		return fmt.Errorf("unsupported instruction %s", insn.Op)
	}
	return nil
}
