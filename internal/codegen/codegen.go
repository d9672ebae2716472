// Package codegen 将 SSA 函数降级为机器码
//
// 生成的入口遵循解释器的调用约定：entry(ec, cfp) VALUE。
// 入口保存解释器占用的寄存器，返回前弹出控制帧并把新的 CFP 写回 ec。
// 支持范围之外的任何指令都会让整个方法被拒绝，此时代码块不受影响。
package codegen

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/zjit/internal/backend"
	"github.com/tangzhangming/zjit/internal/codeblock"
	"github.com/tangzhangming/zjit/internal/disasm"
	"github.com/tangzhangming/zjit/internal/ir"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/value"
	"github.com/tangzhangming/zjit/internal/vm"
)

// Config 代码生成配置
type Config struct {
	Logger     *zap.Logger
	Stats      *stats.Counters
	DumpDisasm bool
	ShouldDump func(name string) bool // 为 nil 时打印所有方法
	DumpOut    io.Writer
}

// Generator 代码生成器
type Generator struct {
	logger     *zap.Logger
	stats      *stats.Counters
	dumpDisasm bool
	shouldDump func(name string) bool
	dumpOut    io.Writer
	arch       string
}

// New 创建代码生成器
func New(cfg Config) *Generator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ShouldDump == nil {
		cfg.ShouldDump = func(string) bool { return true }
	}
	if cfg.DumpOut == nil {
		cfg.DumpOut = io.Discard
	}
	return &Generator{
		logger:     cfg.Logger,
		stats:      cfg.Stats,
		dumpDisasm: cfg.DumpDisasm,
		shouldDump: cfg.ShouldDump,
		dumpOut:    cfg.DumpOut,
		arch:       runtime.GOARCH,
	}
}

// rejection 拒绝编译的原因
type rejection struct {
	reason string
	insn   ir.InsnId
}

func (r *rejection) Error() string {
	if r.insn < 0 {
		return r.reason
	}
	return fmt.Sprintf("%s at %s", r.reason, r.insn)
}

func reject(id ir.InsnId, reason string) *rejection {
	return &rejection{reason: reason, insn: id}
}

// Gen 为函数生成机器码并写入代码块
// 成功时返回入口地址；被拒绝时返回 (0, false)，代码块的写游标不变。
func (g *Generator) Gen(cb *codeblock.CodeBlock, fun *ir.Function) (codeblock.CodePtr, bool) {
	start := time.Now()
	name := fun.Iseq.Label()

	asm, rej := g.lower(fun)
	if rej != nil {
		g.rejected(name, rej.reason, zap.Stringer("insn", rej.insn))
		return 0, false
	}

	out, err := asm.Compile()
	if err != nil {
		g.rejected(name, "assemble", zap.Error(err))
		return 0, false
	}
	ptr, err := cb.Write(out.Code)
	if err != nil {
		g.rejected(name, "code block", zap.Error(err))
		return 0, false
	}

	if g.stats != nil {
		g.stats.Compiled.Inc()
		g.stats.CodeBytes.Add(int64(len(out.Code)))
		g.stats.CompileNanos.Add(time.Since(start).Nanoseconds())
	}
	g.logger.Debug("generated code",
		zap.String("method", name),
		zap.Stringer("entry", ptr),
		zap.Int("bytes", len(out.Code)))

	if g.dumpDisasm && g.shouldDump(name) {
		fmt.Fprintf(g.dumpOut, "== BEGIN DISASM %s ==\n", name)
		fmt.Fprint(g.dumpOut, disasm.Disassemble(out.Code, uint64(ptr), out.Comments))
		fmt.Fprintf(g.dumpOut, "== END DISASM %s ==\n", name)
	}
	return ptr, true
}

func (g *Generator) rejected(name, reason string, fields ...zap.Field) {
	if g.stats != nil {
		g.stats.Reject(reason)
	}
	g.logger.Debug("method rejected",
		append([]zap.Field{zap.String("method", name), zap.String("reason", reason)}, fields...)...)
}

// ============================================================================
// 降级
// ============================================================================

// genCtx 一次降级的状态
type genCtx struct {
	fun    *ir.Function
	asm    *backend.Assembler
	labels map[ir.BlockId]backend.Label
	values map[ir.InsnId]backend.Opnd
}

// lower 把整个函数降级为后端指令流
// 块按逆后序排列，每块一个标签；跳到下一个块的 Jump 被省略。
func (g *Generator) lower(fun *ir.Function) (*backend.Assembler, *rejection) {
	if g.arch != "amd64" {
		return nil, reject(-1, "unsupported architecture "+g.arch)
	}
	c := &genCtx{
		fun:    fun,
		asm:    backend.NewAssembler(),
		labels: make(map[ir.BlockId]backend.Label),
		values: make(map[ir.InsnId]backend.Opnd),
	}

	order := fun.RPO()
	for _, bid := range order {
		c.labels[bid] = c.asm.NewLabel()
	}

	genEntryPrologue(c.asm, fun.Iseq.Label())

	for i, bid := range order {
		block := fun.Block(bid)
		if len(block.Params) > 0 {
			return nil, reject(block.Params[0], "Param")
		}
		if n := len(block.Insns); n == 0 || !ir.IsTerminator(fun.Insn(block.Insns[n-1])) {
			return nil, reject(-1, "block without terminator")
		}
		next := ir.BlockId(-1)
		if i+1 < len(order) {
			next = order[i+1]
		}

		c.asm.BindLabel(c.labels[bid])
		c.asm.Comment(bid.String())
		for _, id := range block.Insns {
			if rej := c.genInsn(id, next); rej != nil {
				return nil, rej
			}
		}
	}
	return c.asm, nil
}

// genEntryPrologue 入口序言：保存解释器寄存器并从参数装载 EC、CFP、SP
func genEntryPrologue(asm *backend.Assembler, name string) {
	asm.Comment("ZJIT entry point: " + name)
	asm.FrameSetup()
	asm.CPush(backend.CFP)
	asm.CPush(backend.EC)
	asm.CPush(backend.SP)

	asm.Mov(backend.EC, backend.CArg0)
	asm.Mov(backend.CFP, backend.CArg1)
	asm.Mov(backend.SP, backend.Mem(backend.CFP, vm.OffsetCFPSP))
}

// genInsn 降级单条指令
func (c *genCtx) genInsn(id ir.InsnId, next ir.BlockId) *rejection {
	switch insn := c.fun.Insn(id).(type) {
	case *ir.Snapshot:
		// 快照只服务于去优化，不产生代码

	case *ir.Test:
		return c.genTest(id, insn)

	case *ir.IfFalse:
		return c.genBranch(id, insn.Val, insn.Target, false)
	case *ir.IfTrue:
		return c.genBranch(id, insn.Val, insn.Target, true)

	case *ir.Jump:
		if len(insn.Edge.Args) > 0 {
			return reject(id, "branch arguments")
		}
		if insn.Edge.Target != next {
			c.asm.Jmp(c.labels[insn.Edge.Target])
		}

	case *ir.Return:
		v, ok := insn.Val.Value()
		if !ok {
			return reject(id, "Return of a computed value")
		}
		genReturn(c.asm, v)

	default:
		return reject(id, insn.Mnemonic())
	}
	return nil
}

// genTest 真值测试，结果为 0 或 1
func (c *genCtx) genTest(id ir.InsnId, insn *ir.Test) *rejection {
	if v, ok := insn.Val.Value(); ok {
		var bit int64
		if value.RTEST(v) {
			bit = 1
		}
		c.values[id] = c.asm.Load(backend.Imm(bit))
		return nil
	}
	opnd, ok := c.operand(insn.Val)
	if !ok {
		return reject(id, "Test of an unsupported operand")
	}
	mask := ^value.Qnil
	c.asm.Test(opnd, backend.Imm(int64(mask)))
	c.values[id] = c.asm.CSelNZ(backend.Imm(1), backend.Imm(0))
	return nil
}

// genBranch 条件跳转：IfFalse 在值为 0 时跳转，IfTrue 在非 0 时跳转
func (c *genCtx) genBranch(id ir.InsnId, val ir.Opnd, target ir.BranchEdge, onTrue bool) *rejection {
	if len(target.Args) > 0 {
		return reject(id, "branch arguments")
	}
	label, ok := c.labels[target.Target]
	if !ok {
		return reject(id, "branch to an unreachable block")
	}

	if v, ok := val.Value(); ok {
		if value.RTEST(v) == onTrue {
			c.asm.Jmp(label)
		}
		return nil
	}
	cond, ok := c.operand(val)
	if !ok {
		return reject(id, "branch on an unsupported operand")
	}
	c.asm.Test(cond, cond)
	if onTrue {
		c.asm.Jnz(label)
	} else {
		c.asm.Jz(label)
	}
	return nil
}

// operand 取已降级指令的结果
func (c *genCtx) operand(o ir.Opnd) (backend.Opnd, bool) {
	if v, ok := o.Value(); ok {
		return backend.UImm(uint64(v)), true
	}
	id, _ := o.InsnID()
	opnd, ok := c.values[id]
	return opnd, ok
}

// genReturn 返回常量：弹出控制帧，恢复解释器寄存器
func genReturn(asm *backend.Assembler, v value.VALUE) {
	asm.Comment("pop stack frame")
	newCFP := asm.Add(backend.CFP, backend.Imm(int64(vm.SizeofControlFrame)))
	asm.Mov(backend.CFP, newCFP)
	asm.Mov(backend.Mem(backend.EC, vm.OffsetECCFP), backend.CFP)

	asm.Comment("restore interpreter registers")
	asm.CPopInto(backend.SP)
	asm.CPopInto(backend.EC)
	asm.CPopInto(backend.CFP)

	asm.FrameTeardown()
	asm.CRet(backend.UImm(uint64(v)))
}
