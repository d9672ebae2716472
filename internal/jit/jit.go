// Package jit 编译驱动
//
// 把选项、代码块、翻译器与代码生成器组装在一起，作为虚拟机的 JIT 钩子。
// 同一份字节码只编译一次：结果按 iseq 摘要记录在表中，拒绝也会被记录。
package jit

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/singleflight"

	"github.com/tangzhangming/zjit/internal/annotations"
	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/codeblock"
	"github.com/tangzhangming/zjit/internal/codegen"
	"github.com/tangzhangming/zjit/internal/ir"
	"github.com/tangzhangming/zjit/internal/options"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/vm"
)

// Config 驱动配置
type Config struct {
	Options *options.Options
	Logger  *zap.Logger    // 为 nil 时按 Options.Debug 创建
	Stats   *stats.Counters // 为 nil 时新建
	DumpOut io.Writer      // SSA、反汇编与统计输出，缺省 os.Stderr
}

// JIT 编译驱动，实现 vm.JIT
type JIT struct {
	opts        *options.Options
	logger      *zap.Logger
	ownLogger   bool
	stats       *stats.Counters
	dumpOut     io.Writer
	cb          *codeblock.CodeBlock
	gen         *codegen.Generator
	annotations *annotations.Annotations

	table *xsync.MapOf[string, codeblock.CodePtr] // iseq 摘要 -> 入口，拒绝记为 0
	group singleflight.Group
}

// NewLogger 创建驱动使用的日志器
// 调试模式输出开发格式的全部日志，否则只输出警告以上。
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// Init 初始化驱动并挂到虚拟机上
// Options.Enabled 为 false 时仍返回可用的驱动（供 ssa、disasm 子命令使用），但不挂钩子。
func Init(v *vm.VM, cfg Config) (*JIT, error) {
	opts := cfg.Options
	if opts == nil {
		opts = options.Default()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid zjit options: %w", err)
	}

	j := &JIT{
		opts:    opts,
		logger:  cfg.Logger,
		stats:   cfg.Stats,
		dumpOut: cfg.DumpOut,
		table:   xsync.NewMapOf[string, codeblock.CodePtr](),
	}
	if j.logger == nil {
		logger, err := NewLogger(opts.Debug)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		j.logger = logger
		j.ownLogger = true
	}
	if j.stats == nil {
		j.stats = stats.New()
	}
	if j.dumpOut == nil {
		j.dumpOut = os.Stderr
	}

	cb, err := codeblock.New(opts.ExecMemSize())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate executable memory: %w", err)
	}
	j.cb = cb

	anns, err := annotations.Init(v)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to initialize annotations: %w", err), cb.Close())
	}
	j.annotations = anns

	j.gen = codegen.New(codegen.Config{
		Logger:     j.logger.Named("codegen"),
		Stats:      j.stats,
		DumpDisasm: opts.DumpDisasm,
		ShouldDump: opts.ShouldDump,
		DumpOut:    j.dumpOut,
	})

	if opts.Enabled {
		v.SetJIT(j, opts.CallThreshold)
	}
	j.logger.Debug("zjit initialized",
		zap.Int("exec_mem", opts.ExecMemSize()),
		zap.Int("call_threshold", opts.CallThreshold),
		zap.Bool("strict_opcodes", opts.StrictOpcodes))
	return j, nil
}

// ============================================================================
// 编译
// ============================================================================

// CompileIseq 编译一个方法，返回入口地址
// 同一份字节码的并发请求只编译一次；之前被拒绝的字节码直接返回 false。
func (j *JIT) CompileIseq(is *bytecode.Iseq) (uintptr, bool) {
	key := is.Fingerprint()
	if ptr, ok := j.table.Load(key); ok {
		return ptr.Raw(), !ptr.IsNull()
	}
	res, _, _ := j.group.Do(key, func() (interface{}, error) {
		if ptr, ok := j.table.Load(key); ok {
			return ptr, nil
		}
		ptr := j.compile(is)
		j.table.Store(key, ptr)
		return ptr, nil
	})
	ptr := res.(codeblock.CodePtr)
	return ptr.Raw(), !ptr.IsNull()
}

// compile 翻译并生成机器码，失败返回空指针
func (j *JIT) compile(is *bytecode.Iseq) codeblock.CodePtr {
	defer j.reportCrash(is)

	fun, err := j.Translate(is)
	if err != nil {
		j.stats.Reject("unknown opcode")
		j.logger.Debug("method rejected", zap.String("method", is.Label()), zap.Error(err))
		return 0
	}
	if j.opts.DumpSSA && j.opts.ShouldDump(is.Label()) {
		j.dumpSSA(fun)
	}
	ptr, ok := j.gen.Gen(j.cb, fun)
	if !ok {
		return 0
	}
	return ptr
}

// Translate 按当前选项把字节码翻译为 SSA
func (j *JIT) Translate(is *bytecode.Iseq) (*ir.Function, error) {
	return ir.Translate(is, ir.TranslateOptions{
		StrictOpcodes: j.opts.StrictOpcodes,
		Logger:        j.logger.Named("ir"),
		OnUnknownOpcode: func(bytecode.Opcode) {
			j.stats.UnknownOpcodes.Inc()
		},
	})
}

func (j *JIT) dumpSSA(fun *ir.Function) {
	p := ir.NewFunctionPrinter(fun)
	if j.opts.DumpSnapshots {
		p = p.WithSnapshots()
	}
	fmt.Fprintf(j.dumpOut, "SSA %s:\n%s", fun.Iseq.Label(), p.String())
}

// reportCrash 记录翻译器或代码生成器的内部错误后继续向上抛出
// 内部错误意味着编译器本身有缺陷，进程不应继续运行。
func (j *JIT) reportCrash(is *bytecode.Iseq) {
	r := recover()
	if r == nil {
		return
	}
	j.stats.TranslatorBugs.Inc()

	var inv *ir.InvariantError
	if err, ok := r.(error); ok && errors.As(err, &inv) {
		j.logger.Error("zjit internal error",
			zap.String("method", is.Label()),
			zap.String("error", fmt.Sprintf("%+v", inv)))
	} else {
		j.logger.Error("zjit panic",
			zap.String("method", is.Label()),
			zap.Any("panic", r),
			zap.Stack("stack"))
	}
	_ = j.logger.Sync()
	panic(r)
}

// ============================================================================
// 查询
// ============================================================================

// Stats 返回计数器
func (j *JIT) Stats() *stats.Counters {
	return j.stats
}

// Options 返回生效的选项
func (j *JIT) Options() *options.Options {
	return j.opts
}

// Annotations 返回原生方法属性库
func (j *JIT) Annotations() *annotations.Annotations {
	return j.annotations
}

// CodeBlock 返回代码块
func (j *JIT) CodeBlock() *codeblock.CodeBlock {
	return j.cb
}

// Logger 返回日志器
func (j *JIT) Logger() *zap.Logger {
	return j.logger
}

// CompiledCount 返回已记录的编译结果数，成功与拒绝分别统计
func (j *JIT) CompiledCount() (compiled, rejected int) {
	j.table.Range(func(_ string, ptr codeblock.CodePtr) bool {
		if ptr.IsNull() {
			rejected++
		} else {
			compiled++
		}
		return true
	})
	return compiled, rejected
}

// Shutdown 输出统计并释放代码块
// 之后不能再调用机器码。
func (j *JIT) Shutdown() error {
	var err error
	if j.opts.Stats {
		err = multierr.Append(err, j.stats.WriteText(j.dumpOut))
	}
	err = multierr.Append(err, j.cb.Close())
	if j.ownLogger {
		// 标准错误上的 Sync 在部分平台返回 EINVAL
		_ = j.logger.Sync()
	}
	return err
}
