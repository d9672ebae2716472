package jit

import (
	"bytes"
	"runtime"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/options"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/value"
	"github.com/tangzhangming/zjit/internal/vm"
)

// newJIT 创建挂在新虚拟机上的驱动
func newJIT(t *testing.T, opts *options.Options, logger *zap.Logger) (*JIT, *vm.VM, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	counters := stats.New()
	v := vm.New(vm.Config{Out: &out, Stats: counters})
	if opts.ExecMemSizeMiB == options.DefaultExecMemSizeMiB {
		opts.ExecMemSizeMiB = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	j, err := Init(v, Config{Options: opts, Logger: logger, Stats: counters, DumpOut: &out})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { j.Shutdown() })
	return j, v, &out
}

func requireAMD64(t *testing.T) {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skip("native code targets amd64")
	}
}

func constIseq(name string, v value.VALUE) *bytecode.Iseq {
	b := bytecode.NewBuilder(name)
	b.PutObject(v).Emit(bytecode.OpLeave)
	return b.MustFinish()
}

// TestInitRejectsInvalidOptions 测试非法选项在初始化时报错
func TestInitRejectsInvalidOptions(t *testing.T) {
	opts := options.Default()
	opts.CallThreshold = 0
	if _, err := Init(vm.New(vm.Config{}), Config{Options: opts, Logger: zap.NewNop()}); err == nil {
		t.Fatal("Init accepted call_threshold = 0")
	}
}

// TestCompileIseqOnce 测试相同字节码只编译一次
func TestCompileIseqOnce(t *testing.T) {
	requireAMD64(t)
	j, _, _ := newJIT(t, options.Default(), nil)

	first, ok := j.CompileIseq(constIseq("answer", value.Fixnum(42)))
	if !ok || first == 0 {
		t.Fatalf("CompileIseq() = %#x, %v", first, ok)
	}
	// 内容相同的另一个 iseq 命中同一结果
	second, ok := j.CompileIseq(constIseq("answer", value.Fixnum(42)))
	if !ok || second != first {
		t.Errorf("second compile = %#x, want %#x", second, first)
	}
	if n := j.Stats().Compiled.Load(); n != 1 {
		t.Errorf("compiled = %d, want 1", n)
	}

	other, ok := j.CompileIseq(constIseq("answer", value.Fixnum(43)))
	if !ok || other == first {
		t.Errorf("different bytecode shared entry %#x", other)
	}
	if compiled, rejected := j.CompiledCount(); compiled != 2 || rejected != 0 {
		t.Errorf("table = %d compiled, %d rejected", compiled, rejected)
	}
}

// TestConcurrentCompile 测试并发请求同一方法时只生成一份代码
func TestConcurrentCompile(t *testing.T) {
	requireAMD64(t)
	j, _, _ := newJIT(t, options.Default(), nil)
	is := constIseq("shared", value.Qtrue)

	var wg sync.WaitGroup
	entries := make([]uintptr, 8)
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], _ = j.CompileIseq(is)
		}(i)
	}
	wg.Wait()

	for i, e := range entries {
		if e == 0 || e != entries[0] {
			t.Errorf("entries[%d] = %#x, want %#x", i, e, entries[0])
		}
	}
	if n := j.Stats().Compiled.Load(); n != 1 {
		t.Errorf("compiled = %d, want 1", n)
	}
}

// TestRejectionRemembered 测试被拒绝的方法不会重复编译
func TestRejectionRemembered(t *testing.T) {
	j, _, _ := newJIT(t, options.Default(), nil)
	b := bytecode.NewBuilder("sum")
	b.PutObject(value.Fixnum(3)).PutObject(value.Fixnum(4)).OptSend(bytecode.OpOptPlus).Emit(bytecode.OpLeave)
	is := b.MustFinish()

	for i := 0; i < 3; i++ {
		if ptr, ok := j.CompileIseq(is); ok || ptr != 0 {
			t.Fatalf("attempt %d: CompileIseq() = %#x, %v", i, ptr, ok)
		}
	}
	if n := j.Stats().Rejected.Load(); n != 1 {
		t.Errorf("rejected = %d, want 1", n)
	}
	if _, rejected := j.CompiledCount(); rejected != 1 {
		t.Errorf("rejected entries = %d", rejected)
	}
}

// TestStrictUnknownOpcode 测试严格模式下未知操作码使方法被拒绝
func TestStrictUnknownOpcode(t *testing.T) {
	j, _, _ := newJIT(t, options.Default(), nil)
	b := bytecode.NewBuilder("selfish")
	b.Emit(bytecode.OpPutself).Emit(bytecode.OpLeave)

	if _, ok := j.CompileIseq(b.MustFinish()); ok {
		t.Fatal("putself compiled in strict mode")
	}
	s := j.Stats()
	if s.UnknownOpcodes.Load() != 1 || s.Reasons()["unknown opcode"] != 1 {
		t.Errorf("unknown = %d, reasons = %v", s.UnknownOpcodes.Load(), s.Reasons())
	}
}

// TestCrashReport 测试内部错误被记录后继续抛出
func TestCrashReport(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	opts := options.Default()
	opts.StrictOpcodes = false
	j, _, _ := newJIT(t, opts, zap.New(core))

	// 跳过 putself 后 leave 弹出空栈
	b := bytecode.NewBuilder("broken")
	b.Emit(bytecode.OpPutself).Emit(bytecode.OpLeave)
	is := b.MustFinish()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("stack underflow did not panic")
			}
		}()
		j.CompileIseq(is)
	}()

	if n := j.Stats().TranslatorBugs.Load(); n != 1 {
		t.Errorf("translator bugs = %d, want 1", n)
	}
	entries := logs.FilterMessage("zjit internal error").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d internal errors", len(entries))
	}
	if msg := entries[0].ContextMap()["error"].(string); !strings.Contains(msg, "underflow") {
		t.Errorf("error field = %q", msg)
	}
}

// TestDumpSSA 测试按过滤条件打印 SSA
func TestDumpSSA(t *testing.T) {
	opts := options.Default()
	opts.DumpSSA = true
	if err := opts.SetDumpFilter("^loud$"); err != nil {
		t.Fatal(err)
	}
	j, _, out := newJIT(t, opts, nil)

	j.CompileIseq(constIseq("quiet", value.Qnil))
	j.CompileIseq(constIseq("loud", value.Fixnum(7)))

	got := out.String()
	if strings.Contains(got, "quiet") {
		t.Errorf("filtered method dumped:\n%s", got)
	}
	for _, want := range []string{"SSA loud:", "fn loud:", "Return Fixnum(7)"} {
		if !strings.Contains(got, want) {
			t.Errorf("dump missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Snapshot") {
		t.Errorf("snapshots printed without dump_snapshots:\n%s", got)
	}
}

// TestEndToEnd 测试驱动挂到虚拟机后热方法进入机器码
func TestEndToEnd(t *testing.T) {
	requireAMD64(t)
	opts := options.Default()
	opts.Enabled = true
	opts.CallThreshold = 1
	opts.Stats = true
	j, v, out := newJIT(t, opts, nil)

	prog, err := bytecode.ParseProgram([]byte(`
[[method]]
name = "test"
code = ["putobject 3", "leave"]

[[method]]
name = "main"
code = [
  "putself", "opt_send_without_block test 0",
  "putself", "opt_send_without_block test 0",
  "opt_plus",
  "leave",
]
`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.Run(prog)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != value.Fixnum(6) {
		t.Errorf("got %s, want 6", v.Inspect(got))
	}
	if n := j.Stats().JITCalls.Load(); n != 2 {
		t.Errorf("jit calls = %d, want 2", n)
	}

	if err := j.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "compiled_methods:") {
		t.Errorf("stats not printed:\n%s", out.String())
	}
}
