package vm

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/value"
)

// run 解析并运行 TOML 程序，返回入口方法的结果与输出
func run(t *testing.T, vm *VM, src string) (value.VALUE, error) {
	t.Helper()
	prog, err := bytecode.ParseProgram([]byte(src))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	return vm.Run(prog)
}

func newTestVM(out *bytes.Buffer) *VM {
	return New(Config{Out: out, MaxDepth: 64, StackSize: 4096})
}

// ============================================================================
// 基本执行
// ============================================================================

// TestRunLiterals 测试最简单的方法体
func TestRunLiterals(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"nil", `"putnil", "leave"`, "nil"},
		{"one", `"putobject_INT2FIX_1_", "leave"`, "1"},
		{"plus", `"putobject 1", "putobject 2", "opt_plus", "leave"`, "3"},
		{"string", `'putstring "hi"', "leave"`, `"hi"`},
		{"symbol", `'putstring "sym"', "intern", "leave"`, ":sym"},
		{"array", `"putobject 1", "putnil", "putobject true", "newarray 3", "leave"`, "[1, nil, true]"},
		{"swap", `"putobject 1", "putobject 2", "swap", "opt_minus", "leave"`, "1"},
		{"nil_p", `"putnil", "opt_nil_p", "leave"`, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(&bytes.Buffer{})
			got, err := run(t, vm, "[[method]]\nname = \"main\"\ncode = ["+tt.code+"]\n")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if s := vm.Inspect(got); s != tt.want {
				t.Errorf("got %s, want %s", s, tt.want)
			}
		})
	}
}

// TestBranches 测试条件跳转与局部变量
func TestBranches(t *testing.T) {
	src := `
[[method]]
name = "main"
locals = ["x", "r"]
code = [
  "putobject 10",
  "setlocal_WC_0 x",
  "getlocal_WC_0 x",
  "putobject 5",
  "opt_gt",
  "branchunless small",
  "putobject :big",
  "setlocal_WC_0 r",
  "jump done",
  "small:",
  "putobject :small",
  "setlocal_WC_0 r",
  "done:",
  "getlocal_WC_0 r",
  "leave",
]
`
	vm := newTestVM(&bytes.Buffer{})
	got, err := run(t, vm, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if vm.Inspect(got) != ":big" {
		t.Errorf("got %s", vm.Inspect(got))
	}
	if vm.Depth() != 0 {
		t.Errorf("depth after run = %d", vm.Depth())
	}
}

// TestMethodCall 测试带参数的方法调用与输出
func TestMethodCall(t *testing.T) {
	src := `
[[method]]
name = "add"
arity = 2
locals = ["a", "b"]
code = ["getlocal_WC_0 a", "getlocal_WC_0 b", "opt_plus", "leave"]

[[method]]
name = "main"
code = [
  "putself",
  "putself",
  "putobject 20",
  "putobject 22",
  "opt_send_without_block add 2",
  "opt_send_without_block puts 1",
  "pop",
  "putself",
  'putstring "done"',
  "opt_send_without_block puts 1",
  "leave",
]
`
	var out bytes.Buffer
	vm := newTestVM(&out)
	got, err := run(t, vm, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != value.Qnil {
		t.Errorf("puts should return nil, got %s", vm.Inspect(got))
	}
	if out.String() != "42\ndone\n" {
		t.Errorf("output = %q", out.String())
	}
}

// TestClassesAndIvars 测试类、实例变量与常量路径
func TestClassesAndIvars(t *testing.T) {
	src := `
[[method]]
owner = "Point"
name = "initialize"
arity = 1
locals = ["x"]
code = ["getlocal_WC_0 x", "setinstancevariable :@x", "putnil", "leave"]

[[method]]
owner = "Point"
name = "x"
code = ["getinstancevariable :@x", "leave"]

[[method]]
name = "main"
code = [
  "opt_getconstant_path Point",
  "putobject 7",
  "opt_send_without_block new 1",
  "opt_send_without_block x 0",
  "leave",
]
`
	vm := newTestVM(&bytes.Buffer{})
	got, err := run(t, vm, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != value.Fixnum(7) {
		t.Errorf("got %s", vm.Inspect(got))
	}
	point, ok := vm.ClassNamed("Point")
	if !ok || point.Super != vm.cObject {
		t.Fatalf("Point class not defined under Object")
	}
}

// TestDefined 测试 defined 查询
func TestDefined(t *testing.T) {
	src := `
[[method]]
name = "main"
code = [
  "putnil",
  'defined 9, :Integer, "constant"',
  "putnil",
  'defined 9, :Nope, "constant"',
  "newarray 2",
  "leave",
]
`
	vm := newTestVM(&bytes.Buffer{})
	got, err := run(t, vm, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := vm.Inspect(got); s != `["constant", nil]` {
		t.Errorf("got %s", s)
	}
}

// ============================================================================
// 异常
// ============================================================================

// TestErrors 测试语言层异常
func TestErrors(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		class string
		msg   string
	}{
		{"no method", `"putobject 1", "opt_send_without_block frobnicate 0", "leave"`, NoMethodError, "undefined method 'frobnicate' for an instance of Integer"},
		{"nil receiver", `"putnil", "opt_send_without_block frobnicate 0", "leave"`, NoMethodError, "for nil"},
		{"type", `"putobject 1", 'putstring "a"', "opt_plus", "leave"`, TypeError, "String can't be coerced into Integer"},
		{"arity", `"putself", "putobject 1", "opt_send_without_block itself 1", "leave"`, ArgumentError, "given 1, expected 0"},
		{"constant", `"opt_getconstant_path Missing", "leave"`, NameError, "uninitialized constant Missing"},
		{"divide", `"putobject 1", "putobject 0", "opt_send_without_block / 1", "leave"`, ZeroDivisionErr, "divided by 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(&bytes.Buffer{})
			_, err := run(t, vm, "[[method]]\nname = \"main\"\ncode = ["+tt.code+"]\n")
			if !IsRuntimeError(err, tt.class) {
				t.Fatalf("err = %v, want %s", err, tt.class)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %q, want it to contain %q", err, tt.msg)
			}
			if !strings.Contains(err.Error(), "Object#main") {
				t.Errorf("err = %q should name the failing method", err)
			}
			if vm.Depth() != 0 {
				t.Errorf("frames leaked: depth = %d", vm.Depth())
			}
		})
	}
}

// TestStackLevelTooDeep 测试无限递归
func TestStackLevelTooDeep(t *testing.T) {
	src := `
[[method]]
name = "main"
code = ["putself", "opt_send_without_block main 0", "leave"]
`
	vm := newTestVM(&bytes.Buffer{})
	_, err := run(t, vm, src)
	if !IsRuntimeError(err, SystemStackError) {
		t.Fatalf("err = %v", err)
	}
	if vm.Depth() != 0 || vm.sp != 0 {
		t.Errorf("state leaked: depth = %d, sp = %d", vm.Depth(), vm.sp)
	}
}

// TestNoEntry 测试缺少入口方法
func TestNoEntry(t *testing.T) {
	vm := newTestVM(&bytes.Buffer{})
	_, err := run(t, vm, "entry = \"start\"\n[[method]]\nname = \"main\"\ncode = [\"putnil\", \"leave\"]\n")
	if err == nil || !strings.Contains(err.Error(), "start") {
		t.Errorf("err = %v", err)
	}
}

// ============================================================================
// 控制帧
// ============================================================================

// TestFrameLayout 测试机器码依赖的布局常量
func TestFrameLayout(t *testing.T) {
	if OffsetECCFP != 0 {
		t.Errorf("OffsetECCFP = %d", OffsetECCFP)
	}
	if OffsetCFPSP != int32(unsafe.Sizeof(uintptr(0))) {
		t.Errorf("OffsetCFPSP = %d", OffsetCFPSP)
	}
	if SizeofControlFrame != 6*int32(unsafe.Sizeof(uintptr(0))) {
		t.Errorf("SizeofControlFrame = %d", SizeofControlFrame)
	}
}

// TestFramesGrowDown 测试帧从高地址向低地址增长
func TestFramesGrowDown(t *testing.T) {
	fs := newFrameStack(2)
	root := fs.ec.CFP
	if _, ok := fs.push(0, value.Qnil, 0, 0); !ok {
		t.Fatal("first push failed")
	}
	first := fs.ec.CFP
	if root-first != uintptr(SizeofControlFrame) {
		t.Errorf("push moved cfp by %d", root-first)
	}
	if fs.index(first) != 1 {
		t.Errorf("first frame index = %d", fs.index(first))
	}
	if _, ok := fs.push(1, value.Qnil, 0, 0); !ok {
		t.Fatal("second push failed")
	}
	if _, ok := fs.push(2, value.Qnil, 0, 0); ok {
		t.Error("third push should overflow")
	}
	fs.pop()
	fs.pop()
	if fs.ec.CFP != root || fs.depth() != 0 {
		t.Errorf("cfp = %#x, root = %#x", fs.ec.CFP, root)
	}
}

// ============================================================================
// 分层编译
// ============================================================================

type fakeJIT struct {
	calls []string
}

func (j *fakeJIT) CompileIseq(is *bytecode.Iseq) (uintptr, bool) {
	j.calls = append(j.calls, is.Name)
	return 0, false
}

// TestTieringThreshold 测试调用次数达到阈值后请求编译，被拒绝后不再请求
func TestTieringThreshold(t *testing.T) {
	src := `
[[method]]
name = "one"
code = ["putobject 1", "leave"]

[[method]]
name = "id"
arity = 1
locals = ["x"]
code = ["getlocal_WC_0 x", "leave"]

[[method]]
name = "main"
code = [
  "putself", "opt_send_without_block one 0", "pop",
  "putself", "opt_send_without_block one 0", "pop",
  "putself", "opt_send_without_block one 0", "pop",
  "putself", "opt_send_without_block one 0", "pop",
  "putself", "putobject 1", "opt_send_without_block id 1", "pop",
  "putself", "putobject 1", "opt_send_without_block id 1", "pop",
  "putself", "putobject 1", "opt_send_without_block id 1",
  "leave",
]
`
	jit := &fakeJIT{}
	counters := stats.New()
	vm := New(Config{Out: &bytes.Buffer{}, Stats: counters, JIT: jit, CallThreshold: 2})
	got, err := run(t, vm, src)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != value.Fixnum(1) {
		t.Errorf("got %s", vm.Inspect(got))
	}

	want := []string{"one"}
	if !nativeCallSupported {
		want = nil
	}
	if strings.Join(jit.calls, ",") != strings.Join(want, ",") {
		t.Errorf("compile requests = %v, want %v", jit.calls, want)
	}
	me, _ := vm.MethodEntryAt("Object", "one")
	if me.CallCount != 4 || me.JITEntry != 0 {
		t.Errorf("one: calls = %d, entry = %#x", me.CallCount, me.JITEntry)
	}
	if counters.InterpretedCalls.Load() != 8 {
		t.Errorf("interpreted calls = %d", counters.InterpretedCalls.Load())
	}
}

// TestNativeMethodIDs 测试原生方法编号
func TestNativeMethodIDs(t *testing.T) {
	vm := newTestVM(&bytes.Buffer{})
	itself, ok := vm.MethodEntryAt("Kernel", "itself")
	if !ok || !itself.IsNative() {
		t.Fatal("Kernel#itself not registered")
	}
	if vm.Natives()[itself.NativeID] != itself {
		t.Error("NativeID should index Natives()")
	}
	if itself.QualifiedName() != "Kernel#itself" {
		t.Errorf("QualifiedName() = %s", itself.QualifiedName())
	}
	got, err := vm.Call(value.Fixnum(5), "itself")
	if err != nil || got != value.Fixnum(5) {
		t.Errorf("itself = %v, %v", got, err)
	}
	eq, err := vm.Call(vm.cInteger.self, "===", value.Fixnum(5))
	if err != nil || eq != value.Qtrue {
		t.Errorf("Integer === 5 = %v, %v", eq, err)
	}
}
