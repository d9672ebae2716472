// Package vm 实现宿主解释器
//
// 解释器执行 bytecode 包定义的字节码，负责对象空间、方法分派与控制帧管理，
// 并按调用次数把方法交给 JIT 编译。机器码与解释器共享控制帧布局：
// 机器码入口以 (ec, cfp) 为参数，返回时自行弹出控制帧。
package vm

import (
	"fmt"
	"io"
	"os"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/value"
)

// JIT 编译器接口
// 返回机器码入口地址；第二个返回值为 false 表示方法被拒绝，继续解释执行。
type JIT interface {
	CompileIseq(is *bytecode.Iseq) (uintptr, bool)
}

// Config 虚拟机配置
type Config struct {
	Out           io.Writer       // puts/p 的输出，默认 os.Stdout
	Logger        *zap.Logger     // 默认不输出日志
	Stats         *stats.Counters // 可为 nil
	MaxDepth      int             // 最大调用深度
	StackSize     int             // 值栈大小（字）
	JIT           JIT             // 可为 nil
	CallThreshold int             // 调用多少次后尝试编译
}

// DefaultStackSize 默认值栈大小
const DefaultStackSize = 64 * 1024

// VM 虚拟机
type VM struct {
	out       io.Writer
	logger    *zap.Logger
	stats     *stats.Counters
	jit       JIT
	threshold int64

	space   *ObjectSpace
	methods []*MethodEntry
	natives []*MethodEntry

	frames    *frameStack
	stack     []value.VALUE
	stackBase uintptr
	sp        int

	cBasicObject *Class
	cObject      *Class
	cKernel      *Class
	cModule      *Class
	cClass       *Class
	cNilClass    *Class
	cTrueClass   *Class
	cFalseClass  *Class
	cInteger     *Class
	cString      *Class
	cSymbol      *Class
	cArray       *Class

	mainObj *Instance
	main    value.VALUE
}

// New 创建虚拟机并初始化核心类
func New(cfg Config) *VM {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if cfg.StackSize <= 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.CallThreshold <= 0 {
		cfg.CallThreshold = 1
	}

	vm := &VM{
		out:       cfg.Out,
		logger:    cfg.Logger,
		stats:     cfg.Stats,
		jit:       cfg.JIT,
		threshold: int64(cfg.CallThreshold),
		space:     newObjectSpace(),
		frames:    newFrameStack(cfg.MaxDepth),
		stack:     make([]value.VALUE, cfg.StackSize),
	}
	vm.stackBase = uintptr(unsafe.Pointer(&vm.stack[0]))
	vm.boot()
	return vm
}

// boot 建立核心类层次并登记原生方法
func (vm *VM) boot() {
	vm.cBasicObject = vm.defineClass("BasicObject", nil)
	vm.cKernel = vm.defineClass("Kernel", vm.cBasicObject)
	vm.cObject = vm.defineClass("Object", vm.cKernel)
	for _, c := range []*Class{vm.cBasicObject, vm.cKernel, vm.cObject} {
		vm.cObject.Consts[c.Name] = c.self
	}
	vm.cModule = vm.defineClass("Module", vm.cObject)
	vm.cClass = vm.defineClass("Class", vm.cModule)
	vm.cKernel.meta = vm.cModule
	for _, c := range []*Class{vm.cBasicObject, vm.cObject, vm.cModule, vm.cClass} {
		c.meta = vm.cClass
	}

	vm.cNilClass = vm.defineClass("NilClass", vm.cObject)
	vm.cTrueClass = vm.defineClass("TrueClass", vm.cObject)
	vm.cFalseClass = vm.defineClass("FalseClass", vm.cObject)
	vm.cInteger = vm.defineClass("Integer", vm.cObject)
	vm.cString = vm.defineClass("String", vm.cObject)
	vm.cSymbol = vm.defineClass("Symbol", vm.cObject)
	vm.cArray = vm.defineClass("Array", vm.cObject)

	vm.main = vm.NewInstance(vm.cObject)
	obj, _ := vm.space.Get(vm.main)
	vm.mainObj = obj.(*Instance)

	vm.defineBuiltins()
}

// SetJIT 挂接 JIT 编译器
func (vm *VM) SetJIT(jit JIT, threshold int) {
	vm.jit = jit
	if threshold > 0 {
		vm.threshold = int64(threshold)
	}
}

// Main 返回顶层对象
func (vm *VM) Main() value.VALUE {
	return vm.main
}

// Space 返回对象空间
func (vm *VM) Space() *ObjectSpace {
	return vm.space
}

// ExecutionContext 返回执行上下文
func (vm *VM) ExecutionContext() *ExecutionContext {
	return vm.frames.ec
}

// Depth 返回当前调用深度
func (vm *VM) Depth() int {
	return vm.frames.depth()
}

// ============================================================================
// 程序加载
// ============================================================================

// Load 汇编并定义程序中的所有方法
func (vm *VM) Load(p *bytecode.Program) ([]*MethodEntry, error) {
	compiled, err := p.Compile(vm)
	if err != nil {
		return nil, err
	}
	entries := make([]*MethodEntry, 0, len(compiled))
	for _, cm := range compiled {
		if err := bytecode.Verify(cm.Iseq); err != nil {
			return nil, fmt.Errorf("method %s#%s: %w", cm.Def.Owner, cm.Def.Name, err)
		}
		c := vm.classOrDefine(cm.Def.Owner)
		entries = append(entries, vm.DefineMethod(c, cm.Def.Name, cm.Def.Arity, cm.Iseq))
	}
	return entries, nil
}

// Run 加载程序并以顶层对象为接收者调用入口方法
func (vm *VM) Run(p *bytecode.Program) (value.VALUE, error) {
	if _, err := vm.Load(p); err != nil {
		return value.Qnil, err
	}
	me, ok := vm.cObject.Methods[p.Entry]
	if !ok {
		return value.Qnil, fmt.Errorf("%w: %s", ErrNoEntry, p.Entry)
	}
	return vm.CallMethod(vm.main, me, nil)
}

// Call 以方法名调用
func (vm *VM) Call(recv value.VALUE, name string, args ...value.VALUE) (value.VALUE, error) {
	return vm.dispatch(recv, name, args)
}

// ============================================================================
// 方法调用
// ============================================================================

// dispatch 查找并调用方法
func (vm *VM) dispatch(recv value.VALUE, name string, args []value.VALUE) (value.VALUE, error) {
	me, ok := vm.ClassOf(recv).Lookup(name)
	if !ok {
		return value.Qnil, newError(NoMethodError, "undefined method '%s' for %s", name, vm.describe(recv))
	}
	return vm.CallMethod(recv, me, args)
}

// CallMethod 调用方法表项
func (vm *VM) CallMethod(recv value.VALUE, me *MethodEntry, args []value.VALUE) (value.VALUE, error) {
	if me.Arity != VariadicArity && len(args) != me.Arity {
		return value.Qnil, newError(ArgumentError, "wrong number of arguments (given %d, expected %d)", len(args), me.Arity)
	}
	if me.IsNative() {
		return me.Native(vm, recv, args)
	}

	me.CallCount++
	if me.JITEntry == 0 && !me.jitFailed && vm.jit != nil && me.CallCount >= vm.threshold {
		vm.compile(me)
	}
	if me.JITEntry != 0 {
		return vm.callJIT(me, recv)
	}
	return vm.interpret(me, recv, args)
}

// compile 请求 JIT 编译
// 只编译无参方法：机器码入口把所有局部变量视为 nil。
func (vm *VM) compile(me *MethodEntry) {
	if me.Arity != 0 || !nativeCallSupported {
		me.jitFailed = true
		return
	}
	start := time.Now()
	entry, ok := vm.jit.CompileIseq(me.Iseq)
	if !ok || entry == 0 {
		me.jitFailed = true
		vm.logger.Debug("method stays interpreted", zap.String("method", me.QualifiedName()))
		return
	}
	me.JITEntry = entry
	vm.logger.Debug("method compiled",
		zap.String("method", me.QualifiedName()),
		zap.Uintptr("entry", entry),
		zap.Duration("elapsed", time.Since(start)))
}

// callJIT 进入机器码
func (vm *VM) callJIT(me *MethodEntry, recv value.VALUE) (value.VALUE, error) {
	prev := vm.frames.ec.CFP
	sp := vm.addr(vm.sp)
	if _, ok := vm.frames.push(me.index, recv, sp, sp); !ok {
		return value.Qnil, newError(SystemStackError, "stack level too deep")
	}
	ret := callJITEntry(me.JITEntry, vm.frames.ecAddr(), vm.frames.ec.CFP)
	if vm.frames.ec.CFP != prev {
		panic(fmt.Sprintf("vm: machine code for %s left cfp at %#x, want %#x", me.QualifiedName(), vm.frames.ec.CFP, prev))
	}
	if vm.stats != nil {
		vm.stats.JITCalls.Inc()
	}
	return value.VALUE(ret), nil
}

// addr 返回值栈槽位的地址
func (vm *VM) addr(i int) uintptr {
	return vm.stackBase + uintptr(i)*unsafe.Sizeof(value.VALUE(0))
}

// describe 生成 NoMethodError 中的接收者描述
func (vm *VM) describe(v value.VALUE) string {
	switch v {
	case value.Qnil:
		return "nil"
	case value.Qtrue:
		return "true"
	case value.Qfalse:
		return "false"
	case vm.main:
		return "main:Object"
	}
	if obj, ok := vm.space.Get(v); ok {
		if c, ok := obj.(*Class); ok {
			return "class " + c.Name
		}
	}
	return "an instance of " + vm.ClassOf(v).Name
}
