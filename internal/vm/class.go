package vm

import (
	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/value"
)

// NativeFunc 原生方法实现
type NativeFunc func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error)

// NativeID 原生方法的登记编号
// 原生方法没有可比较的函数地址，用登记顺序作为身份。
type NativeID int

// VariadicArity 接受任意个参数的原生方法
const VariadicArity = -1

// MethodEntry 方法表项
type MethodEntry struct {
	Owner *Class
	Name  string
	Arity int

	// 字节码方法
	Iseq *bytecode.Iseq

	// 原生方法
	Native   NativeFunc
	NativeID NativeID

	CallCount int64   // 调用次数（分层编译使用）
	JITEntry  uintptr // 机器码入口，0 表示未编译
	jitFailed bool    // 编译被拒绝后不再尝试
	index     int     // 方法表编号，写入 ControlFrame.Method
}

// IsNative 是否为原生方法
func (me *MethodEntry) IsNative() bool {
	return me.Native != nil
}

// QualifiedName 返回 Owner#name 形式的名称
func (me *MethodEntry) QualifiedName() string {
	if me.Owner == nil {
		return me.Name
	}
	return me.Owner.Name + "#" + me.Name
}

// Class 类或模块
type Class struct {
	Name    string
	Super   *Class
	Methods map[string]*MethodEntry
	Consts  map[string]value.VALUE

	meta *Class
	self value.VALUE
}

// Class 返回类对象自身所属的类
func (c *Class) Class() *Class { return c.meta }

// Value 返回类对象的句柄
func (c *Class) Value() value.VALUE { return c.self }

// Lookup 沿继承链查找方法
func (c *Class) Lookup(name string) (*MethodEntry, bool) {
	for k := c; k != nil; k = k.Super {
		if me, ok := k.Methods[name]; ok {
			return me, true
		}
	}
	return nil, false
}

// IsA 判断 c 是否为 other 或其子类
func (c *Class) IsA(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

// defineClass 创建类并登记为 Object 下的常量
func (vm *VM) defineClass(name string, super *Class) *Class {
	c := &Class{
		Name:    name,
		Super:   super,
		Methods: make(map[string]*MethodEntry),
		Consts:  make(map[string]value.VALUE),
		meta:    vm.cClass,
	}
	c.self = vm.space.alloc(c)
	if vm.cObject != nil {
		vm.cObject.Consts[name] = c.self
	}
	return c
}

// ClassNamed 按名称查找顶层类
func (vm *VM) ClassNamed(name string) (*Class, bool) {
	v, ok := vm.cObject.Consts[name]
	if !ok {
		return nil, false
	}
	obj, ok := vm.space.Get(v)
	if !ok {
		return nil, false
	}
	c, ok := obj.(*Class)
	return c, ok
}

// classOrDefine 查找类，不存在时以 Object 为父类创建
func (vm *VM) classOrDefine(name string) *Class {
	if c, ok := vm.ClassNamed(name); ok {
		return c
	}
	return vm.defineClass(name, vm.cObject)
}

// defineNative 登记原生方法
func (vm *VM) defineNative(c *Class, name string, arity int, fn NativeFunc) *MethodEntry {
	me := &MethodEntry{
		Owner:    c,
		Name:     name,
		Arity:    arity,
		Native:   fn,
		NativeID: NativeID(len(vm.natives)),
	}
	vm.natives = append(vm.natives, me)
	vm.registerMethod(me)
	c.Methods[name] = me
	return me
}

// DefineMethod 定义字节码方法，同名方法会被替换
func (vm *VM) DefineMethod(c *Class, name string, arity int, is *bytecode.Iseq) *MethodEntry {
	me := &MethodEntry{Owner: c, Name: name, Arity: arity, Iseq: is}
	vm.registerMethod(me)
	c.Methods[name] = me
	return me
}

func (vm *VM) registerMethod(me *MethodEntry) {
	me.index = len(vm.methods)
	vm.methods = append(vm.methods, me)
}

// MethodOfFrame 返回控制帧正在执行的方法
func (vm *VM) MethodOfFrame(cfp *ControlFrame) *MethodEntry {
	return vm.methods[cfp.Method]
}

// MethodEntryAt 查找类上直接定义的方法（不沿继承链）
func (vm *VM) MethodEntryAt(className, name string) (*MethodEntry, bool) {
	c, ok := vm.ClassNamed(className)
	if !ok {
		return nil, false
	}
	me, ok := c.Methods[name]
	return me, ok
}

// Natives 返回所有登记的原生方法
func (vm *VM) Natives() []*MethodEntry {
	return vm.natives
}
