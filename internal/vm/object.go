package vm

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tangzhangming/zjit/internal/value"
)

// ============================================================================
// 堆对象
// ============================================================================

// Object 对象空间中的堆对象
type Object interface {
	Class() *Class
}

// StringObj 字符串
type StringObj struct {
	class  *Class
	S      string
	Frozen bool
}

func (s *StringObj) Class() *Class { return s.class }

// ArrayObj 数组
type ArrayObj struct {
	class *Class
	Elems []value.VALUE
}

func (a *ArrayObj) Class() *Class { return a.class }

// Instance 普通对象，实例变量按符号 ID 存储
type Instance struct {
	class *Class
	Ivars map[uint32]value.VALUE
}

func (o *Instance) Class() *Class { return o.class }

// ============================================================================
// 对象空间
// ============================================================================

// ObjectSpace 堆对象表与符号表
// 堆句柄是对象在表中的下标，对象一经分配不会回收，
// 所以机器码里嵌入的句柄始终有效。
type ObjectSpace struct {
	mu      sync.Mutex
	objects []Object

	symNames []string
	symIDs   map[string]uint32

	frozen map[string]value.VALUE // 冻结字符串字面量去重
}

func newObjectSpace() *ObjectSpace {
	return &ObjectSpace{
		symIDs: make(map[string]uint32),
		frozen: make(map[string]value.VALUE),
	}
}

// alloc 分配堆对象并返回句柄
func (sp *ObjectSpace) alloc(obj Object) value.VALUE {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.objects = append(sp.objects, obj)
	return value.Heap(len(sp.objects) - 1)
}

// Get 解引用堆句柄
func (sp *ObjectSpace) Get(v value.VALUE) (Object, bool) {
	if !v.HeapP() {
		return nil, false
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	idx := v.HeapIndex()
	if idx < 0 || idx >= len(sp.objects) {
		return nil, false
	}
	return sp.objects[idx], true
}

// Len 返回已分配对象数
func (sp *ObjectSpace) Len() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.objects)
}

// Intern 返回符号 ID，首次出现时登记
func (sp *ObjectSpace) Intern(name string) uint32 {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if id, ok := sp.symIDs[name]; ok {
		return id
	}
	id := uint32(len(sp.symNames))
	sp.symNames = append(sp.symNames, name)
	sp.symIDs[name] = id
	return id
}

// SymbolName 返回符号名
func (sp *ObjectSpace) SymbolName(id uint32) string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if int(id) >= len(sp.symNames) {
		return fmt.Sprintf("<unknown symbol %d>", id)
	}
	return sp.symNames[id]
}

// ============================================================================
// 值的构造与访问
// ============================================================================

// Symbol 返回符号值（实现 bytecode.Literals）
func (vm *VM) Symbol(name string) value.VALUE {
	return value.Symbol(vm.space.Intern(name))
}

// FrozenString 返回去重后的冻结字符串（实现 bytecode.Literals）
func (vm *VM) FrozenString(s string) value.VALUE {
	vm.space.mu.Lock()
	v, ok := vm.space.frozen[s]
	vm.space.mu.Unlock()
	if ok {
		return v
	}
	v = vm.space.alloc(&StringObj{class: vm.cString, S: s, Frozen: true})
	vm.space.mu.Lock()
	vm.space.frozen[s] = v
	vm.space.mu.Unlock()
	return v
}

// NewString 分配可变字符串
func (vm *VM) NewString(s string) value.VALUE {
	return vm.space.alloc(&StringObj{class: vm.cString, S: s})
}

// NewArray 分配数组
func (vm *VM) NewArray(elems []value.VALUE) value.VALUE {
	return vm.space.alloc(&ArrayObj{class: vm.cArray, Elems: elems})
}

// NewInstance 分配 klass 的实例
func (vm *VM) NewInstance(klass *Class) value.VALUE {
	return vm.space.alloc(&Instance{class: klass, Ivars: make(map[uint32]value.VALUE)})
}

// StringValue 读取字符串内容
func (vm *VM) StringValue(v value.VALUE) (string, bool) {
	obj, ok := vm.space.Get(v)
	if !ok {
		return "", false
	}
	s, ok := obj.(*StringObj)
	if !ok {
		return "", false
	}
	return s.S, true
}

// ClassOf 返回值所属的类
func (vm *VM) ClassOf(v value.VALUE) *Class {
	switch {
	case v == value.Qnil:
		return vm.cNilClass
	case v == value.Qtrue:
		return vm.cTrueClass
	case v == value.Qfalse:
		return vm.cFalseClass
	case v.FixnumP():
		return vm.cInteger
	case v.SymbolP():
		return vm.cSymbol
	}
	if obj, ok := vm.space.Get(v); ok {
		return obj.Class()
	}
	return vm.cBasicObject
}

// Inspect 返回值的 inspect 形式
func (vm *VM) Inspect(v value.VALUE) string {
	switch {
	case v == value.Qnil:
		return "nil"
	case v == value.Qtrue:
		return "true"
	case v == value.Qfalse:
		return "false"
	case v.FixnumP():
		return strconv.FormatInt(v.AsFixnum(), 10)
	case v.SymbolP():
		return ":" + vm.space.SymbolName(v.SymbolID())
	}
	obj, ok := vm.space.Get(v)
	if !ok {
		return v.String()
	}
	switch o := obj.(type) {
	case *StringObj:
		return strconv.Quote(o.S)
	case *ArrayObj:
		parts := make([]string, len(o.Elems))
		for i, e := range o.Elems {
			parts[i] = vm.Inspect(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Class:
		return o.Name
	case *Instance:
		if o == vm.mainObj {
			return "main"
		}
		return fmt.Sprintf("#<%s>", o.class.Name)
	}
	return v.String()
}

// ToS 返回值的 to_s 形式（puts 使用）
func (vm *VM) ToS(v value.VALUE) string {
	switch {
	case v == value.Qnil:
		return ""
	case v.SymbolP():
		return vm.space.SymbolName(v.SymbolID())
	}
	if s, ok := vm.StringValue(v); ok {
		return s
	}
	return vm.Inspect(v)
}
