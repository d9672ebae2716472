// Package annotations 记录核心原生方法的运行时性质
//
// 代码生成可以据此判断一次原生调用能否触发 GC、能否回调解释器。
// 这些性质针对的是启动时的原始实现，所以必须在加载用户程序之前收集。
package annotations

import (
	"fmt"

	"github.com/tangzhangming/zjit/internal/vm"
)

// FnProperties 原生方法的运行时性质
type FnProperties struct {
	NoGC bool // 不会触发 GC
	Leaf bool // 不会调用其他方法
}

// Annotations 原生方法性质表，以原生方法编号为键
type Annotations struct {
	cfuncs map[vm.NativeID]FnProperties
	names  map[vm.NativeID]string
}

// annotation 一条登记
type annotation struct {
	class  string
	method string
	props  FnProperties
}

var builtin = []annotation{
	{"Kernel", "itself", FnProperties{NoGC: true, Leaf: true}},
	{"String", "bytesize", FnProperties{NoGC: true, Leaf: true}},
	{"Module", "name", FnProperties{NoGC: true, Leaf: true}},
	{"Module", "===", FnProperties{NoGC: true, Leaf: true}},
}

// Init 收集核心方法的性质
// 登记的方法不存在或不是原生方法时返回错误。
func Init(v *vm.VM) (*Annotations, error) {
	a := &Annotations{
		cfuncs: make(map[vm.NativeID]FnProperties, len(builtin)),
		names:  make(map[vm.NativeID]string, len(builtin)),
	}
	for _, an := range builtin {
		me, ok := v.MethodEntryAt(an.class, an.method)
		if !ok {
			return nil, fmt.Errorf("annotated method %s#%s is not defined", an.class, an.method)
		}
		if !me.IsNative() {
			return nil, fmt.Errorf("annotated method %s#%s is not a native method", an.class, an.method)
		}
		a.cfuncs[me.NativeID] = an.props
		a.names[me.NativeID] = me.QualifiedName()
	}
	return a, nil
}

// CfuncProperties 查询原生方法的性质
// 非原生方法与未登记的方法返回 false。
func (a *Annotations) CfuncProperties(me *vm.MethodEntry) (FnProperties, bool) {
	if me == nil || !me.IsNative() {
		return FnProperties{}, false
	}
	props, ok := a.cfuncs[me.NativeID]
	return props, ok
}

// Entry 一条可打印的登记
type Entry struct {
	Method string
	Props  FnProperties
}

// Entries 返回已登记的条目，顺序与 vm.Natives() 一致
func (a *Annotations) Entries(v *vm.VM) []Entry {
	out := make([]Entry, 0, len(a.cfuncs))
	for _, me := range v.Natives() {
		if props, ok := a.cfuncs[me.NativeID]; ok {
			out = append(out, Entry{Method: a.names[me.NativeID], Props: props})
		}
	}
	return out
}

// String 返回性质的文本形式
func (p FnProperties) String() string {
	switch {
	case p.NoGC && p.Leaf:
		return "no_gc, leaf"
	case p.NoGC:
		return "no_gc"
	case p.Leaf:
		return "leaf"
	}
	return "-"
}
