package vm

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/tangzhangming/zjit/internal/value"
)

// ============================================================================
// 核心类的原生方法
// ============================================================================

func (vm *VM) defineBuiltins() {
	vm.defineBasicObject()
	vm.defineKernel()
	vm.defineModule()
	vm.defineNilClass()
	vm.defineInteger()
	vm.defineString()
	vm.defineSymbol()
	vm.defineArray()
}

func (vm *VM) defineBasicObject() {
	c := vm.cBasicObject
	vm.defineNative(c, "initialize", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Qnil, nil
	})
	vm.defineNative(c, "==", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Bool(self == args[0]), nil
	})
	vm.defineNative(c, "equal?", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Bool(self == args[0]), nil
	})
	vm.defineNative(c, "!", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Bool(!value.RTEST(self)), nil
	})
	vm.defineNative(c, "!=", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		eq, err := vm.Call(self, "==", args[0])
		if err != nil {
			return value.Qnil, err
		}
		return value.Bool(!value.RTEST(eq)), nil
	})
}

func (vm *VM) defineKernel() {
	c := vm.cKernel
	vm.defineNative(c, "itself", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return self, nil
	})
	vm.defineNative(c, "nil?", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Qfalse, nil
	})
	vm.defineNative(c, "class", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return vm.ClassOf(self).self, nil
	})
	vm.defineNative(c, "frozen?", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		if self.SpecialConstP() {
			return value.Qtrue, nil
		}
		if obj, ok := vm.space.Get(self); ok {
			if s, ok := obj.(*StringObj); ok {
				return value.Bool(s.Frozen), nil
			}
		}
		return value.Qfalse, nil
	})
	vm.defineNative(c, "to_s", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return vm.NewString(vm.ToS(self)), nil
	})
	vm.defineNative(c, "inspect", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return vm.NewString(vm.Inspect(self)), nil
	})
	vm.defineNative(c, "respond_to?", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		name, err := vm.methodName(args[0])
		if err != nil {
			return value.Qnil, err
		}
		_, ok := vm.ClassOf(self).Lookup(name)
		return value.Bool(ok), nil
	})
	vm.defineNative(c, "puts", VariadicArity, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		if len(args) == 0 {
			_, err := fmt.Fprintln(vm.out)
			return value.Qnil, err
		}
		for _, a := range args {
			if err := vm.puts(a); err != nil {
				return value.Qnil, err
			}
		}
		return value.Qnil, nil
	})
	vm.defineNative(c, "p", VariadicArity, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		for _, a := range args {
			if _, err := fmt.Fprintln(vm.out, vm.Inspect(a)); err != nil {
				return value.Qnil, err
			}
		}
		switch len(args) {
		case 0:
			return value.Qnil, nil
		case 1:
			return args[0], nil
		}
		return vm.NewArray(args), nil
	})
}

// puts 输出一个值，数组逐个元素输出
func (vm *VM) puts(v value.VALUE) error {
	if obj, ok := vm.space.Get(v); ok {
		if arr, ok := obj.(*ArrayObj); ok {
			for _, e := range arr.Elems {
				if err := vm.puts(e); err != nil {
					return err
				}
			}
			return nil
		}
	}
	_, err := fmt.Fprintln(vm.out, vm.ToS(v))
	return err
}

func (vm *VM) defineModule() {
	c := vm.cModule
	vm.defineNative(c, "name", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		k, err := vm.classArg(self)
		if err != nil {
			return value.Qnil, err
		}
		return vm.FrozenString(k.Name), nil
	})
	vm.defineNative(c, "===", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		k, err := vm.classArg(self)
		if err != nil {
			return value.Qnil, err
		}
		return value.Bool(vm.ClassOf(args[0]).IsA(k)), nil
	})

	vm.defineNative(vm.cClass, "new", VariadicArity, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		k, err := vm.classArg(self)
		if err != nil {
			return value.Qnil, err
		}
		obj := vm.NewInstance(k)
		if _, err := vm.Call(obj, "initialize", args...); err != nil {
			return value.Qnil, err
		}
		return obj, nil
	})
	vm.defineNative(vm.cClass, "superclass", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		k, err := vm.classArg(self)
		if err != nil {
			return value.Qnil, err
		}
		if k.Super == nil {
			return value.Qnil, nil
		}
		return k.Super.self, nil
	})
}

func (vm *VM) defineNilClass() {
	vm.defineNative(vm.cNilClass, "nil?", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Qtrue, nil
	})
	vm.defineNative(vm.cNilClass, "to_a", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return vm.NewArray(nil), nil
	})
}

// ============================================================================
// Integer
// ============================================================================

// intBinop 定义 fixnum 二元运算，结果超出 fixnum 范围时抛出 RangeError
func (vm *VM) intBinop(name string, fn func(a, b int64) (int64, bool, error)) {
	vm.defineNative(vm.cInteger, name, 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		b, err := vm.intArg(args[0])
		if err != nil {
			return value.Qnil, err
		}
		r, ok, err := fn(self.AsFixnum(), b)
		if err != nil {
			return value.Qnil, err
		}
		if !ok || !value.FixableP(r) {
			return value.Qnil, newError(RangeError, "integer overflow in Integer#%s", name)
		}
		return value.Fixnum(r), nil
	})
}

func (vm *VM) intCompare(name string, fn func(a, b int64) bool) {
	vm.defineNative(vm.cInteger, name, 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		b, err := vm.intArg(args[0])
		if err != nil {
			return value.Qnil, err
		}
		return value.Bool(fn(self.AsFixnum(), b)), nil
	})
}

func (vm *VM) defineInteger() {
	vm.intBinop("+", func(a, b int64) (int64, bool, error) { return a + b, true, nil })
	vm.intBinop("-", func(a, b int64) (int64, bool, error) { return a - b, true, nil })
	vm.intBinop("*", func(a, b int64) (int64, bool, error) {
		if a == 0 || b == 0 {
			return 0, true, nil
		}
		r := a * b
		return r, r/b == a && !(a == -1 && b == math.MinInt64) && !(b == -1 && a == math.MinInt64), nil
	})
	vm.intBinop("/", func(a, b int64) (int64, bool, error) {
		if b == 0 {
			return 0, false, newError(ZeroDivisionErr, "divided by 0")
		}
		q := a / b
		if (a%b != 0) && ((a < 0) != (b < 0)) {
			q--
		}
		return q, true, nil
	})
	vm.intBinop("%", func(a, b int64) (int64, bool, error) {
		if b == 0 {
			return 0, false, newError(ZeroDivisionErr, "divided by 0")
		}
		m := a % b
		if m != 0 && ((m < 0) != (b < 0)) {
			m += b
		}
		return m, true, nil
	})
	vm.intCompare("<", func(a, b int64) bool { return a < b })
	vm.intCompare("<=", func(a, b int64) bool { return a <= b })
	vm.intCompare(">", func(a, b int64) bool { return a > b })
	vm.intCompare(">=", func(a, b int64) bool { return a >= b })
	vm.defineNative(vm.cInteger, "zero?", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Bool(self.AsFixnum() == 0), nil
	})
}

// intArg 要求参数为 Integer
func (vm *VM) intArg(v value.VALUE) (int64, error) {
	if !v.FixnumP() {
		return 0, newError(TypeError, "%s can't be coerced into Integer", vm.ClassOf(v).Name)
	}
	return v.AsFixnum(), nil
}

// ============================================================================
// String / Symbol / Array
// ============================================================================

func (vm *VM) defineString() {
	c := vm.cString
	vm.defineNative(c, "bytesize", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		s, _ := vm.StringValue(self)
		return value.Fixnum(int64(len(s))), nil
	})
	vm.defineNative(c, "length", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		s, _ := vm.StringValue(self)
		return value.Fixnum(int64(utf8.RuneCountInString(s))), nil
	})
	vm.defineNative(c, "+", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		s, _ := vm.StringValue(self)
		t, ok := vm.StringValue(args[0])
		if !ok {
			return value.Qnil, newError(TypeError, "no implicit conversion of %s into String", vm.ClassOf(args[0]).Name)
		}
		return vm.NewString(s + t), nil
	})
	vm.defineNative(c, "==", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		s, _ := vm.StringValue(self)
		t, ok := vm.StringValue(args[0])
		return value.Bool(ok && s == t), nil
	})
	vm.defineNative(c, "to_s", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return self, nil
	})
	vm.defineNative(c, "to_sym", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		s, _ := vm.StringValue(self)
		return vm.Symbol(s), nil
	})
	vm.defineNative(c, "freeze", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		if obj, ok := vm.space.Get(self); ok {
			obj.(*StringObj).Frozen = true
		}
		return self, nil
	})
}

func (vm *VM) defineSymbol() {
	vm.defineNative(vm.cSymbol, "to_sym", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return self, nil
	})
}

func (vm *VM) defineArray() {
	c := vm.cArray
	vm.defineNative(c, "size", 0, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		return value.Fixnum(int64(len(vm.arrayOf(self).Elems))), nil
	})
	vm.defineNative(c, "[]", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		idx, err := vm.intArg(args[0])
		if err != nil {
			return value.Qnil, err
		}
		elems := vm.arrayOf(self).Elems
		if idx < 0 {
			idx += int64(len(elems))
		}
		if idx < 0 || idx >= int64(len(elems)) {
			return value.Qnil, nil
		}
		return elems[idx], nil
	})
	vm.defineNative(c, "<<", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		arr := vm.arrayOf(self)
		arr.Elems = append(arr.Elems, args[0])
		return self, nil
	})
	vm.defineNative(c, "==", 1, func(vm *VM, self value.VALUE, args []value.VALUE) (value.VALUE, error) {
		obj, ok := vm.space.Get(args[0])
		other, isArr := obj.(*ArrayObj)
		if !ok || !isArr {
			return value.Qfalse, nil
		}
		elems := vm.arrayOf(self).Elems
		if len(elems) != len(other.Elems) {
			return value.Qfalse, nil
		}
		for i := range elems {
			eq, err := vm.Call(elems[i], "==", other.Elems[i])
			if err != nil {
				return value.Qnil, err
			}
			if !value.RTEST(eq) {
				return value.Qfalse, nil
			}
		}
		return value.Qtrue, nil
	})
}

// ============================================================================
// 参数辅助
// ============================================================================

func (vm *VM) arrayOf(v value.VALUE) *ArrayObj {
	obj, _ := vm.space.Get(v)
	return obj.(*ArrayObj)
}

func (vm *VM) classArg(v value.VALUE) (*Class, error) {
	obj, ok := vm.space.Get(v)
	if ok {
		if k, ok := obj.(*Class); ok {
			return k, nil
		}
	}
	return nil, newError(TypeError, "%s is not a class/module", vm.Inspect(v))
}

func (vm *VM) methodName(v value.VALUE) (string, error) {
	if v.SymbolP() {
		return vm.space.SymbolName(v.SymbolID()), nil
	}
	if s, ok := vm.StringValue(v); ok {
		return s, nil
	}
	return "", newError(TypeError, "%s is not a symbol nor a string", vm.Inspect(v))
}
