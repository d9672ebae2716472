package vm

import (
	"errors"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/value"
)

// ============================================================================
// 值栈
// ============================================================================

func stackOverflow() error {
	return newError(SystemStackError, "stack level too deep")
}

func (vm *VM) push(v value.VALUE) error {
	if vm.sp >= len(vm.stack) {
		return stackOverflow()
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *VM) pop() value.VALUE {
	vm.sp--
	return vm.stack[vm.sp]
}

func (vm *VM) peek(distance int) value.VALUE {
	return vm.stack[vm.sp-1-distance]
}

// popN 弹出 n 个值，按压栈顺序返回
func (vm *VM) popN(n int) []value.VALUE {
	out := make([]value.VALUE, n)
	copy(out, vm.stack[vm.sp-n:vm.sp])
	vm.sp -= n
	return out
}

// ============================================================================
// 解释器主循环
// ============================================================================

// interpret 解释执行字节码方法
func (vm *VM) interpret(me *MethodEntry, self value.VALUE, args []value.VALUE) (result value.VALUE, err error) {
	is := me.Iseq
	nlocals := is.LocalTableSize()
	base := vm.sp
	if base+nlocals > len(vm.stack) {
		return value.Qnil, stackOverflow()
	}
	for i := 0; i < nlocals; i++ {
		vm.stack[base+i] = value.Qnil
	}
	copy(vm.stack[base:], args)
	vm.sp = base + nlocals

	cfp, ok := vm.frames.push(me.index, self, vm.addr(base), vm.addr(vm.sp))
	if !ok {
		vm.sp = base
		return value.Qnil, stackOverflow()
	}
	if vm.stats != nil {
		vm.stats.InterpretedCalls.Inc()
	}

	pc := 0
	defer func() {
		vm.frames.pop()
		vm.sp = base
		var re *RuntimeError
		if errors.As(err, &re) && re.Method == "" {
			re.Method = me.QualifiedName()
			re.PC = pc
		}
	}()

	locals := vm.stack[base : base+nlocals]
	size := is.EncodedSize()
	for pc < size {
		op := is.OpcodeAt(pc)
		next := pc + bytecode.InsnLen(op)
		cfp.PC = uintptr(next)

		switch op {
		case bytecode.OpNop:

		case bytecode.OpPutnil:
			err = vm.push(value.Qnil)
		case bytecode.OpPutself:
			err = vm.push(self)
		case bytecode.OpPutobject:
			err = vm.push(is.ArgAt(pc, 0))
		case bytecode.OpPutobjectINT2FIX0:
			err = vm.push(value.Fixnum(0))
		case bytecode.OpPutobjectINT2FIX1:
			err = vm.push(value.Fixnum(1))
		case bytecode.OpPutstring:
			s, _ := vm.StringValue(is.ArgAt(pc, 0))
			err = vm.push(vm.NewString(s))
		case bytecode.OpIntern:
			v := vm.pop()
			s, ok := vm.StringValue(v)
			if !ok {
				return value.Qnil, newError(TypeError, "%s is not a string", vm.Inspect(v))
			}
			err = vm.push(vm.Symbol(s))
		case bytecode.OpNewarray:
			n := int(is.ArgAt(pc, 0).AsUint())
			err = vm.push(vm.NewArray(vm.popN(n)))

		case bytecode.OpDup:
			err = vm.push(vm.peek(0))
		case bytecode.OpPop:
			vm.pop()
		case bytecode.OpSwap:
			a, b := vm.pop(), vm.pop()
			vm.push(a)
			err = vm.push(b)

		case bytecode.OpGetlocal, bytecode.OpSetlocal, bytecode.OpGetlocalWC0, bytecode.OpSetlocalWC0:
			if op == bytecode.OpGetlocal || op == bytecode.OpSetlocal {
				if level := is.ArgAt(pc, 1).AsUint(); level != 0 {
					return value.Qnil, newError(NameError, "%s with level %d is not supported", op, level)
				}
			}
			idx := int(is.ArgAt(pc, 0).AsUint())
			if idx >= nlocals {
				return value.Qnil, newError(NameError, "local variable index %d out of range", idx)
			}
			if op == bytecode.OpGetlocal || op == bytecode.OpGetlocalWC0 {
				err = vm.push(locals[idx])
			} else {
				locals[idx] = vm.pop()
			}

		case bytecode.OpGetinstancevariable:
			v := value.Qnil
			if inst, ok := vm.instance(self); ok {
				if iv, ok := inst.Ivars[is.ArgAt(pc, 0).SymbolID()]; ok {
					v = iv
				}
			}
			err = vm.push(v)
		case bytecode.OpSetinstancevariable:
			inst, ok := vm.instance(self)
			if !ok {
				return value.Qnil, newError(FrozenError, "can't modify instance variables of %s", vm.Inspect(self))
			}
			inst.Ivars[is.ArgAt(pc, 0).SymbolID()] = vm.pop()

		case bytecode.OpDefined:
			v := vm.pop()
			res := value.Qnil
			if vm.defined(int(is.ArgAt(pc, 0).AsUint()), self, is.ArgAt(pc, 1), v) {
				res = is.ArgAt(pc, 2)
			}
			err = vm.push(res)
		case bytecode.OpOptGetconstantPath:
			var v value.VALUE
			v, err = vm.constantPath(is.ConstCache(is.ArgAt(pc, 0)))
			if err == nil {
				err = vm.push(v)
			}

		case bytecode.OpJump:
			next += int(is.ArgAt(pc, 0).AsInt())
		case bytecode.OpBranchif:
			if value.RTEST(vm.pop()) {
				next += int(is.ArgAt(pc, 0).AsInt())
			}
		case bytecode.OpBranchunless:
			if !value.RTEST(vm.pop()) {
				next += int(is.ArgAt(pc, 0).AsInt())
			}
		case bytecode.OpBranchnil:
			if vm.pop() == value.Qnil {
				next += int(is.ArgAt(pc, 0).AsInt())
			}

		case bytecode.OpOptNilP, bytecode.OpOptPlus, bytecode.OpOptMinus, bytecode.OpOptMult,
			bytecode.OpOptLt, bytecode.OpOptLe, bytecode.OpOptGt, bytecode.OpOptGe, bytecode.OpOptEq,
			bytecode.OpOptSendWithoutBlock:
			cd := is.CallData(is.ArgAt(pc, 0))
			args := vm.popN(cd.Argc)
			recv := vm.pop()
			cfp.SP = vm.addr(vm.sp)
			var ret value.VALUE
			ret, err = vm.dispatch(recv, cd.MethodName, args)
			if err == nil {
				err = vm.push(ret)
			}

		case bytecode.OpLeave:
			return vm.pop(), nil

		default:
			return value.Qnil, newError(NameError, "unknown opcode %s", op)
		}

		if err != nil {
			return value.Qnil, err
		}
		pc = next
	}
	return value.Qnil, newError(NameError, "method ran past its last instruction")
}

// instance 返回可以保存实例变量的对象
func (vm *VM) instance(v value.VALUE) (*Instance, bool) {
	obj, ok := vm.space.Get(v)
	if !ok {
		return nil, false
	}
	inst, ok := obj.(*Instance)
	return inst, ok
}

// defined 计算 defined 指令的查询
func (vm *VM) defined(opType int, self, obj, v value.VALUE) bool {
	switch opType {
	case bytecode.DefinedNil, bytecode.DefinedSelf, bytecode.DefinedTrue, bytecode.DefinedFalse:
		return true
	case bytecode.DefinedIvar:
		inst, ok := vm.instance(self)
		if !ok || !obj.SymbolP() {
			return false
		}
		_, ok = inst.Ivars[obj.SymbolID()]
		return ok
	case bytecode.DefinedConst:
		if !obj.SymbolP() {
			return false
		}
		_, ok := vm.cObject.Consts[vm.space.SymbolName(obj.SymbolID())]
		return ok
	case bytecode.DefinedMethod:
		if !obj.SymbolP() {
			return false
		}
		_, ok := vm.ClassOf(v).Lookup(vm.space.SymbolName(obj.SymbolID()))
		return ok
	}
	return false
}

// constantPath 解析常量路径，命中缓存时直接返回
func (vm *VM) constantPath(ic *bytecode.ConstCache) (value.VALUE, error) {
	if v, ok := ic.Get(); ok {
		return v, nil
	}
	scope := vm.cObject
	var v value.VALUE
	for i, seg := range ic.Segments {
		c, ok := scope.Consts[seg]
		if !ok {
			return value.Qnil, newError(NameError, "uninitialized constant %s", ic.Path())
		}
		v = c
		if i == len(ic.Segments)-1 {
			break
		}
		obj, _ := vm.space.Get(c)
		next, ok := obj.(*Class)
		if !ok {
			return value.Qnil, newError(TypeError, "%s is not a class/module", seg)
		}
		scope = next
	}
	ic.Fill(v)
	return v, nil
}
