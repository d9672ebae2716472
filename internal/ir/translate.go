package ir

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/value"
)

// TranslateOptions 翻译选项
type TranslateOptions struct {
	// StrictOpcodes 遇到不支持的操作码时返回 ErrUnknownOpcode，
	// 否则记录日志并跳过该指令
	StrictOpcodes bool

	// Logger 为 nil 时不输出日志
	Logger *zap.Logger

	// OnUnknownOpcode 统计回调，可为 nil
	OnUnknownOpcode func(op bytecode.Opcode)
}

// IseqToSSA 以默认选项翻译，不支持的操作码被跳过
func IseqToSSA(is Iseq) *Function {
	fn, err := Translate(is, TranslateOptions{})
	if err != nil {
		// 非严格模式下 Translate 不返回错误
		invariantf("translate %s: %v", is.Label(), err)
	}
	return fn
}

// Translate 将字节码翻译为 SSA
//
// 基本块按工作队列顺序翻译。控制流到达块边界时，当前的栈与局部变量
// 作为跳转边参数传出；目标块第一次被到达时为每个栈槽和局部变量创建
// 一个块参数，并以此作为该块的初始状态。不可达的块保持为空。
//
// 内部不变量被破坏（栈下溢、跳转到 0、带参数的 send、合流栈深不一致）
// 时 panic，值为 *InvariantError。
func Translate(is Iseq, opts TranslateOptions) (*Function, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &translator{
		is:      is,
		opts:    opts,
		log:     log,
		fn:      NewFunction(is),
		blockAt: make(map[int]BlockId),
		seeds:   make(map[BlockId]*FrameState),
	}
	t.startPC = map[BlockId]int{t.fn.Entry: 0}
	t.blockAt[0] = t.fn.Entry

	for _, target := range ComputeJumpTargets(is) {
		if target == 0 {
			invariantf("%s: jump target 0 would re-enter the entry block", is.Label())
		}
		b := t.fn.NewBlock()
		t.blockAt[target] = b
		t.startPC[b] = target
	}

	entry := NewFrameState(localSlots(is))
	t.seeds[t.fn.Entry] = &entry
	t.worklist = append(t.worklist, t.fn.Entry)

	for len(t.worklist) > 0 {
		b := t.worklist[0]
		t.worklist = t.worklist[1:]
		if err := t.translateBlock(b); err != nil {
			return nil, err
		}
	}
	return t.fn, nil
}

type translator struct {
	is   Iseq
	opts TranslateOptions
	log  *zap.Logger
	fn   *Function

	blockAt  map[int]BlockId         // 块起点 -> 块
	startPC  map[BlockId]int         // 块 -> 块起点
	seeds    map[BlockId]*FrameState // 块的初始状态，第一条入边确定
	worklist []BlockId
}

// edgeTo 构造到 target 的跳转边，必要时为目标块创建参数
func (t *translator) edgeTo(target BlockId, st *FrameState) BranchEdge {
	seed, seen := t.seeds[target]
	if !seen {
		seed = &FrameState{PC: t.startPC[target]}
		for range st.Stack {
			seed.Stack = append(seed.Stack, InsnOpnd(t.fn.AddParam(target)))
		}
		for range st.Locals {
			seed.Locals = append(seed.Locals, InsnOpnd(t.fn.AddParam(target)))
		}
		t.seeds[target] = seed
		t.worklist = append(t.worklist, target)
	} else if len(seed.Stack) != len(st.Stack) {
		invariantf("%s: stack depth mismatch at merge into %s: have %d, want %d",
			t.is.Label(), target, len(st.Stack), len(seed.Stack))
	} else if len(seed.Locals) != len(st.Locals) {
		invariantf("%s: local count mismatch at merge into %s: have %d, want %d",
			t.is.Label(), target, len(st.Locals), len(seed.Locals))
	}

	args := make([]Opnd, 0, len(st.Stack)+len(st.Locals))
	args = append(args, st.Stack...)
	args = append(args, st.Locals...)
	return BranchEdge{Target: target, Args: args}
}

// localSlots 返回方法用到的局部变量槽数
// 局部变量表之外被 level 0 访问的槽也计入，使每个块状态的局部变量数相同。
func localSlots(is Iseq) int {
	n := is.LocalTableSize()
	size := is.EncodedSize()
	for idx := 0; idx < size; idx += bytecode.InsnLen(is.OpcodeAt(idx)) {
		switch op := is.OpcodeAt(idx); op {
		case bytecode.OpGetlocal, bytecode.OpSetlocal:
			if is.ArgAt(idx, 1).AsUint() != 0 {
				continue
			}
			fallthrough
		case bytecode.OpGetlocalWC0, bytecode.OpSetlocalWC0:
			if slot := int(is.ArgAt(idx, 0).AsUint()) + 1; slot > n {
				n = slot
			}
		}
	}
	return n
}

func (t *translator) blockFor(pc int) BlockId {
	b, ok := t.blockAt[pc]
	if !ok {
		invariantf("%s: branch to %04d which does not start a block", t.is.Label(), pc)
	}
	return b
}

func (t *translator) translateBlock(b BlockId) error {
	is := t.is
	fn := t.fn
	st := t.seeds[b].Clone()
	start := t.startPC[b]
	size := is.EncodedSize()

	for idx := start; idx < size; {
		if idx != start {
			if succ, ok := t.blockAt[idx]; ok {
				fn.Push(b, &Jump{Edge: t.edgeTo(succ, &st)})
				return nil
			}
		}

		op := is.OpcodeAt(idx)
		next := idx + bytecode.InsnLen(op)
		st.PC = idx
		fn.Push(b, &Snapshot{State: st.Clone()})

		switch op {
		case bytecode.OpNop:
		case bytecode.OpPutnil:
			st.Push(ConstOpnd(value.Qnil))
		case bytecode.OpPutobject:
			st.Push(ConstOpnd(is.ArgAt(idx, 0)))
		case bytecode.OpPutobjectINT2FIX0:
			st.Push(ConstOpnd(value.Fixnum(0)))
		case bytecode.OpPutobjectINT2FIX1:
			st.Push(ConstOpnd(value.Fixnum(1)))
		case bytecode.OpPutstring:
			st.Push(InsnOpnd(fn.Push(b, &StringCopy{Val: ConstOpnd(is.ArgAt(idx, 0))})))
		case bytecode.OpIntern:
			v := st.Pop()
			st.Push(InsnOpnd(fn.Push(b, &StringIntern{Val: v})))
		case bytecode.OpNewarray:
			count := int(is.ArgAt(idx, 0).AsUint())
			arr := InsnOpnd(fn.Push(b, &NewArray{Count: count}))
			for i := count - 1; i >= 0; i-- {
				fn.Push(b, &ArraySet{Array: arr, Idx: i, Val: st.Pop()})
			}
			st.Push(arr)
		case bytecode.OpDup:
			st.Push(st.Top())
		case bytecode.OpPop:
			st.Pop()
		case bytecode.OpSwap:
			top := st.Pop()
			below := st.Pop()
			st.Push(top)
			st.Push(below)

		case bytecode.OpGetlocalWC0:
			st.Push(st.GetLocal(int(is.ArgAt(idx, 0).AsUint())))
		case bytecode.OpSetlocalWC0:
			st.SetLocal(int(is.ArgAt(idx, 0).AsUint()), st.Pop())
		case bytecode.OpGetlocal, bytecode.OpSetlocal:
			if is.ArgAt(idx, 1).AsUint() != 0 {
				if err := t.unknown(op, idx); err != nil {
					return err
				}
				break
			}
			slot := int(is.ArgAt(idx, 0).AsUint())
			if op == bytecode.OpGetlocal {
				st.Push(st.GetLocal(slot))
			} else {
				st.SetLocal(slot, st.Pop())
			}

		case bytecode.OpDefined:
			v := st.Pop()
			st.Push(InsnOpnd(fn.Push(b, &Defined{
				OpType:  int(is.ArgAt(idx, 0).AsUint()),
				Obj:     is.ArgAt(idx, 1),
				PushVal: is.ArgAt(idx, 2),
				V:       v,
			})))
		case bytecode.OpOptGetconstantPath:
			st.Push(InsnOpnd(fn.Push(b, &GetConstantPath{IC: is.ConstCache(is.ArgAt(idx, 0))})))

		case bytecode.OpJump:
			target := t.blockFor(next + int(is.ArgAt(idx, 0).AsInt()))
			fn.Push(b, &Jump{Edge: t.edgeTo(target, &st)})
			return nil
		case bytecode.OpBranchunless, bytecode.OpBranchif, bytecode.OpBranchnil:
			target := t.blockFor(next + int(is.ArgAt(idx, 0).AsInt()))
			v := st.Pop()
			if op == bytecode.OpBranchnil {
				v = InsnOpnd(fn.Push(b, &Send{Self: v, Call: CallInfo{Name: "nil?"}}))
			}
			test := InsnOpnd(fn.Push(b, &Test{Val: v}))
			edge := t.edgeTo(target, &st)
			if op == bytecode.OpBranchunless {
				fn.Push(b, &IfFalse{Val: test, Target: edge})
			} else {
				fn.Push(b, &IfTrue{Val: test, Target: edge})
			}

		case bytecode.OpOptNilP:
			recv := st.Pop()
			st.Push(InsnOpnd(fn.Push(b, &Send{Self: recv, Call: CallInfo{Name: "nil?"}})))
		case bytecode.OpOptPlus, bytecode.OpOptMinus, bytecode.OpOptMult,
			bytecode.OpOptLt, bytecode.OpOptLe, bytecode.OpOptGt, bytecode.OpOptGe, bytecode.OpOptEq:
			name, _ := op.SpecializedMethod()
			arg := st.Pop()
			recv := st.Pop()
			st.Push(InsnOpnd(fn.Push(b, &Send{Self: recv, Call: CallInfo{Name: name}, Args: []Opnd{arg}})))
		case bytecode.OpOptSendWithoutBlock:
			cd := is.CallData(is.ArgAt(idx, 0))
			if cd.Argc != 0 {
				invariantf("%s: send %s with %d arguments at %04d is not supported", is.Label(), cd.MethodName, cd.Argc, idx)
			}
			recv := st.Pop()
			st.Push(InsnOpnd(fn.Push(b, &Send{Self: recv, Call: CallInfo{Name: cd.MethodName}})))

		case bytecode.OpLeave:
			fn.Push(b, &Return{Val: st.Pop()})
			return nil

		default:
			if err := t.unknown(op, idx); err != nil {
				return err
			}
		}
		idx = next
	}
	invariantf("%s: block at %04d runs past the end without leave", is.Label(), start)
	return nil
}

// unknown 处理翻译器不支持的操作码
func (t *translator) unknown(op bytecode.Opcode, idx int) error {
	if t.opts.OnUnknownOpcode != nil {
		t.opts.OnUnknownOpcode(op)
	}
	if t.opts.StrictOpcodes {
		return errors.Wrapf(ErrUnknownOpcode, "%s at %04d in %s", op, idx, t.is.Label())
	}
	t.log.Warn("skipping unknown opcode",
		zap.String("iseq", t.is.Label()),
		zap.Stringer("opcode", op),
		zap.Int("pc", idx))
	return nil
}
