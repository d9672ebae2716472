package bytecode

import (
	"fmt"

	"github.com/tangzhangming/zjit/internal/value"
)

// Label 跳转标签
type Label int

// fixup 待回填的跳转偏移
type fixup struct {
	operand int   // 偏移操作数所在位置
	next    int   // 下一条指令的位置（偏移基准）
	label   Label // 目标标签
}

// Builder 以编程方式构造 iseq
type Builder struct {
	iseq   *Iseq
	labels []int
	fixups []fixup
	err    error
}

// NewBuilder 创建构造器
func NewBuilder(name string) *Builder {
	return &Builder{iseq: &Iseq{Name: name}}
}

// Local 声明一个局部变量，返回槽位
func (b *Builder) Local(name string) int {
	b.iseq.Locals = append(b.iseq.Locals, name)
	return len(b.iseq.Locals) - 1
}

// Emit 写入一条指令
func (b *Builder) Emit(op Opcode, args ...value.VALUE) *Builder {
	if b.err != nil {
		return b
	}
	if !op.Valid() {
		b.err = fmt.Errorf("emit: invalid opcode %d", int(op))
		return b
	}
	if want := len(op.Operands()); want != len(args) {
		b.err = fmt.Errorf("emit %s: want %d operands, got %d", op, want, len(args))
		return b
	}
	b.iseq.Encoded = append(b.iseq.Encoded, value.VALUE(op))
	b.iseq.Encoded = append(b.iseq.Encoded, args...)
	return b
}

// EmitRaw 直接写入一个字（用于构造畸形输入）
func (b *Builder) EmitRaw(words ...value.VALUE) *Builder {
	b.iseq.Encoded = append(b.iseq.Encoded, words...)
	return b
}

// PutObject 压入字面量
func (b *Builder) PutObject(v value.VALUE) *Builder {
	return b.Emit(OpPutobject, v)
}

// NewLabel 创建未绑定的标签
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Bind 将标签绑定到当前位置
func (b *Builder) Bind(l Label) *Builder {
	b.labels[l] = len(b.iseq.Encoded)
	return b
}

// Branch 写入跳转指令，偏移在 Finish 时回填
func (b *Builder) Branch(op Opcode, l Label) *Builder {
	if b.err != nil {
		return b
	}
	if !op.IsBranch() {
		b.err = fmt.Errorf("branch: %s is not a branch instruction", op)
		return b
	}
	start := len(b.iseq.Encoded)
	b.Emit(op, 0)
	b.fixups = append(b.fixups, fixup{operand: start + 1, next: start + InsnLen(op), label: l})
	return b
}

// CallData 登记调用信息，返回操作数引用
func (b *Builder) CallData(name string, argc int) value.VALUE {
	b.iseq.CallDatas = append(b.iseq.CallDatas, CallData{MethodName: name, Argc: argc})
	return value.VALUE(len(b.iseq.CallDatas) - 1)
}

// ConstPath 登记常量缓存，返回操作数引用
func (b *Builder) ConstPath(segments ...string) value.VALUE {
	b.iseq.ConstCaches = append(b.iseq.ConstCaches, &ConstCache{Segments: segments})
	return value.VALUE(len(b.iseq.ConstCaches) - 1)
}

// Send 写入 opt_send_without_block
func (b *Builder) Send(name string, argc int) *Builder {
	return b.Emit(OpOptSendWithoutBlock, b.CallData(name, argc))
}

// OptSend 写入特化调用指令（opt_plus 等）
func (b *Builder) OptSend(op Opcode) *Builder {
	name, ok := op.SpecializedMethod()
	if !ok {
		if b.err == nil {
			b.err = fmt.Errorf("optsend: %s is not a specialized send", op)
		}
		return b
	}
	argc := 1
	if op == OpOptNilP {
		argc = 0
	}
	return b.Emit(op, b.CallData(name, argc))
}

// Finish 回填跳转并校验结构
func (b *Builder) Finish() (*Iseq, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.fixups {
		target := b.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("label %d is never bound", f.label)
		}
		b.iseq.Encoded[f.operand] = value.VALUE(int64(target - f.next))
	}
	if err := Verify(b.iseq); err != nil {
		return nil, err
	}
	return b.iseq, nil
}

// MustFinish 同 Finish，出错时 panic（测试用）
func (b *Builder) MustFinish() *Iseq {
	is, err := b.Finish()
	if err != nil {
		panic(err)
	}
	return is
}
