package ir

import (
	"golang.org/x/exp/slices"

	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/value"
)

// Iseq 翻译器读取的字节码来源
// *bytecode.Iseq 实现了该接口
type Iseq interface {
	Label() string
	EncodedSize() int
	OpcodeAt(idx int) bytecode.Opcode
	ArgAt(idx, n int) value.VALUE
	LocalTableSize() int
	CallData(ref value.VALUE) bytecode.CallData
	ConstCache(ref value.VALUE) *bytecode.ConstCache
}

var _ Iseq = (*bytecode.Iseq)(nil)

// Block 基本块
type Block struct {
	Params []InsnId // 块参数
	Insns  []InsnId // 块内指令，按执行顺序
}

// Function 一个方法的 SSA 表示
type Function struct {
	Iseq   Iseq // 仅用于诊断输出
	Insns  []Insn
	Blocks []*Block
	Entry  BlockId
}

// NewFunction 创建函数，入口块已分配
func NewFunction(iseq Iseq) *Function {
	fn := &Function{Iseq: iseq}
	fn.Entry = fn.NewBlock()
	return fn
}

// NewBlock 分配新块
func (fn *Function) NewBlock() BlockId {
	fn.Blocks = append(fn.Blocks, &Block{})
	return BlockId(len(fn.Blocks) - 1)
}

// Block 返回块
func (fn *Function) Block(id BlockId) *Block {
	if int(id) < 0 || int(id) >= len(fn.Blocks) {
		invariantf("no such block %s", id)
	}
	return fn.Blocks[id]
}

// Insn 返回指令
func (fn *Function) Insn(id InsnId) Insn {
	if int(id) < 0 || int(id) >= len(fn.Insns) {
		invariantf("no such instruction %s", id)
	}
	return fn.Insns[id]
}

// Push 在块尾追加指令
func (fn *Function) Push(block BlockId, insn Insn) InsnId {
	b := fn.Block(block)
	fn.Insns = append(fn.Insns, insn)
	id := InsnId(len(fn.Insns) - 1)
	b.Insns = append(b.Insns, id)
	return id
}

// AddParam 为块追加一个参数
func (fn *Function) AddParam(block BlockId) InsnId {
	b := fn.Block(block)
	fn.Insns = append(fn.Insns, &Param{Idx: len(b.Params)})
	id := InsnId(len(fn.Insns) - 1)
	b.Params = append(b.Params, id)
	return id
}

// Successors 返回块的后继，按跳转出现的顺序去重
func (fn *Function) Successors(block BlockId) []BlockId {
	var succs []BlockId
	for _, id := range fn.Block(block).Insns {
		for _, e := range Edges(fn.Insns[id]) {
			if !slices.Contains(succs, e.Target) {
				succs = append(succs, e.Target)
			}
		}
	}
	return succs
}

// RPO 返回从入口可达的块的逆后序
// 后访问的后继排在前面，因此块的最后一个跳转目标紧随其后，便于省略直落跳转
func (fn *Function) RPO() []BlockId {
	visited := make([]bool, len(fn.Blocks))
	var post []BlockId
	var visit func(b BlockId)
	visit = func(b BlockId) {
		visited[b] = true
		for _, s := range fn.Successors(b) {
			if !visited[s] {
				visit(s)
			}
		}
		post = append(post, b)
	}
	visit(fn.Entry)
	slices.Reverse(post)
	return post
}
