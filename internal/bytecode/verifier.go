package bytecode

import (
	"fmt"
)

// VerificationError 字节码验证错误
type VerificationError struct {
	Offset  int    // 指令位置
	Message string // 错误消息
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("bytecode verification failed at %04d: %s", e.Offset, e.Message)
}

// Verify 验证 iseq 的结构：
// 指令边界完整、操作码有效、跳转目标落在指令边界上、表引用不越界
// 栈深度不在这里检查，那是翻译器的职责
func Verify(is *Iseq) error {
	if is == nil {
		return &VerificationError{Offset: 0, Message: "iseq is nil"}
	}

	size := is.EncodedSize()
	boundaries := make(map[int]bool)
	idx := 0
	for idx < size {
		op := is.OpcodeAt(idx)
		if !op.Valid() {
			return &VerificationError{Offset: idx, Message: fmt.Sprintf("invalid opcode %d", int(op))}
		}
		boundaries[idx] = true
		next := idx + InsnLen(op)
		if next > size {
			return &VerificationError{Offset: idx, Message: fmt.Sprintf("%s is truncated", op)}
		}
		idx = next
	}

	idx = 0
	for idx < size {
		op := is.OpcodeAt(idx)
		next := idx + InsnLen(op)
		for n, kind := range op.Operands() {
			arg := is.ArgAt(idx, n)
			switch kind {
			case OperandOffset:
				target := next + int(arg.AsInt())
				if target < 0 || target >= size || !boundaries[target] {
					return &VerificationError{Offset: idx, Message: fmt.Sprintf("%s target %d is not an instruction boundary", op, target)}
				}
			case OperandCallData:
				if arg.AsUint() >= uint64(len(is.CallDatas)) {
					return &VerificationError{Offset: idx, Message: fmt.Sprintf("call data %d out of range", arg.AsUint())}
				}
			case OperandIC:
				if arg.AsUint() >= uint64(len(is.ConstCaches)) {
					return &VerificationError{Offset: idx, Message: fmt.Sprintf("constant cache %d out of range", arg.AsUint())}
				}
			}
		}
		idx = next
	}
	return nil
}
