package bytecode

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/zjit/internal/value"
)

// CallData 调用点信息
type CallData struct {
	MethodName string // 方法名
	Argc       int    // 参数个数（不含接收者）
}

// ConstCache 常量路径的内联缓存
type ConstCache struct {
	Segments []string // 常量路径，如 ["Foo", "Bar"]

	mu    sync.Mutex
	value value.VALUE
	valid bool
}

// Path 返回常量路径的文本形式
func (ic *ConstCache) Path() string {
	return strings.Join(ic.Segments, "::")
}

// Get 读取缓存
func (ic *ConstCache) Get() (value.VALUE, bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.value, ic.valid
}

// Fill 填充缓存
func (ic *ConstCache) Fill(v value.VALUE) {
	ic.mu.Lock()
	ic.value = v
	ic.valid = true
	ic.mu.Unlock()
}

// Iseq 一个方法编译后的指令序列
type Iseq struct {
	Name        string        // 方法名（诊断用）
	Encoded     []value.VALUE // 编码后的指令字
	Locals      []string      // 局部变量表
	CallDatas   []CallData    // 调用信息表
	ConstCaches []*ConstCache // 常量缓存表

	fpOnce      sync.Once
	fingerprint string
}

// EncodedSize 返回编码后的字数
func (is *Iseq) EncodedSize() int {
	return len(is.Encoded)
}

// OpcodeAt 返回指定位置的操作码
func (is *Iseq) OpcodeAt(idx int) Opcode {
	return Opcode(is.Encoded[idx])
}

// ArgAt 返回指定位置指令的第 n 个操作数
func (is *Iseq) ArgAt(idx, n int) value.VALUE {
	return is.Encoded[idx+1+n]
}

// LocalTableSize 返回局部变量个数
func (is *Iseq) LocalTableSize() int {
	return len(is.Locals)
}

// CallData 按操作数引用查找调用信息
func (is *Iseq) CallData(ref value.VALUE) CallData {
	return is.CallDatas[ref.AsUint()]
}

// ConstCache 按操作数引用查找常量缓存
func (is *Iseq) ConstCache(ref value.VALUE) *ConstCache {
	return is.ConstCaches[ref.AsUint()]
}

// InsnCount 返回指令条数
func (is *Iseq) InsnCount() int {
	count := 0
	for idx := 0; idx < len(is.Encoded); idx += InsnLen(is.OpcodeAt(idx)) {
		count++
	}
	return count
}

// Fingerprint 返回字节码内容的摘要
// 相同内容的 iseq 摘要相同，用作编译结果表的键
func (is *Iseq) Fingerprint() string {
	is.fpOnce.Do(func() {
		h, _ := blake2b.New256(nil)
		var buf [8]byte
		h.Write([]byte(is.Name))
		h.Write([]byte{0})
		for _, w := range is.Encoded {
			binary.LittleEndian.PutUint64(buf[:], uint64(w))
			h.Write(buf[:])
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(len(is.Locals)))
		h.Write(buf[:])
		for _, cd := range is.CallDatas {
			fmt.Fprintf(h, "%s/%d;", cd.MethodName, cd.Argc)
		}
		for _, ic := range is.ConstCaches {
			fmt.Fprintf(h, "%s;", ic.Path())
		}
		is.fingerprint = hex.EncodeToString(h.Sum(nil))
	})
	return is.fingerprint
}

// ============================================================================
// 反汇编
// ============================================================================

// Disassemble 反汇编字节码
func (is *Iseq) Disassemble() string {
	var sb strings.Builder
	sb.Grow(len(is.Encoded) * 24)

	sb.WriteString("== disasm: ")
	sb.WriteString(is.Name)
	if len(is.Locals) > 0 {
		fmt.Fprintf(&sb, " (locals: %s)", strings.Join(is.Locals, ", "))
	}
	sb.WriteString(" ==\n")

	idx := 0
	for idx < len(is.Encoded) {
		idx = is.disassembleInsn(&sb, idx)
	}
	return sb.String()
}

func (is *Iseq) disassembleInsn(sb *strings.Builder, idx int) int {
	op := is.OpcodeAt(idx)
	fmt.Fprintf(sb, "%04d %-24s", idx, op)
	if !op.Valid() {
		sb.WriteString("\n")
		return idx + 1
	}

	next := idx + InsnLen(op)
	for n, kind := range op.Operands() {
		if n > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(" ")
		arg := is.ArgAt(idx, n)
		switch kind {
		case OperandOffset:
			fmt.Fprintf(sb, "%d (-> %04d)", arg.AsInt(), next+int(arg.AsInt()))
		case OperandCallData:
			cd := is.CallData(arg)
			fmt.Fprintf(sb, "<calldata mid:%s, argc:%d>", cd.MethodName, cd.Argc)
		case OperandIC:
			fmt.Fprintf(sb, "<ic %s>", is.ConstCache(arg).Path())
		case OperandNum:
			fmt.Fprintf(sb, "%d", arg.AsUint())
		default:
			sb.WriteString(arg.String())
		}
	}
	sb.WriteString("\n")
	return next
}

// Label 返回用于诊断输出的方法名
func (is *Iseq) Label() string {
	return is.Name
}
