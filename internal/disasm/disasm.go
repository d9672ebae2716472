// Package disasm 反汇编 JIT 生成的 x86-64 机器码
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tangzhangming/zjit/internal/codeblock"
)

// Disassemble 反汇编一段机器码
// base 是 code[0] 的地址，用于显示绝对地址与跳转目标；
// comments 以代码偏移为键，注释打印在对应指令之前。
func Disassemble(code []byte, base uint64, comments map[int][]string) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		for _, c := range comments[offset] {
			fmt.Fprintf(&sb, "  # %s\n", c)
		}
		pc := base + uint64(offset)
		inst, err := x86asm.Decode(code[offset:], 64)
		// Op 为 0 是解码器对孤立前缀给出的伪指令
		if err != nil || inst.Len == 0 || inst.Op == 0 {
			fmt.Fprintf(&sb, "  0x%x: %-24s (bad)\n", pc, fmt.Sprintf("%02x", code[offset]))
			offset++
			continue
		}

		hexBytes := make([]string, inst.Len)
		for i := 0; i < inst.Len; i++ {
			hexBytes[i] = fmt.Sprintf("%02x", code[offset+i])
		}
		fmt.Fprintf(&sb, "  0x%x: %-24s %s\n", pc, strings.Join(hexBytes, " "), x86asm.IntelSyntax(inst, pc, nil))
		offset += inst.Len
	}
	// 末尾的注释（例如只有注释的空块）
	for _, c := range comments[len(code)] {
		fmt.Fprintf(&sb, "  # %s\n", c)
	}
	return sb.String()
}

// Range 反汇编代码块中 [start, start+n) 的内容
func Range(cb *codeblock.CodeBlock, start codeblock.CodePtr, n int, comments map[int][]string) (string, error) {
	code, err := cb.Bytes(start, n)
	if err != nil {
		return "", fmt.Errorf("failed to read code block: %w", err)
	}
	return Disassemble(code, uint64(start), comments), nil
}
