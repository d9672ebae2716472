package bytecode

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tangzhangming/zjit/internal/value"
)

// Literals 字面量分配器
// 字符串与符号需要由宿主对象空间分配，汇编器只持有接口
type Literals interface {
	FrozenString(s string) value.VALUE
	Symbol(name string) value.VALUE
}

// AsmError 文本汇编错误
type AsmError struct {
	Line    int
	Message string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("asm line %d: %s", e.Line, e.Message)
}

// Assemble 将文本汇编转换为 iseq
//
// 每行一条指令，格式示例：
//
//	putobject 3
//	putstring "hello"
//	getlocal_WC_0 x
//	branchunless else
//	else:
//	opt_send_without_block itself 0
//	opt_getconstant_path Foo::Bar
//
// 以 # 开头的内容是注释。
func Assemble(name string, locals []string, lines []string, lits Literals) (*Iseq, error) {
	b := NewBuilder(name)
	for _, l := range locals {
		b.Local(l)
	}
	labels := make(map[string]Label)
	labelOf := func(name string) Label {
		if l, ok := labels[name]; ok {
			return l
		}
		l := b.NewLabel()
		labels[name] = l
		return l
	}

	for i, raw := range lines {
		lineNo := i + 1
		line := stripComment(raw)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
			b.Bind(labelOf(strings.TrimSuffix(line, ":")))
			continue
		}

		fields, err := tokenize(line)
		if err != nil {
			return nil, &AsmError{Line: lineNo, Message: err.Error()}
		}
		op, ok := LookupOpcode(fields[0])
		if !ok {
			return nil, &AsmError{Line: lineNo, Message: fmt.Sprintf("unknown instruction %q", fields[0])}
		}
		args := fields[1:]

		switch {
		case op.IsBranch():
			if len(args) != 1 {
				return nil, &AsmError{Line: lineNo, Message: fmt.Sprintf("%s needs a label", op)}
			}
			b.Branch(op, labelOf(args[0]))
			continue
		case op == OpOptSendWithoutBlock:
			if len(args) != 2 {
				return nil, &AsmError{Line: lineNo, Message: "opt_send_without_block needs <method> <argc>"}
			}
			argc, err := strconv.Atoi(args[1])
			if err != nil || argc < 0 {
				return nil, &AsmError{Line: lineNo, Message: fmt.Sprintf("bad argc %q", args[1])}
			}
			b.Send(strings.TrimPrefix(args[0], ":"), argc)
			continue
		}
		if _, ok := op.SpecializedMethod(); ok && len(args) == 0 {
			b.OptSend(op)
			continue
		}

		kinds := op.Operands()
		if len(args) != len(kinds) {
			return nil, &AsmError{Line: lineNo, Message: fmt.Sprintf("%s wants %d operands, got %d", op, len(kinds), len(args))}
		}
		operands := make([]value.VALUE, len(kinds))
		for n, kind := range kinds {
			v, err := parseOperand(b, kind, args[n], locals, lits)
			if err != nil {
				return nil, &AsmError{Line: lineNo, Message: err.Error()}
			}
			operands[n] = v
		}
		b.Emit(op, operands...)
	}

	return b.Finish()
}

func stripComment(line string) string {
	inQuote := false
	for i, r := range line {
		switch r {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

// tokenize 按空白和逗号切分，保留双引号字符串
func tokenize(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuote := false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == '"':
			cur.WriteRune(r)
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t' || r == ','):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated string")
	}
	flush()
	return fields, nil
}

func parseOperand(b *Builder, kind OperandKind, tok string, locals []string, lits Literals) (value.VALUE, error) {
	switch kind {
	case OperandNum:
		for i, l := range locals {
			if l == tok {
				return value.VALUE(i), nil
			}
		}
		n, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("bad number %q", tok)
		}
		return value.VALUE(n), nil
	case OperandValue:
		return parseValue(tok, lits)
	case OperandString:
		s, err := strconv.Unquote(tok)
		if err != nil {
			return 0, fmt.Errorf("bad string literal %s", tok)
		}
		if lits == nil {
			return 0, fmt.Errorf("string literal without an object space")
		}
		return lits.FrozenString(s), nil
	case OperandID:
		if lits == nil {
			return 0, fmt.Errorf("symbol without an object space")
		}
		return lits.Symbol(strings.TrimPrefix(tok, ":")), nil
	case OperandIC:
		return b.ConstPath(strings.Split(tok, "::")...), nil
	}
	return 0, fmt.Errorf("operand kind %d is not supported in text form", kind)
}

func parseValue(tok string, lits Literals) (value.VALUE, error) {
	switch tok {
	case "nil":
		return value.Qnil, nil
	case "true":
		return value.Qtrue, nil
	case "false":
		return value.Qfalse, nil
	}
	if strings.HasPrefix(tok, ":") {
		if lits == nil {
			return 0, fmt.Errorf("symbol without an object space")
		}
		return lits.Symbol(tok[1:]), nil
	}
	if strings.HasPrefix(tok, "\"") {
		s, err := strconv.Unquote(tok)
		if err != nil {
			return 0, fmt.Errorf("bad string literal %s", tok)
		}
		if lits == nil {
			return 0, fmt.Errorf("string literal without an object space")
		}
		return lits.FrozenString(s), nil
	}
	n, err := strconv.ParseInt(tok, 0, 64)
	if err != nil || !value.FixableP(n) {
		return 0, fmt.Errorf("bad literal %q", tok)
	}
	return value.Fixnum(n), nil
}
