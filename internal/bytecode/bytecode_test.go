package bytecode

import (
	"errors"
	"strings"
	"testing"

	"github.com/tangzhangming/zjit/internal/value"
)

// fakeLits 测试用字面量分配器
type fakeLits struct {
	strings []string
	symbols map[string]uint32
}

func newFakeLits() *fakeLits {
	return &fakeLits{symbols: make(map[string]uint32)}
}

func (f *fakeLits) FrozenString(s string) value.VALUE {
	f.strings = append(f.strings, s)
	return value.Heap(len(f.strings) - 1)
}

func (f *fakeLits) Symbol(name string) value.VALUE {
	id, ok := f.symbols[name]
	if !ok {
		id = uint32(len(f.symbols) + 1)
		f.symbols[name] = id
	}
	return value.Symbol(id)
}

// TestInsnLen 测试指令长度
func TestInsnLen(t *testing.T) {
	tests := []struct {
		op   Opcode
		want int
	}{
		{OpNop, 1},
		{OpPutnil, 1},
		{OpPutobject, 2},
		{OpGetlocal, 3},
		{OpDefined, 4},
		{OpBranchunless, 2},
		{OpOptPlus, 2},
		{OpLeave, 1},
	}
	for _, tt := range tests {
		if got := InsnLen(tt.op); got != tt.want {
			t.Errorf("InsnLen(%s) = %d, want %d", tt.op, got, tt.want)
		}
	}
}

// TestLookupOpcode 测试名称查找
func TestLookupOpcode(t *testing.T) {
	for op := Opcode(0); op < numOpcodes; op++ {
		got, ok := LookupOpcode(op.String())
		if !ok || got != op {
			t.Errorf("LookupOpcode(%q) = %v, %v", op.String(), got, ok)
		}
	}
	if _, ok := LookupOpcode("no_such_insn"); ok {
		t.Error("unknown name should not resolve")
	}
	if got := Opcode(999).String(); got != "UNKNOWN(999)" {
		t.Errorf("String() of invalid opcode = %q", got)
	}
}

// TestBuilderBranchOffsets 测试跳转偏移回填
func TestBuilderBranchOffsets(t *testing.T) {
	b := NewBuilder("branchy")
	els := b.NewLabel()
	b.Emit(OpPutnil)
	b.Branch(OpBranchunless, els)
	b.PutObject(value.Fixnum(1))
	b.Emit(OpLeave)
	b.Bind(els)
	b.PutObject(value.Fixnum(2))
	b.Emit(OpLeave)
	is := b.MustFinish()

	if is.EncodedSize() != 9 {
		t.Fatalf("EncodedSize() = %d, want 9", is.EncodedSize())
	}
	if got := is.ArgAt(1, 0).AsInt(); got != 3 {
		t.Errorf("branch offset = %d, want 3", got)
	}
	if is.InsnCount() != 6 {
		t.Errorf("InsnCount() = %d, want 6", is.InsnCount())
	}
}

// TestBuilderErrors 测试构造器错误
func TestBuilderErrors(t *testing.T) {
	if _, err := NewBuilder("x").Emit(OpPutobject).Finish(); err == nil {
		t.Error("missing operand should fail")
	}
	b := NewBuilder("x")
	b.Branch(OpJump, b.NewLabel())
	if _, err := b.Finish(); err == nil {
		t.Error("unbound label should fail")
	}
	if _, err := NewBuilder("x").OptSend(OpLeave).Finish(); err == nil {
		t.Error("OptSend of a plain opcode should fail")
	}
}

// TestVerify 测试结构校验
func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		encoded []value.VALUE
		wantErr string
	}{
		{"ok", []value.VALUE{value.VALUE(OpPutnil), value.VALUE(OpLeave)}, ""},
		{"bad opcode", []value.VALUE{value.VALUE(500)}, "invalid opcode"},
		{"truncated", []value.VALUE{value.VALUE(OpPutobject)}, "truncated"},
		{"mid-insn target", []value.VALUE{
			value.VALUE(OpJump), value.VALUE(1),
			value.VALUE(OpPutobject), value.Qnil,
			value.VALUE(OpLeave),
		}, "not an instruction boundary"},
		{"target past end", []value.VALUE{value.VALUE(OpJump), value.VALUE(5)}, "not an instruction boundary"},
		{"calldata", []value.VALUE{value.VALUE(OpOptPlus), value.VALUE(0)}, "call data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(&Iseq{Name: tt.name, Encoded: tt.encoded})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *VerificationError
			if !errors.As(err, &verr) {
				t.Fatalf("want *VerificationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

// TestAssemble 测试文本汇编
func TestAssemble(t *testing.T) {
	lits := newFakeLits()
	is, err := Assemble("check", []string{"x"}, []string{
		"# 局部变量赋值",
		"putobject 3",
		"setlocal_WC_0 x",
		"getlocal_WC_0 x",
		"branchunless done",
		"putstring \"a # b\"",
		"putobject :sym",
		"opt_send_without_block itself, 0",
		"opt_getconstant_path Foo::Bar",
		"opt_plus",
		"done:",
		"leave",
	}, lits)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if got := is.ArgAt(0, 0); got != value.Fixnum(3) {
		t.Errorf("putobject operand = %v", got)
	}
	if got := is.ArgAt(2, 0).AsUint(); got != 0 {
		t.Errorf("setlocal index = %d, want 0", got)
	}
	if len(lits.strings) != 1 || lits.strings[0] != "a # b" {
		t.Errorf("strings = %q", lits.strings)
	}
	if len(is.CallDatas) != 2 || is.CallDatas[0].MethodName != "itself" || is.CallDatas[1].MethodName != "+" {
		t.Errorf("call datas = %+v", is.CallDatas)
	}
	if is.ConstCaches[0].Path() != "Foo::Bar" {
		t.Errorf("const path = %q", is.ConstCaches[0].Path())
	}
	dis := is.Disassemble()
	for _, want := range []string{"== disasm: check (locals: x) ==", "branchunless", "<calldata mid:itself, argc:0>", "<ic Foo::Bar>"} {
		if !strings.Contains(dis, want) {
			t.Errorf("disassembly missing %q:\n%s", want, dis)
		}
	}
}

// TestAssembleErrors 测试汇编错误的行号
func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		lines []string
		line  int
	}{
		{[]string{"putnil", "frobnicate"}, 2},
		{[]string{"putobject"}, 1},
		{[]string{"putstring \"open"}, 1},
		{[]string{"opt_send_without_block foo"}, 1},
		{[]string{"putobject 99999999999999999999"}, 1},
	}
	for _, tt := range tests {
		_, err := Assemble("bad", nil, tt.lines, newFakeLits())
		var aerr *AsmError
		if !errors.As(err, &aerr) {
			t.Errorf("%q: want *AsmError, got %v", tt.lines, err)
			continue
		}
		if aerr.Line != tt.line {
			t.Errorf("%q: line = %d, want %d", tt.lines, aerr.Line, tt.line)
		}
	}
}

// TestParseProgram 测试程序文件
func TestParseProgram(t *testing.T) {
	src := `
[[method]]
name = "main"
code = ["putobject 1", "leave"]

[[method]]
name = "twice"
owner = "Integer"
arity = 1
locals = ["n"]
code = ["getlocal_WC_0 n", "dup", "opt_plus", "leave"]
`
	prog, err := ParseProgram([]byte(src))
	if err != nil {
		t.Fatalf("ParseProgram: %v", err)
	}
	if prog.Entry != DefaultEntry {
		t.Errorf("Entry = %q", prog.Entry)
	}
	if _, ok := prog.Method("main"); !ok {
		t.Error("main not found")
	}
	if prog.Methods[1].Owner != "Integer" {
		t.Errorf("owner = %q", prog.Methods[1].Owner)
	}
	methods, err := prog.Compile(newFakeLits())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(methods) != 2 || methods[1].Iseq.LocalTableSize() != 1 {
		t.Errorf("compiled = %+v", methods)
	}

	dup := "[[method]]\nname = \"a\"\n[[method]]\nname = \"a\"\n"
	if _, err := ParseProgram([]byte(dup)); err == nil {
		t.Error("duplicate method should fail")
	}
	if _, err := ParseProgram([]byte("[[method]]\nname = \"a\"\narity = 2\n")); err == nil {
		t.Error("arity larger than locals should fail")
	}
}

// TestFingerprint 测试摘要稳定性
func TestFingerprint(t *testing.T) {
	build := func(n int64) *Iseq {
		return NewBuilder("f").PutObject(value.Fixnum(n)).Emit(OpLeave).MustFinish()
	}
	a, b, c := build(1), build(1), build(2)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical iseqs should share a fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("different iseqs should not share a fingerprint")
	}
	if len(a.Fingerprint()) != 64 {
		t.Errorf("fingerprint length = %d", len(a.Fingerprint()))
	}
}
