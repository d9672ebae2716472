package bytecode

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// 程序文件示例：
//
//	entry = "main"
//
//	[[method]]
//	name = "main"
//	locals = ["x"]
//	code = [
//	  "putobject 3",
//	  "setlocal_WC_0 x",
//	  "getlocal_WC_0 x",
//	  "leave",
//	]

// DefaultEntry 未指定入口时调用的方法
const DefaultEntry = "main"

// Program 程序文件
type Program struct {
	Entry   string      `toml:"entry"`
	Methods []MethodDef `toml:"method"`
}

// MethodDef 程序文件中的一个方法
type MethodDef struct {
	Name   string   `toml:"name"`
	Owner  string   `toml:"owner"`  // 所属类，缺省为 Object
	Arity  int      `toml:"arity"`  // 参数个数，参数占用前 Arity 个局部变量
	Locals []string `toml:"locals"` // 局部变量表
	Code   []string `toml:"code"`   // 文本汇编
}

// CompiledMethod 汇编后的方法
type CompiledMethod struct {
	Def  MethodDef
	Iseq *Iseq
}

// LoadProgram 从文件加载程序
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program file: %w", err)
	}
	return ParseProgram(data)
}

// ParseProgram 解析 TOML 程序
func ParseProgram(data []byte) (*Program, error) {
	var prog Program
	if err := toml.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("failed to parse program file: %w", err)
	}
	if prog.Entry == "" {
		prog.Entry = DefaultEntry
	}
	seen := make(map[string]bool, len(prog.Methods))
	for i := range prog.Methods {
		m := &prog.Methods[i]
		if m.Name == "" {
			return nil, fmt.Errorf("method #%d has no name", i)
		}
		if m.Owner == "" {
			m.Owner = "Object"
		}
		key := m.Owner + "#" + m.Name
		if seen[key] {
			return nil, fmt.Errorf("method %s is defined twice", key)
		}
		seen[key] = true
		if m.Arity < 0 || m.Arity > len(m.Locals) {
			return nil, fmt.Errorf("method %s: arity %d does not fit %d locals", key, m.Arity, len(m.Locals))
		}
	}
	return &prog, nil
}

// Compile 汇编程序中的所有方法
func (p *Program) Compile(lits Literals) ([]CompiledMethod, error) {
	out := make([]CompiledMethod, 0, len(p.Methods))
	for _, m := range p.Methods {
		is, err := Assemble(m.Name, m.Locals, m.Code, lits)
		if err != nil {
			return nil, fmt.Errorf("method %s#%s: %w", m.Owner, m.Name, err)
		}
		out = append(out, CompiledMethod{Def: m, Iseq: is})
	}
	return out, nil
}

// Method 按名称查找 Object 上的方法定义
func (p *Program) Method(name string) (MethodDef, bool) {
	for _, m := range p.Methods {
		if m.Name == name && m.Owner == "Object" {
			return m, true
		}
	}
	return MethodDef{}, false
}
