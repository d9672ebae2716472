// Package options 解析 JIT 的进程级选项
//
// 选项既可以来自命令行的 --zjit-* 开关，也可以来自 zjit.toml 配置文件。
// 命令行开关在配置文件之后应用，因此会覆盖文件中的同名设置。
package options

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// 默认值
const (
	DefaultCallThreshold  = 2
	DefaultExecMemSizeMiB = 16
	MaxExecMemSizeMiB     = 2048

	argPrefix = "--zjit"
)

// Options JIT 选项
type Options struct {
	Enabled        bool   `toml:"enabled"`        // 是否启用 JIT
	CallThreshold  int    `toml:"call_threshold"` // 方法调用多少次后尝试编译
	DumpSSA        bool   `toml:"dump_ssa"`       // 打印 SSA
	DumpSnapshots  bool   `toml:"dump_snapshots"` // 打印 SSA 时保留快照
	DumpDisasm     bool   `toml:"dump_disasm"`    // 打印生成代码的反汇编
	DumpFilter     string `toml:"dump_filter"`    // 只打印方法名匹配该正则的方法
	StrictOpcodes  bool   `toml:"strict_opcodes"` // 遇到不支持的操作码时放弃整个方法
	ExecMemSizeMiB int    `toml:"exec_mem_size"`  // 可执行内存大小（MiB）
	Stats          bool   `toml:"stats"`          // 退出时打印统计
	Debug          bool   `toml:"debug"`          // 打开调试日志

	filter *regexp2.Regexp
}

// Default 返回默认选项
// 默认开启 StrictOpcodes：宿主解释器依赖“未编译即回退”，
// 跳过未知操作码会让机器码与解释器语义不一致。
func Default() *Options {
	return &Options{
		CallThreshold:  DefaultCallThreshold,
		StrictOpcodes:  true,
		ExecMemSizeMiB: DefaultExecMemSizeMiB,
	}
}

// LoadFile 从 TOML 文件加载选项，未出现的键保持当前值
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return o.Validate()
}

// Parse 解析一个 --zjit 开关
// 不是 --zjit 开关或者值非法时返回 false，调用方据此报告未知选项
func (o *Options) Parse(arg string) bool {
	if arg == argPrefix {
		o.Enabled = true
		return true
	}
	rest, ok := strings.CutPrefix(arg, argPrefix+"-")
	if !ok {
		return false
	}
	name, val, hasVal := strings.Cut(rest, "=")
	if hasVal && !takesValue(name) {
		return false
	}

	switch name {
	case "call-threshold":
		n, err := strconv.Atoi(val)
		if !hasVal || err != nil || n < 1 {
			return false
		}
		o.CallThreshold = n
	case "exec-mem-size":
		n, err := strconv.Atoi(val)
		if !hasVal || err != nil || n < 1 || n > MaxExecMemSizeMiB {
			return false
		}
		o.ExecMemSizeMiB = n
	case "dump-filter":
		if !hasVal || val == "" {
			return false
		}
		if err := o.SetDumpFilter(val); err != nil {
			return false
		}
	case "dump-ssa":
		o.DumpSSA = true
	case "dump-snapshots":
		o.DumpSSA = true
		o.DumpSnapshots = true
	case "dump-disasm":
		o.DumpDisasm = true
	case "strict-opcodes":
		b, ok := parseBool(val, hasVal)
		if !ok {
			return false
		}
		o.StrictOpcodes = b
	case "stats":
		o.Stats = true
	case "debug":
		o.Debug = true
	default:
		return false
	}
	o.Enabled = true
	return true
}

// ParseArgs 从参数列表中取出所有 --zjit 开关，返回剩余参数
func (o *Options) ParseArgs(args []string) ([]string, error) {
	rest := make([]string, 0, len(args))
	var errs error
	for _, arg := range args {
		if !strings.HasPrefix(arg, argPrefix) {
			rest = append(rest, arg)
			continue
		}
		if !o.Parse(arg) {
			errs = multierr.Append(errs, fmt.Errorf("invalid option: %s", arg))
		}
	}
	return rest, errs
}

// SetDumpFilter 设置打印过滤正则
func (o *Options) SetDumpFilter(expr string) error {
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return fmt.Errorf("invalid dump filter %q: %w", expr, err)
	}
	o.DumpFilter = expr
	o.filter = re
	return nil
}

// ShouldDump 判断方法是否需要打印诊断信息
func (o *Options) ShouldDump(name string) bool {
	if o.filter == nil {
		return true
	}
	ok, err := o.filter.MatchString(name)
	return err == nil && ok
}

// ExecMemSize 返回可执行内存字节数
func (o *Options) ExecMemSize() int {
	return o.ExecMemSizeMiB << 20
}

// Validate 检查选项，一次报告所有问题
func (o *Options) Validate() error {
	var errs error
	if o.CallThreshold < 1 {
		errs = multierr.Append(errs, fmt.Errorf("call_threshold must be at least 1, got %d", o.CallThreshold))
	}
	if o.ExecMemSizeMiB < 1 || o.ExecMemSizeMiB > MaxExecMemSizeMiB {
		errs = multierr.Append(errs, fmt.Errorf("exec_mem_size must be in [1, %d] MiB, got %d", MaxExecMemSizeMiB, o.ExecMemSizeMiB))
	}
	if o.DumpSnapshots && !o.DumpSSA {
		errs = multierr.Append(errs, fmt.Errorf("dump_snapshots requires dump_ssa"))
	}
	if o.DumpFilter != "" && (o.filter == nil || o.filter.String() != o.DumpFilter) {
		errs = multierr.Append(errs, o.SetDumpFilter(o.DumpFilter))
	}
	return errs
}

func takesValue(name string) bool {
	switch name {
	case "call-threshold", "exec-mem-size", "dump-filter", "strict-opcodes":
		return true
	}
	return false
}

func parseBool(val string, hasVal bool) (bool, bool) {
	if !hasVal {
		return true, true
	}
	b, err := strconv.ParseBool(val)
	return b, err == nil
}
