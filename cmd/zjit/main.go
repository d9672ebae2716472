package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/tangzhangming/zjit/internal/annotations"
	"github.com/tangzhangming/zjit/internal/bytecode"
	"github.com/tangzhangming/zjit/internal/ir"
	"github.com/tangzhangming/zjit/internal/jit"
	"github.com/tangzhangming/zjit/internal/options"
	"github.com/tangzhangming/zjit/internal/stats"
	"github.com/tangzhangming/zjit/internal/vm"
)

const (
	Version = "0.1.0"
)

// colorOutput 标准输出是否为终端
var colorOutput = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 执行命令并返回退出码
func run(argv []string) int {
	// 预扫描全局参数 --zjit-*
	opts := options.Default()
	args, err := opts.ParseArgs(argv)
	if err != nil {
		fail(err)
		return 2
	}

	if len(args) < 1 {
		printUsage(os.Stdout)
		return 0
	}

	command := args[0]
	switch command {
	case "run":
		return cmdRun(opts, args[1:])
	case "ssa":
		return cmdSSA(opts, args[1:])
	case "disasm":
		return cmdDisasm(opts, args[1:])
	case "annotations":
		return cmdAnnotations()
	case "version", "-v", "--version":
		cmdVersion()
		return 0
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "zjit: unknown command %q\n\n", command)
		printUsage(os.Stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "zjit %s\n\n", Version)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  zjit [--zjit[-option[=value]]...] <command> [options] [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run <prog.toml>      run a program, compiling hot methods when --zjit is given")
	fmt.Fprintln(w, "  ssa <prog.toml>      print the SSA of every method")
	fmt.Fprintln(w, "  disasm <prog.toml>   compile every method and print the machine code")
	fmt.Fprintln(w, "  annotations          list native method properties")
	fmt.Fprintln(w, "  version              print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "JIT options:")
	fmt.Fprintln(w, "  --zjit                       enable the JIT")
	fmt.Fprintf(w, "  --zjit-call-threshold=N      compile after N calls (default %d)\n", options.DefaultCallThreshold)
	fmt.Fprintf(w, "  --zjit-exec-mem-size=MiB     executable memory size (default %d)\n", options.DefaultExecMemSizeMiB)
	fmt.Fprintln(w, "  --zjit-dump-ssa              print SSA of compiled methods")
	fmt.Fprintln(w, "  --zjit-dump-snapshots        include snapshots in SSA dumps")
	fmt.Fprintln(w, "  --zjit-dump-disasm           print machine code of compiled methods")
	fmt.Fprintln(w, "  --zjit-dump-filter=REGEXP    only dump methods whose name matches")
	fmt.Fprintln(w, "  --zjit-strict-opcodes=BOOL   reject methods with unsupported opcodes (default true)")
	fmt.Fprintln(w, "  --zjit-stats                 print statistics on exit")
	fmt.Fprintln(w, "  --zjit-debug                 verbose logging")
}

// cmdRun 运行程序
func cmdRun(opts *options.Options, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	config := fs.String("config", "", "load JIT options from a TOML file")
	printResult := fs.Bool("p", false, "print the value returned by the entry method")
	statsJSON := fs.Bool("stats-json", false, "write statistics as JSON to stderr")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: zjit run [options] <prog.toml>")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	if *config != "" {
		if err := opts.LoadFile(*config); err != nil {
			fail(err)
			return 2
		}
	}

	prog, err := bytecode.LoadProgram(fs.Arg(0))
	if err != nil {
		fail(err)
		return 1
	}

	counters := stats.New()
	v := vm.New(vm.Config{Out: os.Stdout, Stats: counters})
	j, err := jit.Init(v, jit.Config{Options: opts, Stats: counters})
	if err != nil {
		fail(err)
		return 2
	}

	result, runErr := v.Run(prog)
	if runErr == nil && *printResult {
		fmt.Printf("=> %s\n", v.Inspect(result))
	}
	if *statsJSON {
		if err := counters.WriteJSON(os.Stderr); err != nil {
			fail(err)
		}
	}
	if err := j.Shutdown(); err != nil {
		fail(err)
	}
	if runErr != nil {
		fail(runErr)
		return 1
	}
	return 0
}

// loadMethods 把程序装入新的虚拟机，返回驱动与方法列表
func loadMethods(opts *options.Options, path string) (*jit.JIT, []*vm.MethodEntry, error) {
	prog, err := bytecode.LoadProgram(path)
	if err != nil {
		return nil, nil, err
	}
	v := vm.New(vm.Config{Out: io.Discard})
	methods, err := v.Load(prog)
	if err != nil {
		return nil, nil, err
	}
	j, err := jit.Init(v, jit.Config{Options: opts, DumpOut: os.Stdout})
	if err != nil {
		return nil, nil, err
	}
	return j, methods, nil
}

// cmdSSA 打印每个方法的 SSA
func cmdSSA(opts *options.Options, args []string) int {
	fs := flag.NewFlagSet("ssa", flag.ContinueOnError)
	snapshots := fs.Bool("snapshots", false, "include snapshots")
	method := fs.String("method", "", "only print this method")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: zjit ssa [options] <prog.toml>")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}

	j, methods, err := loadMethods(opts, fs.Arg(0))
	if err != nil {
		fail(err)
		return 1
	}
	defer j.Shutdown()

	status := 0
	for _, me := range methods {
		if *method != "" && me.Name != *method {
			continue
		}
		fun, err := translate(j, me.Iseq)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", me.QualifiedName(), err)
			if !errors.Is(err, ir.ErrUnknownOpcode) {
				status = 1
			}
			continue
		}
		p := ir.NewFunctionPrinter(fun)
		if *snapshots || opts.DumpSnapshots {
			p = p.WithSnapshots()
		}
		fmt.Print(p.String())
	}
	return status
}

// translate 翻译单个方法，内部错误转为普通错误返回
func translate(j *jit.JIT, is *bytecode.Iseq) (fun *ir.Function, err error) {
	defer func() {
		if r := recover(); r != nil {
			var inv *ir.InvariantError
			if e, ok := r.(error); ok && errors.As(e, &inv) {
				err = inv
				return
			}
			panic(r)
		}
	}()
	return j.Translate(is)
}

// cmdDisasm 编译每个方法并打印机器码
func cmdDisasm(opts *options.Options, args []string) int {
	fs := flag.NewFlagSet("disasm", flag.ContinueOnError)
	method := fs.String("method", "", "only compile this method")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: zjit disasm [options] <prog.toml>")
		fmt.Fprintln(fs.Output())
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}

	opts.DumpDisasm = true
	j, methods, err := loadMethods(opts, fs.Arg(0))
	if err != nil {
		fail(err)
		return 1
	}
	defer j.Shutdown()

	for _, me := range methods {
		if *method != "" && me.Name != *method {
			continue
		}
		if me.Arity > 0 {
			fmt.Printf("%s: not compiled (takes arguments)\n", me.QualifiedName())
			continue
		}
		if _, ok := j.CompileIseq(me.Iseq); !ok {
			fmt.Printf("%s: not compiled\n", me.QualifiedName())
		}
	}
	return 0
}

// cmdAnnotations 列出原生方法属性
func cmdAnnotations() int {
	v := vm.New(vm.Config{Out: io.Discard})
	anns, err := annotations.Init(v)
	if err != nil {
		fail(err)
		return 1
	}
	fmt.Println(bold("method               properties"))
	for _, e := range anns.Entries(v) {
		fmt.Printf("%-20s %s\n", e.Method, e.Props)
	}
	return 0
}

// cmdVersion 显示版本信息
func cmdVersion() {
	fmt.Printf("zjit %s\n", Version)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", red("zjit:"), err)
}

func bold(s string) string {
	if !colorOutput {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

func red(s string) string {
	if !colorOutput || !isatty.IsTerminal(os.Stderr.Fd()) {
		return s
	}
	return "\x1b[31m" + s + "\x1b[0m"
}
