// Package stats 统计 JIT 编译与执行的计数
package stats

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"
	"golang.org/x/exp/slices"
)

// Counters JIT 计数器，可并发更新
type Counters struct {
	Compiled       atomic.Int64 // 编译成功的方法数
	Rejected       atomic.Int64 // 被拒绝的方法数
	UnknownOpcodes atomic.Int64 // 翻译时遇到的不支持操作码
	TranslatorBugs atomic.Int64 // 翻译器内部不变量被破坏的次数
	CodeBytes      atomic.Int64 // 写入代码块的字节数
	CompileNanos   atomic.Int64 // 编译累计耗时

	InterpretedCalls atomic.Int64 // 解释执行的方法调用
	JITCalls         atomic.Int64 // 进入机器码的方法调用

	mu      sync.Mutex
	reasons map[string]int64 // 拒绝原因 -> 次数
}

// New 创建计数器
func New() *Counters {
	return &Counters{reasons: make(map[string]int64)}
}

// Reject 记录一次拒绝及其原因
func (c *Counters) Reject(reason string) {
	if c == nil {
		return
	}
	c.Rejected.Inc()
	c.mu.Lock()
	c.reasons[reason]++
	c.mu.Unlock()
}

// Reasons 返回拒绝原因的快照
func (c *Counters) Reasons() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.reasons))
	for k, v := range c.reasons {
		out[k] = v
	}
	return out
}

// Snapshot 计数器的只读快照
type Snapshot struct {
	Compiled         int64            `json:"compiled"`
	Rejected         int64            `json:"rejected"`
	UnknownOpcodes   int64            `json:"unknown_opcodes"`
	TranslatorBugs   int64            `json:"translator_bugs"`
	CodeBytes        int64            `json:"code_bytes"`
	CompileNanos     int64            `json:"compile_ns"`
	InterpretedCalls int64            `json:"interpreted_calls"`
	JITCalls         int64            `json:"jit_calls"`
	RejectReasons    map[string]int64 `json:"reject_reasons,omitempty"`
}

// Snapshot 读取当前计数
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Compiled:         c.Compiled.Load(),
		Rejected:         c.Rejected.Load(),
		UnknownOpcodes:   c.UnknownOpcodes.Load(),
		TranslatorBugs:   c.TranslatorBugs.Load(),
		CodeBytes:        c.CodeBytes.Load(),
		CompileNanos:     c.CompileNanos.Load(),
		InterpretedCalls: c.InterpretedCalls.Load(),
		JITCalls:         c.JITCalls.Load(),
		RejectReasons:    c.Reasons(),
	}
}

// WriteJSON 以 JSON 输出
func (c *Counters) WriteJSON(w io.Writer) error {
	data, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteText 以人类可读的文本输出
func (c *Counters) WriteText(w io.Writer) error {
	s := c.Snapshot()
	lines := []struct {
		name  string
		value string
	}{
		{"compiled_methods", humanize.Comma(s.Compiled)},
		{"rejected_methods", humanize.Comma(s.Rejected)},
		{"unknown_opcodes", humanize.Comma(s.UnknownOpcodes)},
		{"translator_bugs", humanize.Comma(s.TranslatorBugs)},
		{"code_size", humanize.IBytes(uint64(s.CodeBytes))},
		{"compile_time_ms", humanize.CommafWithDigits(float64(s.CompileNanos)/1e6, 3)},
		{"interpreted_calls", humanize.Comma(s.InterpretedCalls)},
		{"jit_calls", humanize.Comma(s.JITCalls)},
	}
	if _, err := fmt.Fprintln(w, "***ZJIT: Printing ZJIT statistics on exit***"); err != nil {
		return err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", l.name+":", l.value); err != nil {
			return err
		}
	}

	if len(s.RejectReasons) == 0 {
		return nil
	}
	reasons := make([]string, 0, len(s.RejectReasons))
	for r := range s.RejectReasons {
		reasons = append(reasons, r)
	}
	// 次数多的在前，次数相同按名字排序
	slices.SortFunc(reasons, func(a, b string) int {
		if ca, cb := s.RejectReasons[a], s.RejectReasons[b]; ca != cb {
			if ca > cb {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})
	if _, err := fmt.Fprintln(w, "reject reasons:"); err != nil {
		return err
	}
	for _, r := range reasons {
		if _, err := fmt.Fprintf(w, "  %-30s %s\n", r+":", humanize.Comma(s.RejectReasons[r])); err != nil {
			return err
		}
	}
	return nil
}
