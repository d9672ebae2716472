package stats

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/segmentio/encoding/json"
)

// TestConcurrentReject 测试并发计数
func TestConcurrentReject(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Reject("Send")
				c.Compiled.Inc()
			}
		}()
	}
	wg.Wait()
	if c.Rejected.Load() != 800 || c.Compiled.Load() != 800 {
		t.Errorf("rejected = %d, compiled = %d", c.Rejected.Load(), c.Compiled.Load())
	}
	if c.Reasons()["Send"] != 800 {
		t.Errorf("reasons = %v", c.Reasons())
	}
}

// TestNilReject 测试未启用统计时的调用
func TestNilReject(t *testing.T) {
	var c *Counters
	c.Reject("anything")
}

// TestWriteJSON 测试 JSON 输出
func TestWriteJSON(t *testing.T) {
	c := New()
	c.Compiled.Add(3)
	c.CodeBytes.Add(2048)
	c.Reject("Param")

	var buf bytes.Buffer
	if err := c.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got Snapshot
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Compiled != 3 || got.CodeBytes != 2048 || got.RejectReasons["Param"] != 1 {
		t.Errorf("snapshot = %+v", got)
	}
}

// TestWriteText 测试文本输出
func TestWriteText(t *testing.T) {
	c := New()
	c.Compiled.Add(1234)
	c.CodeBytes.Add(4096)
	c.Reject("Send")
	c.Reject("Send")
	c.Reject("Param")

	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"1,234", "4.0 KiB", "reject reasons:", "Send:"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
	if strings.Index(out, "Send:") > strings.Index(out, "Param:") {
		t.Errorf("reasons should be sorted by count:\n%s", out)
	}
}

// TestReasonOrder 测试拒绝原因按次数降序、同次数按名字升序输出
func TestReasonOrder(t *testing.T) {
	c := New()
	for _, r := range []string{"Return of a computed value", "Param", "Send", "Send"} {
		c.Reject(r)
	}

	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()
	send := strings.Index(out, "Send:")
	param := strings.Index(out, "Param:")
	ret := strings.Index(out, "Return of a computed value:")
	if send < 0 || param < 0 || ret < 0 {
		t.Fatalf("reasons missing:\n%s", out)
	}
	if !(send < param && param < ret) {
		t.Errorf("order = Send@%d Param@%d Return@%d, want Send, Param, Return:\n%s", send, param, ret, out)
	}
}
