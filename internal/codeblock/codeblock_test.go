package codeblock

import (
	"bytes"
	"errors"
	"testing"
)

func newBlock(t *testing.T, size int) *CodeBlock {
	t.Helper()
	cb, err := New(size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { cb.Close() })
	return cb
}

// TestWriteAdvancesCursor 测试写入推进游标并返回起始地址
func TestWriteAdvancesCursor(t *testing.T) {
	cb := newBlock(t, 4096)
	if cb.Writable() {
		t.Error("fresh code block should be executable")
	}

	p1, err := cb.Write([]byte{0xC3})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	p2, err := cb.Write([]byte{0x90, 0xC3})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if p1.IsNull() || p2 != p1+1 {
		t.Errorf("p1 = %s, p2 = %s", p1, p2)
	}
	if cb.WritePos() != 3 {
		t.Errorf("WritePos() = %d, want 3", cb.WritePos())
	}
	if cb.Writable() {
		t.Error("code block should be executable after a write")
	}

	got, err := cb.Bytes(p2, 2)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, []byte{0x90, 0xC3}) {
		t.Errorf("Bytes() = % x", got)
	}
	if _, err := cb.Bytes(p2, 10); err == nil {
		t.Error("reading past the cursor should fail")
	}
}

// TestWriteAllOrNothing 测试空间不足时不消耗空间
func TestWriteAllOrNothing(t *testing.T) {
	cb := newBlock(t, 1)
	size := cb.Size()

	if _, err := cb.Write(make([]byte, size-1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, err := cb.Write([]byte{0x90, 0x90})
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("err = %v, want ErrBufferFull", err)
	}
	if cb.Remaining() != 1 {
		t.Errorf("Remaining() = %d, want 1", cb.Remaining())
	}
	if _, err := cb.Write([]byte{0xC3}); err != nil {
		t.Errorf("last byte should still fit: %v", err)
	}
}

// TestPermissionToggle 测试整块权限切换
func TestPermissionToggle(t *testing.T) {
	cb := newBlock(t, 4096)
	if err := cb.MarkAllWritable(); err != nil {
		t.Fatalf("MarkAllWritable: %v", err)
	}
	if !cb.Writable() {
		t.Error("expected writable")
	}
	if err := cb.MarkAllExecutable(); err != nil {
		t.Fatalf("MarkAllExecutable: %v", err)
	}
	if cb.Writable() {
		t.Error("expected executable")
	}
}

// TestClosed 测试释放后写入
func TestClosed(t *testing.T) {
	cb, err := New(4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := cb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := cb.Write([]byte{0xC3}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := cb.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// TestInvalidSize 测试非法大小
func TestInvalidSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) should fail")
	}
}

// TestWriteRollsBackOnProtectFailure 测试恢复执行权限失败时游标回退
func TestWriteRollsBackOnProtectFailure(t *testing.T) {
	cb := newBlock(t, 4096)
	if _, err := cb.Write([]byte{0x90}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	errDenied := errors.New("mprotect denied")
	t.Cleanup(func() { protect = protectMemory })
	protect = func(mem []byte, executable bool) error {
		if executable {
			return errDenied
		}
		return protectMemory(mem, executable)
	}
	if _, err := cb.Write([]byte{0xCC, 0xCC}); !errors.Is(err, errDenied) {
		t.Fatalf("err = %v, want %v", err, errDenied)
	}
	if cb.WritePos() != 1 {
		t.Errorf("WritePos() = %d after failed write, want 1", cb.WritePos())
	}

	protect = protectMemory
	p, err := cb.Write([]byte{0xC3})
	if err != nil {
		t.Fatalf("Write after recovery: %v", err)
	}
	if cb.WritePos() != 2 {
		t.Errorf("WritePos() = %d, want 2", cb.WritePos())
	}
	got, err := cb.Bytes(p, 1)
	if err != nil || !bytes.Equal(got, []byte{0xC3}) {
		t.Errorf("Bytes() = %x, %v", got, err)
	}
}
