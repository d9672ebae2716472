// Package codeblock 管理存放 JIT 机器码的可执行内存
//
// 整块内存在“可写”与“可执行”之间整体切换（W^X）。写入只追加到写游标处，
// 要么整段写入成功，要么什么都不写、游标不动。
package codeblock

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

// ErrBufferFull 剩余空间不足
var ErrBufferFull = errors.New("code block is full")

// ErrClosed 代码块已释放
var ErrClosed = errors.New("code block is closed")

// CodePtr 机器码地址
type CodePtr uintptr

// IsNull 是否为空地址
func (p CodePtr) IsNull() bool {
	return p == 0
}

// Raw 返回原始地址
func (p CodePtr) Raw() uintptr {
	return uintptr(p)
}

func (p CodePtr) String() string {
	return fmt.Sprintf("%#x", uintptr(p))
}

// CodeBlock 可执行内存块
type CodeBlock struct {
	mu       sync.Mutex
	mem      []byte
	writePos int
	writable bool
	closed   bool
}

// New 分配 size 字节（向上对齐到页）的代码块
func New(size int) (*CodeBlock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid code block size %d", size)
	}
	mem, err := allocMemory(size)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate executable memory: %w", err)
	}
	cb := &CodeBlock{mem: mem, writable: true}
	if err := cb.markAllExecutable(); err != nil {
		_ = freeMemory(mem)
		return nil, err
	}
	return cb, nil
}

// Size 总容量
func (cb *CodeBlock) Size() int {
	return len(cb.mem)
}

// WritePos 当前写游标
func (cb *CodeBlock) WritePos() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.writePos
}

// Remaining 剩余空间
func (cb *CodeBlock) Remaining() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.mem) - cb.writePos
}

// PtrAt 返回偏移处的地址
func (cb *CodeBlock) PtrAt(pos int) CodePtr {
	return CodePtr(uintptr(unsafe.Pointer(&cb.mem[0])) + uintptr(pos))
}

// Contains 地址是否落在本代码块内
func (cb *CodeBlock) Contains(p CodePtr) bool {
	start := uintptr(unsafe.Pointer(&cb.mem[0]))
	return p.Raw() >= start && p.Raw() < start+uintptr(len(cb.mem))
}

// Bytes 返回已写入区域中从 p 开始的 n 个字节（只读使用）
func (cb *CodeBlock) Bytes(p CodePtr, n int) ([]byte, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.Contains(p) {
		return nil, fmt.Errorf("address %s is outside the code block", p)
	}
	off := int(p.Raw() - uintptr(unsafe.Pointer(&cb.mem[0])))
	if n < 0 || off+n > cb.writePos {
		return nil, fmt.Errorf("range %s+%d is not written", p, n)
	}
	return cb.mem[off : off+n], nil
}

// Write 在写游标处写入整段机器码，返回其起始地址
// 空间不足时返回 ErrBufferFull，不写入任何内容
func (cb *CodeBlock) Write(code []byte) (CodePtr, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return 0, ErrClosed
	}
	if len(code) == 0 {
		return 0, fmt.Errorf("empty code")
	}
	if len(code) > len(cb.mem)-cb.writePos {
		return 0, fmt.Errorf("need %d bytes, %d left: %w", len(code), len(cb.mem)-cb.writePos, ErrBufferFull)
	}

	if err := cb.markAllWritable(); err != nil {
		return 0, err
	}
	start := cb.writePos
	copy(cb.mem[start:], code)
	cb.writePos += len(code)
	if err := cb.markAllExecutable(); err != nil {
		cb.writePos = start
		return 0, err
	}
	return cb.PtrAt(start), nil
}

// MarkAllWritable 整块切换为可读写
func (cb *CodeBlock) MarkAllWritable() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.markAllWritable()
}

// MarkAllExecutable 整块切换为可读可执行
func (cb *CodeBlock) MarkAllExecutable() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.markAllExecutable()
}

// protect 切换页保护，测试中可替换
var protect = protectMemory

func (cb *CodeBlock) markAllWritable() error {
	if cb.writable {
		return nil
	}
	if err := protect(cb.mem, false); err != nil {
		return fmt.Errorf("failed to make code block writable: %w", err)
	}
	cb.writable = true
	return nil
}

func (cb *CodeBlock) markAllExecutable() error {
	if !cb.writable {
		return nil
	}
	if err := protect(cb.mem, true); err != nil {
		return fmt.Errorf("failed to make code block executable: %w", err)
	}
	cb.writable = false
	return nil
}

// Writable 当前是否处于可写状态
func (cb *CodeBlock) Writable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.writable
}

// Close 释放内存，之后的写入返回 ErrClosed
func (cb *CodeBlock) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return nil
	}
	cb.closed = true
	return freeMemory(cb.mem)
}
