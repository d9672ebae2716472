//go:build amd64

package vm

// nativeCallSupported 当前平台能否进入机器码
const nativeCallSupported = true

// callJITEntry 以 (ec, cfp) 调用机器码入口（汇编实现）
// 入口按 System V 约定取参：RDI = ec，RSI = cfp，返回值在 RAX。
//
//go:noescape
func callJITEntry(fn, ec, cfp uintptr) uint64
