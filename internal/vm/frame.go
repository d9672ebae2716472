package vm

import (
	"unsafe"

	"github.com/tangzhangming/zjit/internal/value"
)

// ============================================================================
// 控制帧
// ============================================================================

// ControlFrame 方法调用的控制帧
// 帧区是一块定长数组，帧从高地址向低地址增长：
// 压帧是 CFP -= SizeofControlFrame，出帧是 CFP += SizeofControlFrame。
// 机器码直接按下面的偏移读写这些字段，所以只包含定长的整数字段。
type ControlFrame struct {
	PC        uintptr     // 下一条指令的下标
	SP        uintptr     // 值栈栈顶地址
	Method    uintptr     // 方法表项编号
	Self      value.VALUE // 接收者
	EP        uintptr     // 局部变量区地址
	JITReturn uintptr     // 机器码返回地址，解释执行时为 0
}

// ExecutionContext 执行上下文
type ExecutionContext struct {
	CFP       uintptr // 当前控制帧地址
	FrameBase uintptr // 帧区最低地址
	FrameEnd  uintptr // 帧区末尾（根帧位置）
}

// 机器码使用的布局常量
const (
	OffsetCFPSP        = int32(unsafe.Offsetof(ControlFrame{}.SP))
	OffsetCFPSelf      = int32(unsafe.Offsetof(ControlFrame{}.Self))
	OffsetECCFP        = int32(unsafe.Offsetof(ExecutionContext{}.CFP))
	SizeofControlFrame = int32(unsafe.Sizeof(ControlFrame{}))
)

// DefaultMaxDepth 默认最大调用深度
const DefaultMaxDepth = 1024

// frameStack 帧区
type frameStack struct {
	frames []ControlFrame
	ec     *ExecutionContext
}

func newFrameStack(depth int) *frameStack {
	fs := &frameStack{
		frames: make([]ControlFrame, depth),
		ec:     new(ExecutionContext),
	}
	fs.ec.FrameBase = uintptr(unsafe.Pointer(&fs.frames[0]))
	fs.ec.FrameEnd = fs.ec.FrameBase + uintptr(depth)*uintptr(SizeofControlFrame)
	fs.ec.CFP = fs.ec.FrameEnd
	return fs
}

// push 压入新帧，帧区耗尽时返回 false
func (fs *frameStack) push(method int, self value.VALUE, ep, sp uintptr) (*ControlFrame, bool) {
	if fs.ec.CFP-fs.ec.FrameBase < uintptr(SizeofControlFrame) {
		return nil, false
	}
	fs.ec.CFP -= uintptr(SizeofControlFrame)
	cfp := fs.current()
	*cfp = ControlFrame{
		SP:     sp,
		Method: uintptr(method),
		Self:   self,
		EP:     ep,
	}
	return cfp, true
}

// pop 弹出当前帧
func (fs *frameStack) pop() {
	if fs.ec.CFP >= fs.ec.FrameEnd {
		panic("vm: control frame stack underflow")
	}
	fs.ec.CFP += uintptr(SizeofControlFrame)
}

// current 返回当前帧
func (fs *frameStack) current() *ControlFrame {
	return &fs.frames[fs.index(fs.ec.CFP)]
}

// index 把帧地址换算为数组下标
func (fs *frameStack) index(cfp uintptr) int {
	return int((cfp - fs.ec.FrameBase) / uintptr(SizeofControlFrame))
}

// depth 返回当前调用深度
func (fs *frameStack) depth() int {
	return int((fs.ec.FrameEnd - fs.ec.CFP) / uintptr(SizeofControlFrame))
}

// ecAddr 返回执行上下文地址（传给机器码）
func (fs *frameStack) ecAddr() uintptr {
	return uintptr(unsafe.Pointer(fs.ec))
}
