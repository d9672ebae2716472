//go:build !amd64

package vm

const nativeCallSupported = false

func callJITEntry(fn, ec, cfp uintptr) uint64 {
	panic("vm: native code is only supported on amd64")
}
