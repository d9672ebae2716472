//go:build windows

package codeblock

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// allocMemory 以 VirtualAlloc 分配可读写内存
func allocMemory(size int) ([]byte, error) {
	const pageSize = 4096
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	addr, err := windows.VirtualAlloc(0, uintptr(aligned), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), aligned), nil
}

// protectMemory 在 RW 与 RX 之间切换
func protectMemory(mem []byte, executable bool) error {
	prot := uint32(windows.PAGE_READWRITE)
	if executable {
		prot = windows.PAGE_EXECUTE_READ
	}
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), prot, &old)
}

func freeMemory(mem []byte) error {
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}
