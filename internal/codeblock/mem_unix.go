//go:build !windows

package codeblock

import (
	"golang.org/x/sys/unix"
)

// allocMemory 以 mmap 分配可读写的匿名内存
func allocMemory(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	aligned := (size + pageSize - 1) &^ (pageSize - 1)
	return unix.Mmap(-1, 0, aligned, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// protectMemory 在 RW 与 RX 之间切换
func protectMemory(mem []byte, executable bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.Mprotect(mem, prot)
}

func freeMemory(mem []byte) error {
	return unix.Munmap(mem)
}
