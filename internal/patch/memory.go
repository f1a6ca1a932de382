package patch

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ProtRO  = unix.PROT_READ
	ProtRX  = unix.PROT_READ | unix.PROT_EXEC
	ProtRW  = unix.PROT_READ | unix.PROT_WRITE
	ProtRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// VirtualMemory mutates the running process's own pages. Protection changes
// cover the page-aligned span containing the request.
type VirtualMemory struct{}

func (VirtualMemory) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	copy(out, rawSpan(addr, n))
	return out, nil
}

func (VirtualMemory) Protect(addr uint64, n int, prot int) error {
	start, span := pageSpan(addr, n)
	return unix.Mprotect(rawSpan(start, span), prot)
}

func (VirtualMemory) Write(addr uint64, b []byte) error {
	copy(rawSpan(addr, len(b)), b)
	return nil
}

// Flush synchronizes the instruction cache after a code write. amd64 keeps
// its icache coherent; on arm64 re-granting exec on the span makes the
// kernel perform the maintenance.
func (VirtualMemory) Flush(addr uint64, n int) error {
	if runtime.GOARCH != "arm64" {
		return nil
	}
	start, span := pageSpan(addr, n)
	return unix.Mprotect(rawSpan(start, span), ProtRX)
}

func rawSpan(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

func pageSpan(addr uint64, n int) (uint64, int) {
	page := uint64(unix.Getpagesize())
	start := addr &^ (page - 1)
	end := (addr + uint64(n) + page - 1) &^ (page - 1)
	return start, int(end - start)
}
