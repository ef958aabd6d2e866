// Package physmem provides memory the simulated DMA engine can address.
//
// Region (Linux) maps the same pages through a cached and an uncached
// window, like the KSEG0 and KSEG1 segments of a MIPS address space.
// Heap backs each window with its own Go allocation and runs anywhere.
package physmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/romshark/ethmac-go/desc"
)

const (
	DefaultBase  desc.PhysAddr = 0x1000_0000
	DefaultAlign               = 16
)

var ErrExhausted = errors.New("memory exhausted")

// Heap is a desc.Translator over two Go allocated windows. Unlike Region the
// windows do not alias, each has its own physical address range.
// Carve is safe for concurrent use.
type Heap struct {
	base    [2]desc.PhysAddr
	windows [2][]byte

	mu   sync.Mutex
	used [2]int
}

var _ desc.Translator = (*Heap)(nil)

// NewHeap creates a heap with two windows of size bytes each. The uncached
// window starts at DefaultBase, the cached one right behind it.
func NewHeap(size int) *Heap {
	h := &Heap{}
	h.windows[desc.Uncached] = make([]byte, size)
	h.windows[desc.Cached] = make([]byte, size)
	h.base[desc.Uncached] = DefaultBase
	h.base[desc.Cached] = DefaultBase + desc.PhysAddr(alignUp(size, DefaultAlign))
	return h
}

func alignUp(n, a int) int { return (n + a - 1) &^ (a - 1) }

// Carve takes n bytes out of window s, aligned to DefaultAlign.
func (h *Heap) Carve(n int, s desc.Space) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w := h.windows[s]
	off := alignUp(h.used[s], DefaultAlign)
	if n <= 0 || off+n > len(w) {
		return nil, fmt.Errorf("%w: %d bytes requested, %d left", ErrExhausted, n, len(w)-off)
	}
	h.used[s] = off + n
	return w[off : off+n : off+n], nil
}

func (h *Heap) VirtToPhys(b []byte) (desc.PhysAddr, desc.Space, bool) {
	for sp, w := range h.windows {
		if off, ok := offsetIn(w, b); ok {
			return h.base[sp] + desc.PhysAddr(off), desc.Space(sp), true
		}
	}
	return 0, 0, false
}

func (h *Heap) PhysToVirt(pa desc.PhysAddr, s desc.Space, n int) []byte {
	if int(s) >= len(h.windows) || pa < h.base[s] {
		return nil
	}
	return sliceAt(h.windows[s], int(pa-h.base[s]), n)
}

// offsetIn returns the offset of b in w if all of b lies within w.
func offsetIn(w, b []byte) (int, bool) {
	if len(b) == 0 || len(w) == 0 {
		return 0, false
	}
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	start := uintptr(unsafe.Pointer(unsafe.SliceData(w)))
	if p < start || p+uintptr(len(b)) > start+uintptr(len(w)) {
		return 0, false
	}
	return int(p - start), true
}

func sliceAt(w []byte, off, n int) []byte {
	if off < 0 || n < 0 || off+n > len(w) {
		return nil
	}
	return w[off : off+n : off+n]
}
