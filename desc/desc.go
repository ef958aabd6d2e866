// Package desc implements the descriptor arena shared by the MAC driver and
// the DMA engine. Software addresses a slot by Index, registers and next
// links use its Addr.
package desc

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// Index identifies a descriptor slot in a Table.
type Index uint32

// Nil is the Index of no slot.
const Nil Index = math.MaxUint32

// Addr is the hardware-visible address of a descriptor.
// The zero Addr is the null descriptor address.
type Addr uint32

// PhysAddr is a buffer address as seen by the DMA engine.
type PhysAddr uint32

// Space identifies the virtual window a buffer was mapped through.
// The same physical page is reachable through both windows, so the space
// has to be remembered to turn a PhysAddr back into a usable slice.
type Space uint8

const (
	Uncached Space = iota
	Cached
)

func (s Space) String() string {
	switch s {
	case Uncached:
		return "uncached"
	case Cached:
		return "cached"
	}
	return fmt.Sprintf("space(%d)", uint8(s))
}

// Translator converts buffers between the software and hardware view.
type Translator interface {
	// VirtToPhys returns the physical address of b[0] and the window b was
	// taken from. ok is false when b lies outside every known window.
	VirtToPhys(b []byte) (pa PhysAddr, s Space, ok bool)

	// PhysToVirt returns the n bytes at pa as seen through window s.
	PhysToVirt(pa PhysAddr, s Space, n int) []byte
}

// Owner is the current owner of a descriptor.
type Owner uint8

const (
	Software Owner = iota
	Hardware
)

func (o Owner) String() string {
	if o == Hardware {
		return "hardware"
	}
	return "software"
}

// Header word layout.
const (
	hdrCached   uint32 = 1 << 0
	hdrSticky   uint32 = 1 << 1
	hdrNoAck    uint32 = 1 << 2
	hdrReported uint32 = 1 << 3
	hdrEOWN     uint32 = 1 << 7
	hdrNPV      uint32 = 1 << 8

	hdrCountPos         = 16
	hdrCountMask uint32 = MaxByteCount << hdrCountPos

	hdrEOP uint32 = 1 << 30
	hdrSOP uint32 = 1 << 31
)

// MaxByteCount is the largest buffer size a descriptor can describe.
const MaxByteCount = 0x7ff

// slot mirrors the silicon descriptor. Every word is accessed atomically
// because the DMA engine reads and writes it concurrently.
type slot struct {
	hdr  atomic.Uint32
	buf  atomic.Uint32
	stat [2]atomic.Uint32
	next atomic.Uint32
}

func (s *slot) reset() {
	s.hdr.Store(0)
	s.buf.Store(0)
	s.stat[0].Store(0)
	s.stat[1].Store(0)
}

// Table is a fixed-capacity arena of descriptor slots.
// Allocation is safe for concurrent use, list manipulation is not.
type Table struct {
	slots []slot
	links []Index  // software forward links, never seen by hardware
	sizes []uint16 // attached buffer sizes, never seen by hardware

	mu    sync.Mutex
	free  []Index
	inUse []bool
}

// NewTable creates a table of n descriptor slots, all unallocated.
func NewTable(n int) *Table {
	t := &Table{
		slots: make([]slot, n),
		links: make([]Index, n),
		sizes: make([]uint16, n),
		free:  make([]Index, n),
		inUse: make([]bool, n),
	}
	for i := range n {
		t.links[i] = Nil
		// Hand out low indexes first.
		t.free[i] = Index(n - 1 - i)
	}
	return t
}

// Cap returns the number of slots in the table.
func (t *Table) Cap() int { return len(t.slots) }

// Allocated returns the number of slots currently allocated.
func (t *Table) Allocated() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// Alloc takes a zeroed, software-owned slot out of the table.
// ok is false when the table is exhausted.
func (t *Table) Alloc() (i Index, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return Nil, false
	}
	i = t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.inUse[i] = true
	return i, true
}

// Free returns slot i to the table. Freeing an unallocated slot panics.
func (t *Table) Free(i Index) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(i) >= len(t.slots) || !t.inUse[i] {
		panic(fmt.Sprintf("desc: free of unallocated slot %d", i))
	}
	t.slots[i].reset()
	t.slots[i].next.Store(0)
	t.links[i] = Nil
	t.sizes[i] = 0
	t.inUse[i] = false
	t.free = append(t.free, i)
}

// Addr returns the hardware address of slot i, or 0 for Nil.
func (t *Table) Addr(i Index) Addr {
	if i == Nil {
		return 0
	}
	return Addr(i) + 1
}

// Index resolves a hardware address back to a slot.
func (t *Table) Index(a Addr) (Index, bool) {
	if a == 0 || int(a) > len(t.slots) {
		return Nil, false
	}
	return Index(a - 1), true
}

// Header returns a snapshot of the flags of slot i.
// It may be called regardless of the owner.
func (t *Table) Header(i Index) Header { return Header(t.slots[i].hdr.Load()) }

// BufferAddr returns the physical buffer address of slot i.
// Buffers are only attached by software, so the value is stable
// while hardware owns the slot.
func (t *Table) BufferAddr(i Index) PhysAddr { return PhysAddr(t.slots[i].buf.Load()) }

// Buffer returns the attached buffer of slot i and the size it was attached
// with. pa is 0 if no buffer is attached.
func (t *Table) Buffer(i Index) (pa PhysAddr, s Space, size int) {
	return t.BufferAddr(i), t.Header(i).Space(), int(t.sizes[i])
}

// Software returns the mutable software view of slot i.
// ok is false while hardware owns the slot.
func (t *Table) Software(i Index) (d Desc, ok bool) {
	s := &t.slots[i]
	if s.hdr.Load()&hdrEOWN != 0 {
		return Desc{}, false
	}
	return Desc{t: t, i: i}, true
}

// Hardware returns the DMA engine's view of slot i.
// ok is false while software owns the slot.
func (t *Table) Hardware(i Index) (d Device, ok bool) {
	s := &t.slots[i]
	if s.hdr.Load()&hdrEOWN == 0 {
		return Device{}, false
	}
	return Device{s: s, i: i}, true
}

// HardwareAt is Hardware addressed by hardware address.
func (t *Table) HardwareAt(a Addr) (d Device, ok bool) {
	i, ok := t.Index(a)
	if !ok {
		return Device{}, false
	}
	return t.Hardware(i)
}

// Header is a snapshot of a descriptor header word.
type Header uint32

func (h Header) Owner() Owner {
	if uint32(h)&hdrEOWN != 0 {
		return Hardware
	}
	return Software
}

func (h Header) SOP() bool      { return uint32(h)&hdrSOP != 0 }
func (h Header) EOP() bool      { return uint32(h)&hdrEOP != 0 }
func (h Header) Sticky() bool   { return uint32(h)&hdrSticky != 0 }
func (h Header) NoAck() bool    { return uint32(h)&hdrNoAck != 0 }
func (h Header) Reported() bool { return uint32(h)&hdrReported != 0 }

func (h Header) Space() Space {
	if uint32(h)&hdrCached != 0 {
		return Cached
	}
	return Uncached
}

// Desc is the software view of a descriptor. Table hands it out only while
// the EOWN bit is clear, and it is only valid until Give is called on it.
type Desc struct {
	t *Table
	i Index
}

func (d Desc) slot() *slot    { return &d.t.slots[d.i] }
func (d Desc) Index() Index   { return d.i }
func (d Desc) Header() Header { return Header(d.slot().hdr.Load()) }

func (d Desc) update(set, clear uint32) {
	s := d.slot()
	s.hdr.Store(s.hdr.Load()&^clear | set)
}

func (d Desc) flag(f uint32, on bool) {
	if on {
		d.update(f, 0)
	} else {
		d.update(0, f)
	}
}

// Buffer returns the attached buffer. ok is false if none is attached.
func (d Desc) Buffer() (pa PhysAddr, s Space, ok bool) {
	pa = PhysAddr(d.slot().buf.Load())
	return pa, d.Header().Space(), pa != 0
}

// Size returns the size the buffer was attached with.
func (d Desc) Size() int { return int(d.t.sizes[d.i]) }

// SetBuffer attaches a buffer of n bytes and sets the byte count to n.
func (d Desc) SetBuffer(pa PhysAddr, s Space, n int) {
	d.slot().buf.Store(uint32(pa))
	d.t.sizes[d.i] = uint16(n)
	set := uint32(n) << hdrCountPos & hdrCountMask
	if s == Cached {
		set |= hdrCached
	}
	d.update(set, hdrCountMask|hdrCached)
}

// ClearBuffer detaches the buffer.
func (d Desc) ClearBuffer() {
	d.slot().buf.Store(0)
	d.t.sizes[d.i] = 0
	d.update(0, hdrCountMask|hdrCached)
}

// ByteCount is the buffer size for software-prepared descriptors and the
// number of bytes moved once hardware has released the descriptor.
func (d Desc) ByteCount() int {
	return int(d.slot().hdr.Load() & hdrCountMask >> hdrCountPos)
}

func (d Desc) SetSOP(on bool)      { d.flag(hdrSOP, on) }
func (d Desc) SetEOP(on bool)      { d.flag(hdrEOP, on) }
func (d Desc) SetSticky(on bool)   { d.flag(hdrSticky, on) }
func (d Desc) SetNoAck(on bool)    { d.flag(hdrNoAck, on) }
func (d Desc) SetReported(on bool) { d.flag(hdrReported, on) }

// TxStat decodes the stat block written by the transmitter.
func (d Desc) TxStat() TxStat {
	s := d.slot()
	return decodeTx(s.stat[0].Load(), s.stat[1].Load())
}

// RxStat decodes the stat block written by the receiver.
func (d Desc) RxStat() RxStat {
	s := d.slot()
	return decodeRx(s.stat[0].Load(), s.stat[1].Load())
}

// Reset zeroes the descriptor contents. Links are kept.
func (d Desc) Reset() {
	d.slot().reset()
	d.t.sizes[d.i] = 0
}

// CopyFrom replaces the contents of d with the contents of src, keeping the
// links of d. The copy stays software owned.
func (d Desc) CopyFrom(src Desc) {
	ds, ss := d.slot(), src.slot()
	ds.buf.Store(ss.buf.Load())
	ds.stat[0].Store(ss.stat[0].Load())
	ds.stat[1].Store(ss.stat[1].Load())
	d.t.sizes[d.i] = src.t.sizes[src.i]
	ds.hdr.Store(ss.hdr.Load() &^ hdrEOWN)
}

// Give hands the descriptor to hardware. d must not be used afterwards.
func (d Desc) Give() {
	s := d.slot()
	s.hdr.Store(s.hdr.Load() | hdrEOWN | hdrNPV)
}

// Device is the DMA engine's view of a descriptor. Table hands it out only
// while the EOWN bit is set, and it is only valid until Release is called
// on it.
type Device struct {
	s *slot
	i Index
}

func (d Device) Index() Index   { return d.i }
func (d Device) Header() Header { return Header(d.s.hdr.Load()) }

// Buffer returns the buffer attached by software.
func (d Device) Buffer() (PhysAddr, Space) {
	return PhysAddr(d.s.buf.Load()), d.Header().Space()
}

// ByteCount returns the size software set for the buffer.
func (d Device) ByteCount() int {
	return int(d.s.hdr.Load() & hdrCountMask >> hdrCountPos)
}

// Next returns the hardware next link, or 0 if there is none.
func (d Device) Next() Addr {
	if d.s.hdr.Load()&hdrNPV == 0 {
		return 0
	}
	return Addr(d.s.next.Load())
}

// Fill records n received bytes and the packet boundaries.
func (d Device) Fill(n int, sop, eop bool) {
	h := d.s.hdr.Load() &^ (hdrCountMask | hdrSOP | hdrEOP)
	h |= uint32(n) << hdrCountPos & hdrCountMask
	if sop {
		h |= hdrSOP
	}
	if eop {
		h |= hdrEOP
	}
	d.s.hdr.Store(h)
}

func (d Device) SetTxStat(st TxStat) {
	w0, w1 := st.encode()
	d.s.stat[0].Store(w0)
	d.s.stat[1].Store(w1)
}

func (d Device) SetRxStat(st RxStat) {
	w0, w1 := st.encode()
	d.s.stat[0].Store(w0)
	d.s.stat[1].Store(w1)
}

// Release hands the descriptor back to software. d must not be used afterwards.
func (d Device) Release() {
	d.s.hdr.Store(d.s.hdr.Load() &^ hdrEOWN)
}
