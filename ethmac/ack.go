package ethmac

import "github.com/romshark/ethmac-go/desc"

// collectDone moves completed packets out of busy into done.
//
// A match of 0 collects every completed packet up to the first one hardware
// still owns. Otherwise only the packet whose first buffer is at match is
// collected. Packets complete in the order hardware walks the chain, so the
// scan never has to look past the first packet in flight. With
// requireReported a packet must also have been reported to be collected.
//
// It returns nil if at least one packet was collected, ErrPacketQueued if a
// matching packet was found but is not done yet and ErrNoPacket otherwise.
func (m *MAC) collectDone(busy, done *desc.List, match desc.PhysAddr, requireReported bool) error {
	acked, found := 0, false
	prev := desc.Nil
	for i := busy.Head(); i != desc.Nil; {
		h := m.table.Header(i)
		if !h.SOP() || (match != 0 && m.table.BufferAddr(i) != match) {
			prev, i = i, busy.Next(i)
			continue
		}
		found = true
		if h.Owner() == desc.Hardware || (requireReported && !h.Reported()) {
			break
		}
		last, ok := m.packetEnd(busy, i)
		if !ok {
			break
		}

		next := busy.Next(last)
		busy.Detach(prev, i, last)
		for j := i; ; {
			nj := busy.Next(j)
			done.PushTail(j)
			if j == last {
				break
			}
			j = nj
		}
		acked++
		if match != 0 {
			break
		}
		i = next
	}

	switch {
	case acked > 0:
		return nil
	case found:
		return ErrPacketQueued
	}
	return ErrNoPacket
}

// packetEnd returns the last descriptor of the packet starting at first.
// ok is false if any descriptor of the packet is still hardware owned.
func (m *MAC) packetEnd(l *desc.List, first desc.Index) (last desc.Index, ok bool) {
	for i := first; i != desc.Nil; i = l.Next(i) {
		h := m.table.Header(i)
		if h.Owner() == desc.Hardware {
			return desc.Nil, false
		}
		if h.EOP() {
			return i, true
		}
	}
	return desc.Nil, false
}

// findPacket returns the first descriptor of the packet whose first buffer
// is at pa.
func (m *MAC) findPacket(l *desc.List, pa desc.PhysAddr) (desc.Index, bool) {
	for i := l.Head(); i != desc.Nil; i = l.Next(i) {
		if m.table.Header(i).SOP() && m.table.BufferAddr(i) == pa {
			return i, true
		}
	}
	return desc.Nil, false
}

// matchAddr translates the buffer an acknowledgment refers to.
// A nil buf matches every packet and yields 0.
func (m *MAC) matchAddr(buf []byte) (desc.PhysAddr, bool) {
	if buf == nil {
		return 0, true
	}
	pa, _, ok := m.mem.VirtToPhys(buf)
	return pa, ok && pa != 0
}
