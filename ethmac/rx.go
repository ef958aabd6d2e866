package ethmac

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ethmac-go/desc"
)

// BufferFlags modify how receive buffers are handled.
type BufferFlags uint8

const (
	// BufferSticky dedicates the buffer to reception. It is handed back to
	// hardware on acknowledgment instead of being released.
	BufferSticky BufferFlags = 1 << iota
	// BufferNoAck keeps the buffer out of the RX buffer counter.
	BufferNoAck
)

const (
	MinRxBufferSize  = 16
	MaxRxBufferSize  = 2032
	rxBufferSizeStep = 16
)

// SetRxBufferSize programs the size hardware fills each receive buffer up
// to. Buffers appended afterwards must be at least that large.
func (m *MAC) SetRxBufferSize(n int) error {
	if n < MinRxBufferSize || n > MaxRxBufferSize || n%rxBufferSizeStep != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBufferSize, n)
	}
	m.rxBufSize = n
	m.regs.SetRxBufferSize(n)
	return nil
}

// AppendRxBuffers hands bufs to hardware for reception.
// Either all buffers are appended or, on error, none is.
func (m *MAC) AppendRxBuffers(bufs [][]byte, flags BufferFlags) error {
	if len(bufs) == 0 {
		return nil
	}
	tbs := make([]dmaBuffer, len(bufs))
	for k, b := range bufs {
		tb, err := m.translate(b)
		if err != nil {
			return fmt.Errorf("buffer %d: %w", k, err)
		}
		if tb.n < m.rxBufSize {
			return fmt.Errorf("buffer %d: %w: %d is smaller than the rx buffer size %d",
				k, ErrInvalidBuffer, tb.n, m.rxBufSize)
		}
		tbs[k] = tb
	}

	add := desc.NewList(m.table)
	for _, tb := range tbs {
		i, ok := m.rxFree.PopHead()
		if !ok {
			m.restoreFree(&m.rxFree, &add)
			return ErrNoDescriptors
		}
		d := mustSoftware(m.table, i)
		d.Reset()
		d.SetBuffer(tb.pa, tb.sp, tb.n)
		d.SetSticky(flags&BufferSticky != 0)
		d.SetNoAck(flags&BufferNoAck != 0)
		add.PushTail(i)
	}

	m.appendBusy(&m.rxBusy, &add, true, &m.rxScratch)
	if m.regs.RxHead() == 0 {
		m.regs.SetRxHead(m.table.Addr(m.rxBusy.Head()))
	}
	m.regs.EnableRx()

	m.log.WithFields(logrus.Fields{
		"buffers": len(bufs),
		"sticky":  flags&BufferSticky != 0,
		"noAck":   flags&BufferNoAck != 0,
	}).Debug("rx buffers appended")
	return nil
}

// GetPacket returns the oldest received packet not yet reported.
// The buffers of the packet are stored in out, each sliced to the number of
// bytes received into it, and n is the number of buffers the packet spans.
// The packet is marked reported and stays owned by the MAC until
// AcknowledgeRx.
//
// If the packet spans more than len(out) buffers, the first len(out) are
// stored, n still holds the full count and ErrRxPacketSplit is returned.
// The packet is not marked reported then and a later call with a larger out
// returns it again.
//
// ErrPacketQueued means hardware still owns the next buffer, ErrNoPacket
// means every buffer handed to hardware was already reported.
func (m *MAC) GetPacket(out [][]byte) (n int, stat desc.RxStat, err error) {
	return m.nextPacket(out, true)
}

// GetBuffer is GetPacket for packets received into a single buffer.
func (m *MAC) GetBuffer() ([]byte, desc.RxStat, error) {
	var out [1][]byte
	_, stat, err := m.GetPacket(out[:])
	return out[0], stat, err
}

// PeekPacket returns the buffer count and status of the packet GetPacket
// would return, without reporting it.
func (m *MAC) PeekPacket() (n int, stat desc.RxStat, err error) {
	return m.nextPacket(nil, false)
}

func (m *MAC) nextPacket(out [][]byte, report bool) (int, desc.RxStat, error) {
	for i := m.rxBusy.Head(); i != desc.Nil; i = m.rxBusy.Next(i) {
		d, ok := m.table.Software(i)
		if !ok {
			return 0, desc.RxStat{}, ErrPacketQueued
		}
		h := d.Header()
		if !h.SOP() || h.Reported() {
			continue
		}

		n, bytes, ok := m.readPacket(i, out)
		if !ok {
			return 0, desc.RxStat{}, ErrPacketQueued
		}
		stat := d.RxStat()
		if !report {
			return n, stat, nil
		}
		if n > len(out) {
			return n, stat, ErrRxPacketSplit
		}
		d.SetReported(true)
		m.rxPackets.Add(1)
		m.rxBytes.Add(uint64(bytes))
		return n, stat, nil
	}
	return 0, desc.RxStat{}, ErrNoPacket
}

// readPacket walks the packet starting at first, storing at most len(out)
// received buffers. ok is false if part of the packet is still hardware
// owned.
func (m *MAC) readPacket(first desc.Index, out [][]byte) (n, bytes int, ok bool) {
	for i := first; i != desc.Nil; i = m.rxBusy.Next(i) {
		d, sw := m.table.Software(i)
		if !sw {
			return 0, 0, false
		}
		bc := d.ByteCount()
		if n < len(out) {
			pa, sp, _ := d.Buffer()
			out[n] = m.mem.PhysToVirt(pa, sp, bc)
		}
		n++
		bytes += bc
		if d.Header().EOP() {
			return n, bytes, true
		}
	}
	return 0, 0, false
}

// AcknowledgeRx gives the buffers of reported packets back. A nil buf
// acknowledges every reported packet up to the first one not yet reported,
// otherwise only the packet whose first buffer is buf.
// Sticky buffers are handed back to hardware, the others are released and
// their descriptors returned to the free list.
//
// It returns ErrPacketQueued if a matching packet is still in flight or not
// yet reported and ErrNoPacket if none exists.
func (m *MAC) AcknowledgeRx(buf []byte) error {
	match, ok := m.matchAddr(buf)
	if !ok {
		return ErrNoPacket
	}

	done := desc.NewList(m.table)
	err := m.collectDone(&m.rxBusy, &done, match, true)
	if done.Empty() {
		return err
	}

	sticky := desc.NewList(m.table)
	packets := 0
	for {
		i, ok := done.PopHead()
		if !ok {
			break
		}
		d := mustSoftware(m.table, i)
		h := d.Header()
		if h.SOP() {
			packets++
		}
		if h.Sticky() {
			pa, sp, _ := d.Buffer()
			size := d.Size()
			d.Reset()
			d.SetBuffer(pa, sp, size)
			d.SetSticky(true)
			d.SetNoAck(h.NoAck())
			sticky.PushTail(i)
			continue
		}
		d.Reset()
		m.rxFree.PushTail(i)
		if !h.NoAck() {
			m.regs.DecrementRxBufferCount()
		}
	}
	if !sticky.Empty() {
		m.appendBusy(&m.rxBusy, &sticky, true, &m.rxScratch)
	}

	m.rxAcked.Add(uint64(packets))
	return err
}

// RxPendingCount returns the number of received buffers not yet
// acknowledged.
func (m *MAC) RxPendingCount() int { return m.countOwned(&m.rxBusy, desc.Software) }

// RxScheduledCount returns the number of buffers waiting for data.
func (m *MAC) RxScheduledCount() int { return m.countOwned(&m.rxBusy, desc.Hardware) }
