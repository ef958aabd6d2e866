package ethmac

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ethmac-go/desc"
)

type dmaBuffer struct {
	pa desc.PhysAddr
	sp desc.Space
	n  int
}

// translate checks that b can be described by one descriptor and returns
// its DMA address.
func (m *MAC) translate(b []byte) (dmaBuffer, error) {
	if len(b) == 0 || len(b) > desc.MaxByteCount {
		return dmaBuffer{}, fmt.Errorf("%w: got %d", ErrInvalidBuffer, len(b))
	}
	pa, sp, ok := m.mem.VirtToPhys(b)
	if !ok {
		return dmaBuffer{}, ErrUserSpaceAddress
	}
	return dmaBuffer{pa: pa, sp: sp, n: len(b)}, nil
}

// ScheduleBuffer queues a single buffer packet for transmission.
func (m *MAC) ScheduleBuffer(buf []byte) error { return m.SchedulePacket(buf) }

// SchedulePacket queues one packet made of bufs for transmission.
// Either the whole packet is queued or, on error, nothing is and every
// descriptor taken from the free list is given back. ErrNoDescriptors means
// the call may be retried once transmitted packets are acknowledged.
// Scheduling no buffers is a no-op.
func (m *MAC) SchedulePacket(bufs ...[]byte) error {
	if len(bufs) == 0 {
		return nil
	}
	tbs := make([]dmaBuffer, len(bufs))
	for k, b := range bufs {
		tb, err := m.translate(b)
		if err != nil {
			return fmt.Errorf("buffer %d: %w", k, err)
		}
		tbs[k] = tb
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	pkt := desc.NewList(m.table)
	total := 0
	for _, tb := range tbs {
		i, ok := m.txFree.PopHead()
		if !ok {
			m.restoreFree(&m.txFree, &pkt)
			return ErrNoDescriptors
		}
		d := mustSoftware(m.table, i)
		d.Reset()
		d.SetBuffer(tb.pa, tb.sp, tb.n)
		pkt.PushTail(i)
		total += tb.n
	}

	mustSoftware(m.table, pkt.Head()).SetSOP(true)
	mustSoftware(m.table, pkt.Tail()).SetEOP(true)
	m.appendBusy(&m.txBusy, &pkt, false, &m.txScratch)

	if m.regs.TxHead() == 0 {
		m.regs.SetTxHead(m.table.Addr(m.txBusy.Head()))
	}
	m.regs.EnableTx()

	m.txPackets.Add(1)
	m.txBytes.Add(uint64(total))
	if m.log.IsLevelEnabled(logrus.DebugLevel) {
		m.log.WithFields(logrus.Fields{
			"buffers": len(bufs),
			"bytes":   total,
		}).Debug("tx packet scheduled")
	}
	return nil
}

// restoreFree resets the descriptors of taken and puts them back at the
// tail of free.
func (m *MAC) restoreFree(free, taken *desc.List) {
	for {
		i, ok := taken.PopHead()
		if !ok {
			return
		}
		mustSoftware(m.table, i).Reset()
		free.PushTail(i)
	}
}

// BufferStatus reports the transmit status of the packet whose first buffer
// is buf. It returns ErrPacketQueued while the packet is in flight and
// ErrNoPacket if no such packet is scheduled.
func (m *MAC) BufferStatus(buf []byte) (desc.TxStat, error) {
	pa, _, ok := m.mem.VirtToPhys(buf)
	if !ok {
		return desc.TxStat{}, ErrNoPacket
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	i, ok := m.findPacket(&m.txBusy, pa)
	if !ok {
		return desc.TxStat{}, ErrNoPacket
	}
	d, ok := m.table.Software(i)
	if !ok {
		return desc.TxStat{}, ErrPacketQueued
	}
	return d.TxStat(), nil
}

// AcknowledgeTx returns the descriptors of transmitted packets to the free
// list. A nil buf acknowledges every transmitted packet, otherwise only the
// packet whose first buffer is buf. onAck, if not nil, is called once per
// packet with its first buffer, without holding any lock.
//
// It returns ErrPacketQueued if a matching packet is still in flight and
// ErrNoPacket if none exists.
func (m *MAC) AcknowledgeTx(buf []byte, onAck func(buf []byte)) error {
	match, ok := m.matchAddr(buf)
	if !ok {
		return ErrNoPacket
	}

	done := desc.NewList(m.table)
	m.txMu.Lock()
	err := m.collectDone(&m.txBusy, &done, match, false)
	m.txMu.Unlock()

	if done.Empty() {
		return err
	}

	packets := 0
	for i := done.Head(); i != desc.Nil; i = done.Next(i) {
		if !m.table.Header(i).SOP() {
			continue
		}
		packets++
		if onAck != nil {
			onAck(m.Buffer(i))
		}
	}

	m.txMu.Lock()
	m.restoreFree(&m.txFree, &done)
	m.txMu.Unlock()

	m.txAcked.Add(uint64(packets))
	return err
}

// TxPendingCount returns the number of transmitted descriptors not yet
// acknowledged.
func (m *MAC) TxPendingCount() int {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.countOwned(&m.txBusy, desc.Software)
}

// TxScheduledCount returns the number of descriptors hardware has not
// transmitted yet.
func (m *MAC) TxScheduledCount() int {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.countOwned(&m.txBusy, desc.Hardware)
}

// countOwned counts the descriptors of a busy list owned by o, not counting
// the sentinel.
func (m *MAC) countOwned(busy *desc.List, o desc.Owner) int {
	n := 0
	for i := busy.Head(); i != desc.Nil && busy.Next(i) != desc.Nil; i = busy.Next(i) {
		if m.table.Header(i).Owner() == o {
			n++
		}
	}
	return n
}
