package ethmac

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/romshark/ethmac-go/desc"
	"github.com/romshark/ethmac-go/physmem"
)

// fakeRegs records register accesses. It does not run a DMA engine; tests
// play hardware through the desc.Device views.
type fakeRegs struct {
	calls []string

	enabled, txOn, rxOn bool
	busy                [3]bool
	txHead, rxHead      desc.Addr
	events              Events
	pktCount            int
	decrements          int
	miiResets           int
	maxFrame            uint16
	rxBufSize           int

	onDecrement func()
}

func (r *fakeRegs) record(c string) { r.calls = append(r.calls, c) }

func (r *fakeRegs) Enable()    { r.record("Enable"); r.enabled = true }
func (r *fakeRegs) Disable()   { r.record("Disable"); r.enabled = false }
func (r *fakeRegs) EnableTx()  { r.record("EnableTx"); r.txOn = true }
func (r *fakeRegs) DisableTx() { r.record("DisableTx"); r.txOn = false }
func (r *fakeRegs) EnableRx()  { r.record("EnableRx"); r.rxOn = true }
func (r *fakeRegs) DisableRx() { r.record("DisableRx"); r.rxOn = false }

func (r *fakeRegs) Busy(e Engine) bool {
	r.record("Busy(" + e.String() + ")")
	return r.busy[e]
}

func (r *fakeRegs) TxHead() desc.Addr     { return r.txHead }
func (r *fakeRegs) SetTxHead(a desc.Addr) { r.record("SetTxHead"); r.txHead = a }
func (r *fakeRegs) RxHead() desc.Addr     { return r.rxHead }
func (r *fakeRegs) SetRxHead(a desc.Addr) { r.record("SetRxHead"); r.rxHead = a }
func (r *fakeRegs) Events() Events        { return r.events }
func (r *fakeRegs) ClearEvents(ev Events) { r.record("ClearEvents"); r.events &^= ev }
func (r *fakeRegs) RxPacketCount() int    { return r.pktCount }
func (r *fakeRegs) ResetMII()             { r.record("ResetMII"); r.miiResets++ }
func (r *fakeRegs) SetRxBufferSize(n int) { r.rxBufSize = n }
func (r *fakeRegs) SetMaxFrameLength(n uint16) {
	r.record("SetMaxFrameLength")
	r.maxFrame = n
}

func (r *fakeRegs) DecrementRxBufferCount() {
	r.decrements++
	if r.pktCount > 0 {
		r.pktCount--
	}
	if r.onDecrement != nil {
		r.onDecrement()
	}
}

type testMAC struct {
	*MAC
	regs *fakeRegs
	mem  *physmem.Heap
	tb   *desc.Table
}

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}

func newTestMAC(t *testing.T, slots int) *testMAC {
	t.Helper()
	tb := desc.NewTable(slots)
	regs := &fakeRegs{}
	mem := physmem.NewHeap(64 << 10)
	m, err := New(Config{
		Table:        tb,
		Registers:    regs,
		Memory:       mem,
		Logger:       newTestLogger(),
		BusyTimeout:  5 * time.Millisecond,
		PollInterval: 100 * time.Microsecond,
	})
	require.NoError(t, err)
	return &testMAC{MAC: m, regs: regs, mem: mem, tb: tb}
}

// buf carves an n byte DMA buffer filled with fill.
func (m *testMAC) buf(t *testing.T, n int, fill byte) []byte {
	t.Helper()
	b, err := m.mem.Carve(n, desc.Cached)
	require.NoError(t, err)
	for i := range b {
		b[i] = fill
	}
	return b
}

func (m *testMAC) poolAdd(t *testing.T, dir Direction, n int) {
	t.Helper()
	got, err := m.PoolAdd(dir, n, m.tb.Alloc)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func indexes(l *desc.List) []desc.Index {
	var out []desc.Index
	for i := l.Head(); i != desc.Nil; i = l.Next(i) {
		out = append(out, i)
	}
	return out
}

// requireSentinel checks that busy ends in a zeroed software owned
// sentinel and that every descriptor from first up to it is hardware owned.
func requireSentinel(t *testing.T, tb *desc.Table, busy *desc.List, first desc.Index) {
	t.Helper()
	require.False(t, busy.Empty())
	tail := busy.Tail()
	d, ok := tb.Software(tail)
	require.True(t, ok, "sentinel must be software owned")
	require.Zero(t, uint32(d.Header()))
	_, _, attached := d.Buffer()
	require.False(t, attached, "sentinel must not carry a buffer")

	seen := false
	for i := busy.Head(); i != tail; i = busy.Next(i) {
		if i == first {
			seen = true
		}
		if seen {
			require.Equal(t, desc.Hardware, tb.Header(i).Owner(), "descriptor %d", i)
		}
	}
	if first != tail {
		require.True(t, seen, "descriptor %d not in busy list", first)
	}
}

// completeTx plays the transmitter for the first n hardware owned packets
// of the TX busy list. It returns the number of packets completed.
func (m *testMAC) completeTx(t *testing.T, n int) int {
	t.Helper()
	done := 0
	for i := m.txBusy.Head(); i != desc.Nil && done < n; {
		first, ok := m.tb.Hardware(i)
		if !ok {
			i = m.txBusy.Next(i)
			continue
		}
		chain := []desc.Device{first}
		for j := i; !m.tb.Header(j).EOP(); {
			j = m.txBusy.Next(j)
			dv, ok := m.tb.Hardware(j)
			require.True(t, ok)
			chain = append(chain, dv)
		}
		bytes := 0
		for _, dv := range chain {
			bytes += dv.ByteCount()
		}
		first.SetTxStat(desc.TxStat{ByteCount: uint16(bytes), Flags: desc.TxOK})
		for k := len(chain) - 1; k >= 0; k-- {
			chain[k].Release()
		}
		i = m.txBusy.Next(chain[len(chain)-1].Index())
		done++
	}
	return done
}

// receive plays the receiver: it writes frame into the hardware owned RX
// descriptors following the already completed ones, chunk bytes each.
func (m *testMAC) receive(t *testing.T, frame []byte, chunk int) {
	t.Helper()
	var chain []desc.Device
	i := m.rxBusy.Head()
	for ; i != desc.Nil; i = m.rxBusy.Next(i) {
		if m.tb.Header(i).Owner() == desc.Hardware {
			break
		}
	}
	for got := 0; got < len(frame); got += chunk {
		require.NotEqual(t, desc.Nil, i, "out of rx descriptors")
		dv, ok := m.tb.Hardware(i)
		require.True(t, ok, "out of rx descriptors")
		chain = append(chain, dv)
		i = m.rxBusy.Next(i)
	}
	off := 0
	for k, dv := range chain {
		n := min(chunk, len(frame)-off)
		pa, sp := dv.Buffer()
		copy(m.mem.PhysToVirt(pa, sp, n), frame[off:off+n])
		off += n
		dv.Fill(n, k == 0, k == len(chain)-1)
	}
	chain[0].SetRxStat(desc.RxStat{ByteCount: uint16(len(frame)), Flags: desc.RxOK})
	for k := len(chain) - 1; k >= 0; k-- {
		chain[k].Release()
	}
	m.regs.pktCount++
}
