package desc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_AllocFree(t *testing.T) {
	tb := NewTable(3)
	assert.Equal(t, 3, tb.Cap())
	assert.Equal(t, 0, tb.Allocated())

	var got []Index
	for {
		i, ok := tb.Alloc()
		if !ok {
			break
		}
		got = append(got, i)
	}
	assert.Equal(t, []Index{0, 1, 2}, got)
	assert.Equal(t, 3, tb.Allocated())

	tb.Free(1)
	assert.Equal(t, 2, tb.Allocated())
	i, ok := tb.Alloc()
	require.True(t, ok)
	assert.Equal(t, Index(1), i)

	assert.Panics(t, func() { tb.Free(Index(7)) })
	tb.Free(0)
	assert.Panics(t, func() { tb.Free(0) })
}

func TestTable_AddrRoundTrip(t *testing.T) {
	tb := NewTable(4)
	assert.Equal(t, Addr(0), tb.Addr(Nil))
	for i := range Index(4) {
		a := tb.Addr(i)
		assert.NotZero(t, a)
		back, ok := tb.Index(a)
		require.True(t, ok)
		assert.Equal(t, i, back)
	}
	_, ok := tb.Index(0)
	assert.False(t, ok)
	_, ok = tb.Index(5)
	assert.False(t, ok)
}

func TestOwnershipViews(t *testing.T) {
	tb := NewTable(1)
	i, _ := tb.Alloc()

	d, ok := tb.Software(i)
	require.True(t, ok)
	_, ok = tb.Hardware(i)
	assert.False(t, ok, "fresh slot is software owned")

	d.SetBuffer(0x1000, Cached, 60)
	d.SetSOP(true)
	d.SetEOP(true)
	d.Give()

	assert.Equal(t, Hardware, tb.Header(i).Owner())
	_, ok = tb.Software(i)
	assert.False(t, ok, "no software view while hardware owns the slot")

	dev, ok := tb.Hardware(i)
	require.True(t, ok)
	pa, sp := dev.Buffer()
	assert.Equal(t, PhysAddr(0x1000), pa)
	assert.Equal(t, Cached, sp)
	assert.Equal(t, 60, dev.ByteCount())
	assert.Equal(t, Addr(0), dev.Next())

	dev.SetTxStat(TxStat{ByteCount: 60, Collisions: 2, Flags: TxOK})
	dev.Release()

	d, ok = tb.Software(i)
	require.True(t, ok)
	assert.Equal(t, TxStat{ByteCount: 60, Collisions: 2, Flags: TxOK}, d.TxStat())
	h := d.Header()
	assert.True(t, h.SOP())
	assert.True(t, h.EOP())
	assert.Equal(t, Cached, h.Space())
}

func TestDesc_Flags(t *testing.T) {
	tb := NewTable(1)
	i, _ := tb.Alloc()
	d, _ := tb.Software(i)

	d.SetSticky(true)
	d.SetNoAck(true)
	d.SetReported(true)
	h := d.Header()
	assert.True(t, h.Sticky())
	assert.True(t, h.NoAck())
	assert.True(t, h.Reported())

	d.SetReported(false)
	assert.False(t, d.Header().Reported())
	assert.True(t, d.Header().Sticky())

	d.SetBuffer(0x2000, Uncached, MaxByteCount)
	assert.Equal(t, MaxByteCount, d.ByteCount())
	_, _, ok := d.Buffer()
	assert.True(t, ok)

	d.ClearBuffer()
	_, _, ok = d.Buffer()
	assert.False(t, ok)
	assert.Zero(t, d.ByteCount())
	assert.True(t, d.Header().Sticky(), "clearing the buffer keeps the flags")

	d.Reset()
	assert.Zero(t, uint32(d.Header()))
}

func TestDesc_CopyFrom(t *testing.T) {
	tb := NewTable(3)
	l := NewList(tb)
	a, _ := tb.Alloc()
	b, _ := tb.Alloc()
	c, _ := tb.Alloc()
	l.PushTail(a)
	l.PushTail(b)

	src, _ := tb.Software(c)
	src.SetBuffer(0x3000, Cached, 128)
	src.SetSOP(true)

	dst, _ := tb.Software(a)
	dst.CopyFrom(src)

	pa, sp, ok := dst.Buffer()
	require.True(t, ok)
	assert.Equal(t, PhysAddr(0x3000), pa)
	assert.Equal(t, Cached, sp)
	assert.Equal(t, 128, dst.ByteCount())
	assert.Equal(t, 128, dst.Size())
	pa, sp, size := tb.Buffer(a)
	assert.Equal(t, PhysAddr(0x3000), pa)
	assert.Equal(t, Cached, sp)
	assert.Equal(t, 128, size)
	assert.True(t, dst.Header().SOP())
	assert.Equal(t, Software, dst.Header().Owner())
	assert.Equal(t, b, l.Next(a), "links of the destination are kept")
}

func TestDevice_Fill(t *testing.T) {
	tb := NewTable(1)
	i, _ := tb.Alloc()
	d, _ := tb.Software(i)
	d.SetBuffer(0x4000, Uncached, 0)
	d.SetSticky(true)
	d.Give()

	dev, ok := tb.Hardware(i)
	require.True(t, ok)
	dev.Fill(42, true, false)
	dev.SetRxStat(RxStat{ByteCount: 42, Checksum: 0xbeef, Flags: RxOK})
	dev.Release()

	d, ok = tb.Software(i)
	require.True(t, ok)
	assert.Equal(t, 42, d.ByteCount())
	assert.True(t, d.Header().SOP())
	assert.False(t, d.Header().EOP())
	assert.True(t, d.Header().Sticky())
	assert.Equal(t, RxStat{ByteCount: 42, Checksum: 0xbeef, Flags: RxOK}, d.RxStat())
}
