package ethmac

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romshark/ethmac-go/desc"
)

func TestTx_ScheduleAcknowledge(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 4)

	a0, a1 := m.buf(t, 60, 0xa0), m.buf(t, 40, 0xa1)
	require.NoError(t, m.SchedulePacket(a0, a1))
	free, busy := m.PoolCounts(TX)
	assert.Equal(t, 2, free)
	assert.Equal(t, 2, busy)
	requireSentinel(t, m.tb, &m.txBusy, m.txBusy.Head())

	err := m.SchedulePacket(m.buf(t, 10, 1), m.buf(t, 10, 2), m.buf(t, 10, 3))
	require.ErrorIs(t, err, ErrNoDescriptors)
	free, _ = m.PoolCounts(TX)
	assert.Equal(t, 2, free, "nothing consumed")

	_, err = m.BufferStatus(a0)
	assert.ErrorIs(t, err, ErrPacketQueued)
	assert.ErrorIs(t, m.AcknowledgeTx(nil, nil), ErrPacketQueued)

	require.Equal(t, 1, m.completeTx(t, 1))
	st, err := m.BufferStatus(a0)
	require.NoError(t, err)
	assert.Equal(t, desc.TxStat{ByteCount: 100, Flags: desc.TxOK}, st)

	var acked [][]byte
	require.NoError(t, m.AcknowledgeTx(nil, func(b []byte) { acked = append(acked, b) }))
	require.Len(t, acked, 1)
	assert.True(t, bytes.Equal(a0, acked[0]))

	free, busy = m.PoolCounts(TX)
	assert.Equal(t, 4, free)
	assert.Zero(t, busy)
	assert.Equal(t, 5, m.tb.Allocated())

	_, err = m.BufferStatus(a0)
	assert.ErrorIs(t, err, ErrNoPacket)
	assert.ErrorIs(t, m.AcknowledgeTx(nil, nil), ErrNoPacket)

	assert.Equal(t, Counters{TxPackets: 1, TxBytes: 100, TxAcked: 1}, m.Counters())
}

func TestTx_RestoresOnShortage(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 5)
	require.NoError(t, m.SchedulePacket(m.buf(t, 60, 0), m.buf(t, 60, 0)))

	bufs := make([][]byte, 4)
	for k := range bufs {
		bufs[k] = m.buf(t, 32, byte(k))
	}
	require.ErrorIs(t, m.SchedulePacket(bufs...), ErrNoDescriptors)

	require.Equal(t, 3, m.txFree.Len())
	for _, i := range indexes(&m.txFree) {
		assert.Zero(t, uint32(m.tb.Header(i)), "descriptor %d not reset", i)
		assert.Zero(t, m.tb.BufferAddr(i))
	}
	assert.Equal(t, 2, m.TxScheduledCount())
	assert.Equal(t, uint64(1), m.Counters().TxPackets)
}

func TestTx_RejectsBuffers(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 4)

	tests := []struct {
		name string
		bufs [][]byte
		want error
	}{
		{"user space", [][]byte{m.buf(t, 60, 0), make([]byte, 60)}, ErrUserSpaceAddress},
		{"empty", [][]byte{{}}, ErrInvalidBuffer},
		{"too long", [][]byte{m.buf(t, desc.MaxByteCount+1, 0)}, ErrInvalidBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SchedulePacket(tt.bufs...)
			require.ErrorIs(t, err, tt.want)
			free, busy := m.PoolCounts(TX)
			assert.Equal(t, 4, free)
			assert.Zero(t, busy)
		})
	}
	assert.NotContains(t, m.regs.calls, "EnableTx")
}

func TestTx_EmptyPacket(t *testing.T) {
	m := newTestMAC(t, 4)
	m.poolAdd(t, TX, 2)
	require.NoError(t, m.SchedulePacket())
	assert.Empty(t, m.regs.calls)
	assert.Zero(t, m.Counters().TxPackets)
}

func TestTx_MaxLengthBuffer(t *testing.T) {
	m := newTestMAC(t, 4)
	m.poolAdd(t, TX, 1)
	require.NoError(t, m.ScheduleBuffer(m.buf(t, desc.MaxByteCount, 0)))
	d, ok := m.tb.Hardware(m.txBusy.Head())
	require.True(t, ok)
	assert.Equal(t, desc.MaxByteCount, d.ByteCount())
}

func TestTx_HeadProgrammedOnce(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 4)
	first := m.txBusy.Head()

	require.NoError(t, m.ScheduleBuffer(m.buf(t, 60, 0)))
	require.NoError(t, m.ScheduleBuffer(m.buf(t, 60, 0)))

	assert.Equal(t, m.tb.Addr(first), m.regs.txHead)
	assert.True(t, m.regs.txOn)
	assert.Equal(t, []string{"SetTxHead", "EnableTx", "EnableTx"}, m.regs.calls)
}

func TestTx_FIFOAcknowledge(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 4)
	a, b, c := m.buf(t, 60, 'a'), m.buf(t, 60, 'b'), m.buf(t, 60, 'c')
	for _, p := range [][]byte{a, b, c} {
		require.NoError(t, m.ScheduleBuffer(p))
	}
	assert.Equal(t, 3, m.TxScheduledCount())
	assert.Zero(t, m.TxPendingCount())

	require.Equal(t, 2, m.completeTx(t, 2))
	assert.Equal(t, 1, m.TxScheduledCount())
	assert.Equal(t, 2, m.TxPendingCount())

	var acked []byte
	require.NoError(t, m.AcknowledgeTx(nil, func(buf []byte) { acked = append(acked, buf[0]) }))
	assert.Equal(t, []byte("ab"), acked)
	assert.Zero(t, m.TxPendingCount())

	assert.ErrorIs(t, m.AcknowledgeTx(nil, nil), ErrPacketQueued)
	require.Equal(t, 1, m.completeTx(t, 1))
	require.NoError(t, m.AcknowledgeTx(nil, nil))
	free, _ := m.PoolCounts(TX)
	assert.Equal(t, 4, free)
}

func TestTx_AcknowledgeSpecific(t *testing.T) {
	m := newTestMAC(t, 8)
	m.poolAdd(t, TX, 5)
	a := m.buf(t, 60, 'a')
	b0, b1 := m.buf(t, 30, 'b'), m.buf(t, 30, 'B')
	c := m.buf(t, 60, 'c')
	require.NoError(t, m.ScheduleBuffer(a))
	require.NoError(t, m.SchedulePacket(b0, b1))
	require.NoError(t, m.ScheduleBuffer(c))

	assert.ErrorIs(t, m.AcknowledgeTx(b0, nil), ErrPacketQueued)
	assert.ErrorIs(t, m.AcknowledgeTx(b1, nil), ErrNoPacket, "not a first buffer")
	assert.ErrorIs(t, m.AcknowledgeTx(m.buf(t, 60, 0), nil), ErrNoPacket)
	assert.ErrorIs(t, m.AcknowledgeTx(make([]byte, 60), nil), ErrNoPacket)

	require.Equal(t, 3, m.completeTx(t, 3))

	calls := 0
	require.NoError(t, m.AcknowledgeTx(b0, func(buf []byte) {
		calls++
		assert.Equal(t, byte('b'), buf[0])
	}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, m.TxPendingCount(), "a and c stay")
	free, _ := m.PoolCounts(TX)
	assert.Equal(t, 3, free)

	_, err := m.BufferStatus(b0)
	assert.ErrorIs(t, err, ErrNoPacket)
	st, err := m.BufferStatus(c)
	require.NoError(t, err)
	assert.Equal(t, uint16(60), st.ByteCount)

	require.NoError(t, m.AcknowledgeTx(c, nil))
	require.NoError(t, m.AcknowledgeTx(nil, nil))
	assert.Zero(t, m.TxPendingCount())
	assert.Equal(t, uint64(3), m.Counters().TxAcked)
	requireSentinel(t, m.tb, &m.txBusy, m.txBusy.Tail())
}

func TestTx_ReuseAfterAcknowledge(t *testing.T) {
	m := newTestMAC(t, 4)
	m.poolAdd(t, TX, 2)

	for round := range 20 {
		b := m.buf(t, 32, byte(round))
		require.NoError(t, m.SchedulePacket(b, b[:16]), "round %d", round)
		require.Equal(t, 1, m.completeTx(t, 1))
		require.NoError(t, m.AcknowledgeTx(b, nil))
		require.Equal(t, 2, m.txFree.Len())
		requireSentinel(t, m.tb, &m.txBusy, m.txBusy.Tail())
	}
	assert.Equal(t, uint64(20), m.Counters().TxAcked)
	assert.Equal(t, 3, m.tb.Allocated())
}

func TestMustSoftware_Panics(t *testing.T) {
	m := newTestMAC(t, 4)
	m.poolAdd(t, TX, 1)
	require.NoError(t, m.ScheduleBuffer(m.buf(t, 60, 0)))
	assert.Panics(t, func() { mustSoftware(m.tb, m.txBusy.Head()) })
}
