package desc

// TxFlags are transmit completion status bits.
type TxFlags uint16

const (
	TxOK TxFlags = 1 << iota
	TxBroadcast
	TxMulticast
	TxExcessCollisions
	TxLateCollision
	TxUnderrun
)

// TxStat is the transmit status block. It is written by hardware to the
// first descriptor of a packet once the whole packet is sent.
type TxStat struct {
	ByteCount  uint16
	Collisions uint8
	Flags      TxFlags
}

func (s TxStat) encode() (w0, w1 uint32) {
	return uint32(s.ByteCount) | uint32(s.Collisions)<<16, uint32(s.Flags)
}

func decodeTx(w0, w1 uint32) TxStat {
	return TxStat{
		ByteCount:  uint16(w0),
		Collisions: uint8(w0 >> 16),
		Flags:      TxFlags(w1),
	}
}

// RxFlags are receive status bits.
type RxFlags uint16

const (
	RxOK RxFlags = 1 << iota
	RxBroadcast
	RxMulticast
	RxCRCError
	RxRuntPacket
	RxLengthError
)

// RxStat is the receive status block, valid on the first descriptor of a
// received packet.
type RxStat struct {
	// ByteCount is the length of the whole packet.
	ByteCount uint16
	// Checksum is the ones-complement sum of the payload.
	Checksum uint16
	Flags    RxFlags
}

func (s RxStat) encode() (w0, w1 uint32) {
	return uint32(s.ByteCount) | uint32(s.Checksum)<<16, uint32(s.Flags)
}

func decodeRx(w0, w1 uint32) RxStat {
	return RxStat{
		ByteCount: uint16(w0),
		Checksum:  uint16(w0 >> 16),
		Flags:     RxFlags(w1),
	}
}
