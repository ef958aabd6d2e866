package ethmac

import "github.com/romshark/ethmac-go/desc"

// appendBusy extends the live busy list with every descriptor of add and
// hands them to hardware. add must be non-empty and its descriptors
// software owned with buffers attached; it is left empty.
//
// Hardware may be walking busy concurrently and may be parked on its
// sentinel. The contents of the first new descriptor are moved into the
// sentinel slot, whose address hardware already knows, and the slot of the
// first new descriptor becomes the new zeroed sentinel. Ownership is then
// handed over from the far end back towards the old sentinel, so hardware
// only ever sees one continuous chain and always finds a way forward out of
// a stall on the old sentinel.
//
// With rxAck set the RX buffer counter is decremented once for every
// handed over descriptor that is not marked no-ack.
func (m *MAC) appendBusy(busy, add *desc.List, rxAck bool, scratch *[]desc.Index) {
	head, ok := add.PopHead()
	if !ok {
		return
	}
	sentinel := busy.Tail()

	rest := (*scratch)[:0]
	for i := add.Head(); i != desc.Nil; i = add.Next(i) {
		rest = append(rest, i)
	}
	busy.Concat(add)

	hd := mustSoftware(m.table, head)
	mustSoftware(m.table, sentinel).CopyFrom(hd)
	hd.Reset()
	busy.PushTail(head)

	for k := len(rest) - 1; k >= 0; k-- {
		m.give(mustSoftware(m.table, rest[k]), rxAck)
	}
	m.give(mustSoftware(m.table, sentinel), rxAck)
	*scratch = rest
}

func (m *MAC) give(d desc.Desc, rxAck bool) {
	noAck := d.Header().NoAck()
	d.Give()
	if rxAck && !noAck {
		m.regs.DecrementRxBufferCount()
	}
}
