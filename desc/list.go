package desc

// List is a singly linked, head/tail tracked sequence of slots of one Table.
// The list owns every slot reachable from its head.
//
// Linking two slots writes both the software link and the hardware next
// link (next_ed), so the predecessor of a linked slot must be software owned.
type List struct {
	t          *Table
	head, tail Index
	n          int
}

// NewList returns an empty list over t.
func NewList(t *Table) List {
	return List{t: t, head: Nil, tail: Nil}
}

func (l *List) Len() int      { return l.n }
func (l *List) Empty() bool   { return l.n == 0 }
func (l *List) Head() Index   { return l.head }
func (l *List) Tail() Index   { return l.tail }
func (l *List) Table() *Table { return l.t }

// Next returns the slot following i, or Nil.
func (l *List) Next(i Index) Index { return l.t.links[i] }

func (l *List) link(prev, next Index) {
	l.t.links[prev] = next
	l.t.slots[prev].next.Store(uint32(l.t.Addr(next)))
}

// PushTail appends slot i.
func (l *List) PushTail(i Index) {
	l.t.links[i] = Nil
	l.t.slots[i].next.Store(0)
	if l.tail == Nil {
		l.head, l.tail = i, i
	} else {
		l.link(l.tail, i)
		l.tail = i
	}
	l.n++
}

// PushHead prepends slot i.
func (l *List) PushHead(i Index) {
	if l.head == Nil {
		l.t.links[i] = Nil
		l.t.slots[i].next.Store(0)
		l.head, l.tail = i, i
	} else {
		l.link(i, l.head)
		l.head = i
	}
	l.n++
}

// PopHead removes and returns the first slot.
func (l *List) PopHead() (Index, bool) {
	i := l.head
	if i == Nil {
		return Nil, false
	}
	if l.head == l.tail {
		l.head, l.tail = Nil, Nil
	} else {
		l.head = l.t.links[i]
	}
	l.t.links[i] = Nil
	l.n--
	return i, true
}

// Concat moves every slot of src to the tail of l, leaving src empty.
func (l *List) Concat(src *List) {
	for {
		i, ok := src.PopHead()
		if !ok {
			return
		}
		l.PushTail(i)
	}
}

// Detach removes the run first..last from the list. prev is the slot
// preceding first, or Nil if first is the head.
// The removed run keeps its internal links; the caller must push its
// slots somewhere else.
func (l *List) Detach(prev, first, last Index) {
	n := 1
	for i := first; i != last; i = l.t.links[i] {
		n++
	}
	after := l.t.links[last]
	switch {
	case prev == Nil:
		l.head = after
	case l.t.slots[prev].hdr.Load()&hdrEOWN != 0:
		// Never write a descriptor hardware owns.
		l.t.links[prev] = after
	default:
		l.link(prev, after)
	}
	if l.tail == last {
		l.tail = prev
	}
	l.t.links[last] = Nil
	l.n -= n
}
