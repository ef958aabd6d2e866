package ethmac

import (
	"github.com/sirupsen/logrus"

	"github.com/romshark/ethmac-go/desc"
)

// AllocFunc hands out one zeroed descriptor slot. ok is false when no slot
// is left. (*desc.Table).Alloc satisfies it.
type AllocFunc func() (i desc.Index, ok bool)

// FreeFunc gives a descriptor slot back. (*desc.Table).Free satisfies it.
type FreeFunc func(i desc.Index)

// lists returns the free and busy list of dir.
// The TX lists must only be touched with txMu held.
func (m *MAC) lists(dir Direction) (free, busy *desc.List, err error) {
	switch dir {
	case TX:
		return &m.txFree, &m.txBusy, nil
	case RX:
		return &m.rxFree, &m.rxBusy, nil
	}
	return nil, nil, ErrInvalidDirection
}

func (m *MAC) lock(dir Direction) func() {
	if dir != TX {
		return func() {}
	}
	m.txMu.Lock()
	return m.txMu.Unlock
}

// PoolAdd allocates n descriptors into the free list of dir and returns how
// many were created. The first call for a direction also seats the busy
// list sentinel. Running out of slots is not an error; the partial count is
// returned.
func (m *MAC) PoolAdd(dir Direction, n int, alloc AllocFunc) (int, error) {
	if alloc == nil {
		return 0, ErrNoAllocator
	}
	free, busy, err := m.lists(dir)
	if err != nil {
		return 0, err
	}
	defer m.lock(dir)()

	if busy.Empty() {
		i, ok := alloc()
		if !ok {
			return 0, nil
		}
		mustSoftware(m.table, i).Reset()
		busy.PushHead(i)
	}

	created := 0
	for ; created < n; created++ {
		i, ok := alloc()
		if !ok {
			break
		}
		mustSoftware(m.table, i).Reset()
		free.PushTail(i)
	}
	m.log.WithFields(logrus.Fields{
		"dir":       dir,
		"requested": n,
		"created":   created,
		"free":      free.Len(),
	}).Debug("descriptor pool grown")
	return created, nil
}

// PoolRemove releases up to n descriptors from the free list of dir and
// returns how many were released. Busy descriptors are never touched.
// A nil free drops the descriptors without releasing them.
func (m *MAC) PoolRemove(dir Direction, n int, free FreeFunc) (int, error) {
	fl, _, err := m.lists(dir)
	if err != nil {
		return 0, err
	}
	defer m.lock(dir)()

	removed := 0
	for ; removed < n; removed++ {
		i, ok := fl.PopHead()
		if !ok {
			break
		}
		if free != nil {
			free(i)
		}
	}
	m.log.WithFields(logrus.Fields{
		"dir":     dir,
		"removed": removed,
		"free":    fl.Len(),
	}).Debug("descriptor pool shrunk")
	return removed, nil
}

// PoolCleanup releases every descriptor of the free and busy lists of
// each direction in dirs. The engines must be stopped, see Close.
func (m *MAC) PoolCleanup(dirs Direction, free FreeFunc) {
	for _, dir := range []Direction{TX, RX} {
		if dirs&dir == 0 {
			continue
		}
		fl, busy, _ := m.lists(dir)
		unlock := m.lock(dir)
		n := drain(fl, free) + drain(busy, free)
		unlock()
		m.log.WithFields(logrus.Fields{
			"dir":      dir,
			"released": n,
		}).Info("descriptor pool cleaned up")
	}
}

func drain(l *desc.List, free FreeFunc) int {
	n := 0
	for {
		i, ok := l.PopHead()
		if !ok {
			return n
		}
		if free != nil {
			free(i)
		}
		n++
	}
}

// Buffer returns the buffer attached to descriptor i, or nil if none is.
// It may be called regardless of the owner.
func (m *MAC) Buffer(i desc.Index) []byte {
	pa, sp, size := m.table.Buffer(i)
	if pa == 0 {
		return nil
	}
	return m.mem.PhysToVirt(pa, sp, size)
}

// PoolCounts returns the number of free descriptors of dir and the number
// of busy descriptors excluding the sentinel.
func (m *MAC) PoolCounts(dir Direction) (free, busy int) {
	fl, bl, err := m.lists(dir)
	if err != nil {
		return 0, 0
	}
	defer m.lock(dir)()
	return fl.Len(), max(bl.Len()-1, 0)
}
