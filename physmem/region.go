//go:build linux

package physmem

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/romshark/ethmac-go/desc"
)

var (
	ErrSizeInvalid = errors.New("Size must be > 0")
	ErrClosed      = errors.New("region closed")
)

type Config struct {
	// Size of the region in bytes, rounded up to the page size.
	Size int
	// Base is the physical address of the first byte.
	Base desc.PhysAddr
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Size <= 0 {
		return ErrSizeInvalid
	}
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	page := unix.Getpagesize()
	c.Size = alignUp(c.Size, page)
	return nil
}

// Region is a block of memory mapped twice from one memfd, once per
// window. It implements desc.Translator. Carve is safe for concurrent use.
type Region struct {
	fd      int
	base    desc.PhysAddr
	windows [2][]byte // indexed by desc.Space

	mu   sync.Mutex
	used int
}

var _ desc.Translator = (*Region)(nil)

// New creates a region of conf.Size bytes.
func New(conf Config) (*Region, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	fd, err := unix.MemfdCreate("ethmac-dma", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	r := &Region{fd: fd, base: conf.Base}
	if err := unix.Ftruncate(fd, int64(conf.Size)); err != nil {
		return nil, errors.Join(fmt.Errorf("ftruncate: %w", err), r.Close())
	}
	for _, sp := range []desc.Space{desc.Uncached, desc.Cached} {
		w, err := unix.Mmap(fd, 0, conf.Size,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("mmap %s window: %w", sp, err), r.Close())
		}
		r.windows[sp] = w
	}
	return r, nil
}

// Size returns the size of the region in bytes.
func (r *Region) Size() int { return len(r.windows[desc.Uncached]) }

// Carve takes n bytes out of the region, aligned to DefaultAlign, and
// returns them as seen through window s.
func (r *Region) Carve(n int, s desc.Space) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windows[s]
	if w == nil {
		return nil, ErrClosed
	}
	off := alignUp(r.used, DefaultAlign)
	if n <= 0 || off+n > len(w) {
		return nil, fmt.Errorf("%w: %d bytes requested, %d left", ErrExhausted, n, len(w)-off)
	}
	r.used = off + n
	return w[off : off+n : off+n], nil
}

// VirtToPhys returns the physical address of b[0] if all of b lies in one
// window.
func (r *Region) VirtToPhys(b []byte) (desc.PhysAddr, desc.Space, bool) {
	for sp, w := range r.windows {
		if off, ok := offsetIn(w, b); ok {
			return r.base + desc.PhysAddr(off), desc.Space(sp), true
		}
	}
	return 0, 0, false
}

// PhysToVirt returns the n bytes at pa as seen through window s, or nil if
// they are outside the region.
func (r *Region) PhysToVirt(pa desc.PhysAddr, s desc.Space, n int) []byte {
	if int(s) >= len(r.windows) || pa < r.base {
		return nil
	}
	return sliceAt(r.windows[s], int(pa-r.base), n)
}

// Close unmaps both windows and closes the memfd.
// Slices obtained from the region must not be used afterwards.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for sp, w := range r.windows {
		if w == nil {
			continue
		}
		if err := unix.Munmap(w); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s window: %w", desc.Space(sp), err))
		}
		r.windows[sp] = nil
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing memfd: %w", err))
		}
		r.fd = -1
	}
	return errors.Join(errs...)
}
