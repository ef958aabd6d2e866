// Package sim simulates the DMA engine of an Ethernet MAC.
// Device implements ethmac.Registers and walks the descriptor chains the
// way the silicon does: it only touches hardware owned descriptors and
// hands each packet back by clearing the ownership of its first
// descriptor last.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ethmac-go/desc"
	"github.com/romshark/ethmac-go/ethmac"
	"github.com/romshark/ethmac-go/ratelimit"
)

var (
	ErrOverflow     = errors.New("not enough receive descriptors")
	ErrRxDisabled   = errors.New("receiver disabled")
	ErrFrameTooLong = errors.New("frame exceeds max frame length")
	ErrRuntFrame    = errors.New("empty frame")
	ErrTableIsNil   = errors.New("Table is nil")
	ErrMemoryIsNil  = errors.New("Memory is nil")
	ErrMissingSOP   = errors.New("tx chain does not start with SOP")
)

type Config struct {
	Table  *desc.Table
	Memory desc.Translator
	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
	// Loopback feeds every transmitted frame to the receiver.
	Loopback bool
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Table == nil {
		return ErrTableIsNil
	}
	if c.Memory == nil {
		return ErrMemoryIsNil
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

// Stats are cumulative wire counters.
type Stats struct {
	TxFrames uint64
	TxBytes  uint64
	RxFrames uint64
	RxBytes  uint64
	Dropped  uint64
}

// Device is a simulated MAC controller. It is safe for concurrent use.
type Device struct {
	log      *logrus.Logger
	t        *desc.Table
	mem      desc.Translator
	loopback bool

	// kick wakes Run when the transmit request is raised.
	kick chan struct{}

	mu        sync.Mutex
	enabled   bool
	txOn      bool
	rxOn      bool
	txHead    desc.Addr
	rxHead    desc.Addr
	txCur     desc.Addr
	rxCur     desc.Addr
	events    ethmac.Events
	bufCount  int
	rxBufSize int
	maxFrame  uint16
	forced    [3]bool
	miiResets int
	stats     Stats
}

var _ ethmac.Registers = (*Device)(nil)

func New(conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &Device{
		log:      conf.Logger,
		t:        conf.Table,
		mem:      conf.Memory,
		loopback: conf.Loopback,
		kick:     make(chan struct{}, 1),
		maxFrame: ethmac.DefaultMaxFrameLength,
	}, nil
}

func (d *Device) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
}

func (d *Device) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
}

func (d *Device) EnableTx() {
	d.mu.Lock()
	d.txOn = true
	d.mu.Unlock()
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Device) DisableTx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txOn = false
}

func (d *Device) EnableRx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxOn = true
}

func (d *Device) DisableRx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxOn = false
}

// Busy reports whether e was forced busy with ForceBusy.
// The simulated engines finish their work before returning.
func (d *Device) Busy(e ethmac.Engine) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int(e) < len(d.forced) && d.forced[e]
}

// ForceBusy makes e report busy until released with busy set to false.
func (d *Device) ForceBusy(e ethmac.Engine, busy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced[e] = busy
}

func (d *Device) TxHead() desc.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txHead
}

func (d *Device) SetTxHead(a desc.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txHead, d.txCur = a, a
}

func (d *Device) RxHead() desc.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxHead
}

func (d *Device) SetRxHead(a desc.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxHead, d.rxCur = a, a
}

func (d *Device) Events() ethmac.Events {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events
}

func (d *Device) ClearEvents(ev ethmac.Events) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events &^= ev
}

func (d *Device) DecrementRxBufferCount() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bufCount > 0 {
		d.bufCount--
	}
}

func (d *Device) RxPacketCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufCount
}

// SetRxPacketCount presets the RX packet counter, as left over by an
// earlier session.
func (d *Device) SetRxPacketCount(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bufCount = n
}

func (d *Device) ResetMII() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.miiResets++
}

// MIIResets returns how often the MII was reset.
func (d *Device) MIIResets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.miiResets
}

func (d *Device) SetMaxFrameLength(n uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxFrame = n
}

func (d *Device) MaxFrameLength() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxFrame
}

func (d *Device) SetRxBufferSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxBufSize = n
}

// TxEnabled reports whether the transmit request is raised.
func (d *Device) TxEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txOn
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Transmit sends every complete packet hardware owns, starting at the
// current TX descriptor, and returns the number of frames sent.
// It stops at the first software owned descriptor and drops the transmit
// request there.
func (d *Device) Transmit() int {
	d.mu.Lock()
	frames := d.transmit()
	d.mu.Unlock()

	if d.loopback {
		for _, f := range frames {
			if err := d.Receive(f); err != nil {
				d.log.WithError(err).WithField("len", len(f)).Debug("loopback frame dropped")
			}
		}
	}
	return len(frames)
}

func (d *Device) transmit() (frames [][]byte) {
	if !d.enabled || !d.txOn {
		return nil
	}
	for {
		first, ok := d.t.HardwareAt(d.txCur)
		if !ok {
			d.txOn = false
			return frames
		}
		chain := []desc.Device{first}
		last := first
		for !last.Header().EOP() {
			next, ok := d.t.HardwareAt(last.Next())
			if !ok {
				// Rest of the packet not handed over yet.
				return frames
			}
			chain = append(chain, next)
			last = next
		}

		var frame []byte
		for _, c := range chain {
			pa, sp := c.Buffer()
			frame = append(frame, d.mem.PhysToVirt(pa, sp, c.ByteCount())...)
		}

		next := last.Next()
		st := desc.TxStat{ByteCount: uint16(len(frame)), Flags: desc.TxOK}
		if !first.Header().SOP() {
			st.Flags = 0
			d.events |= ethmac.EventTxAbort
			d.log.WithError(ErrMissingSOP).WithField("desc", first.Index()).Warn("tx chain aborted")
		} else {
			st.Flags |= destFlags(frame, desc.TxBroadcast, desc.TxMulticast)
			d.stats.TxFrames++
			d.stats.TxBytes += uint64(len(frame))
			frames = append(frames, frame)
		}
		first.SetTxStat(st)
		for _, c := range chain[1:] {
			c.Release()
		}
		first.Release()
		d.events |= ethmac.EventTxDone

		if next == 0 {
			d.txCur = d.t.Addr(last.Index())
			d.txOn = false
			return frames
		}
		d.txCur = next
	}
}

// Receive writes frame into the hardware owned RX descriptors starting at
// the current one. A frame that does not fit into the owned descriptors is
// dropped with ErrOverflow and no descriptor is touched.
func (d *Device) Receive(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || !d.rxOn {
		d.stats.Dropped++
		return ErrRxDisabled
	}
	if len(frame) == 0 {
		d.stats.Dropped++
		return ErrRuntFrame
	}
	if len(frame) > int(d.maxFrame) {
		d.stats.Dropped++
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, len(frame), d.maxFrame)
	}

	var chain []desc.Device
	addr, got := d.rxCur, 0
	for got < len(frame) {
		dv, ok := d.t.HardwareAt(addr)
		if !ok {
			d.events |= ethmac.EventRxOverflow | ethmac.EventRxBufferNotAvailable
			d.stats.Dropped++
			d.log.WithFields(logrus.Fields{
				"len":     len(frame),
				"buffers": len(chain),
			}).Debug("rx overflow")
			return ErrOverflow
		}
		chain = append(chain, dv)
		got += d.capacity(dv)
		addr = dv.Next()
	}

	off := 0
	for k, dv := range chain {
		n := min(d.capacity(dv), len(frame)-off)
		pa, sp := dv.Buffer()
		copy(d.mem.PhysToVirt(pa, sp, n), frame[off:off+n])
		off += n
		dv.Fill(n, k == 0, k == len(chain)-1)
	}
	chain[0].SetRxStat(desc.RxStat{
		ByteCount: uint16(len(frame)),
		Checksum:  Checksum(frame),
		Flags:     desc.RxOK | destFlags(frame, desc.RxBroadcast, desc.RxMulticast),
	})

	next := chain[len(chain)-1].Next()
	for k := len(chain) - 1; k >= 0; k-- {
		chain[k].Release()
	}
	if next == 0 {
		next = d.t.Addr(chain[len(chain)-1].Index())
	}
	d.rxCur = next
	d.bufCount++
	d.events |= ethmac.EventRxDone
	d.stats.RxFrames++
	d.stats.RxBytes += uint64(len(frame))
	return nil
}

func (d *Device) capacity(dv desc.Device) int {
	n := dv.ByteCount()
	if d.rxBufSize > 0 {
		n = min(n, d.rxBufSize)
	}
	return n
}

// Run transmits packets as they are scheduled, at most pps frames per
// second (0 means unlimited), until ctx is done.
func (d *Device) Run(ctx context.Context, pps uint64) error {
	thr := ratelimit.New(pps)
	for {
		n := d.Transmit()
		if n > 0 {
			if err := thr.WaitN(ctx, uint64(n)); err != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-d.kick:
		}
	}
}

// Checksum is the internet checksum of b.
func Checksum(b []byte) uint16 {
	var sum uint32
	for len(b) > 1 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) > 0 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func destFlags[F ~uint16](frame []byte, broadcast, multicast F) F {
	if len(frame) < 6 {
		return 0
	}
	for _, b := range frame[:6] {
		if b != 0xff {
			if frame[0]&1 != 0 {
				return multicast
			}
			return 0
		}
	}
	return broadcast
}
