// Package ethmac drives the descriptor rings of an Ethernet MAC.
// MAC owns the four descriptor lists of one controller and moves buffers
// between software and the DMA engine.
package ethmac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/ethmac-go/desc"
)

const (
	DefaultBusyTimeout    = 100 * time.Millisecond
	DefaultPollInterval   = 10 * time.Microsecond
	DefaultMaxFrameLength = 0x600
)

// Direction selects the TX or RX side. Values may be or-ed where a set of
// directions is accepted.
type Direction uint8

const (
	TX Direction = 1 << iota
	RX

	BothDirections = TX | RX
)

func (d Direction) String() string {
	switch d {
	case TX:
		return "tx"
	case RX:
		return "rx"
	case BothDirections:
		return "tx|rx"
	}
	return fmt.Sprintf("direction(%d)", uint8(d))
}

// Engine identifies a unit whose busy state can be polled.
type Engine uint8

const (
	Controller Engine = iota
	TxEngine
	RxEngine
)

func (e Engine) String() string {
	switch e {
	case Controller:
		return "controller"
	case TxEngine:
		return "tx engine"
	case RxEngine:
		return "rx engine"
	}
	return fmt.Sprintf("engine(%d)", uint8(e))
}

// Events is a set of controller event flags.
type Events uint32

const (
	EventTxDone Events = 1 << iota
	EventRxDone
	EventRxOverflow
	EventRxBufferNotAvailable
	EventTxAbort

	EventsAll = EventTxDone | EventRxDone | EventRxOverflow |
		EventRxBufferNotAvailable | EventTxAbort
)

// Registers is the register facade of one MAC controller.
type Registers interface {
	Enable()
	Disable()

	// EnableTx raises the transmit request (RTS). Hardware clears it when
	// it reaches a software owned descriptor.
	EnableTx()
	DisableTx()
	EnableRx()
	DisableRx()

	Busy(e Engine) bool

	TxHead() desc.Addr
	SetTxHead(a desc.Addr)
	RxHead() desc.Addr
	SetRxHead(a desc.Addr)

	Events() Events
	ClearEvents(ev Events)

	// DecrementRxBufferCount decrements BUFCNT, the RX pending buffer
	// counter. It is called once per buffer handed back to hardware.
	DecrementRxBufferCount()
	RxPacketCount() int

	ResetMII()
	SetMaxFrameLength(n uint16)
	SetRxBufferSize(n int)
}

type Config struct {
	// Table is the descriptor arena every list of the MAC lives in.
	Table *desc.Table
	// Registers is the register facade of the controller.
	Registers Registers
	// Memory translates buffers to DMA addresses and back.
	Memory desc.Translator
	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
	// BusyTimeout bounds every wait for an engine to become idle.
	BusyTimeout time.Duration
	// PollInterval is the pause between two busy polls.
	PollInterval time.Duration
	// MaxFrameLength is programmed into the controller by Init.
	MaxFrameLength uint16
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Table == nil {
		return ErrTableIsNil
	}
	if c.Registers == nil {
		return ErrRegistersIsNil
	}
	if c.Memory == nil {
		return ErrMemoryIsNil
	}
	if c.BusyTimeout < 0 {
		return ErrBusyTimeoutInvalid
	}
	if c.PollInterval < 0 {
		return ErrPollIntervalInvalid
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxFrameLength == 0 {
		c.MaxFrameLength = DefaultMaxFrameLength
	}
	return nil
}

// MAC is one Ethernet controller instance.
//
// TX methods are safe for concurrent use. RX methods must be called from a
// single goroutine.
type MAC struct {
	conf  Config
	log   *logrus.Logger
	table *desc.Table
	regs  Registers
	mem   desc.Translator

	// txMu guards the TX lists against concurrent scheduling and
	// acknowledgment.
	txMu      sync.Mutex
	txFree    desc.List
	txBusy    desc.List
	txScratch []desc.Index

	// Free lists hold descriptors hardware never sees. Busy lists are the
	// chains the DMA engine walks, each ending in a software owned sentinel
	// new descriptors are appended behind.
	rxFree    desc.List
	rxBusy    desc.List
	rxScratch []desc.Index
	rxBufSize int

	txPackets, txBytes, txAcked atomic.Uint64
	rxPackets, rxBytes, rxAcked atomic.Uint64
}

// New creates a MAC. The controller is not touched until Init.
func New(conf Config) (*MAC, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	m := &MAC{
		conf:  conf,
		log:   conf.Logger,
		table: conf.Table,
		regs:  conf.Registers,
		mem:   conf.Memory,
	}
	m.resetLists()
	return m, nil
}

func (m *MAC) resetLists() {
	m.txFree = desc.NewList(m.table)
	m.txBusy = desc.NewList(m.table)
	m.rxFree = desc.NewList(m.table)
	m.rxBusy = desc.NewList(m.table)
}

// Init resets the controller and empties all four lists.
// Descriptors still held by the lists are forgotten, not freed;
// call PoolCleanup first to give them back.
func (m *MAC) Init(ctx context.Context) error {
	m.regs.Disable()
	m.regs.DisableTx()
	m.regs.DisableRx()
	if err := m.waitIdle(ctx, Controller); err != nil {
		return err
	}
	m.regs.Enable()

	// Drain stale packets left from a previous session.
	if err := m.waitFor(ctx, "rx packet count drain", func() bool {
		for n := m.regs.RxPacketCount(); n > 0; n-- {
			m.regs.DecrementRxBufferCount()
		}
		return m.regs.RxPacketCount() == 0
	}); err != nil {
		return err
	}

	m.txMu.Lock()
	m.resetLists()
	m.txMu.Unlock()

	m.regs.ClearEvents(EventsAll)
	m.regs.SetTxHead(0)
	m.regs.SetRxHead(0)

	m.regs.ResetMII()
	m.regs.SetMaxFrameLength(m.conf.MaxFrameLength)

	m.log.WithField("maxFrameLength", m.conf.MaxFrameLength).Info("MAC initialized")
	return nil
}

// Close quiesces the controller. When graceful is set new transmissions are
// stopped first and Close waits for both engines to finish in-flight work.
// Close always runs to completion; every wait that timed out is reported
// in the returned error.
func (m *MAC) Close(ctx context.Context, graceful bool) error {
	var errs []error
	if graceful {
		m.regs.DisableTx()
		if err := m.waitIdle(ctx, TxEngine); err != nil {
			errs = append(errs, err)
		}
		if err := m.waitIdle(ctx, RxEngine); err != nil {
			errs = append(errs, err)
		}
	}

	m.regs.DisableTx()
	m.regs.DisableRx()
	m.regs.ResetMII()
	m.regs.Disable()
	if err := m.waitIdle(ctx, Controller); err != nil {
		errs = append(errs, err)
	}
	m.regs.ClearEvents(EventsAll)

	if err := errors.Join(errs...); err != nil {
		m.log.WithError(err).Error("MAC closed with stuck hardware")
		return err
	}
	m.log.WithField("graceful", graceful).Info("MAC closed")
	return nil
}

// Events returns the pending controller events.
func (m *MAC) Events() Events { return m.regs.Events() }

// ClearEvents acknowledges the given controller events.
func (m *MAC) ClearEvents(ev Events) { m.regs.ClearEvents(ev) }

func (m *MAC) waitIdle(ctx context.Context, e Engine) error {
	return m.waitFor(ctx, e.String(), func() bool { return !m.regs.Busy(e) })
}

// waitFor polls done until it reports true, BusyTimeout passes or ctx is
// canceled.
func (m *MAC) waitFor(ctx context.Context, what string, done func() bool) error {
	if done() {
		return nil
	}
	deadline := time.Now().Add(m.conf.BusyTimeout)
	t := time.NewTicker(m.conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrHardwareStuck, what, ctx.Err())
		case <-t.C:
		}
		if done() {
			return nil
		}
		if time.Now().After(deadline) {
			m.log.WithFields(logrus.Fields{
				"what":    what,
				"timeout": m.conf.BusyTimeout,
			}).Error("hardware did not become idle")
			return fmt.Errorf("%w: %s", ErrHardwareStuck, what)
		}
	}
}

// Counters are cumulative totals since New.
type Counters struct {
	TxPackets uint64
	TxBytes   uint64
	TxAcked   uint64
	RxPackets uint64
	RxBytes   uint64
	RxAcked   uint64
}

func (m *MAC) Counters() Counters {
	return Counters{
		TxPackets: m.txPackets.Load(),
		TxBytes:   m.txBytes.Load(),
		TxAcked:   m.txAcked.Load(),
		RxPackets: m.rxPackets.Load(),
		RxBytes:   m.rxBytes.Load(),
		RxAcked:   m.rxAcked.Load(),
	}
}

// mustSoftware returns the software view of i and panics if hardware owns
// it. Callers only pass descriptors the list invariants keep in software.
func mustSoftware(t *desc.Table, i desc.Index) desc.Desc {
	d, ok := t.Software(i)
	if !ok {
		panic(fmt.Sprintf("ethmac: descriptor %d is hardware owned", i))
	}
	return d
}
