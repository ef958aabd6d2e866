//go:build linux

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/ethmac-go/desc"
	"github.com/romshark/ethmac-go/ethmac"
	"github.com/romshark/ethmac-go/macstat"
	"github.com/romshark/ethmac-go/physmem"
	"github.com/romshark/ethmac-go/sim"
)

type Config struct {
	MAC struct {
		Slots          int           `yaml:"slots"`
		TxDescriptors  int           `yaml:"tx-descriptors"`
		RxDescriptors  int           `yaml:"rx-descriptors"`
		RxBufferSize   int           `yaml:"rx-buffer-size"`
		Sticky         bool          `yaml:"sticky"`
		MaxFrameLength uint16        `yaml:"max-frame-length"`
		BusyTimeout    time.Duration `yaml:"busy-timeout"`
	} `yaml:"mac"`

	Frame struct {
		DestMAC string `yaml:"dest-mac"`
		SrcMAC  string `yaml:"src-mac"`
		SrcIP   string `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
		Size    uint32 `yaml:"size"`
	} `yaml:"frame"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Metrics struct {
		Listen    string `yaml:"listen"`
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	Memory int    `yaml:"memory"`
	Count  uint64 `yaml:"count"`
	PPS    uint64 `yaml:"pps"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "ethbench.yaml", "path to config YAML file")
	fDestMAC := flag.String("d", "", "dest mac")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst udp port")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 0, "pkt size")
	fPPS := flag.Uint64("r", 0, "wire rate limit in packets per second")
	fMetrics := flag.String("m", "", "prometheus listen address")
	fLogLevel := flag.String("v", "", "log level")

	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	// Apply CLI overrides if necessary.
	if *fDestMAC != "" {
		conf.Frame.DestMAC = *fDestMAC
	}
	if *fDstIP != "" {
		conf.Frame.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Frame.DstPort = *fPort
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.Frame.Size = uint32(*fPktSize)
	}
	if *fPPS != 0 {
		conf.PPS = *fPPS
	}
	if *fMetrics != "" {
		conf.Metrics.Listen = *fMetrics
	}
	if *fLogLevel != "" {
		conf.Logging.Level = *fLogLevel
	}

	// Defaults

	if conf.MAC.Slots == 0 {
		conf.MAC.Slots = 512
	}
	if conf.MAC.TxDescriptors == 0 {
		conf.MAC.TxDescriptors = 128
	}
	if conf.MAC.RxDescriptors == 0 {
		conf.MAC.RxDescriptors = 256
	}
	if conf.MAC.RxBufferSize == 0 {
		conf.MAC.RxBufferSize = 1536
	}
	if conf.Memory == 0 {
		conf.Memory = 8 << 20
	}
	if conf.Metrics.Path == "" {
		conf.Metrics.Path = "/metrics"
	}
	if conf.Metrics.Namespace == "" {
		conf.Metrics.Namespace = "ethmac"
	}

	// Validate

	if conf.Frame.DestMAC == "" {
		return nil, errors.New("frame.dest-mac must be set")
	}
	if _, err := net.ParseMAC(conf.Frame.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid frame.dest-mac %q: %w", conf.Frame.DestMAC, err)
	}
	if conf.Frame.SrcMAC == "" {
		return nil, errors.New("frame.src-mac must be set")
	}
	if _, err := net.ParseMAC(conf.Frame.SrcMAC); err != nil {
		return nil, fmt.Errorf("invalid frame.src-mac %q: %w", conf.Frame.SrcMAC, err)
	}
	if net.ParseIP(conf.Frame.SrcIP).To4() == nil {
		return nil, fmt.Errorf("invalid frame.src-ip %q", conf.Frame.SrcIP)
	}
	if net.ParseIP(conf.Frame.DstIP).To4() == nil {
		return nil, fmt.Errorf("invalid frame.dst-ip %q", conf.Frame.DstIP)
	}
	if conf.Frame.DstPort <= 0 || conf.Frame.DstPort > 65535 {
		return nil, errors.New("frame.dst-port must be between 1-65535")
	}
	if conf.Frame.SrcPort <= 0 || conf.Frame.SrcPort > 65535 {
		return nil, errors.New("frame.src-port must be between 1-65535")
	}
	if conf.Frame.Size < 64 || conf.Frame.Size > desc.MaxByteCount {
		return nil, errors.New("unsupported frame.size")
	}
	if m := conf.MAC.MaxFrameLength; m != 0 && conf.Frame.Size > uint32(m) {
		return nil, fmt.Errorf("frame.size exceeds mac.max-frame-length %d", m)
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.MAC.TxDescriptors+conf.MAC.RxDescriptors+2 > conf.MAC.Slots {
		return nil, errors.New("mac.slots must fit both pools and their sentinels")
	}
	if conf.MAC.RxDescriptors < 2 {
		return nil, errors.New("mac.rx-descriptors must be >= 2")
	}

	return &conf, nil
}

func configLogger(l *logrus.Logger, level, format string) error {
	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	l.Out = os.Stderr
	switch strings.ToLower(format) {
	case "", "text":
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339}
	case "json":
		l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", format, []string{"text", "json"})
	}
	return nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func buildUDPPacket(
	buf []byte,
	srcMAC, dstMAC net.HardwareAddr,
	srcIP, dstIP net.IP,
	srcPort, dstPort uint16,
	seq uint32,
	pktSize uint32,
) uint32 {

	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	minSize := uint32(ethLen + ipLen + udpLen + 4)
	if pktSize < minSize {
		pktSize = minSize
	}

	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], dstMAC)
	copy(buf[6:12], srcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	ip[10], ip[11] = 0, 0
	copy(ip[12:16], srcIP.To4())
	copy(ip[16:20], dstIP.To4())
	binary.BigEndian.PutUint16(ip[10:], sim.Checksum(ip[:20]))

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))

	payload := udp[8:]
	binary.BigEndian.PutUint32(payload, seq)

	return pktSize
}

type bench struct {
	conf      *Config
	log       *logrus.Logger
	mac       *ethmac.MAC
	mem       desc.Translator
	collector *macstat.Collector
	rxFlags   ethmac.BufferFlags

	// TX buffers not handed to the MAC, only touched by the sender.
	txBufs [][]byte
	byAddr map[desc.PhysAddr][]byte

	elapsed     atomic.Int64
	rxPackets   atomic.Uint64
	rxBytes     atomic.Uint64
	badChecksum atomic.Uint64
}

func (b *bench) onTxAck(buf []byte) {
	pa, _, ok := b.mem.VirtToPhys(buf)
	if !ok {
		return
	}
	b.txBufs = append(b.txBufs, b.byAddr[pa])
}

// reclaim acknowledges transmitted packets. It reports whether any buffer
// came back.
func (b *bench) reclaim() (bool, error) {
	err := b.mac.AcknowledgeTx(nil, b.onTxAck)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ethmac.ErrPacketQueued), errors.Is(err, ethmac.ErrNoPacket):
		return false, nil
	}
	return false, err
}

func (b *bench) send(ctx context.Context) error {
	f := &b.conf.Frame
	dstMAC, err := net.ParseMAC(f.DestMAC)
	if err != nil {
		return fmt.Errorf("parse dst mac: %w", err)
	}
	srcMAC, err := net.ParseMAC(f.SrcMAC)
	if err != nil {
		return fmt.Errorf("parse src mac: %w", err)
	}
	srcIP := net.ParseIP(f.SrcIP).To4()
	dstIP := net.ParseIP(f.DstIP).To4()

	start := time.Now()
	for seq := uint32(0); uint64(seq) < b.conf.Count; {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(b.txBufs) == 0 {
			ok, err := b.reclaim()
			if err != nil {
				return fmt.Errorf("acknowledging tx: %w", err)
			}
			if !ok {
				time.Sleep(10 * time.Microsecond)
			}
			continue
		}

		buf := b.txBufs[len(b.txBufs)-1]
		plen := buildUDPPacket(
			buf, srcMAC, dstMAC, srcIP, dstIP,
			uint16(f.SrcPort), uint16(f.DstPort), seq, f.Size,
		)
		err := b.mac.ScheduleBuffer(buf[:plen])
		if errors.Is(err, ethmac.ErrNoDescriptors) {
			if _, err := b.reclaim(); err != nil {
				return fmt.Errorf("acknowledging tx: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("scheduling frame %d: %w", seq, err)
		}
		b.txBufs = b.txBufs[:len(b.txBufs)-1]
		seq++
	}

	// Wait for the ring to drain.
	for len(b.txBufs) < len(b.byAddr) && ctx.Err() == nil {
		ok, err := b.reclaim()
		if err != nil {
			return fmt.Errorf("final tx acknowledge: %w", err)
		}
		if !ok {
			time.Sleep(10 * time.Microsecond)
		}
	}
	b.elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

// receive drains the RX ring until ctx is done. Ring counts are only
// readable here, so it also publishes the periodic stats.
func (b *bench) receive(ctx context.Context) error {
	srcs := map[string]macstat.Source{"sim0": b.mac}
	last := macstat.Snapshot(srcs)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			now := macstat.Snapshot(srcs)
			b.collector.Publish(now)
			d := now.Since(last)["sim0"]
			last = now
			b.log.WithFields(logrus.Fields{
				"tx":          d[macstat.TxPackets],
				"rx":          d[macstat.RxPackets],
				"txPending":   d[macstat.TxPending],
				"rxPending":   d[macstat.RxPending],
				"rxFree":      d[macstat.RxFree],
				"txFree":      d[macstat.TxFree],
				"txMbps":      float64(d[macstat.TxBytes]*8) / 1e6,
				"rxMbps":      float64(d[macstat.RxBytes]*8) / 1e6,
				"badChecksum": b.badChecksum.Load(),
			}).Info("stats")
		default:
		}

		buf, _, err := b.mac.GetBuffer()
		switch {
		case errors.Is(err, ethmac.ErrPacketQueued), errors.Is(err, ethmac.ErrNoPacket):
			time.Sleep(10 * time.Microsecond)
			continue
		case errors.Is(err, ethmac.ErrRxPacketSplit):
			n, _, _ := b.mac.PeekPacket()
			return fmt.Errorf("frame spans %d buffers, increase mac.rx-buffer-size", n)
		case err != nil:
			return fmt.Errorf("receiving: %w", err)
		}

		if len(buf) >= 34 && sim.Checksum(buf[14:34]) != 0 {
			b.badChecksum.Add(1)
		}
		b.rxPackets.Add(1)
		b.rxBytes.Add(uint64(len(buf)))
		if err := b.release(buf); err != nil {
			return err
		}
	}
}

// release acknowledges a received buffer. Without BufferSticky the
// descriptor goes back to the free list, so the buffer is appended again
// at its full size.
func (b *bench) release(buf []byte) error {
	pa, sp, ok := b.mem.VirtToPhys(buf)
	if err := b.mac.AcknowledgeRx(buf); err != nil {
		return fmt.Errorf("acknowledging rx: %w", err)
	}
	if b.rxFlags&ethmac.BufferSticky != 0 {
		return nil
	}
	if !ok {
		return fmt.Errorf("refilling rx: %w", ethmac.ErrUserSpaceAddress)
	}
	full := b.mem.PhysToVirt(pa, sp, b.conf.MAC.RxBufferSize)
	if err := b.mac.AppendRxBuffers([][]byte{full}, b.rxFlags); err != nil {
		return fmt.Errorf("refilling rx: %w", err)
	}
	return nil
}

func serveMetrics(l *logrus.Logger, listen, path string, c prometheus.Collector) {
	pr := prometheus.NewRegistry()
	pr.MustRegister(c)
	go func() {
		l.Infof("Prometheus stats listening on %s at %s", listen, path)
		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
		if err := http.ListenAndServe(listen, mux); err != nil {
			l.WithError(err).Error("metrics server stopped")
		}
	}()
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	log := logrus.New()
	fatalIf(configLogger(log, conf.Logging.Level, conf.Logging.Format), "configuring logger")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	mem, err := physmem.New(physmem.Config{Size: conf.Memory})
	fatalIf(err, "mapping DMA memory")
	defer func() { fatalIf(mem.Close(), "unmapping DMA memory") }()

	tb := desc.NewTable(conf.MAC.Slots)
	dev, err := sim.New(sim.Config{Table: tb, Memory: mem, Logger: log, Loopback: true})
	fatalIf(err, "creating simulated device")

	mac, err := ethmac.New(ethmac.Config{
		Table:          tb,
		Registers:      dev,
		Memory:         mem,
		Logger:         log,
		BusyTimeout:    conf.MAC.BusyTimeout,
		MaxFrameLength: conf.MAC.MaxFrameLength,
	})
	fatalIf(err, "creating MAC")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fatalIf(mac.Init(ctx), "initializing MAC")
	fatalIf(mac.SetRxBufferSize(conf.MAC.RxBufferSize), "setting rx buffer size")

	for _, p := range []struct {
		dir ethmac.Direction
		n   int
	}{
		{ethmac.TX, conf.MAC.TxDescriptors},
		{ethmac.RX, conf.MAC.RxDescriptors},
	} {
		n, err := mac.PoolAdd(p.dir, p.n, tb.Alloc)
		fatalIf(err, "growing %s pool", p.dir)
		if n != p.n {
			fatalIf(fmt.Errorf("got %d of %d descriptors", n, p.n), "growing %s pool", p.dir)
		}
	}

	var flags ethmac.BufferFlags
	if conf.MAC.Sticky {
		flags |= ethmac.BufferSticky
	}
	rxBufs := make([][]byte, conf.MAC.RxDescriptors)
	for i := range rxBufs {
		rxBufs[i], err = mem.Carve(conf.MAC.RxBufferSize, desc.Cached)
		fatalIf(err, "carving rx buffer")
	}
	fatalIf(mac.AppendRxBuffers(rxBufs, flags), "appending rx buffers")

	bn := &bench{
		conf:      conf,
		log:       log,
		mac:       mac,
		mem:       mem,
		collector: macstat.NewCollector(conf.Metrics.Namespace),
		rxFlags:   flags,
		byAddr:    make(map[desc.PhysAddr][]byte, conf.MAC.TxDescriptors),
	}
	for range conf.MAC.TxDescriptors {
		buf, err := mem.Carve(int(conf.Frame.Size), desc.Cached)
		fatalIf(err, "carving tx buffer")
		pa, _, _ := mem.VirtToPhys(buf)
		bn.byAddr[pa] = buf
		bn.txBufs = append(bn.txBufs, buf)
	}

	if conf.Metrics.Listen != "" {
		serveMetrics(log, conf.Metrics.Listen, conf.Metrics.Path, bn.collector)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()
	recvCtx, cancelRecv := context.WithCancel(runCtx)
	defer cancelRecv()

	g.Go(func() error { return dev.Run(runCtx, conf.PPS) })
	g.Go(func() error {
		defer cancelRun()
		return bn.receive(recvCtx)
	})
	g.Go(func() error {
		defer cancelRecv()
		if err := bn.send(gctx); err != nil {
			return err
		}
		d := 300 * time.Millisecond
		log.Infof("waiting %s for reception...", d)
		time.Sleep(d) // Let the last frames reach RX.
		return nil
	})
	fatalIf(g.Wait(), "running benchmark")

	final := macstat.Snapshot(map[string]macstat.Source{"sim0": mac})
	bn.collector.Publish(final)

	if err := mac.Close(context.Background(), true); err != nil {
		log.WithError(err).Warn("closing MAC")
	}
	mac.PoolCleanup(ethmac.BothDirections, tb.Free)

	wire := dev.Stats()
	txPackets := final["sim0"][macstat.TxPackets]
	rxPackets := bn.rxPackets.Load()
	drops := txPackets - rxPackets
	elapsed := float64(bn.elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(final["sim0"][macstat.TxBytes]*8) / 1e6 / elapsed
	rxAvgMbps := float64(bn.rxBytes.Load()*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" Wire dropped:      %d\n", wire.Dropped)
	p.Printf(" Bad checksums:     %d\n", bn.badChecksum.Load())
	p.Printf(" Dropped:           %d (%.4f%%)\n",
		drops, float64(drops)/float64(txPackets)*100)
	p.Print("\n")
	fatalIf(macstat.Print(os.Stdout, final), "printing MAC stats")
}
