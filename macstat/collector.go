package macstat

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the last published Stats to Prometheus.
// Ring counts can only be read on the RX goroutine, so instead of reading
// its sources on scrape the collector serves what was last handed to
// Publish.
type Collector struct {
	descs map[Counter]*prometheus.Desc

	mu    sync.Mutex
	stats Stats
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector whose metrics are named
// <namespace>_<counter>, labeled by MAC name.
func NewCollector(namespace string) *Collector {
	c := &Collector{descs: make(map[Counter]*prometheus.Desc, len(Counters))}
	for _, ctr := range Counters {
		help := "Descriptors currently in the " + ctr.String() + " state."
		if ctr.Cumulative() {
			help = "Total " + ctr.String() + " since the MAC was created."
		}
		c.descs[ctr] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", ctr.String()),
			help, []string{"mac"}, nil,
		)
	}
	return c
}

// Publish replaces the stats served on the next scrape.
func (c *Collector) Publish(s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = s
}

// Stats returns the last published stats.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range Counters {
		ch <- c.descs[ctr]
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, st := range c.Stats() {
		for _, ctr := range Counters {
			vt := prometheus.GaugeValue
			if ctr.Cumulative() {
				vt = prometheus.CounterValue
			}
			ch <- prometheus.MustNewConstMetric(c.descs[ctr], vt, float64(st[ctr]), name)
		}
	}
}
