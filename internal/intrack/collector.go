package intrack

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the tracker's state to Prometheus. All metrics are
// built as const metrics from a snapshot taken under the tracker lock.
type Collector struct {
	tracker *Tracker

	vectorDestDesc   *prometheus.Desc
	vectorCyclesDesc *prometheus.Desc
	vectorIntrsDesc  *prometheus.Desc
	vectorRemoteDesc *prometheus.Desc
	vectorIdleDesc   *prometheus.Desc
	pcpuRateDesc     *prometheus.Desc
	pcpuAgedIdleDesc *prometheus.Desc
	managedCountDesc *prometheus.Desc
	overflowsDesc    *prometheus.Desc
	homePcpuDesc     *prometheus.Desc
}

// NewCollector builds the tracker collector. Register it with a registry
// alongside the sampler's collector.
func NewCollector(t *Tracker) *Collector {
	return &Collector{
		tracker: t,
		vectorDestDesc: prometheus.NewDesc(
			"vmkintr_vector_destination_pcpu",
			"Processor a vector is currently routed to (-1 when unknown)",
			[]string{"vector"}, nil),
		vectorCyclesDesc: prometheus.NewDesc(
			"vmkintr_vector_aged_seconds",
			"Exponentially aged interrupt service time per vector",
			[]string{"vector"}, nil),
		vectorIntrsDesc: prometheus.NewDesc(
			"vmkintr_vector_aged_interrupts",
			"Exponentially aged interrupt count per vector",
			[]string{"vector"}, nil),
		vectorRemoteDesc: prometheus.NewDesc(
			"vmkintr_vector_remote_forwards_total",
			"Deliveries observed on a processor other than the vector's destination",
			[]string{"vector"}, nil),
		vectorIdleDesc: prometheus.NewDesc(
			"vmkintr_vector_idle_deliveries_total",
			"Deliveries that interrupted an idle processor",
			[]string{"vector"}, nil),
		pcpuRateDesc: prometheus.NewDesc(
			"vmkintr_pcpu_interrupt_rate",
			"Classified interrupt rate band per processor (0=none .. 4=excessive)",
			[]string{"pcpu"}, nil),
		pcpuAgedIdleDesc: prometheus.NewDesc(
			"vmkintr_pcpu_aged_idle_seconds",
			"Exponentially aged idle time estimate per processor",
			[]string{"pcpu"}, nil),
		managedCountDesc: prometheus.NewDesc(
			"vmkintr_managed_vectors",
			"Number of vectors with a live registration",
			nil, nil),
		overflowsDesc: prometheus.NewDesc(
			"vmkintr_counter_overflows_total",
			"Interrupt counter wraparounds absorbed by skipping one update",
			nil, nil),
		homePcpuDesc: prometheus.NewDesc(
			"vmkintr_rebalance_home_pcpu",
			"Nominal owner of the next rebalance tick, round-robined per pass",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.vectorDestDesc
	ch <- c.vectorCyclesDesc
	ch <- c.vectorIntrsDesc
	ch <- c.vectorRemoteDesc
	ch <- c.vectorIdleDesc
	ch <- c.pcpuRateDesc
	ch <- c.pcpuAgedIdleDesc
	ch <- c.managedCountDesc
	ch <- c.overflowsDesc
	ch <- c.homePcpuDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	t := c.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	managed := 0
	for vec := 0; vec < NumVectors; vec++ {
		info := t.vectors[vec]
		if info == nil {
			continue
		}
		managed++
		label := "0x" + strconv.FormatUint(uint64(vec), 16)
		ch <- prometheus.MustNewConstMetric(c.vectorDestDesc, prometheus.GaugeValue,
			float64(info.pcpu), label)
		ch <- prometheus.MustNewConstMetric(c.vectorCyclesDesc, prometheus.GaugeValue,
			cyclesToSeconds(info.agedSysCycles), label)
		ch <- prometheus.MustNewConstMetric(c.vectorIntrsDesc, prometheus.GaugeValue,
			float64(info.agedInterrupts), label)
		ch <- prometheus.MustNewConstMetric(c.vectorRemoteDesc, prometheus.CounterValue,
			float64(info.remoteForwards.Load()), label)
		ch <- prometheus.MustNewConstMetric(c.vectorIdleDesc, prometheus.CounterValue,
			float64(info.idleDeliveries.Load()), label)
	}

	for p := 0; p < t.opts.NumPCPUs; p++ {
		label := strconv.Itoa(p)
		ch <- prometheus.MustNewConstMetric(c.pcpuRateDesc, prometheus.GaugeValue,
			float64(t.pcpuIntrRates[p]), label)
		ch <- prometheus.MustNewConstMetric(c.pcpuAgedIdleDesc, prometheus.GaugeValue,
			cyclesToSeconds(t.pcpuAgedIdle[p]), label)
	}

	ch <- prometheus.MustNewConstMetric(c.managedCountDesc, prometheus.GaugeValue,
		float64(managed))
	ch <- prometheus.MustNewConstMetric(c.overflowsDesc, prometheus.CounterValue,
		float64(t.intrOverflows))
	ch <- prometheus.MustNewConstMetric(c.homePcpuDesc, prometheus.GaugeValue,
		float64(t.homePcpu))
}

func cyclesToSeconds(c Cycles) float64 {
	return float64(c) / 1e9
}
