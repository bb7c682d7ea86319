package vmkstats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes profiler health to Prometheus: sampling throughput,
// table occupancy and per-CPU buffer pressure.
type Collector struct {
	sampler *Sampler

	interruptsDesc    *prometheus.Desc
	samplesDesc       *prometheus.Desc
	ignoredDesc       *prometheus.Desc
	uniqueSamplesDesc *prometheus.Desc
	uniqueStacksDesc  *prometheus.Desc
	sampleMapCapDesc  *prometheus.Desc
	stackMapCapDesc   *prometheus.Desc
	arenaWordsDesc    *prometheus.Desc
	arenaUsedDesc     *prometheus.Desc
	memUsedDesc       *prometheus.Desc
	runningDesc       *prometheus.Desc
	stallsDesc        *prometheus.Desc
	missedDesc        *prometheus.Desc
}

// NewCollector builds the profiler collector.
func NewCollector(s *Sampler) *Collector {
	return &Collector{
		sampler: s,
		interruptsDesc: prometheus.NewDesc(
			"vmkstats_interrupts_total",
			"Sampling NMIs delivered",
			nil, nil),
		samplesDesc: prometheus.NewDesc(
			"vmkstats_samples_total",
			"Samples recorded into per-CPU buffers",
			nil, nil),
		ignoredDesc: prometheus.NewDesc(
			"vmkstats_ignored_total",
			"Sampling NMIs ignored while collection was off",
			nil, nil),
		uniqueSamplesDesc: prometheus.NewDesc(
			"vmkstats_unique_samples",
			"Occupied buckets in the sample map",
			nil, nil),
		uniqueStacksDesc: prometheus.NewDesc(
			"vmkstats_unique_call_stacks",
			"Interned call stacks",
			nil, nil),
		sampleMapCapDesc: prometheus.NewDesc(
			"vmkstats_sample_map_capacity",
			"Allocated sample map buckets",
			nil, nil),
		stackMapCapDesc: prometheus.NewDesc(
			"vmkstats_call_stack_map_capacity",
			"Allocated call-stack intern map slots",
			nil, nil),
		arenaWordsDesc: prometheus.NewDesc(
			"vmkstats_call_stack_arena_words",
			"Allocated call-stack arena size in words",
			nil, nil),
		arenaUsedDesc: prometheus.NewDesc(
			"vmkstats_call_stack_arena_used_words",
			"Call-stack arena words in use",
			nil, nil),
		memUsedDesc: prometheus.NewDesc(
			"vmkstats_stats_memory_bytes",
			"Bytes held by the aggregation tables",
			nil, nil),
		runningDesc: prometheus.NewDesc(
			"vmkstats_running",
			"Whether sample collection is active",
			nil, nil),
		stallsDesc: prometheus.NewDesc(
			"vmkstats_buffer_stalls_total",
			"Samples dropped because a per-CPU buffer was full",
			[]string{"cpu"}, nil),
		missedDesc: prometheus.NewDesc(
			"vmkstats_missed_events_total",
			"Perf-counter events that fired while sampling NMIs were masked",
			[]string{"cpu"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.interruptsDesc
	ch <- c.samplesDesc
	ch <- c.ignoredDesc
	ch <- c.uniqueSamplesDesc
	ch <- c.uniqueStacksDesc
	ch <- c.sampleMapCapDesc
	ch <- c.stackMapCapDesc
	ch <- c.arenaWordsDesc
	ch <- c.arenaUsedDesc
	ch <- c.memUsedDesc
	ch <- c.runningDesc
	ch <- c.stallsDesc
	ch <- c.missedDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.sampler

	ch <- prometheus.MustNewConstMetric(c.interruptsDesc, prometheus.CounterValue,
		float64(s.totals.interrupts.Load()))
	ch <- prometheus.MustNewConstMetric(c.samplesDesc, prometheus.CounterValue,
		float64(s.totals.samples.Load()))
	ch <- prometheus.MustNewConstMetric(c.ignoredDesc, prometheus.CounterValue,
		float64(s.totals.ignored.Load()))

	running := 0.0
	if s.running.Load() {
		running = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.runningDesc, prometheus.GaugeValue, running)

	s.mu.Lock()
	ch <- prometheus.MustNewConstMetric(c.uniqueSamplesDesc, prometheus.GaugeValue,
		float64(s.agg.numSamples))
	ch <- prometheus.MustNewConstMetric(c.uniqueStacksDesc, prometheus.GaugeValue,
		float64(s.agg.numStacks))
	ch <- prometheus.MustNewConstMetric(c.sampleMapCapDesc, prometheus.GaugeValue,
		float64(len(s.agg.sampleMap)))
	ch <- prometheus.MustNewConstMetric(c.stackMapCapDesc, prometheus.GaugeValue,
		float64(len(s.agg.stackMap)))
	ch <- prometheus.MustNewConstMetric(c.arenaWordsDesc, prometheus.GaugeValue,
		float64(len(s.agg.arena)))
	ch <- prometheus.MustNewConstMetric(c.arenaUsedDesc, prometheus.GaugeValue,
		float64(s.agg.arenaNext))
	ch <- prometheus.MustNewConstMetric(c.memUsedDesc, prometheus.GaugeValue,
		float64(s.agg.memUsed()))
	s.mu.Unlock()

	for cpu, ring := range s.rings {
		label := strconv.Itoa(cpu)
		var stalls uint64
		if ring != nil {
			stalls = ring.stalls.Load()
		}
		ch <- prometheus.MustNewConstMetric(c.stallsDesc, prometheus.CounterValue,
			float64(stalls), label)
		ch <- prometheus.MustNewConstMetric(c.missedDesc, prometheus.CounterValue,
			float64(s.missedEvents[cpu].Load()), label)
	}
}
