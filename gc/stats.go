package gc

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats mirrors gc-incremental.c's struct _gcStats: the ten counters
// invariant 4 (§8) talks about. Every field is written only under the
// collector's gc-lock or while the world is stopped, per spec.md §3; it
// carries no lock of its own, the same way the original gcStats is a
// bare global guarded by an external mutex.
type Stats struct {
	TotalMem, TotalObj   uint64
	AllocMem, AllocObj   uint64
	FreedMem, FreedObj   uint64
	FinalMem, FinalObj   uint64
	MarkedMem, MarkedObj uint64
}

// snapshot copies the counters out from under the caller's lock, for
// safe use by the Prometheus collector goroutine and verbose logging.
func (s *Stats) snapshot() Stats { return *s }

// statsCollector adapts Stats to prometheus.Collector, the idiomatic Go
// equivalent of the teacher's objectStatsPrint: instead of formatting a
// fixed-width table to stderr, publish the same counters as named
// metrics a scraper can graph over time.
type statsCollector struct {
	mu    sync.Mutex
	stats *Stats

	totalMem, totalObj   *prometheus.Desc
	allocMem, allocObj   *prometheus.Desc
	freedMem, freedObj   *prometheus.Desc
	finalMem, finalObj   *prometheus.Desc
	markedMem, markedObj *prometheus.Desc
}

func newStatsCollector(stats *Stats) *statsCollector {
	ns := "rtgc"
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(ns+"_"+name, help, nil, nil)
	}
	return &statsCollector{
		stats:     stats,
		totalMem:  mk("total_bytes", "Bytes currently reachable from any list except mustfree."),
		totalObj:  mk("total_objects", "Objects currently reachable from any list except mustfree."),
		allocMem:  mk("alloc_bytes", "Bytes allocated since the last completed cycle."),
		allocObj:  mk("alloc_objects", "Objects allocated since the last completed cycle."),
		freedMem:  mk("freed_bytes_total", "Bytes freed by the most recent cycle."),
		freedObj:  mk("freed_objects_total", "Objects freed by the most recent cycle."),
		finalMem:  mk("final_bytes", "Bytes currently awaiting finalization."),
		finalObj:  mk("final_objects", "Objects currently awaiting finalization."),
		markedMem: mk("marked_bytes", "Bytes marked during the most recent cycle."),
		markedObj: mk("marked_objects", "Objects marked during the most recent cycle."),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalMem
	ch <- c.totalObj
	ch <- c.allocMem
	ch <- c.allocObj
	ch <- c.freedMem
	ch <- c.freedObj
	ch <- c.finalMem
	ch <- c.finalObj
	ch <- c.markedMem
	ch <- c.markedObj
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	s := c.stats.snapshot()
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.totalMem, prometheus.GaugeValue, float64(s.TotalMem))
	ch <- prometheus.MustNewConstMetric(c.totalObj, prometheus.GaugeValue, float64(s.TotalObj))
	ch <- prometheus.MustNewConstMetric(c.allocMem, prometheus.GaugeValue, float64(s.AllocMem))
	ch <- prometheus.MustNewConstMetric(c.allocObj, prometheus.GaugeValue, float64(s.AllocObj))
	ch <- prometheus.MustNewConstMetric(c.freedMem, prometheus.CounterValue, float64(s.FreedMem))
	ch <- prometheus.MustNewConstMetric(c.freedObj, prometheus.CounterValue, float64(s.FreedObj))
	ch <- prometheus.MustNewConstMetric(c.finalMem, prometheus.GaugeValue, float64(s.FinalMem))
	ch <- prometheus.MustNewConstMetric(c.finalObj, prometheus.GaugeValue, float64(s.FinalObj))
	ch <- prometheus.MustNewConstMetric(c.markedMem, prometheus.GaugeValue, float64(s.MarkedMem))
	ch <- prometheus.MustNewConstMetric(c.markedObj, prometheus.GaugeValue, float64(s.MarkedObj))
}

// cycleTimes are the two named durations gc-incremental.c tracks via its
// timespent gc_time / sweep_time globals, exposed here as histograms
// instead of printed seconds.
type cycleTimes struct {
	mark  prometheus.Histogram
	sweep prometheus.Histogram
}

func newCycleTimes() *cycleTimes {
	return &cycleTimes{
		mark: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "rtgc_mark_phase_seconds",
			Help: "Wall time spent stopped-world, from startGC through finishGC's RESUMEWORLD.",
		}),
		sweep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "rtgc_sweep_phase_seconds",
			Help: "Wall time spent draining the mustfree list after the world resumed.",
		}),
	}
}
