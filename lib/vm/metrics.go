package vm

import (
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// engineMetrics holds the counters of one engine. Every engine has its own
// metrics set so several engines (and tests) never share counters.
type engineMetrics struct {
	set *metrics.Set

	collapses        *metrics.Counter
	bypasses         *metrics.Counter
	collapseFailures *metrics.Counter
	terminations     *metrics.Counter
	cacheHits        *metrics.Counter
	pageins          *metrics.Counter
	pageouts         *metrics.Counter
	pageoutErrors    *metrics.Counter
}

func newEngineMetrics(e *Engine) *engineMetrics {
	s := metrics.NewSet()
	m := &engineMetrics{
		set:              s,
		collapses:        s.NewCounter("dvm_object_collapses_total"),
		bypasses:         s.NewCounter("dvm_object_bypasses_total"),
		collapseFailures: s.NewCounter("dvm_object_collapse_failures_total"),
		terminations:     s.NewCounter("dvm_object_terminations_total"),
		cacheHits:        s.NewCounter("dvm_object_cache_hits_total"),
		pageins:          s.NewCounter("dvm_pageins_total"),
		pageouts:         s.NewCounter("dvm_pageouts_total"),
		pageoutErrors:    s.NewCounter("dvm_pageout_errors_total"),
	}

	s.NewGauge("dvm_objects", func() float64 {
		return float64(e.registry.Len())
	})
	s.NewGauge("dvm_objects_cached", func() float64 {
		return float64(e.registry.CachedLen())
	})
	s.NewGauge("dvm_pages_resident", func() float64 {
		return float64(e.ledger.resident.Load())
	})

	return m
}

// WriteMetrics writes all engine metrics in Prometheus text format to w.
func (e *Engine) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
