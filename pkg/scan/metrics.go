package scan

import (
	"time"

	"cardscan/models"
	"cardscan/pkg/catalog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	scans        *prometheus.CounterVec
	ocrDuration  prometheus.Histogram
	lookups      *prometheus.CounterVec
	enhancements *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardscan",
			Name:      "scans_total",
			Help:      "Processing attempts by operation and resulting status.",
		}, []string{"operation", "status"}),
		ocrDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cardscan",
			Name:      "ocr_duration_seconds",
			Help:      "Time spent preprocessing and recognizing one image.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardscan",
			Name:      "catalog_lookups_total",
			Help:      "Catalog resolutions by match mode and result.",
		}, []string{"mode", "result"}),
		enhancements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cardscan",
			Name:      "enhancements_total",
			Help:      "Enhancement runs by mode and result.",
		}, []string{"mode", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.scans, m.ocrDuration, m.lookups, m.enhancements)
	}
	return m
}

func (m *Metrics) observeScan(op string, status models.ScanStatus) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(op, string(status)).Inc()
}

func (m *Metrics) observeOCR(d time.Duration) {
	if m == nil {
		return
	}
	m.ocrDuration.Observe(d.Seconds())
}

func (m *Metrics) observeLookup(r catalog.Resolution) {
	if m == nil {
		return
	}
	mode, result := string(r.Mode), "matched"
	switch {
	case r.Skipped:
		mode, result = "none", "skipped"
	case !r.Matched() && r.Err != nil:
		mode, result = "none", "error"
	case !r.Matched():
		mode, result = "none", "no_match"
	case r.Ambiguous:
		result = "ambiguous"
	}
	m.lookups.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) observeEnhancement(mode Mode, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.enhancements.WithLabelValues(string(mode), result).Inc()
}
