package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "thumbcache"

const (
	OutcomeHit       = "hit"
	OutcomeMiss      = "miss"
	OutcomeCoalesced = "coalesced"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

type Metrics struct {
	Registry          *prometheus.Registry
	Requests          *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	FetchBytes        prometheus.Histogram
	TransformDuration *prometheus.HistogramVec
}

// SizeSource is satisfied by cache.ResultCache.
type SizeSource interface {
	Len() int
	Bytes() int64
}

// New registers all collectors on a fresh registry. A nil cache skips the cache gauges.
func New(cache SizeSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(namespace),
	)

	f := promauto.With(reg)
	m := &Metrics{
		Registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Image requests by outcome.",
		}, []string{"outcome"}),
		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching source images.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		FetchBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_bytes",
			Help:      "Size of fetched source images.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		TransformDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Time spent decoding, resizing and encoding.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format"}),
	}

	if cache != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries in the result cache.",
		}, func() float64 { return float64(cache.Len()) })
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes held by the result cache.",
		}, func() float64 { return float64(cache.Bytes()) })
	}

	return m
}
