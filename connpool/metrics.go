package connpool

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	conns          prometheus.Gauge
	checkedOut     prometheus.Gauge
	checkoutWait   prometheus.Histogram
	checkoutsTotal *prometheus.CounterVec
	dialsTotal     *prometheus.CounterVec
}

var _ prometheus.Collector = (*metrics)(nil)

func newMetrics() *metrics {
	var m metrics

	m.conns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connpool_conns",
		Help: "Current number of open connections across all pools",
	})
	m.checkedOut = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connpool_checked_out_conns",
		Help: "Number of connections currently checked out by callers",
	})
	m.checkoutWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "connpool_checkout_wait_seconds",
		Help:    "Histogram of time spent waiting for a free connection",
		Buckets: prometheus.DefBuckets,
	})
	m.checkoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_checkouts_total",
		Help: "Total number of connection checkouts. result will be one of: success, canceled, or closed.",
	}, []string{"result"})
	m.dialsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_dials_total",
		Help: "Total number of connections dialed at startup. result will be one of: success or error.",
	}, []string{"result"})

	return &m
}

func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.conns.Describe(ch)
	m.checkedOut.Describe(ch)
	m.checkoutWait.Describe(ch)
	m.checkoutsTotal.Describe(ch)
	m.dialsTotal.Describe(ch)
}

func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.conns.Collect(ch)
	m.checkedOut.Collect(ch)
	m.checkoutWait.Collect(ch)
	m.checkoutsTotal.Collect(ch)
	m.dialsTotal.Collect(ch)
}
