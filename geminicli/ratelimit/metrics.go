package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Limiter to prometheus.Collector so a host can
// register it without the bridge depending on any particular metrics
// registry (the teacher's client_golang dependency is otherwise unused
// by anything in this module's kept slice — see SPEC_FULL.md §3).
type Collector struct {
	limiter *Limiter

	minuteUsed  *prometheus.Desc
	minuteLimit *prometheus.Desc
	dayUsed     *prometheus.Desc
	dayLimit    *prometheus.Desc
}

// NewCollector wraps l for Prometheus export. l may be nil, in which
// case Collect reports nothing.
func NewCollector(l *Limiter) *Collector {
	return &Collector{
		limiter:     l,
		minuteUsed:  prometheus.NewDesc("gemini_bridge_ratelimit_minute_used", "Tokens consumed from the per-minute bucket.", nil, nil),
		minuteLimit: prometheus.NewDesc("gemini_bridge_ratelimit_minute_limit", "Capacity of the per-minute bucket.", nil, nil),
		dayUsed:     prometheus.NewDesc("gemini_bridge_ratelimit_day_used", "Tokens consumed from the per-day bucket.", nil, nil),
		dayLimit:    prometheus.NewDesc("gemini_bridge_ratelimit_day_limit", "Capacity of the per-day bucket.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.minuteUsed
	ch <- c.minuteLimit
	ch <- c.dayUsed
	ch <- c.dayLimit
}

// Collect implements prometheus.Collector. It is a no-op when the
// wrapped Limiter is nil.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.limiter == nil {
		return
	}
	status := c.limiter.GetQuotaStatus()
	ch <- prometheus.MustNewConstMetric(c.minuteUsed, prometheus.GaugeValue, float64(status.PerMinute.Used))
	ch <- prometheus.MustNewConstMetric(c.minuteLimit, prometheus.GaugeValue, float64(status.PerMinute.Limit))
	ch <- prometheus.MustNewConstMetric(c.dayUsed, prometheus.GaugeValue, float64(status.PerDay.Used))
	ch <- prometheus.MustNewConstMetric(c.dayLimit, prometheus.GaugeValue, float64(status.PerDay.Limit))
}
