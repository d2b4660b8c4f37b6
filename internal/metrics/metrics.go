package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayStatsProvider exposes the gateway's call counters.
type GatewayStatsProvider interface {
	ActiveCalls() int
	CallsTotal() uint64
	CallsByOutcome() map[string]uint64
	KeepaliveFailures() uint64
	Failovers() uint64
	GapRejected() uint64
}

// DialogCounter returns the number of live TCAP dialogs.
type DialogCounter interface {
	ActiveDialogs() int
}

// Collector is a prometheus.Collector that gathers gateway metrics at scrape time.
type Collector struct {
	gateway   GatewayStatsProvider
	dialogs   DialogCounter
	startTime time.Time

	// Metric descriptors.
	activeCallsDesc       *prometheus.Desc
	activeDialogsDesc     *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	callsByOutcomeDesc    *prometheus.Desc
	keepaliveFailuresDesc *prometheus.Desc
	failoversDesc         *prometheus.Desc
	gapRejectedDesc       *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(gateway GatewayStatsProvider, dialogs DialogCounter, startTime time.Time) *Collector {
	return &Collector{
		gateway:   gateway,
		dialogs:   dialogs,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"capgw_active_calls",
			"Number of calls currently under gateway control",
			nil, nil,
		),
		activeDialogsDesc: prometheus.NewDesc(
			"capgw_active_dialogs",
			"Number of live TCAP dialogs on the signaling association",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"capgw_calls_total",
			"Total number of initial detection points accepted",
			nil, nil,
		),
		callsByOutcomeDesc: prometheus.NewDesc(
			"capgw_calls_finished_total",
			"Total number of finished calls by outcome",
			[]string{"outcome"}, nil,
		),
		keepaliveFailuresDesc: prometheus.NewDesc(
			"capgw_keepalive_failures_total",
			"Total number of calls torn down after missed activity tests",
			nil, nil,
		),
		failoversDesc: prometheus.NewDesc(
			"capgw_as_failovers_total",
			"Total number of application-server failovers",
			nil, nil,
		),
		gapRejectedDesc: prometheus.NewDesc(
			"capgw_gap_rejected_total",
			"Total number of initial detection points rejected by call gapping",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"capgw_uptime_seconds",
			"Seconds since the gateway process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeDialogsDesc
	ch <- c.callsTotalDesc
	ch <- c.callsByOutcomeDesc
	ch <- c.keepaliveFailuresDesc
	ch <- c.failoversDesc
	ch <- c.gapRejectedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.gateway != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.gateway.ActiveCalls()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue,
			float64(c.gateway.CallsTotal()),
		)
		for outcome, count := range c.gateway.CallsByOutcome() {
			ch <- prometheus.MustNewConstMetric(
				c.callsByOutcomeDesc, prometheus.CounterValue,
				float64(count), outcome,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.keepaliveFailuresDesc, prometheus.CounterValue,
			float64(c.gateway.KeepaliveFailures()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.failoversDesc, prometheus.CounterValue,
			float64(c.gateway.Failovers()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.gapRejectedDesc, prometheus.CounterValue,
			float64(c.gateway.GapRejected()),
		)
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeDialogsDesc, prometheus.GaugeValue,
			float64(c.dialogs.ActiveDialogs()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
