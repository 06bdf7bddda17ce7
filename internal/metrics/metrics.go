// Package metrics exposes PBX core state as Prometheus metrics, following
// the same pull-based prometheus.Collector pattern the rest of the
// flowpbx family uses: the collector queries lightweight providers at
// scrape time rather than caching its own copy of their state.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/flowpbx/pbxcore/internal/registry"
	"github.com/flowpbx/pbxcore/internal/tu"
	"github.com/prometheus/client_golang/prometheus"
)

// RegistrySnapshotter exposes a point-in-time view of occupied extensions.
type RegistrySnapshotter interface {
	Snapshot() []registry.Entry
}

// ShuttingDownProvider reports whether graceful shutdown has begun.
type ShuttingDownProvider interface {
	ShuttingDown() bool
}

// Counters accumulates cumulative command counts. Workers increment these
// directly as they dispatch commands; the collector reads them at scrape
// time without resetting them, per Prometheus counter semantics.
type Counters struct {
	dials   atomic.Uint64
	pickups atomic.Uint64
	hangups atomic.Uint64
	chats   atomic.Uint64
}

func (c *Counters) IncDial()   { c.dials.Add(1) }
func (c *Counters) IncPickup() { c.pickups.Add(1) }
func (c *Counters) IncHangup() { c.hangups.Add(1) }
func (c *Counters) IncChat()   { c.chats.Add(1) }

// Collector is a prometheus.Collector that gathers PBX core metrics at
// scrape time.
type Collector struct {
	registry     RegistrySnapshotter
	shuttingDown ShuttingDownProvider
	counters     *Counters
	startTime    time.Time

	registeredExtDesc *prometheus.Desc
	activeCallsDesc   *prometheus.Desc
	dialsDesc         *prometheus.Desc
	pickupsDesc       *prometheus.Desc
	hangupsDesc       *prometheus.Desc
	chatsDesc         *prometheus.Desc
	shutdownDesc      *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector bound to reg, which supplies
// registry snapshots, shuttingDown, which reports shutdown state, and
// counters, which accumulates per-command totals. Any of the three may be
// nil (as in tests); its metrics are then omitted from Collect.
func NewCollector(reg RegistrySnapshotter, shuttingDown ShuttingDownProvider, counters *Counters, startTime time.Time) *Collector {
	return &Collector{
		registry:     reg,
		shuttingDown: shuttingDown,
		counters:     counters,
		startTime:    startTime,

		registeredExtDesc: prometheus.NewDesc(
			"pbx_registered_extensions",
			"Number of extensions currently registered",
			nil, nil,
		),
		activeCallsDesc: prometheus.NewDesc(
			"pbx_active_calls",
			"Number of currently active or ringing call pairings",
			nil, nil,
		),
		dialsDesc: prometheus.NewDesc(
			"pbx_dials_total",
			"Total number of dial commands processed",
			nil, nil,
		),
		pickupsDesc: prometheus.NewDesc(
			"pbx_pickups_total",
			"Total number of pickup commands processed",
			nil, nil,
		),
		hangupsDesc: prometheus.NewDesc(
			"pbx_hangups_total",
			"Total number of hangup commands processed",
			nil, nil,
		),
		chatsDesc: prometheus.NewDesc(
			"pbx_chats_total",
			"Total number of chat commands processed",
			nil, nil,
		),
		shutdownDesc: prometheus.NewDesc(
			"pbx_shutdown_in_progress",
			"1 if the server is draining for graceful shutdown, 0 otherwise",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the PBX process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredExtDesc
	ch <- c.activeCallsDesc
	ch <- c.dialsDesc
	ch <- c.pickupsDesc
	ch <- c.hangupsDesc
	ch <- c.chatsDesc
	ch <- c.shutdownDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the registry and
// counters at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.registry != nil {
		snapshot := c.registry.Snapshot()
		ch <- prometheus.MustNewConstMetric(
			c.registeredExtDesc, prometheus.GaugeValue, float64(len(snapshot)),
		)

		paired := 0
		for _, e := range snapshot {
			switch e.State {
			case tu.Connected, tu.Ringing, tu.RingBack:
				paired++
			}
		}
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue, float64(paired)/2,
		)
	}

	if c.shuttingDown != nil {
		val := 0.0
		if c.shuttingDown.ShuttingDown() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.shutdownDesc, prometheus.GaugeValue, val)
	}

	if c.counters != nil {
		ch <- prometheus.MustNewConstMetric(c.dialsDesc, prometheus.CounterValue, float64(c.counters.dials.Load()))
		ch <- prometheus.MustNewConstMetric(c.pickupsDesc, prometheus.CounterValue, float64(c.counters.pickups.Load()))
		ch <- prometheus.MustNewConstMetric(c.hangupsDesc, prometheus.CounterValue, float64(c.counters.hangups.Load()))
		ch <- prometheus.MustNewConstMetric(c.chatsDesc, prometheus.CounterValue, float64(c.counters.chats.Load()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds(),
	)
}
