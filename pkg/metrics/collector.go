package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is pulled from at Collect time to populate the gauge metrics
// describing live agent/pool state, mirroring the teacher's pull-based
// getClients/getClientStatus callbacks.
type StatsSource interface {
	// ClientCount returns the number of currently registered clients.
	ClientCount() int
	// AgentStats returns a snapshot per registered client identifier.
	AgentStats() map[string]AgentSnapshot
}

// AgentSnapshot is one client's pool state at collection time.
type AgentSnapshot struct {
	ConnectedSockets int
	AvailableSockets int
	Waiters          int
	MaxSockets       int
	DistinctIPs      int
}

// Collector implements prometheus.Collector for the tunnel server: gauges
// are pulled from a StatsSource at Collect time, counters and the running
// latency sum behind the average-latency gauge are updated directly as
// requests happen via the Observe* and Inc* methods.
type Collector struct {
	source StatsSource

	agentsTotal        *prometheus.Desc
	agentsConnected    *prometheus.Desc
	connectedSockets   *prometheus.Desc
	availableSockets   *prometheus.Desc
	waiters            *prometheus.Desc
	admissionsTotal    *prometheus.Desc
	overBudgetTotal    *prometheus.Desc
	proxyRequestsTotal *prometheus.Desc
	proxySuccessTotal  *prometheus.Desc
	proxyFailedTotal   *prometheus.Desc
	proxyLatency       *prometheus.Desc
	upgradeTotal       *prometheus.Desc

	mu                sync.Mutex
	admissions        uint64
	overBudget        uint64
	proxyRequests     uint64
	proxySuccess      uint64
	proxyFailed       uint64
	upgrades          uint64
	proxyLatencySumMs float64
	proxyLatencyCount uint64
}

// NewCollector constructs a Collector that pulls agent state from source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		agentsTotal: prometheus.NewDesc(
			"tunneld_agents_total", "Number of currently registered clients.", nil, nil),
		agentsConnected: prometheus.NewDesc(
			"tunneld_agents_connected", "Number of clients with at least one connected tunnel socket.", nil, nil),
		connectedSockets: prometheus.NewDesc(
			"tunneld_connected_sockets", "Tunnel sockets currently connected for a client.", []string{"client"}, nil),
		availableSockets: prometheus.NewDesc(
			"tunneld_available_sockets", "Tunnel sockets currently idle in a client's pool.", []string{"client"}, nil),
		waiters: prometheus.NewDesc(
			"tunneld_waiters", "Pending checkout callers parked waiting for a free tunnel socket.", []string{"client"}, nil),
		admissionsTotal: prometheus.NewDesc(
			"tunneld_admissions_total", "Tunnel sockets admitted into a pool.", nil, nil),
		overBudgetTotal: prometheus.NewDesc(
			"tunneld_over_budget_total", "Tunnel socket connections refused for exceeding max_tcp_sockets.", nil, nil),
		proxyRequestsTotal: prometheus.NewDesc(
			"tunneld_proxy_requests_total", "Public HTTP requests proxied through a tunnel.", nil, nil),
		proxySuccessTotal: prometheus.NewDesc(
			"tunneld_proxy_requests_success_total", "Public HTTP requests proxied successfully.", nil, nil),
		proxyFailedTotal: prometheus.NewDesc(
			"tunneld_proxy_requests_failed_total", "Public HTTP requests that failed to proxy.", nil, nil),
		proxyLatency: prometheus.NewDesc(
			"tunneld_proxy_latency_seconds", "Average latency of proxied HTTP requests.", nil, nil),
		upgradeTotal: prometheus.NewDesc(
			"tunneld_upgrade_total", "Upgrade: (e.g. WebSocket) connections spliced through a tunnel.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.agentsTotal
	ch <- c.agentsConnected
	ch <- c.connectedSockets
	ch <- c.availableSockets
	ch <- c.waiters
	ch <- c.admissionsTotal
	ch <- c.overBudgetTotal
	ch <- c.proxyRequestsTotal
	ch <- c.proxySuccessTotal
	ch <- c.proxyFailedTotal
	ch <- c.proxyLatency
	ch <- c.upgradeTotal
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshots := c.source.AgentStats()
	connected := 0
	for _, s := range snapshots {
		if s.ConnectedSockets > 0 {
			connected++
		}
	}

	ch <- prometheus.MustNewConstMetric(c.agentsTotal, prometheus.GaugeValue, float64(c.source.ClientCount()))
	ch <- prometheus.MustNewConstMetric(c.agentsConnected, prometheus.GaugeValue, float64(connected))

	for id, s := range snapshots {
		ch <- prometheus.MustNewConstMetric(c.connectedSockets, prometheus.GaugeValue, float64(s.ConnectedSockets), id)
		ch <- prometheus.MustNewConstMetric(c.availableSockets, prometheus.GaugeValue, float64(s.AvailableSockets), id)
		ch <- prometheus.MustNewConstMetric(c.waiters, prometheus.GaugeValue, float64(s.Waiters), id)
	}

	c.mu.Lock()
	admissions := c.admissions
	overBudget := c.overBudget
	proxyRequests := c.proxyRequests
	proxySuccess := c.proxySuccess
	proxyFailed := c.proxyFailed
	upgrades := c.upgrades
	avgLatency := 0.0
	if c.proxyLatencyCount > 0 {
		avgLatency = (c.proxyLatencySumMs / float64(c.proxyLatencyCount)) / 1000.0
	}
	c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.admissionsTotal, prometheus.CounterValue, float64(admissions))
	ch <- prometheus.MustNewConstMetric(c.overBudgetTotal, prometheus.CounterValue, float64(overBudget))
	ch <- prometheus.MustNewConstMetric(c.proxyRequestsTotal, prometheus.CounterValue, float64(proxyRequests))
	ch <- prometheus.MustNewConstMetric(c.proxySuccessTotal, prometheus.CounterValue, float64(proxySuccess))
	ch <- prometheus.MustNewConstMetric(c.proxyFailedTotal, prometheus.CounterValue, float64(proxyFailed))
	ch <- prometheus.MustNewConstMetric(c.proxyLatency, prometheus.GaugeValue, avgLatency)
	ch <- prometheus.MustNewConstMetric(c.upgradeTotal, prometheus.CounterValue, float64(upgrades))
}

// IncAdmissions records a tunnel socket being admitted into a pool.
func (c *Collector) IncAdmissions() {
	c.mu.Lock()
	c.admissions++
	c.mu.Unlock()
}

// IncOverBudget records a tunnel socket connection refused over budget.
func (c *Collector) IncOverBudget() {
	c.mu.Lock()
	c.overBudget++
	c.mu.Unlock()
}

// ObserveProxyRequest implements tunnelclient.MetricsRecorder.
func (c *Collector) ObserveProxyRequest(success bool, dur time.Duration) {
	c.mu.Lock()
	c.proxyRequests++
	if success {
		c.proxySuccess++
	} else {
		c.proxyFailed++
	}
	c.proxyLatencySumMs += float64(dur.Microseconds()) / 1000.0
	c.proxyLatencyCount++
	c.mu.Unlock()
}

// ObserveUpgrade implements tunnelclient.MetricsRecorder.
func (c *Collector) ObserveUpgrade() {
	c.mu.Lock()
	c.upgrades++
	c.mu.Unlock()
}
