package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeSource struct {
	clients int
	stats   map[string]AgentSnapshot
}

func (f *fakeSource) ClientCount() int                      { return f.clients }
func (f *fakeSource) AgentStats() map[string]AgentSnapshot { return f.stats }

func TestCollectorCollectEmitsGaugesAndCounters(t *testing.T) {
	source := &fakeSource{
		clients: 2,
		stats: map[string]AgentSnapshot{
			"svc-a": {ConnectedSockets: 3, AvailableSockets: 2, Waiters: 0, MaxSockets: 10, DistinctIPs: 1},
			"svc-b": {ConnectedSockets: 0, AvailableSockets: 0, Waiters: 1, MaxSockets: 10, DistinctIPs: 0},
		},
	}
	c := NewCollector(source)
	c.IncAdmissions()
	c.IncAdmissions()
	c.IncOverBudget()
	c.ObserveProxyRequest(true, 10*time.Millisecond)
	c.ObserveProxyRequest(false, 20*time.Millisecond)
	c.ObserveUpgrade()

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}

	for _, name := range []string{
		"tunneld_agents_total",
		"tunneld_agents_connected",
		"tunneld_connected_sockets",
		"tunneld_available_sockets",
		"tunneld_waiters",
		"tunneld_admissions_total",
		"tunneld_over_budget_total",
		"tunneld_proxy_requests_total",
		"tunneld_proxy_requests_success_total",
		"tunneld_proxy_requests_failed_total",
		"tunneld_proxy_latency_seconds",
		"tunneld_upgrade_total",
	} {
		if !found[name] {
			t.Errorf("expected metric family %q to be collected", name)
		}
	}
}
