package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.LogReceived()
	c.LogReceived()
	c.ParseError()
	c.ReconnectScheduled()
	c.Subscribed()
	c.DeployResult("success")
	c.SetConnectionState(StateConnecting)
	c.SetConnectionState(StateConnected)

	if got := testutil.ToFloat64(c.logsReceived); got != 2 {
		t.Fatalf("expected 2 log entries, got %v", got)
	}
	if got := testutil.ToFloat64(c.parseErrors); got != 1 {
		t.Fatalf("expected 1 parse error, got %v", got)
	}
	if got := testutil.ToFloat64(c.deployResults.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(c.connectionState.WithLabelValues(StateConnected)); got != 1 {
		t.Fatalf("expected connected gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(c.connectionState.WithLabelValues(StateConnecting)); got != 0 {
		t.Fatalf("expected connecting gauge 0, got %v", got)
	}
}

func TestCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg)
	second := New(reg)
	first.LogReceived()
	second.LogReceived()
	if got := testutil.ToFloat64(first.logsReceived); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.LogReceived()
	c.ParseError()
	c.ReconnectScheduled()
	c.Subscribed()
	c.SetConnectionState(StateConnected)
	c.DeployResult("failed")
}
