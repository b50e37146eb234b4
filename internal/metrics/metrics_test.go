package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	l := Labels{Product: "nbm-qmd", Outcome: "success"}
	m.IncUnits(l)
	m.IncUnits(l)
	m.IncUnits(Labels{Product: "nbm-qmd", Outcome: "failure"})
	m.IncRollbacks(Labels{Product: "nbm-qmd"})
	m.AddBytesFetched(1024)
	m.IncInFlight()
	m.IncInFlight()
	m.DecInFlight()

	if got := testutil.ToFloat64(m.UnitsProcessed.WithLabelValues("nbm-qmd", "success")); got != 2 {
		t.Errorf("success units = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Rollbacks.WithLabelValues("nbm-qmd")); got != 1 {
		t.Errorf("rollbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesFetched); got != 1024 {
		t.Errorf("bytes fetched = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(m.InFlightUnits); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}

	// A second set on another registry must not collide.
	New(prometheus.NewRegistry(), "test")
}
