package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Sync {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestSettled(t *testing.T) {
	m := newTestMetrics(t)

	m.Dispatched("create")
	m.Settled("create", "confirmed", 0.02)
	m.Settled("create", "confirmed", 0.03)

	if v := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("create")); v != 1 {
		t.Errorf("DispatchesTotal[create] = %f, want 1", v)
	}
	if v := testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("create", "confirmed")); v != 2 {
		t.Errorf("OutcomesTotal[create,confirmed] = %f, want 2", v)
	}
}

func TestGauges(t *testing.T) {
	m := newTestMetrics(t)

	m.SetInFlight(3)
	m.SetDepth(7)
	m.SetOnline(true)

	if v := testutil.ToFloat64(m.InFlight); v != 3 {
		t.Errorf("InFlight = %f, want 3", v)
	}
	if v := testutil.ToFloat64(m.QueueDepth); v != 7 {
		t.Errorf("QueueDepth = %f, want 7", v)
	}
	if v := testutil.ToFloat64(m.Online); v != 1 {
		t.Errorf("Online = %f, want 1", v)
	}
	m.SetOnline(false)
	if v := testutil.ToFloat64(m.Online); v != 0 {
		t.Errorf("Online = %f, want 0", v)
	}
}

func TestNilIsNoop(t *testing.T) {
	var m *Sync
	m.Dispatched("update")
	m.Settled("update", "failed", 1)
	m.Retried()
	m.Conflicted()
	m.SetInFlight(1)
	m.SetDepth(1)
	m.SetOnline(true)
	m.Notification("ignored")
	m.Reconnected()
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
