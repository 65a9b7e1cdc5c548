package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Accept("won")
		m.SessionOpened()
		m.EventDropped("location_update")
		m.Push("failed")
	})
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Accept("won")
	m.Accept("already_claimed")
	m.Accept("already_claimed")
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.OffersCreated(3)

	require.InDelta(t, 1, testutil.ToFloat64(m.acceptTotal.WithLabelValues("won")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.acceptTotal.WithLabelValues("already_claimed")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.wsSessions), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.broadcastOffers), 0)
}

func TestRegisterHubGauges_ReadsStatsOnScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	users, watched := 2, 1
	RegisterHubGauges(reg, func() (int, int) { return users, watched })

	families, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range families {
		got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	require.InDelta(t, 2, got["realtime_connected_users"], 0)
	require.InDelta(t, 1, got["realtime_watched_deliveries"], 0)

	users = 5
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "realtime_connected_users" {
			require.InDelta(t, 5, mf.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}
}
