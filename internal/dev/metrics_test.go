package dev

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelValue(metric *dto.Metric, name string) string {
	for _, l := range metric.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestMetrics_Records(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveCompile(ArtifactServer, &Stats{Duration: time.Second})
	m.ObserveCompile(ArtifactServer, &Stats{Errors: []Message{{Text: "x"}}})
	m.ServerSwapped()
	m.LoadFailed()
	m.Restarted()
	m.Purged(3)
	m.Purged(0)
	m.ObserveDispose(RoleServer, 10*time.Millisecond, true)

	hooks := m.TrackerHooks(RoleServer)
	hooks.OnOpen()
	hooks.OnOpen()
	hooks.OnClose()
	hooks.OnKill(4)

	families := gather(t, m)

	compiles := families["hotserve_compiles_total"]
	require.NotNil(t, compiles)
	results := map[string]float64{}
	for _, metric := range compiles.GetMetric() {
		results[labelValue(metric, "result")] = metric.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"ok": 1, "error": 1}, results)

	assert.Equal(t, 1.0, families["hotserve_server_swaps_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["hotserve_load_errors_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["hotserve_restarts_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 3.0, families["hotserve_cache_purged_entries_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["hotserve_tracked_connections"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 4.0, families["hotserve_connections_killed_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["hotserve_dispose_timeouts_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_SetState(t *testing.T) {
	m := NewMetrics(nil)
	m.SetState(StateRunning)

	family := gather(t, m)["hotserve_orchestrator_state"]
	require.NotNil(t, family)
	require.Len(t, family.GetMetric(), len(allStates))
	for _, metric := range family.GetMetric() {
		want := 0.0
		if labelValue(metric, "state") == StateRunning.String() {
			want = 1
		}
		assert.Equal(t, want, metric.GetGauge().GetValue(), labelValue(metric, "state"))
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCompile(ArtifactClient, &Stats{})
		m.ObserveDispose(RoleClient, time.Second, false)
		m.ServerSwapped()
		m.LoadFailed()
		m.Restarted()
		m.Purged(1)
		m.LiveClients(2)
		m.SetState(StateIdle)
		hooks := m.TrackerHooks(RoleClient)
		assert.Nil(t, hooks.OnOpen)
	})
	assert.Nil(t, m.Registry())
	assert.NotNil(t, m.Handler())
}
